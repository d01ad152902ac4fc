package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random job id: a version 4 UUID without dashes, safe for
// object keys and URL paths.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s looks like an id returned by New.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
