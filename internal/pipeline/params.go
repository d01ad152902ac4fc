package pipeline

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	MinUpscaleFactor     = 1
	MaxUpscaleFactor     = 4
	DefaultUpscaleFactor = 2

	MinDenoiseLevel     = 0
	MaxDenoiseLevel     = 3
	DefaultDenoiseLevel = 1

	MinSharpenLevel     = 0
	MaxSharpenLevel     = 2
	DefaultSharpenLevel = 1

	DefaultAutoContrast = true
	DefaultColorBoost   = true
)

// Form field names accepted by every entry point.
const (
	FieldImage        = "image"
	FieldUpscale      = "upscale"
	FieldDenoise      = "denoise"
	FieldSharpen      = "sharpen"
	FieldAutoContrast = "autoContrast"
	FieldColorBoost   = "colorBoost"
)

// Config is the normalized enhancement configuration. Values produced by
// Normalize are always within their documented ranges.
type Config struct {
	UpscaleFactor int  `json:"upscale_factor"`
	DenoiseLevel  int  `json:"denoise_level"`
	SharpenLevel  int  `json:"sharpen_level"`
	AutoContrast  bool `json:"auto_contrast"`
	ColorBoost    bool `json:"color_boost"`
}

func DefaultConfig() Config {
	return Config{
		UpscaleFactor: DefaultUpscaleFactor,
		DenoiseLevel:  DefaultDenoiseLevel,
		SharpenLevel:  DefaultSharpenLevel,
		AutoContrast:  DefaultAutoContrast,
		ColorBoost:    DefaultColorBoost,
	}
}

// Validate reports a range violation. Configs built by Normalize never fail;
// this guards values that crossed a serialization boundary.
func (c Config) Validate() error {
	if c.UpscaleFactor < MinUpscaleFactor || c.UpscaleFactor > MaxUpscaleFactor {
		return fmt.Errorf("upscale_factor %d outside [%d,%d]", c.UpscaleFactor, MinUpscaleFactor, MaxUpscaleFactor)
	}
	if c.DenoiseLevel < MinDenoiseLevel || c.DenoiseLevel > MaxDenoiseLevel {
		return fmt.Errorf("denoise_level %d outside [%d,%d]", c.DenoiseLevel, MinDenoiseLevel, MaxDenoiseLevel)
	}
	if c.SharpenLevel < MinSharpenLevel || c.SharpenLevel > MaxSharpenLevel {
		return fmt.Errorf("sharpen_level %d outside [%d,%d]", c.SharpenLevel, MinSharpenLevel, MaxSharpenLevel)
	}
	return nil
}

// Params holds raw, user-supplied parameter text. A nil field means the
// parameter was absent.
type Params struct {
	Upscale      *string
	Denoise      *string
	Sharpen      *string
	AutoContrast *string
	ColorBoost   *string
}

// Normalize turns raw parameters into a Config. It never fails: malformed or
// out-of-range input falls back to defaults or is clamped.
func Normalize(p Params) Config {
	return Config{
		UpscaleFactor: ParseIntInRange(p.Upscale, MinUpscaleFactor, MaxUpscaleFactor, DefaultUpscaleFactor),
		DenoiseLevel:  ParseIntInRange(p.Denoise, MinDenoiseLevel, MaxDenoiseLevel, DefaultDenoiseLevel),
		SharpenLevel:  ParseIntInRange(p.Sharpen, MinSharpenLevel, MaxSharpenLevel, DefaultSharpenLevel),
		AutoContrast:  ParseBool(p.AutoContrast, DefaultAutoContrast),
		ColorBoost:    ParseBool(p.ColorBoost, DefaultColorBoost),
	}
}

// ParamsFromValues reads the enhancement fields from form values. Only the
// first value of a repeated field is used.
func ParamsFromValues(values url.Values) Params {
	get := func(key string) *string {
		if !values.Has(key) {
			return nil
		}
		v := values.Get(key)
		return &v
	}
	return Params{
		Upscale:      get(FieldUpscale),
		Denoise:      get(FieldDenoise),
		Sharpen:      get(FieldSharpen),
		AutoContrast: get(FieldAutoContrast),
		ColorBoost:   get(FieldColorBoost),
	}
}

// ParseBool is true only for "1", "true", "yes" or "on", compared
// case-insensitively. Absent values yield fallback.
func ParseBool(v *string, fallback bool) bool {
	if v == nil {
		return fallback
	}
	switch strings.ToLower(*v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// ParseIntInRange parses v as a number, rounds half up and clamps the result
// into [min,max]. Absent or non-finite input yields fallback.
func ParseIntInRange(v *string, min, max, fallback int) int {
	if v == nil {
		return fallback
	}
	n, ok := parseNumber(*v)
	if !ok {
		return fallback
	}
	rounded := math.Floor(n + 0.5)
	if rounded < float64(min) {
		return min
	}
	if rounded > float64(max) {
		return max
	}
	return int(rounded)
}

// parseNumber follows browser form semantics: blank input is zero,
// surrounding whitespace is ignored and 0x/0b/0o integer literals are read
// in their base.
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, true
	}
	lower := strings.ToLower(s)
	if len(lower) > 2 && lower[0] == '0' && strings.ContainsRune("xbo", rune(lower[1])) {
		return parsePrefixedInteger(lower)
	}
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") || strings.Contains(s, "_") {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(n, 0) || math.IsNaN(n) {
		return 0, false
	}
	return n, true
}

// parsePrefixedInteger reads unsigned 0x, 0b and 0o literals. Values past
// uint64 are still finite numbers and clamp like any other large input.
func parsePrefixedInteger(lower string) (float64, bool) {
	base := 8
	switch lower[1] {
	case 'x':
		base = 16
	case 'b':
		base = 2
	}
	n, err := strconv.ParseUint(lower[2:], base, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return math.MaxUint64, true
		}
		return 0, false
	}
	return float64(n), true
}
