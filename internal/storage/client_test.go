package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func TestNewClientRequiresBucket(t *testing.T) {
	if _, err := NewClient(Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected missing bucket to be rejected")
	}
}

func TestPresignedGetURLIsOffline(t *testing.T) {
	// The region is pinned so presigning needs no bucket location lookup.
	mc, err := minio.New("localhost:9000", &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("new minio client: %v", err)
	}
	c := &Client{minio: mc, bucket: "retouch-jobs"}

	raw, err := c.PresignedGetURL(context.Background(), "outputs/job-1/enhanced.png", 5*time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if !strings.HasSuffix(u.Path, "/retouch-jobs/outputs/job-1/enhanced.png") {
		t.Fatalf("unexpected presigned path %q", u.Path)
	}
	if got := u.Query().Get("response-content-disposition"); got != `attachment; filename="enhanced.png"` {
		t.Fatalf("unexpected content disposition %q", got)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Fatal("expected a signed url")
	}
}

func TestClassifyNotFound(t *testing.T) {
	err := classify(minio.ErrorResponse{Code: "NoSuchKey", Message: "gone"})
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}

	other := errors.New("connection reset")
	if classify(other) != other {
		t.Fatal("unrelated errors must pass through")
	}
}
