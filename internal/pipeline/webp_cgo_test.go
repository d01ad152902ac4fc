//go:build cgo

package pipeline

import (
	"context"
	"testing"
)

func TestEnhanceWebPRoundTrip(t *testing.T) {
	enhancer, err := NewEnhancer(nil, WithTransformer(stdlibTransformer{}))
	if err != nil {
		t.Fatalf("new enhancer: %v", err)
	}

	out, err := enhancer.Enhance(context.Background(), RawImage{Data: buildTestPNG(t, 40, 30), MIMEType: "image/webp"}, DefaultConfig())
	if err != nil {
		t.Fatalf("enhance: %v", err)
	}
	if out.ContentType != "image/webp" {
		t.Fatalf("expected image/webp, got %s", out.ContentType)
	}

	img, format := decodeOutput(t, out.Data)
	if format != "webp" {
		t.Fatalf("expected webp stream, got %s", format)
	}
	if img.Bounds().Dx() != 80 || img.Bounds().Dy() != 60 {
		t.Fatalf("expected 80x60, got %v", img.Bounds())
	}
}
