package pipeline

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/gift"
	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// stdlibTransformer is the pure Go backend.
type stdlibTransformer struct{}

type nrgbaRaster struct {
	img *image.NRGBA
}

func (r nrgbaRaster) size() (int, int) {
	b := r.img.Bounds()
	return b.Dx(), b.Dy()
}

func (nrgbaRaster) release() {}

func (stdlibTransformer) Name() string {
	return "stdlib"
}

func (stdlibTransformer) Decode(data []byte) (*PixelBuffer, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		// Best effort: a cut-off JPEG or PNG still yields what survived.
		repaired, ok := repairTruncated(data)
		if !ok {
			return nil, fmt.Errorf("decode source image: %w", err)
		}
		recovered, rerr := imaging.Decode(bytes.NewReader(repaired), imaging.AutoOrientation(true))
		if rerr != nil {
			return nil, fmt.Errorf("decode source image: %w", err)
		}
		src = recovered
	}
	if src.Bounds().Empty() {
		return nil, errors.New("decoded image has no pixels")
	}

	channels := 4
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		channels = 3
	}

	// Clone converts any decoded model (YCbCr, Gray, CMYK, paletted) to
	// 8-bit sRGB NRGBA anchored at the origin.
	return newPixelBuffer(nrgbaRaster{img: imaging.Clone(src)}, channels), nil
}

func (t stdlibTransformer) Normalize(buf *PixelBuffer, lowerPercentile, upperPercentile float64) (*PixelBuffer, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}

	levels := channelLevels(src.Pix, 4, 3, lowerPercentile, upperPercentile)
	if levels[0].identity() && levels[1].identity() && levels[2].identity() {
		return buf, nil
	}

	stretch := gift.ColorFunc(func(r0, g0, b0, a0 float32) (float32, float32, float32, float32) {
		return float32(levels[0].stretch(float64(r0))),
			float32(levels[1].stretch(float64(g0))),
			float32(levels[2].stretch(float64(b0))),
			a0
	})
	return buf.replace(nrgbaRaster{img: applyFilters(src, stretch)}), nil
}

func (stdlibTransformer) Gamma(buf *PixelBuffer, exponent float64) (*PixelBuffer, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}
	if exponent <= 0 {
		return nil, fmt.Errorf("gamma exponent must be positive, got %v", exponent)
	}
	// gift raises samples to 1/gamma.
	return buf.replace(nrgbaRaster{img: applyFilters(src, gift.Gamma(float32(1/exponent)))}), nil
}

func (stdlibTransformer) Median(buf *PixelBuffer, radius int) (*PixelBuffer, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}
	if radius < 1 {
		return buf, nil
	}
	return buf.replace(nrgbaRaster{img: applyFilters(src, gift.Median(2*radius+1, false))}), nil
}

func (stdlibTransformer) Modulate(buf *PixelBuffer, saturation, brightness float64) (*PixelBuffer, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}

	// Chroma and lightness are scaled in CIE LCh so hue stays put.
	modulate := gift.ColorFunc(func(r0, g0, b0, a0 float32) (float32, float32, float32, float32) {
		c := colorful.Color{R: float64(r0), G: float64(g0), B: float64(b0)}
		h, chroma, l := c.Hcl()
		out := colorful.Hcl(h, chroma*saturation, l*brightness).Clamped()
		return float32(out.R), float32(out.G), float32(out.B), a0
	})
	return buf.replace(nrgbaRaster{img: applyFilters(src, modulate)}), nil
}

func (stdlibTransformer) Sharpen(buf *PixelBuffer, sigma float64) (*PixelBuffer, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}
	if sigma <= 0 {
		return buf, nil
	}
	return buf.replace(nrgbaRaster{img: applyFilters(src, gift.UnsharpMask(float32(sigma), unsharpAmount, unsharpThreshold))}), nil
}

func (stdlibTransformer) Resize(buf *PixelBuffer, width, height int) (*PixelBuffer, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", width, height)
	}
	if width == buf.Width && height == buf.Height {
		return buf, nil
	}
	return buf.replace(nrgbaRaster{img: imaging.Resize(src, width, height, imaging.Lanczos)}), nil
}

func (stdlibTransformer) Encode(buf *PixelBuffer, format Format) ([]byte, error) {
	src, err := nrgbaOf(buf)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	switch format {
	case FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.BestCompression}
		if err := encoder.Encode(&out, src); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case FormatWebP:
		data, err := encodeWebP(src, webpQuality)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case FormatJPEG:
		if err := jpeg.Encode(&out, src, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return out.Bytes(), nil
}

func nrgbaOf(buf *PixelBuffer) (*image.NRGBA, error) {
	if buf == nil || buf.raster == nil {
		return nil, errors.New("pixel buffer is empty")
	}
	r, ok := buf.raster.(nrgbaRaster)
	if !ok {
		return nil, fmt.Errorf("pixel buffer holds %T, want stdlib raster", buf.raster)
	}
	return r.img, nil
}

func applyFilters(src *image.NRGBA, filters ...gift.Filter) *image.NRGBA {
	g := gift.New(filters...)
	dst := image.NewNRGBA(g.Bounds(src.Bounds()))
	g.Draw(dst, src)
	return dst
}
