//go:build govips && cgo

package pipeline

import (
	"errors"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

// Sharpen tuning matching libvips' own defaults for a sigma-only sharpen.
const (
	vipsSharpenFlatJaggedThreshold = 2.0
	vipsSharpenJaggedSlope         = 2.0
)

// govipsTransformer runs every stage inside libvips.
type govipsTransformer struct{}

type vipsRaster struct {
	ref *vips.ImageRef
}

func (r vipsRaster) size() (int, int) {
	return r.ref.Width(), r.ref.Height()
}

func (r vipsRaster) release() {
	r.ref.Close()
}

func (govipsTransformer) Name() string {
	return "govips"
}

func (govipsTransformer) Decode(data []byte) (*PixelBuffer, error) {
	params := vips.NewImportParams()
	params.FailOnError.Set(false)

	img, err := vips.LoadImageFromBuffer(data, params)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	if err := img.AutoRotate(); err != nil {
		img.Close()
		return nil, fmt.Errorf("apply orientation: %w", err)
	}
	if err := img.ToColorSpace(vips.InterpretationSRGB); err != nil {
		img.Close()
		return nil, fmt.Errorf("convert to srgb: %w", err)
	}
	if err := img.Cast(vips.BandFormatUchar); err != nil {
		img.Close()
		return nil, fmt.Errorf("cast to 8-bit: %w", err)
	}
	if img.Width() <= 0 || img.Height() <= 0 {
		img.Close()
		return nil, errors.New("decoded image has no pixels")
	}
	return newPixelBuffer(vipsRaster{ref: img}, img.Bands()), nil
}

func (govipsTransformer) Normalize(buf *PixelBuffer, lowerPercentile, upperPercentile float64) (*PixelBuffer, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}

	bands := img.Bands()
	colorBands := bands
	if img.HasAlpha() {
		colorBands--
	}

	pix, err := img.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("read pixels: %w", err)
	}
	levels := channelLevels(pix, bands, colorBands, lowerPercentile, upperPercentile)

	scales := make([]float64, bands)
	offsets := make([]float64, bands)
	changed := false
	for c := 0; c < bands; c++ {
		scales[c] = 1
		if c < colorBands {
			scales[c], offsets[c] = levels[c].scaleOffset()
			changed = changed || !levels[c].identity()
		}
	}
	if !changed {
		return buf, nil
	}

	if err := img.Linear(scales, offsets); err != nil {
		return nil, fmt.Errorf("stretch levels: %w", err)
	}
	if err := img.Cast(vips.BandFormatUchar); err != nil {
		return nil, fmt.Errorf("cast to 8-bit: %w", err)
	}
	return buf, nil
}

func (govipsTransformer) Gamma(buf *PixelBuffer, exponent float64) (*PixelBuffer, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}
	if exponent <= 0 {
		return nil, fmt.Errorf("gamma exponent must be positive, got %v", exponent)
	}
	// vips_gamma raises samples to 1/exponent.
	if err := img.Gamma(1 / exponent); err != nil {
		return nil, fmt.Errorf("apply gamma: %w", err)
	}
	return buf, nil
}

func (govipsTransformer) Median(buf *PixelBuffer, radius int) (*PixelBuffer, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}
	if radius < 1 {
		return buf, nil
	}
	size := 2*radius + 1
	if err := img.Rank(size, size, size*size/2); err != nil {
		return nil, fmt.Errorf("median filter: %w", err)
	}
	return buf, nil
}

func (govipsTransformer) Modulate(buf *PixelBuffer, saturation, brightness float64) (*PixelBuffer, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}
	if err := img.Modulate(brightness, saturation, 0); err != nil {
		return nil, fmt.Errorf("modulate: %w", err)
	}
	return buf, nil
}

func (govipsTransformer) Sharpen(buf *PixelBuffer, sigma float64) (*PixelBuffer, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}
	if sigma <= 0 {
		return buf, nil
	}
	if err := img.Sharpen(sigma, vipsSharpenFlatJaggedThreshold, vipsSharpenJaggedSlope); err != nil {
		return nil, fmt.Errorf("sharpen: %w", err)
	}
	return buf, nil
}

func (govipsTransformer) Resize(buf *PixelBuffer, width, height int) (*PixelBuffer, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid resize target %dx%d", width, height)
	}
	if width == img.Width() && height == img.Height() {
		return buf, nil
	}

	hScale := float64(width) / float64(img.Width())
	vScale := float64(height) / float64(img.Height())
	if err := img.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return nil, fmt.Errorf("resize image: %w", err)
	}
	return buf.replace(vipsRaster{ref: img}), nil
}

func (govipsTransformer) Encode(buf *PixelBuffer, format Format) ([]byte, error) {
	img, err := vipsRefOf(buf)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatPNG:
		params := vips.NewPngExportParams()
		params.Compression = pngCompressionLevel
		params.Palette = false
		data, _, err := img.ExportPng(params)
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = webpQuality
		data, _, err := img.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case FormatJPEG:
		// mozjpeg defaults: trellis quantisation, overshoot deringing,
		// optimized scans and the ImageMagick quant table.
		params := vips.NewJpegExportParams()
		params.Quality = jpegQuality
		params.Interlace = true
		params.OptimizeCoding = true
		params.TrellisQuant = true
		params.OvershootDeringing = true
		params.OptimizeScans = true
		params.QuantTable = 3
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

func vipsRefOf(buf *PixelBuffer) (*vips.ImageRef, error) {
	if buf == nil || buf.raster == nil {
		return nil, errors.New("pixel buffer is empty")
	}
	r, ok := buf.raster.(vipsRaster)
	if !ok {
		return nil, fmt.Errorf("pixel buffer holds %T, want vips raster", buf.raster)
	}
	return r.ref, nil
}
