package pipeline

import "math"

// Fixed enhancement constants. Only the toggles and levels in Config are
// user tunable.
const (
	dehazeGamma = 0.95

	normalizeLowerPercentile = 1
	normalizeUpperPercentile = 99

	saturationBoost = 1.10
	brightnessBoost = 1.02

	sharpenSigmaPerLevel = 0.8
	unsharpAmount        = 1.0
	unsharpThreshold     = 0.0
)

// StageFunc takes ownership of buf and returns the buffer for the next stage.
type StageFunc func(t Transformer, buf *PixelBuffer, cfg Config) (*PixelBuffer, error)

// Stage is one named step of the enhancement pipeline.
type Stage struct {
	Name  string
	Apply StageFunc
}

// Stages returns the enhancement stages in execution order. Later stages
// assume the earlier ones already ran: sharpen is tuned for denoised input.
func Stages() []Stage {
	return []Stage{
		{Name: "tonal", Apply: Tonal},
		{Name: "denoise", Apply: Denoise},
		{Name: "color", Apply: Color},
		{Name: "sharpen", Apply: Sharpen},
		{Name: "resample", Apply: Resample},
	}
}

// Tonal stretches per-channel levels when AutoContrast is set, then always
// applies the dehaze gamma. Normalizing first keeps gamma from amplifying
// clipped values.
func Tonal(t Transformer, buf *PixelBuffer, cfg Config) (*PixelBuffer, error) {
	if cfg.AutoContrast {
		var err error
		buf, err = t.Normalize(buf, normalizeLowerPercentile, normalizeUpperPercentile)
		if err != nil {
			return nil, err
		}
	}
	return t.Gamma(buf, dehazeGamma)
}

// Denoise applies a median filter whose radius is the denoise level.
func Denoise(t Transformer, buf *PixelBuffer, cfg Config) (*PixelBuffer, error) {
	if cfg.DenoiseLevel <= 0 {
		return buf, nil
	}
	return t.Median(buf, cfg.DenoiseLevel)
}

func Color(t Transformer, buf *PixelBuffer, cfg Config) (*PixelBuffer, error) {
	if !cfg.ColorBoost {
		return buf, nil
	}
	return t.Modulate(buf, saturationBoost, brightnessBoost)
}

// Sharpen applies an unsharp mask with sigma 0.8 per level.
func Sharpen(t Transformer, buf *PixelBuffer, cfg Config) (*PixelBuffer, error) {
	if cfg.SharpenLevel <= 0 {
		return buf, nil
	}
	return t.Sharpen(buf, SharpenSigma(cfg.SharpenLevel))
}

// Resample enlarges to exactly round(orig*factor) on both axes with a
// Lanczos-3 kernel. Unknown original dimensions make it a no-op.
func Resample(t Transformer, buf *PixelBuffer, cfg Config) (*PixelBuffer, error) {
	width, height, ok := TargetSize(buf.OrigWidth, buf.OrigHeight, cfg.UpscaleFactor)
	if !ok {
		return buf, nil
	}
	return t.Resize(buf, width, height)
}

func SharpenSigma(level int) float64 {
	return sharpenSigmaPerLevel * float64(level)
}

// TargetSize returns the resample target, or false when no resample applies.
func TargetSize(origWidth, origHeight, factor int) (int, int, bool) {
	if factor <= 1 || origWidth <= 0 || origHeight <= 0 {
		return 0, 0, false
	}
	width := int(math.Round(float64(origWidth) * float64(factor)))
	height := int(math.Round(float64(origHeight) * float64(factor)))
	return width, height, true
}
