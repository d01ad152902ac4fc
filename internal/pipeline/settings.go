package pipeline

import "github.com/dunamismax/retouch/internal/domain"

// Settings converts c to its stored form.
func (c Config) Settings() domain.Settings {
	return domain.Settings{
		Upscale:      c.UpscaleFactor,
		Denoise:      c.DenoiseLevel,
		Sharpen:      c.SharpenLevel,
		AutoContrast: c.AutoContrast,
		ColorBoost:   c.ColorBoost,
	}
}

// ConfigFromSettings rebuilds a Config from stored settings. Stored values
// are clamped again so a tampered record cannot reach the stages.
func ConfigFromSettings(s domain.Settings) Config {
	return Config{
		UpscaleFactor: clampInt(s.Upscale, MinUpscaleFactor, MaxUpscaleFactor),
		DenoiseLevel:  clampInt(s.Denoise, MinDenoiseLevel, MaxDenoiseLevel),
		SharpenLevel:  clampInt(s.Sharpen, MinSharpenLevel, MaxSharpenLevel),
		AutoContrast:  s.AutoContrast,
		ColorBoost:    s.ColorBoost,
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
