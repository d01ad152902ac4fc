package pipeline

import "math"

// channelLevel is the black and white point of one channel.
type channelLevel struct {
	low  uint8
	high uint8
}

func (l channelLevel) identity() bool {
	return l.high <= l.low
}

// stretch maps a normalized sample so that low becomes 0 and high becomes 1.
func (l channelLevel) stretch(v float64) float64 {
	if l.identity() {
		return v
	}
	out := (v*255 - float64(l.low)) / float64(l.high-l.low)
	switch {
	case out < 0:
		return 0
	case out > 1:
		return 1
	default:
		return out
	}
}

// scaleOffset expresses stretch as out = in*scale + offset on 0..255 samples.
func (l channelLevel) scaleOffset() (float64, float64) {
	if l.identity() {
		return 1, 0
	}
	scale := 255 / float64(l.high-l.low)
	return scale, -float64(l.low) * scale
}

// channelLevels measures per-channel percentile bounds over interleaved
// 8-bit samples. Each pixel is bands wide; only the first colorBands are
// measured, so alpha is left alone. When the last band is alpha, fully
// transparent pixels are not counted.
func channelLevels(pix []byte, bands, colorBands int, lowerPercentile, upperPercentile float64) []channelLevel {
	levels := make([]channelLevel, colorBands)
	if bands < 1 || colorBands < 1 || colorBands > bands {
		return levels
	}

	hist := make([][256]int, colorBands)
	hasAlpha := bands > colorBands
	total := 0
	for i := 0; i+bands <= len(pix); i += bands {
		if hasAlpha && pix[i+bands-1] == 0 {
			continue
		}
		for c := 0; c < colorBands; c++ {
			hist[c][pix[i+c]]++
		}
		total++
	}
	if total == 0 {
		return levels
	}

	lowCount := int(math.Ceil(float64(total) * lowerPercentile / 100))
	highCount := int(math.Ceil(float64(total) * upperPercentile / 100))
	for c := range hist {
		levels[c] = channelLevel{
			low:  percentileValue(&hist[c], lowCount),
			high: percentileValue(&hist[c], highCount),
		}
	}
	return levels
}

func percentileValue(hist *[256]int, count int) uint8 {
	if count < 1 {
		count = 1
	}
	cumulative := 0
	for v := 0; v < len(hist); v++ {
		cumulative += hist[v]
		if cumulative >= count {
			return uint8(v)
		}
	}
	return 255
}
