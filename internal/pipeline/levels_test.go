package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelLevelsPercentiles(t *testing.T) {
	pix := make([]byte, 0, 256*4)
	for v := 0; v < 256; v++ {
		pix = append(pix, byte(v), byte(255-v), 128, 255)
	}

	levels := channelLevels(pix, 4, 3, 1, 99)
	require.Len(t, levels, 3)

	// 256 samples: the 1st percentile is the 3rd value and the 99th the 254th.
	assert.Equal(t, channelLevel{low: 2, high: 253}, levels[0])
	assert.Equal(t, channelLevel{low: 2, high: 253}, levels[1])
	assert.Equal(t, channelLevel{low: 128, high: 128}, levels[2])
	assert.True(t, levels[2].identity())
}

func TestChannelLevelsIgnoresOutliers(t *testing.T) {
	pix := make([]byte, 0, 1000)
	for i := 0; i < 1000; i++ {
		switch {
		case i < 5:
			pix = append(pix, 0)
		case i >= 995:
			pix = append(pix, 255)
		default:
			pix = append(pix, byte(100+(i%51)))
		}
	}

	levels := channelLevels(pix, 1, 1, 1, 99)
	require.Len(t, levels, 1)
	assert.Equal(t, uint8(100), levels[0].low)
	assert.Equal(t, uint8(150), levels[0].high)
}

func TestChannelLevelsSkipsTransparentPixels(t *testing.T) {
	pix := make([]byte, 0, 200*4)
	for i := 0; i < 100; i++ {
		v := byte(100)
		if i%2 == 1 {
			v = 150
		}
		pix = append(pix, v, v, v, 255)
	}
	// Hidden colour under alpha 0 must not move the visible range.
	for i := 0; i < 100; i++ {
		pix = append(pix, 0, 255, 0, 0)
	}

	levels := channelLevels(pix, 4, 3, 1, 99)
	require.Len(t, levels, 3)
	for c, l := range levels {
		assert.Equal(t, uint8(100), l.low, "channel %d", c)
		assert.Equal(t, uint8(150), l.high, "channel %d", c)
	}

	allClear := []byte{10, 20, 30, 0, 200, 210, 220, 0}
	for _, l := range channelLevels(allClear, 4, 3, 1, 99) {
		assert.True(t, l.identity())
	}

	// Without an alpha band the fourth sample is colour and is measured.
	levels = channelLevels([]byte{0, 0, 0, 0, 255, 255, 255, 255}, 4, 4, 0, 100)
	assert.Equal(t, channelLevel{low: 0, high: 255}, levels[3])
}

func TestChannelLevelsDegenerateInput(t *testing.T) {
	assert.Len(t, channelLevels(nil, 4, 3, 1, 99), 3)
	assert.True(t, channelLevels(nil, 4, 3, 1, 99)[0].identity())
	assert.Len(t, channelLevels([]byte{1, 2}, 2, 3, 1, 99), 3)
}

func TestChannelLevelStretch(t *testing.T) {
	l := channelLevel{low: 100, high: 150}

	assert.InDelta(t, 0, l.stretch(100.0/255), 1e-9)
	assert.InDelta(t, 1, l.stretch(150.0/255), 1e-9)
	assert.InDelta(t, 0.5, l.stretch(125.0/255), 1e-9)
	assert.Equal(t, 0.0, l.stretch(10.0/255))
	assert.Equal(t, 1.0, l.stretch(250.0/255))

	scale, offset := l.scaleOffset()
	assert.InDelta(t, 255, 150*scale+offset, 1e-9)
	assert.InDelta(t, 0, 100*scale+offset, 1e-9)

	flat := channelLevel{low: 90, high: 90}
	assert.Equal(t, 0.3, flat.stretch(0.3))
	scale, offset = flat.scaleOffset()
	assert.Equal(t, 1.0, scale)
	assert.Equal(t, 0.0, offset)
}
