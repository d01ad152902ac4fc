package pipeline

// Transformer is a pixel backend. Every operation takes ownership of buf and
// returns the buffer the next stage should use.
type Transformer interface {
	Name() string
	Decode(data []byte) (*PixelBuffer, error)
	Normalize(buf *PixelBuffer, lowerPercentile, upperPercentile float64) (*PixelBuffer, error)
	Gamma(buf *PixelBuffer, exponent float64) (*PixelBuffer, error)
	Median(buf *PixelBuffer, radius int) (*PixelBuffer, error)
	Modulate(buf *PixelBuffer, saturation, brightness float64) (*PixelBuffer, error)
	Sharpen(buf *PixelBuffer, sigma float64) (*PixelBuffer, error)
	Resize(buf *PixelBuffer, width, height int) (*PixelBuffer, error)
	Encode(buf *PixelBuffer, format Format) ([]byte, error)
}

// RuntimeOptions tunes the native backend process-wide. The pure Go backend
// ignores it.
type RuntimeOptions struct {
	// Concurrency is the thread count libvips may use inside one operation.
	// Parallelism across requests is bounded by the callers.
	Concurrency   int
	CacheMemBytes int
}

func (o RuntimeOptions) withDefaults() RuntimeOptions {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.CacheMemBytes <= 0 {
		o.CacheMemBytes = 128 << 20
	}
	return o
}
