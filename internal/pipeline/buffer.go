package pipeline

// RawImage is the request input. It is never mutated.
type RawImage struct {
	Data     []byte
	MIMEType string
}

// EncodedOutput is the final encoded image.
type EncodedOutput struct {
	Data        []byte
	ContentType string
	Format      Format
	Width       int
	Height      int
}

// raster is a backend-specific pixel handle.
type raster interface {
	size() (width, height int)
	release()
}

// PixelBuffer is the decoded image threaded through the stages. Exactly one
// stage owns it at a time.
type PixelBuffer struct {
	Width    int
	Height   int
	Channels int

	// OrigWidth and OrigHeight are the upright decoded dimensions; zero
	// means unknown.
	OrigWidth  int
	OrigHeight int

	raster raster
}

func newPixelBuffer(r raster, channels int) *PixelBuffer {
	w, h := r.size()
	return &PixelBuffer{
		Width:      w,
		Height:     h,
		Channels:   channels,
		OrigWidth:  w,
		OrigHeight: h,
		raster:     r,
	}
}

// replace swaps in the next raster and releases the previous one.
func (b *PixelBuffer) replace(next raster) *PixelBuffer {
	if b.raster != nil && b.raster != next {
		b.raster.release()
	}
	b.raster = next
	b.Width, b.Height = next.size()
	return b
}

// Release frees the backend raster. The buffer must not be used afterwards.
func (b *PixelBuffer) Release() {
	if b == nil || b.raster == nil {
		return
	}
	b.raster.release()
	b.raster = nil
}
