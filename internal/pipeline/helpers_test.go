package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync"
	"testing"
	"time"
)

func buildTestPNG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{
				R: uint8((x * 255) / w),
				G: uint8((y * 255) / h),
				B: 140,
				A: 255,
			})
		}
	}
	return encodeTestPNG(t, img)
}

func buildUniformPNG(t testing.TB, w, h int, c color.NRGBA) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return encodeTestPNG(t, img)
}

// buildColumnsPNG paints column x with cols[x] on every row.
func buildColumnsPNG(t testing.TB, cols []color.NRGBA, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, len(cols), h))
	for y := 0; y < h; y++ {
		for x, c := range cols {
			img.SetNRGBA(x, y, c)
		}
	}
	return encodeTestPNG(t, img)
}

func encodeTestPNG(t testing.TB, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode source png: %v", err)
	}
	return buf.Bytes()
}

func buildTestJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8((x * 255) / w), G: 90, B: uint8((y * 255) / h), A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

// buildBusyJPEG encodes a high-detail pattern so most of the file is
// entropy-coded scan data.
func buildBusyJPEG(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x*37 + y*11), G: uint8(x*x + y*53), B: uint8(x*y + 17), A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode source jpeg: %v", err)
	}
	return buf.Bytes()
}

// withEXIFOrientation inserts a minimal big-endian EXIF APP1 segment carrying
// the given orientation right after the JPEG SOI marker.
func withEXIFOrientation(t testing.TB, jpegData []byte, orientation uint16) []byte {
	t.Helper()

	if len(jpegData) < 2 || jpegData[0] != 0xFF || jpegData[1] != 0xD8 {
		t.Fatal("not a jpeg stream")
	}

	tiff := []byte{
		'M', 'M', 0x00, 0x2A, 0x00, 0x00, 0x00, 0x08, // header, IFD0 at offset 8
		0x00, 0x01, // one entry
		0x01, 0x12, 0x00, 0x03, 0x00, 0x00, 0x00, 0x01, // Orientation, SHORT, count 1
		byte(orientation >> 8), byte(orientation), 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, // no next IFD
	}
	payload := append([]byte("Exif\x00\x00"), tiff...)
	length := len(payload) + 2

	out := make([]byte, 0, len(jpegData)+length+2)
	out = append(out, 0xFF, 0xD8, 0xFF, 0xE1, byte(length>>8), byte(length))
	out = append(out, payload...)
	out = append(out, jpegData[2:]...)
	return out
}

func decodeOutput(t testing.TB, data []byte) (image.Image, string) {
	t.Helper()

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output image: %v", err)
	}
	return img, format
}

// fakeRaster only tracks dimensions.
type fakeRaster struct {
	w, h     int
	released *int
}

func (r fakeRaster) size() (int, int) {
	return r.w, r.h
}

func (r fakeRaster) release() {
	if r.released != nil {
		*r.released++
	}
}

// recordingTransformer records every call and can be told to fail or panic
// in a named operation.
type recordingTransformer struct {
	mu       sync.Mutex
	calls    []string
	failOn   string
	panicOn  string
	width    int
	height   int
	released int
}

func newRecordingTransformer(w, h int) *recordingTransformer {
	return &recordingTransformer{width: w, height: h}
}

func (f *recordingTransformer) record(call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	name := call
	if i := bytes.IndexByte([]byte(call), '('); i >= 0 {
		name = call[:i]
	}
	if f.panicOn == name {
		panic("boom in " + name)
	}
	if f.failOn == name {
		return errors.New(name + " exploded")
	}
	return nil
}

func (f *recordingTransformer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *recordingTransformer) Name() string { return "recording" }

func (f *recordingTransformer) Decode(data []byte) (*PixelBuffer, error) {
	if err := f.record("Decode"); err != nil {
		return nil, err
	}
	return newPixelBuffer(fakeRaster{w: f.width, h: f.height, released: &f.released}, 4), nil
}

func (f *recordingTransformer) Normalize(buf *PixelBuffer, lower, upper float64) (*PixelBuffer, error) {
	return buf, f.record(fmt.Sprintf("Normalize(%g,%g)", lower, upper))
}

func (f *recordingTransformer) Gamma(buf *PixelBuffer, exponent float64) (*PixelBuffer, error) {
	return buf, f.record(fmt.Sprintf("Gamma(%g)", exponent))
}

func (f *recordingTransformer) Median(buf *PixelBuffer, radius int) (*PixelBuffer, error) {
	return buf, f.record(fmt.Sprintf("Median(%d)", radius))
}

func (f *recordingTransformer) Modulate(buf *PixelBuffer, saturation, brightness float64) (*PixelBuffer, error) {
	return buf, f.record(fmt.Sprintf("Modulate(%g,%g)", saturation, brightness))
}

func (f *recordingTransformer) Sharpen(buf *PixelBuffer, sigma float64) (*PixelBuffer, error) {
	return buf, f.record(fmt.Sprintf("Sharpen(%g)", sigma))
}

func (f *recordingTransformer) Resize(buf *PixelBuffer, width, height int) (*PixelBuffer, error) {
	if err := f.record(fmt.Sprintf("Resize(%d,%d)", width, height)); err != nil {
		return nil, err
	}
	return buf.replace(fakeRaster{w: width, h: height, released: &f.released}), nil
}

func (f *recordingTransformer) Encode(buf *PixelBuffer, format Format) ([]byte, error) {
	if err := f.record(fmt.Sprintf("Encode(%s)", format)); err != nil {
		return nil, err
	}
	return []byte("encoded"), nil
}

// captureObserver collects stage timings and outcomes.
type captureObserver struct {
	mu       sync.Mutex
	stages   []string
	outcomes []string
}

func (o *captureObserver) ObserveStage(stage string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
}

func (o *captureObserver) ObserveOutcome(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}
