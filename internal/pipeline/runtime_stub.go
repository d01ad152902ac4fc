//go:build !govips || !cgo

package pipeline

// Startup is a no-op without libvips.
func Startup(RuntimeOptions) error { return nil }

func Shutdown() {}

func newTransformer() (Transformer, error) {
	return stdlibTransformer{}, nil
}
