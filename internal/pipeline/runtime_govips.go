//go:build govips && cgo

package pipeline

import (
	"sync"

	"github.com/davidbyttow/govips/v2/vips"
)

var runtimeState struct {
	mu      sync.Mutex
	started bool
}

// Startup initializes libvips once per process. Later calls, including the
// implicit one from NewEnhancer, keep the first options.
func Startup(opts RuntimeOptions) error {
	runtimeState.mu.Lock()
	defer runtimeState.mu.Unlock()
	if runtimeState.started {
		return nil
	}

	opts = opts.withDefaults()
	vips.LoggingSettings(nil, vips.LogLevelWarning)
	vips.Startup(&vips.Config{
		ConcurrencyLevel: opts.Concurrency,
		MaxCacheFiles:    0,
		MaxCacheMem:      opts.CacheMemBytes,
		MaxCacheSize:     100,
	})
	runtimeState.started = true
	return nil
}

// Shutdown releases libvips. No enhancer may run afterwards.
func Shutdown() {
	runtimeState.mu.Lock()
	defer runtimeState.mu.Unlock()
	if !runtimeState.started {
		return
	}
	vips.Shutdown()
	runtimeState.started = false
}

func newTransformer() (Transformer, error) {
	if err := Startup(RuntimeOptions{}); err != nil {
		return nil, err
	}
	return govipsTransformer{}, nil
}
