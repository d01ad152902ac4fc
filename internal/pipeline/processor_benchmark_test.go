package pipeline

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkProcessorDefaults(b *testing.B) {
	benchmarkProcessor(b, DefaultConfig())
}

func BenchmarkProcessorTonalOnly(b *testing.B) {
	benchmarkProcessor(b, Config{UpscaleFactor: 1, AutoContrast: true})
}

func BenchmarkProcessorUpscale4x(b *testing.B) {
	benchmarkProcessor(b, Config{UpscaleFactor: 4})
}

func benchmarkProcessor(b *testing.B, cfg Config) {
	source := buildTestPNG(b, 640, 360)
	enhancer, err := NewEnhancer(nil)
	if err != nil {
		b.Fatalf("new enhancer: %v", err)
	}
	processor, err := NewProcessor(staticFetcher{data: source}, enhancer, discardEmitter{})
	if err != nil {
		b.Fatalf("new processor: %v", err)
	}

	req := Request{
		SourceType: SourceTypeLocalFile,
		ObjectKey:  "ignored.png",
		MIMEType:   "image/jpeg",
		Config:     cfg,
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req.JobID = fmt.Sprintf("bench-%d", i)
		if _, err := processor.Process(context.Background(), req); err != nil {
			b.Fatalf("process: %v", err)
		}
	}
}

type staticFetcher struct {
	data []byte
}

func (f staticFetcher) Fetch(_ context.Context, _ Request) ([]byte, error) {
	return f.data, nil
}

type discardEmitter struct{}

func (discardEmitter) Emit(_ context.Context, _ Request, out EncodedOutput) (Output, error) {
	return outputFor(out, ""), nil
}
