package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestLocalProcessor_FileInEnhanceFileOut(t *testing.T) {
	tmp := t.TempDir()
	inputPath := filepath.Join(tmp, "input.png")
	outputDir := filepath.Join(tmp, "out")

	srcBytes := buildTestPNG(t, 120, 60)
	if err := os.WriteFile(inputPath, srcBytes, 0o644); err != nil {
		t.Fatalf("write input image: %v", err)
	}

	enhancer, err := NewEnhancer(nil, WithTransformer(stdlibTransformer{}))
	if err != nil {
		t.Fatalf("new enhancer: %v", err)
	}
	processor, err := NewLocalProcessor(outputDir, enhancer)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-local-1",
		SourceType: SourceTypeLocalFile,
		ObjectKey:  inputPath,
		MIMEType:   "image/png",
		Config:     DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.SourceBytes != len(srcBytes) {
		t.Fatalf("expected %d source bytes, got %d", len(srcBytes), result.SourceBytes)
	}
	if result.Output.Format != "png" || result.Output.ContentType != "image/png" {
		t.Fatalf("expected png output, got %s (%s)", result.Output.Format, result.Output.ContentType)
	}
	if want := filepath.Join(outputDir, "job-local-1", "enhanced.png"); result.Output.Path != want {
		t.Fatalf("expected output path %s, got %s", want, result.Output.Path)
	}
	verifyImageSize(t, result.Output.Path, 240, 120)

	written, err := os.ReadFile(result.Output.Path)
	if err != nil {
		t.Fatalf("read enhanced image: %v", err)
	}
	if len(written) != result.Output.Bytes {
		t.Fatalf("expected %d output bytes, got %d", result.Output.Bytes, len(written))
	}
	if bytes.Equal(srcBytes, written) {
		t.Fatal("expected enhanced output to differ from source image bytes")
	}
}

func TestLocalProcessor_UnsupportedSourceType(t *testing.T) {
	enhancer, err := NewEnhancer(nil, WithTransformer(stdlibTransformer{}))
	if err != nil {
		t.Fatalf("new enhancer: %v", err)
	}
	processor, err := NewLocalProcessor(t.TempDir(), enhancer)
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{
		JobID:      "job-unsupported",
		SourceType: "s3_presigned",
		ObjectKey:  "uploads/job/source",
		Config:     DefaultConfig(),
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source_type error, got %v", err)
	}
}

func TestProcessorKeepsEnhanceErrorKind(t *testing.T) {
	enhancer, err := NewEnhancer(nil, WithTransformer(stdlibTransformer{}))
	if err != nil {
		t.Fatalf("new enhancer: %v", err)
	}
	processor, err := NewProcessor(staticFetcher{data: []byte("not an image")}, enhancer, discardEmitter{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	_, err = processor.Process(context.Background(), Request{JobID: "job-bad", Config: DefaultConfig()})
	if KindOf(err) != KindDecode {
		t.Fatalf("expected decode kind through the processor, got %v", err)
	}
}

func TestObjectStoreProcessor(t *testing.T) {
	store := newMemoryObjectStore()
	store.objects[SourceObjectKey("job-42")] = buildTestJPEG(t, 30, 20)

	enhancer, err := NewEnhancer(nil, WithTransformer(stdlibTransformer{}))
	if err != nil {
		t.Fatalf("new enhancer: %v", err)
	}
	processor, err := NewProcessor(
		ObjectStoreFetcher{Storage: store},
		enhancer,
		ObjectStoreEmitter{Storage: store},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}

	result, err := processor.Process(context.Background(), Request{
		JobID:      "job-42",
		SourceType: SourceTypeObjectStore,
		ObjectKey:  SourceObjectKey("job-42"),
		MIMEType:   "image/jpeg",
		Config:     Config{UpscaleFactor: 3, DenoiseLevel: 1},
	})
	if err != nil {
		t.Fatalf("process request: %v", err)
	}

	if result.Output.Path != "outputs/job-42/enhanced.jpg" {
		t.Fatalf("unexpected output key %q", result.Output.Path)
	}
	if store.contentTypes[result.Output.Path] != "image/jpeg" {
		t.Fatalf("expected image/jpeg content type, got %q", store.contentTypes[result.Output.Path])
	}
	img, _, err := image.Decode(bytes.NewReader(store.objects[result.Output.Path]))
	if err != nil {
		t.Fatalf("decode stored output: %v", err)
	}
	if img.Bounds().Dx() != 90 || img.Bounds().Dy() != 60 {
		t.Fatalf("expected 90x60 output, got %v", img.Bounds())
	}
}

func TestObjectStoreFetcherRejectsLocalFiles(t *testing.T) {
	_, err := ObjectStoreFetcher{Storage: newMemoryObjectStore()}.Fetch(context.Background(), Request{
		SourceType: SourceTypeLocalFile,
		ObjectKey:  "/etc/passwd",
	})
	if !errors.Is(err, ErrUnsupportedSourceType) {
		t.Fatalf("expected unsupported source_type error, got %v", err)
	}
}

func TestObjectKeys(t *testing.T) {
	if got := SourceObjectKey("job/../1"); got != "uploads/job____1/source" {
		t.Fatalf("unexpected source key %q", got)
	}
	if got := OutputObjectKey("", "abc", FormatWebP); got != "outputs/abc/enhanced.webp" {
		t.Fatalf("unexpected output key %q", got)
	}
	if got := OutputObjectKey("results", "abc", FormatJPEG); got != "results/abc/enhanced.jpg" {
		t.Fatalf("unexpected output key %q", got)
	}
}

type memoryObjectStore struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
}

func newMemoryObjectStore() *memoryObjectStore {
	return &memoryObjectStore{
		objects:      make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (s *memoryObjectStore) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.objects[objectKey]
	if !ok {
		return nil, errors.New("object not found: " + objectKey)
	}
	return data, nil
}

func (s *memoryObjectStore) WriteObject(_ context.Context, objectKey string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[objectKey] = append([]byte(nil), data...)
	s.contentTypes[objectKey] = contentType
	return nil
}

func verifyImageSize(t *testing.T, path string, wantW, wantH int) {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image %s: %v", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		t.Fatalf("decode image %s: %v", path, err)
	}

	if got := img.Bounds(); got.Dx() != wantW || got.Dy() != wantH {
		t.Fatalf("expected %dx%d, got %dx%d", wantW, wantH, got.Dx(), got.Dy())
	}
}
