package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dunamismax/retouch/internal/domain"
)

const (
	SourceTypeLocalFile   = domain.SourceTypeLocalFile
	SourceTypeObjectStore = domain.SourceTypeObjectStore

	outputBaseName = "enhanced"
)

var ErrUnsupportedSourceType = errors.New("unsupported source_type")

// Request describes one enhancement job.
type Request struct {
	JobID      string
	SourceType string
	ObjectKey  string
	MIMEType   string
	Config     Config
}

type Output struct {
	Format      string `json:"format"`
	ContentType string `json:"content_type"`
	Path        string `json:"path"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type Result struct {
	Output      Output
	SourceBytes int
}

type Fetcher interface {
	Fetch(ctx context.Context, req Request) ([]byte, error)
}

type Emitter interface {
	Emit(ctx context.Context, req Request, out EncodedOutput) (Output, error)
}

// Processor runs fetch, enhance and emit for queued jobs.
type Processor struct {
	fetcher  Fetcher
	enhancer *Enhancer
	emitter  Emitter
}

func NewProcessor(fetcher Fetcher, enhancer *Enhancer, emitter Emitter) (*Processor, error) {
	if fetcher == nil || emitter == nil {
		return nil, errors.New("fetcher and emitter are required")
	}
	if enhancer == nil {
		return nil, errors.New("enhancer is required")
	}
	return &Processor{
		fetcher:  fetcher,
		enhancer: enhancer,
		emitter:  emitter,
	}, nil
}

func NewLocalProcessor(outputDir string, enhancer *Enhancer) (*Processor, error) {
	return NewProcessor(LocalFileFetcher{}, enhancer, LocalFileEmitter{OutputDir: outputDir})
}

func (p *Processor) Process(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return Result{}, errors.New("job_id is required")
	}

	sourceBytes, err := p.fetcher.Fetch(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch stage: %w", err)
	}

	enhanced, err := p.enhancer.Enhance(ctx, RawImage{Data: sourceBytes, MIMEType: req.MIMEType}, req.Config)
	if err != nil {
		return Result{}, fmt.Errorf("enhance stage job=%s: %w", req.JobID, err)
	}

	written, err := p.emitter.Emit(ctx, req, enhanced)
	if err != nil {
		return Result{}, fmt.Errorf("emit stage job=%s: %w", req.JobID, err)
	}

	return Result{Output: written, SourceBytes: len(sourceBytes)}, nil
}

type LocalFileFetcher struct{}

func (LocalFileFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if !strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(req.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("read input file %s: %w", req.ObjectKey, err)
	}
	return data, nil
}

type LocalFileEmitter struct {
	OutputDir string
}

func (e LocalFileEmitter) Emit(_ context.Context, req Request, out EncodedOutput) (Output, error) {
	if strings.TrimSpace(e.OutputDir) == "" {
		return Output{}, errors.New("output directory is required")
	}

	jobDir := filepath.Join(e.OutputDir, sanitizePathToken(req.JobID))
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Output{}, fmt.Errorf("create output dir: %w", err)
	}

	fullPath := filepath.Join(jobDir, outputFileName(out.Format))
	if err := os.WriteFile(fullPath, out.Data, 0o644); err != nil {
		return Output{}, fmt.Errorf("write output file: %w", err)
	}

	return outputFor(out, fullPath), nil
}

func outputFileName(format Format) string {
	return fmt.Sprintf("%s.%s", outputBaseName, format.Extension())
}

func outputFor(out EncodedOutput, path string) Output {
	return Output{
		Format:      string(out.Format),
		ContentType: out.ContentType,
		Path:        path,
		Bytes:       len(out.Data),
		Width:       out.Width,
		Height:      out.Height,
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
