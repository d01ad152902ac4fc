package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

type ObjectReader interface {
	ReadObject(ctx context.Context, objectKey string) ([]byte, error)
}

type ObjectWriter interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
}

type ObjectStoreFetcher struct {
	Storage ObjectReader
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.EqualFold(req.SourceType, SourceTypeLocalFile) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.ReadObject(ctx, req.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      ObjectWriter
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, out EncodedOutput) (Output, error) {
	if e.Storage == nil {
		return Output{}, errors.New("storage client is required")
	}

	objectKey := OutputObjectKey(e.OutputPrefix, req.JobID, out.Format)
	if err := e.Storage.WriteObject(ctx, objectKey, out.Data, out.ContentType); err != nil {
		return Output{}, err
	}
	return outputFor(out, objectKey), nil
}

// SourceObjectKey is where uploaded originals are stored.
func SourceObjectKey(jobID string) string {
	return path.Join("uploads", sanitizePathToken(jobID), "source")
}

// OutputObjectKey is where the enhanced image for jobID is written.
func OutputObjectKey(prefix, jobID string, format Format) string {
	return path.Join(defaultOutputPrefix(prefix), sanitizePathToken(jobID), outputFileName(format))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}
