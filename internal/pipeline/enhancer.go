package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/retouch/internal/logging"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Observer receives pipeline measurements. Implementations must be safe for
// concurrent use; the Enhancer itself keeps no per-request state.
type Observer interface {
	ObserveStage(stage string, duration time.Duration)
	ObserveOutcome(outcome string)
}

type Option func(*Enhancer)

func WithTransformer(t Transformer) Option {
	return func(e *Enhancer) {
		e.transformer = t
	}
}

func WithObserver(o Observer) Option {
	return func(e *Enhancer) {
		e.observer = o
	}
}

// Enhancer runs decode, the ordered enhancement stages and encode for one
// image at a time. It is safe to share between goroutines.
type Enhancer struct {
	transformer Transformer
	stages      []Stage
	logger      logrus.FieldLogger
	tracer      trace.Tracer
	observer    Observer
}

func NewEnhancer(logger logrus.FieldLogger, opts ...Option) (*Enhancer, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	e := &Enhancer{
		stages: Stages(),
		logger: logger,
		tracer: otel.Tracer("retouch/pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.transformer == nil {
		transformer, err := newTransformer()
		if err != nil {
			return nil, fmt.Errorf("build transformer: %w", err)
		}
		e.transformer = transformer
	}
	return e, nil
}

// Backend names the pixel backend in use.
func (e *Enhancer) Backend() string {
	return e.transformer.Name()
}

// Enhance decodes in, applies every enabled stage in order and re-encodes the
// result in the format chosen from the declared MIME type. Any failure aborts
// the whole request and is returned as *Error.
func (e *Enhancer) Enhance(ctx context.Context, in RawImage, cfg Config) (out EncodedOutput, err error) {
	if len(in.Data) == 0 {
		e.observe("", 0, KindValidation.String())
		return EncodedOutput{}, validationError(nil)
	}

	ctx, span := e.tracer.Start(ctx, "pipeline.enhance")
	span.SetAttributes(
		attribute.String("image.mime_type", in.MIMEType),
		attribute.Int("image.input_bytes", len(in.Data)),
		attribute.Int("enhance.upscale", cfg.UpscaleFactor),
		attribute.Int("enhance.denoise", cfg.DenoiseLevel),
		attribute.Int("enhance.sharpen", cfg.SharpenLevel),
		attribute.Bool("enhance.auto_contrast", cfg.AutoContrast),
		attribute.Bool("enhance.color_boost", cfg.ColorBoost),
		attribute.String("enhance.backend", e.transformer.Name()),
	)
	defer span.End()

	log := e.logger.WithFields(logrus.Fields{
		"mime_type":   in.MIMEType,
		"input_bytes": len(in.Data),
		"backend":     e.transformer.Name(),
	})

	defer func() {
		if err == nil {
			e.observe("", 0, "success")
			span.SetStatus(codes.Ok, "enhanced")
			return
		}
		kind := KindOf(err)
		e.observe("", 0, kind.String())
		span.RecordError(err)
		span.SetStatus(codes.Error, kind.String())
		switch kind {
		case KindProcessing:
			log.WithField("kind", kind.String()).Errorf("enhance failed: %+v", err)
		default:
			log.WithField("kind", kind.String()).Warnf("enhance rejected: %v", err)
		}
	}()

	if verr := cfg.Validate(); verr != nil {
		return EncodedOutput{}, processingError("config", verr)
	}

	var buf *PixelBuffer
	if err := e.runStage(ctx, "decode", decodeError, func() error {
		decoded, derr := e.transformer.Decode(in.Data)
		if derr != nil {
			return derr
		}
		buf = decoded
		return nil
	}); err != nil {
		return EncodedOutput{}, err
	}
	defer func() {
		buf.Release()
	}()

	log.WithFields(logrus.Fields{
		"width":    buf.Width,
		"height":   buf.Height,
		"channels": buf.Channels,
	}).Debug("decoded image")

	for _, stage := range e.stages {
		if err := e.runStage(ctx, stage.Name, stageFailure(stage.Name), func() error {
			next, serr := stage.Apply(e.transformer, buf, cfg)
			if serr != nil {
				return serr
			}
			buf = next
			return nil
		}); err != nil {
			return EncodedOutput{}, err
		}
	}

	format := SelectFormat(in.MIMEType)
	var data []byte
	if err := e.runStage(ctx, "encode", stageFailure("encode"), func() error {
		encoded, eerr := e.transformer.Encode(buf, format)
		if eerr != nil {
			return eerr
		}
		data = encoded
		return nil
	}); err != nil {
		return EncodedOutput{}, err
	}

	log.WithFields(logrus.Fields{
		"format":       format,
		"width":        buf.Width,
		"height":       buf.Height,
		"output_bytes": len(data),
	}).Debug("enhanced image")

	return EncodedOutput{
		Data:        data,
		ContentType: format.ContentType(),
		Format:      format,
		Width:       buf.Width,
		Height:      buf.Height,
	}, nil
}

// runStage runs fn inside its own span. Failures are classified by fail;
// cancellation and panics are always processing errors.
func (e *Enhancer) runStage(ctx context.Context, name string, fail func(error) *Error, fn func() error) (err error) {
	if cerr := ctx.Err(); cerr != nil {
		return processingError(name, cerr)
	}

	_, span := e.tracer.Start(ctx, "pipeline."+name)
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = processingError(name, fmt.Errorf("panic: %v", r))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, name+" failed")
		}
		span.End()
		e.observe(name, time.Since(started), "")
	}()

	if ferr := fn(); ferr != nil {
		return fail(ferr)
	}
	return nil
}

func stageFailure(name string) func(error) *Error {
	return func(err error) *Error {
		return processingError(name, err)
	}
}

func (e *Enhancer) observe(stage string, d time.Duration, outcome string) {
	if e.observer == nil {
		return
	}
	if stage != "" {
		e.observer.ObserveStage(stage, d)
	}
	if outcome != "" {
		e.observer.ObserveOutcome(outcome)
	}
}
