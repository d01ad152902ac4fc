package pipeline

import (
	"github.com/pkg/errors"
)

// Kind classifies enhancement failures for the caller.
type Kind int

const (
	KindProcessing Kind = iota
	KindValidation
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindDecode:
		return "decode"
	default:
		return "processing"
	}
}

var (
	ErrValidation = errors.New("no image supplied")
	ErrDecode     = errors.New("image could not be decoded")
	ErrProcessing = errors.New("image processing failed")
)

// User-facing messages, in the product's UI language.
const (
	MessageValidation = "Mungon fotografia."
	MessageDecode     = "Fotografia nuk mund të lexohet."
	MessageProcessing = "Gabim gjatë përpunimit të fotos."
)

// Error is returned by every failing enhancement. Message is safe to show to
// end users; Err carries the internal detail.
type Error struct {
	Kind    Kind
	Stage   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return e.Kind.String() + " error at " + e.Stage + ": " + e.cause().Error()
	}
	return e.Kind.String() + " error: " + e.cause().Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrDecode:
		return e.Kind == KindDecode
	case ErrProcessing:
		return e.Kind == KindProcessing
	}
	return false
}

func (e *Error) cause() error {
	if e.Err != nil {
		return e.Err
	}
	switch e.Kind {
	case KindValidation:
		return ErrValidation
	case KindDecode:
		return ErrDecode
	default:
		return ErrProcessing
	}
}

func validationError(err error) *Error {
	return &Error{Kind: KindValidation, Message: MessageValidation, Err: err}
}

func decodeError(err error) *Error {
	return &Error{Kind: KindDecode, Stage: "decode", Message: MessageDecode, Err: errors.WithStack(err)}
}

func processingError(stage string, err error) *Error {
	return &Error{Kind: KindProcessing, Stage: stage, Message: MessageProcessing, Err: errors.WithStack(err)}
}

// KindOf returns the classification of err. Errors that did not come from
// the pipeline are processing failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindProcessing
}

// UserMessage returns the message that may be shown to end users for err.
// Internal detail is never included.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return MessageProcessing
}
