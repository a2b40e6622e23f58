package callbacks

import (
	"errors"
	"fmt"

	"findex/backend"
	"findex/lib/serde"
)

// Code is the status returned by every boundary function.
type Code int32

const (
	OK Code = iota
	// BufferTooSmall means nothing was written and the output length holds
	// the capacity the call needs.
	BufferTooSmall
	BackendFailure
	CodecFailure
	Unsupported
)

func (c Code) String() string {
	switch c {
	case OK:
		return "ok"
	case BufferTooSmall:
		return "buffer too small"
	case BackendFailure:
		return "backend failure"
	case CodecFailure:
		return "codec failure"
	case Unsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("code(%d)", int32(c))
	}
}

// ErrBackend is the cause of errors reported with BackendFailure.
var ErrBackend = errors.New("backend failure")

// CodeError is a non-OK status seen by the engine side, with the message the
// boundary had for it.
type CodeError struct {
	Code    Code
	Message string
}

func (e *CodeError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodeError) Unwrap() error {
	switch e.Code {
	case CodecFailure:
		return serde.ErrCodec
	case Unsupported:
		return backend.ErrUnsupported
	default:
		return ErrBackend
	}
}

// BufferTooSmallError is returned by the client when results kept growing
// faster than it reallocated.
type BufferTooSmallError struct {
	Required int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("output buffer too small, %d bytes required", e.Required)
}

// codeOf classifies an error raised on the boundary side.
func codeOf(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, serde.ErrCodec):
		return CodecFailure
	case errors.Is(err, backend.ErrUnsupported):
		return Unsupported
	default:
		return BackendFailure
	}
}
