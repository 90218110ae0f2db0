// Package quixerrors defines the closed set of error kinds that every
// quixand operation surfaces, following the taxonomy in §7 of the
// specification.
package quixerrors

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind identifies which of the fixed error categories a SandboxError belongs
// to. Calling code switches on Kind rather than matching strings.
type Kind int

const (
	// Unknown is a backend error with only a message attached.
	Unknown Kind = iota
	// ImageUnavailable means the image is neither present locally nor pullable.
	ImageUnavailable
	// RuntimeUnavailable means neither Docker nor Podman could be reached.
	RuntimeUnavailable
	// NotFound means a container, sandbox id, or template is missing.
	NotFound
	// Timeout means an operation exceeded its deadline.
	Timeout
	// ProxyError means an in-container HTTP call failed.
	ProxyError
	// FilesystemError means a copy/extract operation failed.
	FilesystemError
	// TemplateError means a template build failed.
	TemplateError
)

func (k Kind) String() string {
	switch k {
	case ImageUnavailable:
		return "ImageUnavailable"
	case RuntimeUnavailable:
		return "RuntimeUnavailable"
	case NotFound:
		return "NotFound"
	case Timeout:
		return "Timeout"
	case ProxyError:
		return "ProxyError"
	case FilesystemError:
		return "FilesystemError"
	case TemplateError:
		return "TemplateError"
	default:
		return "Unknown"
	}
}

// SandboxError is the error type returned by every constructive operation in
// the SDK. It carries a kind so calling code has an easy job, a short
// human sentence, and the wrapped backend cause (if any).
type SandboxError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *SandboxError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SandboxError) Unwrap() error {
	return e.Cause
}

// New builds a SandboxError of the given kind, wrapping it with a stack
// trace the way the teacher's WrapError does for top-level error reporting.
func New(kind Kind, message string, cause error) error {
	return goerrors.Wrap(&SandboxError{Kind: kind, Message: message, Cause: cause}, 0)
}

// Is reports whether err is (or wraps) a SandboxError of the given kind.
func Is(err error, kind Kind) bool {
	var se *SandboxError
	return errors.As(err, &se) && se.Kind == kind
}

// NotFoundf is a convenience constructor for the NotFound kind.
func NotFoundf(format string, args ...interface{}) error {
	return New(NotFound, fmt.Sprintf(format, args...), nil)
}

// Timeoutf is a convenience constructor for the Timeout kind. elapsed is
// included in the message per §7's "timeouts include the elapsed limit".
func Timeoutf(elapsed string, format string, args ...interface{}) error {
	return New(Timeout, fmt.Sprintf("%s (after %s)", fmt.Sprintf(format, args...), elapsed), nil)
}
