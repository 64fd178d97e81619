package types

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Adapter-level error sentinels. Every backend wraps its failures so that
// errors.Is matches exactly one of these.
var (
	ErrInvalidPath     = errors.New("storage: invalid path")
	ErrAuthorization   = errors.New("storage: authorization failed")
	ErrNotFound        = errors.New("storage: not found")
	ErrNotEmpty        = errors.New("storage: directory not empty")
	ErrUnavailable     = errors.New("storage: service unavailable")
	ErrRequestRejected = errors.New("storage: request rejected")
	ErrMetadataDecode  = errors.New("storage: metadata decode failed")
	ErrUnsupported     = errors.New("storage: operation not supported")

	ErrNoModTime = errors.New("storage: modification time unavailable")
)

// Kind is the single error enum a host switches on.
type Kind int

const (
	KindNone Kind = iota
	KindInvalidPath
	KindAuthorization
	KindNotFound
	KindNotEmpty
	KindUnavailable
	KindRequestRejected
	KindMetadataDecode
	KindUnsupported
	KindCanceled
	KindOther
)

var kindNames = map[Kind]string{
	KindNone:            "none",
	KindInvalidPath:     "invalid_path",
	KindAuthorization:   "authorization",
	KindNotFound:        "not_found",
	KindNotEmpty:        "not_empty",
	KindUnavailable:     "unavailable",
	KindRequestRejected: "request_rejected",
	KindMetadataDecode:  "metadata_decode",
	KindUnsupported:     "unsupported",
	KindCanceled:        "canceled",
	KindOther:           "other",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel returns the sentinel error for k, or nil for kinds without one.
func (k Kind) Sentinel() error {
	switch k {
	case KindInvalidPath:
		return ErrInvalidPath
	case KindAuthorization:
		return ErrAuthorization
	case KindNotFound:
		return ErrNotFound
	case KindNotEmpty:
		return ErrNotEmpty
	case KindUnavailable:
		return ErrUnavailable
	case KindRequestRejected:
		return ErrRequestRejected
	case KindMetadataDecode:
		return ErrMetadataDecode
	case KindUnsupported:
		return ErrUnsupported
	}
	return nil
}

// Retryable reports whether the host may retry the operation later.
func (k Kind) Retryable() bool {
	return k == KindUnavailable
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ErrInvalidPath):
		return KindInvalidPath
	case errors.Is(err, ErrAuthorization):
		return KindAuthorization
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrNotEmpty):
		return KindNotEmpty
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrRequestRejected):
		return KindRequestRejected
	case errors.Is(err, ErrMetadataDecode):
		return KindMetadataDecode
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	}
	return KindOther
}

// KindForStatus maps an HTTP status code onto the error enum. 2xx maps to
// KindNone.
func KindForStatus(code int) Kind {
	switch {
	case code >= 200 && code < 300:
		return KindNone
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return KindAuthorization
	case code == http.StatusNotFound:
		return KindNotFound
	case code == http.StatusTooManyRequests, code >= 500:
		return KindUnavailable
	case code >= 400:
		return KindRequestRejected
	}
	return KindOther
}

// OpError records the operation, path and (when known) HTTP status behind a
// failure.
type OpError struct {
	Op         string
	Path       string
	StatusCode int
	Err        error
}

func (e *OpError) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() error { return e.Err }

// NewOpError wraps err as an OpError.
func NewOpError(op, p string, err error) *OpError {
	return &OpError{Op: op, Path: p, Err: err}
}

// StatusError builds the OpError for a non-2xx response. detail, when set,
// is the message the service returned.
func StatusError(op, p string, code int, detail string) *OpError {
	sentinel := KindForStatus(code).Sentinel()
	if sentinel == nil {
		sentinel = ErrRequestRejected
	}
	err := sentinel
	if detail != "" {
		err = fmt.Errorf("%w: %s", sentinel, detail)
	}
	return &OpError{Op: op, Path: p, StatusCode: code, Err: err}
}
