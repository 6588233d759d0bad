// Package apperr defines the error-kind taxonomy used across the dispatcher,
// repository and periphery client. Every kind is carried by the one Error
// type, tagged with its Kind; callers read the kind back with this package's
// As to map it to an HTTP status, generalizing the teacher's
// NotFoundError/BadRequestError pair.
package apperr

import "fmt"

// Kind tags a handled error so the HTTP layer can choose a status code
// without string-matching messages.
type Kind string

const (
	KindPermissionDenied   Kind = "permission_denied"
	KindNotFound           Kind = "not_found"
	KindBusy               Kind = "busy"
	KindPreconditionFailed Kind = "precondition_failed"
	KindTransport          Kind = "transport"
	KindStore              Kind = "store"
	KindInvalidRequest     Kind = "invalid_request"
	KindInternal           Kind = "internal"
)

// Error is a tagged, wrapped error carrying one of the Kind values above.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func PermissionDenied(format string, args ...any) error {
	return newf(KindPermissionDenied, format, args...)
}

func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

func Busy(format string, args ...any) error {
	return newf(KindBusy, format, args...)
}

func PreconditionFailed(format string, args ...any) error {
	return newf(KindPreconditionFailed, format, args...)
}

func Transport(format string, args ...any) error {
	return newf(KindTransport, format, args...)
}

func Store(format string, args ...any) error {
	return newf(KindStore, format, args...)
}

func InvalidRequest(format string, args ...any) error {
	return newf(KindInvalidRequest, format, args...)
}

func Internal(format string, args ...any) error {
	return newf(KindInternal, format, args...)
}

// WrapStore wraps an underlying store error, preserving its message.
func WrapStore(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindStore, Err: err}
}

// WrapTransport wraps an underlying transport error, preserving its message.
func WrapTransport(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransport, Err: err}
}

// As extracts the Kind of err if it (or something it wraps) is an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
