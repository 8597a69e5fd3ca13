// Package errs defines the typed error kinds surfaced at API boundaries.
//
// Internally, invariant violations panic (see internal/errkit); the array
// and transforms packages recover those panics and translate them into one
// of the kinds below, so a caller can type-switch or errors.As on a stable
// name rather than parsing a message.
package errs

import "github.com/pkg/errors"

// ShapeError reports a broadcast incompatibility, a reshape whose total
// size doesn't match, an out-of-bounds axis, or a batch-size mismatch
// under vmap.
type ShapeError struct {
	msg   string
	cause error
}

func NewShapeError(format string, args ...any) *ShapeError {
	return &ShapeError{msg: errors.Errorf(format, args...).Error()}
}

func (e *ShapeError) Error() string { return "shape error: " + e.msg }
func (e *ShapeError) Unwrap() error { return e.cause }

// DtypeError reports mixed dtypes where promotion isn't defined, or an
// invalid Const literal for its declared dtype.
type DtypeError struct {
	msg   string
	cause error
}

func NewDtypeError(format string, args ...any) *DtypeError {
	return &DtypeError{msg: errors.Errorf(format, args...).Error()}
}

func (e *DtypeError) Error() string { return "dtype error: " + e.msg }
func (e *DtypeError) Unwrap() error { return e.cause }

// TreeMismatchError reports that two argument trees passed to a transform
// (primals/tangents, or the argnums selection) differ structurally. It
// carries both structures' textual description, so the message shows the
// two shapes in full; it does not single out the paths that differ.
type TreeMismatchError struct {
	Left, Right string
}

func NewTreeMismatchError(left, right string) *TreeMismatchError {
	return &TreeMismatchError{Left: left, Right: right}
}

func (e *TreeMismatchError) Error() string {
	return "tree mismatch: " + e.Left + " vs " + e.Right
}

// ReferenceError reports use-after-dispose, double-dispose, or a reference
// to an unknown backend slot.
type ReferenceError struct {
	msg string
}

func NewReferenceError(format string, args ...any) *ReferenceError {
	return &ReferenceError{msg: errors.Errorf(format, args...).Error()}
}

func (e *ReferenceError) Error() string { return "reference error: " + e.msg }

// BackendError wraps a compile or dispatch failure, carrying the
// backend's own diagnostics verbatim as the wrapped cause.
type BackendError struct {
	msg   string
	cause error
}

func NewBackendError(cause error, format string, args ...any) *BackendError {
	return &BackendError{msg: errors.Errorf(format, args...).Error(), cause: cause}
}

func (e *BackendError) Error() string {
	if e.cause != nil {
		return "backend error: " + e.msg + ": " + e.cause.Error()
	}
	return "backend error: " + e.msg
}
func (e *BackendError) Unwrap() error { return e.cause }

// UnsupportedError reports a primitive with no rule for the transform
// currently being applied (e.g. JVP requested for a boolean-producing op
// with no linearization rule).
type UnsupportedError struct {
	msg string
}

func NewUnsupportedError(format string, args ...any) *UnsupportedError {
	return &UnsupportedError{msg: errors.Errorf(format, args...).Error()}
}

func (e *UnsupportedError) Error() string { return "unsupported: " + e.msg }
