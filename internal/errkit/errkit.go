// Package errkit leverages Go's panic, recover and defer as an
// "exceptions" system for internal invariant violations, thinly wrapping
// github.com/gomlx/exceptions: components deep in the compiler
// middle-end (scalar, view, kernel, trace) panic on invariant violations
// rather than threading an error return through every recursive call;
// the public API packages (array, transforms) recover at their boundary
// and translate into the typed errors of package errs.
package errkit

import "github.com/gomlx/exceptions"

// Catch calls handler if a panic occurred carrying a value of type E.
//
// This must be used in a deferred statement, and cannot delegate to the
// underlying library: recover only takes effect in the function the
// runtime defers directly. Multiple deferred Catch calls are allowed,
// for different exception types.
func Catch[E any](handler func(exception E)) {
	exception := recover()
	if exception == nil {
		return
	}
	e, ok := exception.(E)
	if !ok {
		panic(exception) // Re-throw: not the type this Catch handles.
	}
	handler(e)
}

// Try calls fn and returns whatever value it panicked with, or nil.
func Try(fn func()) (exception any) {
	return exceptions.Try(fn)
}

// Throw is an alias for panic, for readability at call sites that treat
// this as an exceptions system.
func Throw(exception any) {
	panic(exception)
}

// Panicf throws a formatted error, for invariant violations that need no
// dedicated error type.
func Panicf(format string, args ...any) {
	exceptions.Panicf(format, args...)
}
