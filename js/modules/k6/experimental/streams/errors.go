package streams

import "github.com/dop251/goja"

func newTypeError(rt *goja.Runtime, message string) *jsError {
	return newJsError(rt, rt.Get("TypeError"), TypeError, message)
}

func newRangeError(rt *goja.Runtime, message string) *jsError {
	return newJsError(rt, rt.Get("RangeError"), RangeError, message)
}

func newJsError(rt *goja.Runtime, base goja.Value, kind errorKind, message string) *jsError {
	constructor, ok := goja.AssertConstructor(base)
	if !ok {
		throw(rt, newError(kind, message))
	}

	e, err := constructor(nil, rt.ToValue(message))
	if err != nil {
		throw(rt, newError(kind, message))
	}

	return &jsError{err: e, msg: message}
}

// jsError is a wrapper around a JS error object.
//
// Whenever a [TypeError] or a [RangeError] has to surface to a script, it
// must be the runtime's own error class so instanceof checks hold. Those are
// [*goja.Object] values though, which can't travel through Go [error]
// returns, hence the wrapper.
type jsError struct {
	err *goja.Object
	msg string
}

func (e *jsError) Error() string {
	return e.msg
}

func (e *jsError) Err() *goja.Object {
	return e.err
}

// valueError carries an arbitrary JS value, such as the one a script
// callback threw, through a Go error return.
type valueError struct {
	value goja.Value
}

func (e *valueError) Error() string {
	if e.value == nil {
		return "undefined"
	}
	return e.value.String()
}

func newError(k errorKind, message string) *streamError {
	return &streamError{
		Name:    k.String(),
		Message: message,
		kind:    k,
	}
}

type errorKind uint8

const (
	// TypeError is thrown when an argument is not of an expected type
	TypeError errorKind = iota + 1

	// RangeError is thrown when an argument is not within the expected range
	RangeError

	// RuntimeError is thrown when an error occurs that was caused by the JS runtime
	// and is not likely caused by the user, but rather the implementation.
	RuntimeError

	// AssertionError is thrown when an assertion fails
	AssertionError
)

func (k errorKind) String() string {
	switch k {
	case TypeError:
		return "TypeError"
	case RangeError:
		return "RangeError"
	case RuntimeError:
		return "RuntimeError"
	case AssertionError:
		return "AssertionError"
	default:
		return "Error"
	}
}

type streamError struct {
	// Name contains the name of the error
	Name string `json:"name"`

	// Message contains the error message
	Message string `json:"message"`

	// kind contains the kind of error
	kind errorKind
}

// Ensure that the streamError type implements the Go `error` interface
var _ error = (*streamError)(nil)

func (e *streamError) Error() string {
	return e.Name + ": " + e.Message
}

// throw panics with err converted to a JS value, which goja turns into a
// script exception.
func throw(rt *goja.Runtime, err any) {
	if e, ok := err.(*jsError); ok {
		panic(e.Err())
	}

	panic(errToObj(rt, err))
}

func errToObj(rt *goja.Runtime, err any) goja.Value {
	switch e := err.(type) {
	case goja.Value:
		return e
	case *jsError:
		return e.Err()
	case *valueError:
		return e.value
	case *goja.Exception:
		return e.Value()
	}

	// Undefined remains undefined.
	if goja.IsUndefined(rt.ToValue(err)) {
		return rt.ToValue(err)
	}

	return rt.ToValue(err).ToObject(rt)
}

// exceptionValue returns the JS value carried by an error returned from a
// call into the script.
func exceptionValue(rt *goja.Runtime, err error) goja.Value {
	switch e := err.(type) { //nolint:errorlint
	case *goja.Exception:
		return e.Value()
	case *jsError:
		return e.Err()
	case *valueError:
		return e.value
	}
	return rt.NewGoError(err)
}

// assertThat panics with an AssertionError if cond is false.
func assertThat(rt *goja.Runtime, cond bool, message string) {
	if !cond {
		throw(rt, newError(AssertionError, message))
	}
}
