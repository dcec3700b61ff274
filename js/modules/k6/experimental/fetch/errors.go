package fetch

import (
	"errors"
	"fmt"

	"github.com/dop251/goja"
)

// jsError carries a JS error object, a TypeError most of the time, through
// Go error returns.
type jsError struct {
	value goja.Value
}

func (e *jsError) Error() string {
	return e.value.String()
}

func typeError(rt *goja.Runtime, format string, args ...any) error {
	return &jsError{value: rt.NewTypeError(fmt.Sprintf(format, args...))}
}

func rangeError(rt *goja.Runtime, message string) error {
	ctor, ok := goja.AssertConstructor(rt.Get("RangeError"))
	if !ok {
		return typeError(rt, "%s", message)
	}
	obj, err := ctor(nil, rt.ToValue(message))
	if err != nil {
		return typeError(rt, "%s", message)
	}
	return &jsError{value: obj}
}

// throwError panics with the JS value of err, which goja turns into a
// script exception.
func throwError(rt *goja.Runtime, err error) {
	panic(exceptionValue(rt, err))
}

func throwTypeError(rt *goja.Runtime, format string, args ...any) {
	panic(rt.NewTypeError(fmt.Sprintf(format, args...)))
}

// exceptionValue returns the JS value carried by err: the thrown value of a
// script exception, a GoError otherwise.
func exceptionValue(rt *goja.Runtime, err error) goja.Value {
	var (
		jsErr *jsError
		ex    *goja.Exception
	)
	switch {
	case errors.As(err, &jsErr):
		return jsErr.value
	case errors.As(err, &ex):
		return ex.Value()
	}
	return rt.NewGoError(err)
}

// try runs f, turning a script exception it throws into an error.
func try(rt *goja.Runtime, f func()) error {
	if ex := rt.Try(f); ex != nil {
		return ex
	}
	return nil
}

func (mi *ModuleInstance) newResolvedPromise(v any) *goja.Promise {
	p, resolve, _ := mi.vu.Runtime().NewPromise()
	resolve(v)
	return p
}

func (mi *ModuleInstance) newRejectedPromise(v any) *goja.Promise {
	p, _, reject := mi.vu.Runtime().NewPromise()
	reject(v)
	return p
}
