package streams

import (
	"fmt"
	"math"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// deferred is a promise along with its resolving functions.
type deferred struct {
	promise *goja.Promise
	resolve func(any)
	reject  func(any)
}

func (mi *ModuleInstance) newDeferred() *deferred {
	p, resolve, reject := mi.vu.Runtime().NewPromise()
	return &deferred{
		promise: p,
		resolve: func(v any) { resolve(v) },
		reject:  func(v any) { reject(v) },
	}
}

func (d *deferred) pending() bool {
	return d.promise.State() == goja.PromiseStatePending
}

// newResolvedPromise instantiates a new resolved promise.
func (mi *ModuleInstance) newResolvedPromise(with goja.Value) *goja.Promise {
	d := mi.newDeferred()
	d.resolve(with)
	return d.promise
}

// newRejectedPromise instantiates a new rejected promise.
func (mi *ModuleInstance) newRejectedPromise(with any) *goja.Promise {
	d := mi.newDeferred()
	d.reject(errToObj(mi.vu.Runtime(), with))
	return d.promise
}

// promiseResolve returns v itself when it already is a promise, a promise
// resolved with v otherwise.
func (mi *ModuleInstance) promiseResolve(v goja.Value) *goja.Promise {
	if !common.IsNullish(v) {
		if p, ok := v.Export().(*goja.Promise); ok {
			return p
		}
	}
	return mi.newResolvedPromise(v)
}

// promiseCall invokes fn and turns its outcome into a promise: a thrown
// exception becomes a rejection.
func (mi *ModuleInstance) promiseCall(fn goja.Callable, this goja.Value, args ...goja.Value) *goja.Promise {
	res, err := fn(this, args...)
	if err != nil {
		return mi.newRejectedPromise(exceptionValue(mi.vu.Runtime(), err))
	}
	return mi.promiseResolve(res)
}

// then reacts to promise from Go and returns the derived promise. A nil
// callback lets the settlement pass through. Panicking with a JS value in a
// callback rejects the derived promise with it.
func (mi *ModuleInstance) then(
	promise *goja.Promise,
	onFulfilled, onRejected func(goja.Value) goja.Value,
) *goja.Promise {
	rt := mi.vu.Runtime()

	wrap := func(f func(goja.Value) goja.Value) goja.Value {
		if f == nil {
			return goja.Undefined()
		}
		return rt.ToValue(func(call goja.FunctionCall) goja.Value {
			if v := f(call.Argument(0)); v != nil {
				return v
			}
			return goja.Undefined()
		})
	}

	val, err := mi.thenHelper(goja.Undefined(), rt.ToValue(promise), wrap(onFulfilled), wrap(onRejected))
	if err != nil {
		common.Throw(rt, err)
	}

	newPromise, ok := val.Export().(*goja.Promise)
	if !ok {
		throw(rt, newError(RuntimeError, "unable to cast the internal then helper's return value to a promise"))
	}

	return newPromise
}

// upon reacts to promise without exposing the derived promise, which is
// marked as handled.
func (mi *ModuleInstance) upon(promise *goja.Promise, onFulfilled, onRejected func(goja.Value)) {
	adapt := func(f func(goja.Value)) func(goja.Value) goja.Value {
		if f == nil {
			return nil
		}
		return func(v goja.Value) goja.Value {
			f(v)
			return nil
		}
	}
	mi.setHandled(mi.then(promise, adapt(onFulfilled), adapt(onRejected)))
}

// setHandled marks the promise as handled, so its rejection is not reported.
func (mi *ModuleInstance) setHandled(promise *goja.Promise) {
	mi.then(promise, nil, func(goja.Value) goja.Value { return nil })
}

// queueMicrotask runs fn once the current job and the microtasks queued
// before it are done.
func (mi *ModuleInstance) queueMicrotask(fn func()) {
	mi.upon(mi.newResolvedPromise(goja.Undefined()), func(goja.Value) { fn() }, nil)
}

func newThenHelper(rt *goja.Runtime) goja.Callable {
	val, err := rt.RunString(
		`(function(promise, onFulfilled, onRejected) { return promise.then(onFulfilled, onRejected) })`)
	if err != nil {
		panic(fmt.Errorf("unable to initialize the then helper: %w", err))
	}

	fn, ok := goja.AssertFunction(val)
	if !ok {
		panic("the then helper is not a function")
	}
	return fn
}

// isNonNegativeNumber implements the [IsNonNegativeNumber] algorithm.
//
// [IsNonNegativeNumber]: https://streams.spec.whatwg.org/#is-non-negative-number
func isNonNegativeNumber(v float64) bool {
	return !math.IsNaN(v) && v >= 0
}

// newReadResult builds the {value, done} object read requests settle with.
func newReadResult(rt *goja.Runtime, value goja.Value, done bool) *goja.Object {
	obj := rt.NewObject()
	common.Must(rt, obj.Set("value", value))
	common.Must(rt, obj.Set("done", done))
	return obj
}

// asFunction returns the callable held by obj[name], if any. A present
// non-callable member throws a TypeError.
func asFunction(rt *goja.Runtime, obj *goja.Object, name, owner string) (goja.Callable, bool) {
	if obj == nil {
		return nil, false
	}
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) {
		return nil, false
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		throw(rt, newTypeError(rt, fmt.Sprintf("%s.%s must be a function", owner, name)))
	}
	return fn, true
}

// dictionary converts an optional dictionary argument: undefined and null
// are empty, any other non-object throws a TypeError.
func dictionary(rt *goja.Runtime, v goja.Value, what string) *goja.Object {
	if common.IsNullish(v) {
		return nil
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		throw(rt, newTypeError(rt, what+" must be an object"))
	}
	return obj
}
