package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// SizeAlgorithm computes the size of a chunk. A non-nil error carries the
// exception thrown by a script provided size function.
type SizeAlgorithm func(chunk goja.Value) (float64, error)

// CountSize is the size algorithm counting every chunk as 1.
func CountSize(goja.Value) (float64, error) {
	return 1, nil
}

// extractHighWaterMark implements the [ExtractHighWaterMark] algorithm.
//
// [ExtractHighWaterMark]: https://streams.spec.whatwg.org/#validate-and-normalize-high-water-mark
func (mi *ModuleInstance) extractHighWaterMark(strategy *goja.Object, defaultHWM float64) float64 {
	rt := mi.vu.Runtime()

	// 1. If strategy["highWaterMark"] does not exist, return defaultHWM.
	if strategy == nil {
		return defaultHWM
	}
	v := strategy.Get("highWaterMark")
	if v == nil || goja.IsUndefined(v) {
		return defaultHWM
	}

	// 2. Let highWaterMark be strategy["highWaterMark"].
	highWaterMark := v.ToFloat()

	// 3. If highWaterMark is NaN or highWaterMark < 0, throw a RangeError exception.
	if !isNonNegativeNumber(highWaterMark) {
		throw(rt, newRangeError(rt, "highWaterMark must be a non-negative number"))
	}

	// 4. Return highWaterMark.
	return highWaterMark
}

// extractSizeAlgorithm implements the [ExtractSizeAlgorithm] algorithm.
//
// [ExtractSizeAlgorithm]: https://streams.spec.whatwg.org/#make-size-algorithm-from-size-function
func (mi *ModuleInstance) extractSizeAlgorithm(strategy *goja.Object) SizeAlgorithm {
	// 1. If strategy["size"] does not exist, return an algorithm that returns 1.
	size, ok := asFunction(mi.vu.Runtime(), strategy, "size", "strategy")
	if !ok {
		return CountSize
	}

	// 2. Return an algorithm that performs the following steps, taking a chunk argument:
	return func(chunk goja.Value) (result float64, err error) {
		// 2.1. Return the result of invoking strategy["size"] with argument list « chunk ».
		v, err := size(goja.Undefined(), chunk)
		if err != nil {
			return 0, err
		}
		if err := mi.vu.Runtime().Try(func() { result = v.ToFloat() }); err != nil {
			return 0, err
		}
		return result, nil
	}
}

// queuingStrategyInit reads the required highWaterMark member of a
// QueuingStrategyInit dictionary.
func (mi *ModuleInstance) queuingStrategyInit(init goja.Value, class string) float64 {
	rt := mi.vu.Runtime()
	obj := dictionary(rt, init, class+" init")
	if obj == nil {
		throw(rt, newTypeError(rt, class+": highWaterMark is required"))
	}
	hwm := obj.Get("highWaterMark")
	if hwm == nil || goja.IsUndefined(hwm) {
		throw(rt, newTypeError(rt, class+": highWaterMark is required"))
	}
	return hwm.ToFloat()
}

// newCountQueuingStrategy implements the [CountQueuingStrategy] constructor.
//
// [CountQueuingStrategy]: https://streams.spec.whatwg.org/#cqs-class
func (mi *ModuleInstance) newCountQueuingStrategy(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	hwm := mi.queuingStrategyInit(call.Argument(0), "CountQueuingStrategy")
	common.Must(rt, common.DefineGetter(rt, call.This, "highWaterMark", func() float64 { return hwm }))
	common.Must(rt, common.DefineGetter(rt, call.This, "size", func() goja.Value { return mi.countSizeFn }))

	return call.This
}

// newByteLengthQueuingStrategy implements the [ByteLengthQueuingStrategy] constructor.
//
// [ByteLengthQueuingStrategy]: https://streams.spec.whatwg.org/#blqs-class
func (mi *ModuleInstance) newByteLengthQueuingStrategy(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	hwm := mi.queuingStrategyInit(call.Argument(0), "ByteLengthQueuingStrategy")
	common.Must(rt, common.DefineGetter(rt, call.This, "highWaterMark", func() float64 { return hwm }))
	common.Must(rt, common.DefineGetter(rt, call.This, "size", func() goja.Value { return mi.byteLengthSizeFn }))

	return call.This
}

func newSizeFunctions(rt *goja.Runtime) (count, byteLength goja.Value) {
	count = rt.ToValue(func(goja.FunctionCall) goja.Value {
		return rt.ToValue(1)
	})
	byteLength = rt.ToValue(func(call goja.FunctionCall) goja.Value {
		v := call.Argument(0).ToObject(rt).Get("byteLength")
		if v == nil {
			return goja.Undefined()
		}
		return v
	})
	return count, byteLength
}

// desiredSizeValue converts a desired size to its script value, null when
// the stream is errored.
func desiredSizeValue(rt *goja.Runtime, size float64, ok bool) goja.Value {
	if !ok {
		return goja.Null()
	}
	return rt.ToValue(size)
}
