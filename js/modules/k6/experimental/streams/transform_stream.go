package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// TransformStream is the [TransformStream] class: a writable side whose
// chunks go through a transformer before being readable from the readable side.
//
// [TransformStream]: https://streams.spec.whatwg.org/#ts-class
type TransformStream struct {
	mi  *ModuleInstance
	obj *goja.Object

	// backpressure is whether there was backpressure on the readable side the
	// last time it was observed.
	backpressure bool

	// backpressureChangePromise is fulfilled and replaced every time the
	// backpressure flag changes.
	backpressureChangePromise *deferred

	controller *TransformStreamDefaultController

	readable *ReadableStream
	writable *WritableStream
}

// TransformAlgorithms are the algorithms of a [TransformStreamDefaultController].
// A nil Transform enqueues chunks unchanged, the others default to promises
// resolved with undefined.
type TransformAlgorithms struct {
	Start     func(controller *TransformStreamDefaultController) goja.Value
	Transform func(chunk goja.Value, controller *TransformStreamDefaultController) *goja.Promise
	Flush     func(controller *TransformStreamDefaultController) *goja.Promise
	Cancel    func(reason goja.Value) *goja.Promise
}

func (a TransformAlgorithms) fill(mi *ModuleInstance) TransformAlgorithms {
	resolved := func() *goja.Promise { return mi.newResolvedPromise(goja.Undefined()) }

	if a.Start == nil {
		a.Start = func(*TransformStreamDefaultController) goja.Value { return goja.Undefined() }
	}
	if a.Transform == nil {
		// Let transformAlgorithm be the following steps, taking a chunk argument:
		a.Transform = func(chunk goja.Value, controller *TransformStreamDefaultController) *goja.Promise {
			// 1. Let result be TransformStreamDefaultControllerEnqueue(controller, chunk).
			// 2. If result is an abrupt completion, return a promise rejected with result.[[Value]].
			if err := controller.Enqueue(chunk); err != nil {
				return mi.newRejectedPromise(err)
			}

			// 3. Otherwise, return a promise resolved with undefined.
			return resolved()
		}
	}
	if a.Flush == nil {
		a.Flush = func(*TransformStreamDefaultController) *goja.Promise { return resolved() }
	}
	if a.Cancel == nil {
		a.Cancel = func(goja.Value) *goja.Promise { return resolved() }
	}
	return a
}

// TransformStreamFrom returns the stream behind a TransformStream object.
func TransformStreamFrom(v goja.Value) (*TransformStream, bool) {
	return common.ImplOf[*TransformStream](v)
}

// newTransformStreamObject implements the [TransformStream] constructor.
//
// [TransformStream]: https://streams.spec.whatwg.org/#ts-constructor
func (mi *ModuleInstance) newTransformStreamObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	// 1. If transformer is missing, set it to null.
	transformer := dictionary(rt, call.Argument(0), "transformer")
	writableStrategy := dictionary(rt, call.Argument(1), "writableStrategy")
	readableStrategy := dictionary(rt, call.Argument(2), "readableStrategy")

	// 2. Let transformerDict be transformer, converted to an IDL value of type Transformer.
	var algorithms TransformAlgorithms
	if transformer != nil {
		// 3. If transformerDict["readableType"] exists, throw a RangeError exception.
		// 4. If transformerDict["writableType"] exists, throw a RangeError exception.
		for _, reserved := range []string{"readableType", "writableType"} {
			if v := transformer.Get(reserved); v != nil && !goja.IsUndefined(v) {
				throw(rt, newRangeError(rt, "transformer."+reserved+" is reserved and must not be set"))
			}
		}
		algorithms = mi.transformerAlgorithms(transformer)
	}

	// 5. Let readableHighWaterMark be ? ExtractHighWaterMark(readableStrategy, 0).
	readableHighWaterMark := mi.extractHighWaterMark(readableStrategy, 0)

	// 6. Let readableSizeAlgorithm be ! ExtractSizeAlgorithm(readableStrategy).
	readableSizeAlgorithm := mi.extractSizeAlgorithm(readableStrategy)

	// 7. Let writableHighWaterMark be ? ExtractHighWaterMark(writableStrategy, 1).
	writableHighWaterMark := mi.extractHighWaterMark(writableStrategy, 1)

	// 8. Let writableSizeAlgorithm be ! ExtractSizeAlgorithm(writableStrategy).
	writableSizeAlgorithm := mi.extractSizeAlgorithm(writableStrategy)

	stream := &TransformStream{mi: mi, obj: call.This}
	mi.bindTransformStream(stream)

	// 9-12.
	stream.setup(algorithms.fill(mi),
		writableHighWaterMark, writableSizeAlgorithm,
		readableHighWaterMark, readableSizeAlgorithm)

	return call.This
}

// transformerAlgorithms implements the algorithm steps of
// [SetUpTransformStreamDefaultControllerFromTransformer] for a script transformer.
//
// [SetUpTransformStreamDefaultControllerFromTransformer]: https://streams.spec.whatwg.org/#set-up-transform-stream-default-controller-from-transformer
func (mi *ModuleInstance) transformerAlgorithms(transformer *goja.Object) TransformAlgorithms {
	rt := mi.vu.Runtime()
	var algorithms TransformAlgorithms

	if start, ok := asFunction(rt, transformer, "start", "transformer"); ok {
		algorithms.Start = func(c *TransformStreamDefaultController) goja.Value {
			v, err := start(transformer, c.Object())
			if err != nil {
				throw(rt, exceptionValue(rt, err))
			}
			return v
		}
	}
	if transform, ok := asFunction(rt, transformer, "transform", "transformer"); ok {
		algorithms.Transform = func(chunk goja.Value, c *TransformStreamDefaultController) *goja.Promise {
			return mi.promiseCall(transform, transformer, chunk, c.Object())
		}
	}
	if flush, ok := asFunction(rt, transformer, "flush", "transformer"); ok {
		algorithms.Flush = func(c *TransformStreamDefaultController) *goja.Promise {
			return mi.promiseCall(flush, transformer, c.Object())
		}
	}
	if cancel, ok := asFunction(rt, transformer, "cancel", "transformer"); ok {
		algorithms.Cancel = func(reason goja.Value) *goja.Promise {
			return mi.promiseCall(cancel, transformer, reason)
		}
	}

	return algorithms
}

// NewTransformStream creates a transform stream driven by Go algorithms,
// with the default strategies: the writable side buffers one chunk and the
// readable side none.
func (mi *ModuleInstance) NewTransformStream(algorithms TransformAlgorithms) *TransformStream {
	stream := &TransformStream{mi: mi}
	stream.setup(algorithms.fill(mi), 1, CountSize, 0, CountSize)
	return stream
}

func (stream *TransformStream) setup(
	algorithms TransformAlgorithms,
	writableHighWaterMark float64, writableSizeAlgorithm SizeAlgorithm,
	readableHighWaterMark float64, readableSizeAlgorithm SizeAlgorithm,
) {
	mi := stream.mi

	// 9. Let startPromise be a new promise.
	startPromise := mi.newDeferred()

	// 10. Perform ! InitializeTransformStream(this, startPromise, ...).
	stream.initialize(startPromise.promise,
		writableHighWaterMark, writableSizeAlgorithm,
		readableHighWaterMark, readableSizeAlgorithm)

	// 11. Perform ? SetUpTransformStreamDefaultControllerFromTransformer(this, transformer, transformerDict).
	stream.setupDefaultController(&TransformStreamDefaultController{}, algorithms)

	// 12. If transformerDict["start"] exists, resolve startPromise with the result of invoking it.
	// 13. Otherwise, resolve startPromise with undefined.
	startPromise.resolve(algorithms.Start(stream.controller))
}

// Object returns the script object of the stream.
func (stream *TransformStream) Object() *goja.Object {
	if stream.obj == nil {
		stream.obj = stream.mi.newObject(stream.mi.transformStreamCtor)
		stream.mi.bindTransformStream(stream)
	}
	return stream.obj
}

func (mi *ModuleInstance) bindTransformStream(stream *TransformStream) {
	rt := mi.vu.Runtime()
	obj := stream.obj

	common.Must(rt, common.AttachImpl(rt, obj, stream))
	mi.getter(obj, "readable", func() *goja.Object { return stream.readable.Object() })
	mi.getter(obj, "writable", func() *goja.Object { return stream.writable.Object() })
}

// Readable returns the readable side of the stream.
func (stream *TransformStream) Readable() *ReadableStream {
	return stream.readable
}

// Writable returns the writable side of the stream.
func (stream *TransformStream) Writable() *WritableStream {
	return stream.writable
}

// initialize implements the [InitializeTransformStream] algorithm.
//
// [InitializeTransformStream]: https://streams.spec.whatwg.org/#initialize-transform-stream
func (stream *TransformStream) initialize(
	startPromise *goja.Promise,
	writableHighWaterMark float64, writableSizeAlgorithm SizeAlgorithm,
	readableHighWaterMark float64, readableSizeAlgorithm SizeAlgorithm,
) {
	mi := stream.mi

	// 1. Let startAlgorithm be an algorithm that returns startPromise.
	startAlgorithm := func() goja.Value { return mi.vu.Runtime().ToValue(startPromise) }

	sink := SinkAlgorithms{
		Start: func(*WritableStreamDefaultController) goja.Value { return startAlgorithm() },
		// 2. Let writeAlgorithm be ! TransformStreamDefaultSinkWriteAlgorithm(stream, chunk).
		Write: func(chunk goja.Value, _ *WritableStreamDefaultController) *goja.Promise {
			return stream.sinkWriteAlgorithm(chunk)
		},
		// 3. Let abortAlgorithm be ! TransformStreamDefaultSinkAbortAlgorithm(stream, reason).
		Abort: stream.sinkAbortAlgorithm,
		// 4. Let closeAlgorithm be ! TransformStreamDefaultSinkCloseAlgorithm(stream).
		Close: stream.sinkCloseAlgorithm,
	}

	// 5. Set stream.[[writable]] to ! CreateWritableStream(...).
	stream.writable = mi.NewWritableStream(sink, writableHighWaterMark, writableSizeAlgorithm)

	source := SourceAlgorithms{
		Start: func(*ReadableStreamDefaultController) goja.Value { return startAlgorithm() },
		// 6. Let pullAlgorithm be ! TransformStreamDefaultSourcePullAlgorithm(stream).
		Pull: func(*ReadableStreamDefaultController) *goja.Promise { return stream.sourcePullAlgorithm() },
		// 7. Let cancelAlgorithm be ! TransformStreamDefaultSourceCancelAlgorithm(stream, reason).
		Cancel: stream.sourceCancelAlgorithm,
	}

	// 8. Set stream.[[readable]] to ! CreateReadableStream(...).
	stream.readable = mi.NewReadableStream(source, readableHighWaterMark, readableSizeAlgorithm)

	// 9. Set stream.[[backpressure]] and stream.[[backpressureChangePromise]] to undefined.
	stream.backpressureChangePromise = nil

	// 10. Perform ! TransformStreamSetBackpressure(stream, true).
	stream.setBackpressure(true)

	// 11. Set stream.[[controller]] to undefined.
	stream.controller = nil
}

// errorStream implements the [TransformStreamError] algorithm.
//
// [TransformStreamError]: https://streams.spec.whatwg.org/#transform-stream-error
func (stream *TransformStream) errorStream(e goja.Value) {
	// 1. Perform ! ReadableStreamDefaultControllerError(stream.[[readable]].[[controller]], e).
	stream.readable.controller.Error(e)

	// 2. Perform ! TransformStreamErrorWritableAndUnblockWrite(stream, e).
	stream.errorWritableAndUnblockWrite(e)
}

// errorWritableAndUnblockWrite implements the [TransformStreamErrorWritableAndUnblockWrite] algorithm.
//
// [TransformStreamErrorWritableAndUnblockWrite]: https://streams.spec.whatwg.org/#transform-stream-error-writable-and-unblock-write
func (stream *TransformStream) errorWritableAndUnblockWrite(e goja.Value) {
	// 1. Perform ! TransformStreamDefaultControllerClearAlgorithms(stream.[[controller]]).
	stream.controller.clearAlgorithms()

	// 2. Perform ! WritableStreamDefaultControllerErrorIfNeeded(stream.[[writable]].[[controller]], e).
	stream.writable.controller.errorIfNeeded(e)

	// 3. Perform ! TransformStreamUnblockWrite(stream).
	stream.unblockWrite()
}

// setBackpressure implements the [TransformStreamSetBackpressure] algorithm.
//
// [TransformStreamSetBackpressure]: https://streams.spec.whatwg.org/#transform-stream-set-backpressure
func (stream *TransformStream) setBackpressure(backpressure bool) {
	// 1. Assert: stream.[[backpressure]] is not backpressure.
	// 2. If stream.[[backpressureChangePromise]] is not undefined, resolve it with undefined.
	if stream.backpressureChangePromise != nil {
		stream.backpressureChangePromise.resolve(goja.Undefined())
	}

	// 3. Set stream.[[backpressureChangePromise]] to a new promise.
	stream.backpressureChangePromise = stream.mi.newDeferred()

	// 4. Set stream.[[backpressure]] to backpressure.
	stream.backpressure = backpressure
}

// unblockWrite implements the [TransformStreamUnblockWrite] algorithm.
//
// [TransformStreamUnblockWrite]: https://streams.spec.whatwg.org/#transform-stream-unblock-write
func (stream *TransformStream) unblockWrite() {
	// 1. If stream.[[backpressure]] is true, perform ! TransformStreamSetBackpressure(stream, false).
	if stream.backpressure {
		stream.setBackpressure(false)
	}
}

// sinkWriteAlgorithm implements the [TransformStreamDefaultSinkWriteAlgorithm] algorithm.
//
// [TransformStreamDefaultSinkWriteAlgorithm]: https://streams.spec.whatwg.org/#transform-stream-default-sink-write-algorithm
func (stream *TransformStream) sinkWriteAlgorithm(chunk goja.Value) *goja.Promise {
	mi := stream.mi

	// 1. Assert: stream.[[writable]].[[state]] is "writable".
	assertThat(mi.vu.Runtime(), stream.writable.state == WritableStreamStateWritable, "the writable side is not writable")

	// 2. Let controller be stream.[[controller]].
	controller := stream.controller

	// 3. If stream.[[backpressure]] is true,
	if stream.backpressure {
		// 3.1. Let backpressureChangePromise be stream.[[backpressureChangePromise]].
		// 3.2. Assert: backpressureChangePromise is not undefined.
		backpressureChangePromise := stream.backpressureChangePromise

		// 3.3. Return the result of reacting to backpressureChangePromise with the following fulfillment steps:
		return mi.then(backpressureChangePromise.promise, func(goja.Value) goja.Value {
			// 3.3.1. Let writable be stream.[[writable]].
			// 3.3.2. Let state be writable.[[state]].
			writable := stream.writable

			// 3.3.3. If state is "erroring", throw writable.[[storedError]].
			if writable.state == WritableStreamStateErroring {
				panic(writable.storedError)
			}

			// 3.3.4. Assert: state is "writable".
			// 3.3.5. Return ! TransformStreamDefaultControllerPerformTransform(controller, chunk).
			return mi.vu.Runtime().ToValue(controller.performTransform(chunk))
		}, nil)
	}

	// 4. Return ! TransformStreamDefaultControllerPerformTransform(controller, chunk).
	return controller.performTransform(chunk)
}

// sinkAbortAlgorithm implements the [TransformStreamDefaultSinkAbortAlgorithm] algorithm.
//
// [TransformStreamDefaultSinkAbortAlgorithm]: https://streams.spec.whatwg.org/#transform-stream-default-sink-abort-algorithm
func (stream *TransformStream) sinkAbortAlgorithm(reason goja.Value) *goja.Promise {
	mi := stream.mi

	// 1. Let controller be stream.[[controller]].
	controller := stream.controller

	// 2. If controller.[[finishPromise]] is not undefined, return controller.[[finishPromise]].
	if controller.finishPromise != nil {
		return controller.finishPromise.promise
	}

	// 3. Let readable be stream.[[readable]].
	readable := stream.readable

	// 4. Let controller.[[finishPromise]] be a new promise.
	controller.finishPromise = mi.newDeferred()
	finishPromise := controller.finishPromise

	// 5. Let cancelPromise be the result of performing controller.[[cancelAlgorithm]], passing reason.
	cancelPromise := controller.cancelAlgorithm(reason)

	// 6. Perform ! TransformStreamDefaultControllerClearAlgorithms(controller).
	controller.clearAlgorithms()

	mi.upon(cancelPromise,
		// 7. React to cancelPromise:
		// 7.1. If cancelPromise was fulfilled, then:
		func(goja.Value) {
			if readable.state == ReadableStreamStateErrored {
				// 7.1.1. If readable.[[state]] is "errored", reject controller.[[finishPromise]] with readable.[[storedError]].
				finishPromise.reject(readable.storedError)
			} else {
				// 7.1.2. Otherwise:
				// 7.1.2.1. Perform ! ReadableStreamDefaultControllerError(readable.[[controller]], reason).
				readable.controller.Error(reason)

				// 7.1.2.2. Resolve controller.[[finishPromise]] with undefined.
				finishPromise.resolve(goja.Undefined())
			}
		},
		// 7.2. If cancelPromise was rejected with reason r, then:
		func(r goja.Value) {
			// 7.2.1. Perform ! ReadableStreamDefaultControllerError(readable.[[controller]], r).
			readable.controller.Error(r)

			// 7.2.2. Reject controller.[[finishPromise]] with r.
			finishPromise.reject(r)
		},
	)

	// 8. Return controller.[[finishPromise]].
	return finishPromise.promise
}

// sinkCloseAlgorithm implements the [TransformStreamDefaultSinkCloseAlgorithm] algorithm.
//
// [TransformStreamDefaultSinkCloseAlgorithm]: https://streams.spec.whatwg.org/#transform-stream-default-sink-close-algorithm
func (stream *TransformStream) sinkCloseAlgorithm() *goja.Promise {
	mi := stream.mi

	// 1. Let controller be stream.[[controller]].
	controller := stream.controller

	// 2. If controller.[[finishPromise]] is not undefined, return controller.[[finishPromise]].
	if controller.finishPromise != nil {
		return controller.finishPromise.promise
	}

	// 3. Let readable be stream.[[readable]].
	readable := stream.readable

	// 4. Let controller.[[finishPromise]] be a new promise.
	controller.finishPromise = mi.newDeferred()
	finishPromise := controller.finishPromise

	// 5. Let flushPromise be the result of performing controller.[[flushAlgorithm]].
	flushPromise := controller.flushAlgorithm(controller)

	// 6. Perform ! TransformStreamDefaultControllerClearAlgorithms(controller).
	controller.clearAlgorithms()

	mi.upon(flushPromise,
		// 7.1. If flushPromise was fulfilled, then:
		func(goja.Value) {
			if readable.state == ReadableStreamStateErrored {
				// 7.1.1. If readable.[[state]] is "errored", reject controller.[[finishPromise]] with readable.[[storedError]].
				finishPromise.reject(readable.storedError)
			} else {
				// 7.1.2. Otherwise:
				// 7.1.2.1. Perform ! ReadableStreamDefaultControllerClose(readable.[[controller]]).
				readable.controller.Close()

				// 7.1.2.2. Resolve controller.[[finishPromise]] with undefined.
				finishPromise.resolve(goja.Undefined())
			}
		},
		// 7.2. If flushPromise was rejected with reason r, then:
		func(r goja.Value) {
			// 7.2.1. Perform ! ReadableStreamDefaultControllerError(readable.[[controller]], r).
			readable.controller.Error(r)

			// 7.2.2. Reject controller.[[finishPromise]] with r.
			finishPromise.reject(r)
		},
	)

	// 8. Return controller.[[finishPromise]].
	return finishPromise.promise
}

// sourcePullAlgorithm implements the [TransformStreamDefaultSourcePullAlgorithm] algorithm.
//
// [TransformStreamDefaultSourcePullAlgorithm]: https://streams.spec.whatwg.org/#transform-stream-default-source-pull
func (stream *TransformStream) sourcePullAlgorithm() *goja.Promise {
	// 1. Assert: stream.[[backpressure]] is true.
	// 2. Assert: stream.[[backpressureChangePromise]] is not undefined.
	assertThat(stream.mi.vu.Runtime(), stream.backpressure && stream.backpressureChangePromise != nil,
		"the transform stream has no backpressure")

	// 3. Perform ! TransformStreamSetBackpressure(stream, false).
	stream.setBackpressure(false)

	// 4. Return stream.[[backpressureChangePromise]].
	return stream.backpressureChangePromise.promise
}

// sourceCancelAlgorithm implements the [TransformStreamDefaultSourceCancelAlgorithm] algorithm.
//
// [TransformStreamDefaultSourceCancelAlgorithm]: https://streams.spec.whatwg.org/#transform-stream-default-source-cancel
func (stream *TransformStream) sourceCancelAlgorithm(reason goja.Value) *goja.Promise {
	mi := stream.mi

	// 1. Let controller be stream.[[controller]].
	controller := stream.controller

	// 2. If controller.[[finishPromise]] is not undefined, return controller.[[finishPromise]].
	if controller.finishPromise != nil {
		return controller.finishPromise.promise
	}

	// 3. Let writable be stream.[[writable]].
	writable := stream.writable

	// 4. Let controller.[[finishPromise]] be a new promise.
	controller.finishPromise = mi.newDeferred()
	finishPromise := controller.finishPromise

	// 5. Let cancelPromise be the result of performing controller.[[cancelAlgorithm]], passing reason.
	cancelPromise := controller.cancelAlgorithm(reason)

	// 6. Perform ! TransformStreamDefaultControllerClearAlgorithms(controller).
	controller.clearAlgorithms()

	mi.upon(cancelPromise,
		// 7.1. If cancelPromise was fulfilled, then:
		func(goja.Value) {
			if writable.state == WritableStreamStateErrored {
				// 7.1.1. If writable.[[state]] is "errored", reject controller.[[finishPromise]] with writable.[[storedError]].
				finishPromise.reject(writable.storedError)
			} else {
				// 7.1.2. Otherwise:
				// 7.1.2.1. Perform ! WritableStreamDefaultControllerErrorIfNeeded(writable.[[controller]], reason).
				writable.controller.errorIfNeeded(reason)

				// 7.1.2.2. Perform ! TransformStreamUnblockWrite(stream).
				stream.unblockWrite()

				// 7.1.2.3. Resolve controller.[[finishPromise]] with undefined.
				finishPromise.resolve(goja.Undefined())
			}
		},
		// 7.2. If cancelPromise was rejected with reason r, then:
		func(r goja.Value) {
			// 7.2.1. Perform ! WritableStreamDefaultControllerErrorIfNeeded(writable.[[controller]], r).
			writable.controller.errorIfNeeded(r)

			// 7.2.2. Perform ! TransformStreamUnblockWrite(stream).
			stream.unblockWrite()

			// 7.2.3. Reject controller.[[finishPromise]] with r.
			finishPromise.reject(r)
		},
	)

	// 8. Return controller.[[finishPromise]].
	return finishPromise.promise
}
