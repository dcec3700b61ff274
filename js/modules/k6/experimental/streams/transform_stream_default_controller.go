package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// TransformStreamDefaultController is the [TransformStreamDefaultController]
// class, handed to the transformer to manipulate the readable side.
//
// [TransformStreamDefaultController]: https://streams.spec.whatwg.org/#ts-default-controller-class
type TransformStreamDefaultController struct {
	mi  *ModuleInstance
	obj *goja.Object

	cancelAlgorithm    func(reason goja.Value) *goja.Promise
	flushAlgorithm     func(controller *TransformStreamDefaultController) *goja.Promise
	transformAlgorithm func(chunk goja.Value, controller *TransformStreamDefaultController) *goja.Promise

	// finishPromise settles once the stream is closed, aborted or canceled,
	// whichever happens first.
	finishPromise *deferred

	stream *TransformStream
}

// setupDefaultController implements the [SetUpTransformStreamDefaultController] algorithm.
//
// [SetUpTransformStreamDefaultController]: https://streams.spec.whatwg.org/#set-up-transform-stream-default-controller
func (stream *TransformStream) setupDefaultController(
	controller *TransformStreamDefaultController,
	algorithms TransformAlgorithms,
) {
	// 1. Assert: stream implements TransformStream.
	// 2. Assert: stream.[[controller]] is undefined.
	assertThat(stream.mi.vu.Runtime(), stream.controller == nil, "stream.[[controller]] is not undefined")

	controller.mi = stream.mi

	// 3. Set controller.[[stream]] to stream.
	controller.stream = stream

	// 4. Set stream.[[controller]] to controller.
	stream.controller = controller

	// 5-7. Set controller.[[transformAlgorithm]], [[flushAlgorithm]] and [[cancelAlgorithm]].
	controller.transformAlgorithm = algorithms.Transform
	controller.flushAlgorithm = algorithms.Flush
	controller.cancelAlgorithm = algorithms.Cancel
}

// Object returns the script object of the controller.
func (controller *TransformStreamDefaultController) Object() *goja.Object {
	if controller.obj != nil {
		return controller.obj
	}

	mi := controller.mi
	rt := mi.vu.Runtime()
	controller.obj = mi.newObject(mi.transformCtrlCtor)
	obj := controller.obj

	common.Must(rt, common.AttachImpl(rt, obj, controller))
	mi.getter(obj, "desiredSize", func() goja.Value {
		size, ok := controller.DesiredSize()
		return desiredSizeValue(rt, size, ok)
	})
	mi.define(obj, "enqueue", func(chunk goja.Value) {
		if err := controller.Enqueue(chunk); err != nil {
			throw(rt, err)
		}
	})
	mi.define(obj, "error", func(reason goja.Value) {
		controller.Error(reason)
	})
	mi.define(obj, "terminate", controller.Terminate)

	return obj
}

// DesiredSize implements the [desiredSize] getter: the desired size of the
// readable side's queue.
//
// [desiredSize]: https://streams.spec.whatwg.org/#ts-default-controller-desired-size
func (controller *TransformStreamDefaultController) DesiredSize() (float64, bool) {
	// 1. Let readableController be this.[[stream]].[[readable]].[[controller]].
	// 2. Return ! ReadableStreamDefaultControllerGetDesiredSize(readableController).
	return controller.stream.readable.controller.DesiredSize()
}

// Enqueue implements the [TransformStreamDefaultControllerEnqueue] algorithm.
//
// [TransformStreamDefaultControllerEnqueue]: https://streams.spec.whatwg.org/#transform-stream-default-controller-enqueue
func (controller *TransformStreamDefaultController) Enqueue(chunk goja.Value) error {
	rt := controller.mi.vu.Runtime()

	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. Let readableController be stream.[[readable]].[[controller]].
	readableController := stream.readable.controller

	// 3. If ! ReadableStreamDefaultControllerCanCloseOrEnqueue(readableController) is false, throw a TypeError exception.
	if !readableController.CanCloseOrEnqueue() {
		return newTypeError(rt, "cannot enqueue in the readable side")
	}

	// 4. Let enqueueResult be ReadableStreamDefaultControllerEnqueue(readableController, chunk).
	// 5. If enqueueResult is an abrupt completion,
	if err := readableController.Enqueue(chunk); err != nil {
		// 5.1. Perform ! TransformStreamErrorWritableAndUnblockWrite(stream, enqueueResult.[[Value]]).
		stream.errorWritableAndUnblockWrite(exceptionValue(rt, err))

		// 5.2. Throw stream.[[readable]].[[storedError]].
		return &valueError{value: stream.readable.storedError}
	}

	// 6. Let backpressure be ! ReadableStreamDefaultControllerHasBackpressure(readableController).
	backpressure := readableController.hasBackpressure()

	// 7. If backpressure is not stream.[[backpressure]],
	if backpressure != stream.backpressure {
		// 7.1. Assert: backpressure is true.
		assertThat(rt, backpressure, "backpressure is not true")

		// 7.2. Perform ! TransformStreamSetBackpressure(stream, true).
		stream.setBackpressure(true)
	}

	return nil
}

// Error implements the [TransformStreamDefaultControllerError] algorithm.
//
// [TransformStreamDefaultControllerError]: https://streams.spec.whatwg.org/#transform-stream-default-controller-error
func (controller *TransformStreamDefaultController) Error(e goja.Value) {
	if e == nil {
		e = goja.Undefined()
	}

	// 1. Perform ! TransformStreamError(controller.[[stream]], e).
	controller.stream.errorStream(e)
}

// Terminate implements the [TransformStreamDefaultControllerTerminate] algorithm:
// the readable side gets closed and the writable side errored.
//
// [TransformStreamDefaultControllerTerminate]: https://streams.spec.whatwg.org/#transform-stream-default-controller-terminate
func (controller *TransformStreamDefaultController) Terminate() {
	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. Let readableController be stream.[[readable]].[[controller]].
	// 3. Perform ! ReadableStreamDefaultControllerClose(readableController).
	stream.readable.controller.Close()

	// 4. Let error be a TypeError exception indicating that the stream has been terminated.
	e := controller.mi.typeError("the transform stream has been terminated")

	// 5. Perform ! TransformStreamErrorWritableAndUnblockWrite(stream, error).
	stream.errorWritableAndUnblockWrite(e)
}

// clearAlgorithms implements the [TransformStreamDefaultControllerClearAlgorithms] algorithm.
//
// [TransformStreamDefaultControllerClearAlgorithms]: https://streams.spec.whatwg.org/#transform-stream-default-controller-clear-algorithms
func (controller *TransformStreamDefaultController) clearAlgorithms() {
	controller.transformAlgorithm = nil
	controller.flushAlgorithm = nil
	controller.cancelAlgorithm = nil
}

// performTransform implements the [TransformStreamDefaultControllerPerformTransform] algorithm.
//
// [TransformStreamDefaultControllerPerformTransform]: https://streams.spec.whatwg.org/#transform-stream-default-controller-perform-transform
func (controller *TransformStreamDefaultController) performTransform(chunk goja.Value) *goja.Promise {
	// 1. Let transformPromise be the result of performing controller.[[transformAlgorithm]], passing chunk.
	transformPromise := controller.transformAlgorithm(chunk, controller)

	// 2. Return the result of reacting to transformPromise with the following rejection steps given the argument r:
	return controller.mi.then(transformPromise, nil, func(r goja.Value) goja.Value {
		// 2.1. Perform ! TransformStreamError(controller.[[stream]], r).
		controller.Error(r)

		// 2.2. Throw r.
		panic(r)
	})
}
