package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
)

// closeSentinel is the [close sentinel] value queued once close is requested.
//
// [close sentinel]: https://streams.spec.whatwg.org/#close-sentinel
type closeSentinel struct{}

// WritableStreamDefaultController allows control of a [WritableStream]'s state.
//
// [WritableStreamDefaultController]: https://streams.spec.whatwg.org/#ws-default-controller-class
type WritableStreamDefaultController struct {
	mi  *ModuleInstance
	obj *goja.Object

	// signal is aborted along with the stream, letting the sink stop its
	// ongoing write or close.
	signal *abort.Signal

	abortAlgorithm func(reason goja.Value) *goja.Promise
	closeAlgorithm func() *goja.Promise
	writeAlgorithm func(chunk goja.Value, controller *WritableStreamDefaultController) *goja.Promise

	queue   queueWithSizes
	started bool

	strategyHWM           float64
	strategySizeAlgorithm SizeAlgorithm

	stream *WritableStream
}

// setupDefaultController implements the [SetUpWritableStreamDefaultController] algorithm.
//
// [SetUpWritableStreamDefaultController]: https://streams.spec.whatwg.org/#set-up-writable-stream-default-controller
func (stream *WritableStream) setupDefaultController(
	controller *WritableStreamDefaultController,
	algorithms SinkAlgorithms,
	highWaterMark float64,
	sizeAlgorithm SizeAlgorithm,
) {
	mi := stream.mi
	rt := mi.vu.Runtime()
	controller.mi = mi

	// 1. Assert: stream implements WritableStream.
	// 2. Assert: stream.[[controller]] is undefined.
	assertThat(rt, stream.controller == nil, "stream.[[controller]] is not undefined")

	// 3. Set controller.[[stream]] to stream.
	controller.stream = stream

	// 4. Set stream.[[controller]] to controller.
	stream.controller = controller

	// 5. Perform ! ResetQueue(controller).
	controller.queue.reset()

	// 6. Set controller.[[abortController]] to a new AbortController.
	controller.signal = mi.abort.NewSignal()

	// 7. Set controller.[[started]] to false.
	controller.started = false

	// 8. Set controller.[[strategySizeAlgorithm]] to sizeAlgorithm.
	controller.strategySizeAlgorithm = sizeAlgorithm

	// 9. Set controller.[[strategyHWM]] to highWaterMark.
	controller.strategyHWM = highWaterMark

	// 10-12. Set controller.[[writeAlgorithm]], controller.[[closeAlgorithm]] and controller.[[abortAlgorithm]].
	controller.writeAlgorithm = algorithms.Write
	controller.closeAlgorithm = algorithms.Close
	controller.abortAlgorithm = algorithms.Abort

	// 13. Let backpressure be ! WritableStreamDefaultControllerGetBackpressure(controller).
	// 14. Perform ! WritableStreamUpdateBackpressure(stream, backpressure).
	stream.updateBackpressure(controller.getBackpressure())

	// 15. Let startResult be the result of performing startAlgorithm. (This may throw an exception.)
	startResult := algorithms.Start(controller)

	// 16. Let startPromise be a promise resolved with startResult.
	startPromise := mi.newResolvedPromise(startResult)

	mi.upon(startPromise,
		// 17. Upon fulfillment of startPromise,
		func(goja.Value) {
			// 17.1. Assert: stream.[[state]] is "writable" or "erroring".
			assertThat(rt, stream.state == WritableStreamStateWritable || stream.state == WritableStreamStateErroring,
				"stream is neither writable nor erroring")

			// 17.2. Set controller.[[started]] to true.
			controller.started = true

			// 17.3. Perform ! WritableStreamDefaultControllerAdvanceQueueIfNeeded(controller).
			controller.advanceQueueIfNeeded()
		},
		// 18. Upon rejection of startPromise with reason r,
		func(r goja.Value) {
			// 18.1. Assert: stream.[[state]] is "writable" or "erroring".
			assertThat(rt, stream.state == WritableStreamStateWritable || stream.state == WritableStreamStateErroring,
				"stream is neither writable nor erroring")

			// 18.2. Set controller.[[started]] to true.
			controller.started = true

			// 18.3. Perform ! WritableStreamDealWithRejection(stream, r).
			stream.dealWithRejection(r)
		},
	)
}

// Object returns the script object of the controller.
func (controller *WritableStreamDefaultController) Object() *goja.Object {
	if controller.obj != nil {
		return controller.obj
	}

	mi := controller.mi
	rt := mi.vu.Runtime()
	controller.obj = mi.newObject(mi.writableControllerCtor)
	obj := controller.obj

	common.Must(rt, common.AttachImpl(rt, obj, controller))
	mi.getter(obj, "signal", func() *goja.Object {
		return controller.signal.Object()
	})
	mi.define(obj, "error", func(e goja.Value) {
		// 1. Let state be this.[[stream]].[[state]].
		// 2. If state is not "writable", return.
		if controller.stream.state != WritableStreamStateWritable {
			return
		}

		// 3. Perform ! WritableStreamDefaultControllerError(this, e).
		controller.Error(e)
	})

	return obj
}

// Signal returns the abort signal of the controller.
func (controller *WritableStreamDefaultController) Signal() *abort.Signal {
	return controller.signal
}

// Error implements the [WritableStreamDefaultControllerError] algorithm.
//
// [WritableStreamDefaultControllerError]: https://streams.spec.whatwg.org/#writable-stream-default-controller-error
func (controller *WritableStreamDefaultController) Error(e goja.Value) {
	if e == nil {
		e = goja.Undefined()
	}

	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. Assert: stream.[[state]] is "writable".
	assertThat(controller.mi.vu.Runtime(), stream.state == WritableStreamStateWritable, "stream is not writable")

	// 3. Perform ! WritableStreamDefaultControllerClearAlgorithms(controller).
	controller.clearAlgorithms()

	// 4. Perform ! WritableStreamStartErroring(stream, error).
	stream.startErroring(e)
}

// errorIfNeeded implements the [WritableStreamDefaultControllerErrorIfNeeded] algorithm.
//
// [WritableStreamDefaultControllerErrorIfNeeded]: https://streams.spec.whatwg.org/#writable-stream-default-controller-error-if-needed
func (controller *WritableStreamDefaultController) errorIfNeeded(e goja.Value) {
	// 1. If controller.[[stream]].[[state]] is "writable", perform ! WritableStreamDefaultControllerError(controller, error).
	if controller.stream.state == WritableStreamStateWritable {
		controller.Error(e)
	}
}

// abortSteps implements the [[[AbortSteps]]] contract.
//
// [[[AbortSteps]]]: https://streams.spec.whatwg.org/#ws-default-controller-private-abort
func (controller *WritableStreamDefaultController) abortSteps(reason goja.Value) *goja.Promise {
	// 1. Let result be the result of performing this.[[abortAlgorithm]], passing reason.
	result := controller.abortAlgorithm(reason)

	// 2. Perform ! WritableStreamDefaultControllerClearAlgorithms(this).
	controller.clearAlgorithms()

	// 3. Return result.
	return result
}

// errorSteps implements the [[[ErrorSteps]]] contract.
//
// [[[ErrorSteps]]]: https://streams.spec.whatwg.org/#ws-default-controller-private-error
func (controller *WritableStreamDefaultController) errorSteps() {
	// 1. Perform ! ResetQueue(this).
	controller.queue.reset()
}

// advanceQueueIfNeeded implements the [WritableStreamDefaultControllerAdvanceQueueIfNeeded] algorithm.
//
// [WritableStreamDefaultControllerAdvanceQueueIfNeeded]: https://streams.spec.whatwg.org/#writable-stream-default-controller-advance-queue-if-needed
func (controller *WritableStreamDefaultController) advanceQueueIfNeeded() {
	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. If controller.[[started]] is false, return.
	if !controller.started {
		return
	}

	// 3. If stream.[[inFlightWriteRequest]] is not undefined, return.
	if stream.inFlightWriteRequest != nil {
		return
	}

	// 4. Let state be stream.[[state]].
	// 5. Assert: state is not "closed" or "errored".
	assertThat(controller.mi.vu.Runtime(),
		stream.state != WritableStreamStateClosed && stream.state != WritableStreamStateErrored,
		"stream is closed or errored")

	// 6. If state is "erroring",
	if stream.state == WritableStreamStateErroring {
		// 6.1. Perform ! WritableStreamFinishErroring(stream).
		stream.finishErroring()

		// 6.2. Return.
		return
	}

	// 7. If controller.[[queue]] is empty, return.
	if controller.queue.len() == 0 {
		return
	}

	// 8. Let value be ! PeekQueueValue(controller).
	value := controller.queue.peek()

	// 9. If value is the close sentinel, perform ! WritableStreamDefaultControllerProcessClose(controller).
	if _, ok := value.(closeSentinel); ok {
		controller.processClose()
	} else {
		// 10. Otherwise, perform ! WritableStreamDefaultControllerProcessWrite(controller, value).
		chunk, _ := value.(goja.Value)
		controller.processWrite(chunk)
	}
}

// clearAlgorithms implements the [WritableStreamDefaultControllerClearAlgorithms] algorithm.
//
// [WritableStreamDefaultControllerClearAlgorithms]: https://streams.spec.whatwg.org/#writable-stream-default-controller-clear-algorithms
func (controller *WritableStreamDefaultController) clearAlgorithms() {
	controller.writeAlgorithm = nil
	controller.closeAlgorithm = nil
	controller.abortAlgorithm = nil
	controller.strategySizeAlgorithm = nil
}

// close implements the [WritableStreamDefaultControllerClose] algorithm.
//
// [WritableStreamDefaultControllerClose]: https://streams.spec.whatwg.org/#writable-stream-default-controller-close
func (controller *WritableStreamDefaultController) close() {
	// 1. Perform ! EnqueueValueWithSize(controller, close sentinel, 0).
	controller.queue.enqueue(closeSentinel{}, 0)

	// 2. Perform ! WritableStreamDefaultControllerAdvanceQueueIfNeeded(controller).
	controller.advanceQueueIfNeeded()
}

// getChunkSize implements the [WritableStreamDefaultControllerGetChunkSize] algorithm.
//
// [WritableStreamDefaultControllerGetChunkSize]: https://streams.spec.whatwg.org/#writable-stream-default-controller-get-chunk-size
func (controller *WritableStreamDefaultController) getChunkSize(chunk goja.Value) float64 {
	// 1. If controller.[[strategySizeAlgorithm]] is undefined,
	if controller.strategySizeAlgorithm == nil {
		// 1.1. Assert: controller.[[stream]].[[state]] is not "writable".
		// 1.2. Return 1.
		return 1
	}

	// 2. Let returnValue be the result of performing controller.[[strategySizeAlgorithm]],
	// passing in chunk, and interpreting the result as a completion record.
	size, err := controller.strategySizeAlgorithm(chunk)

	// 3. If returnValue is an abrupt completion,
	if err != nil {
		// 3.1. Perform ! WritableStreamDefaultControllerErrorIfNeeded(controller, returnValue.[[Value]]).
		controller.errorIfNeeded(exceptionValue(controller.mi.vu.Runtime(), err))

		// 3.2. Return 1.
		return 1
	}

	// 4. Return returnValue.[[Value]].
	return size
}

// getBackpressure implements the [WritableStreamDefaultControllerGetBackpressure] algorithm.
//
// [WritableStreamDefaultControllerGetBackpressure]: https://streams.spec.whatwg.org/#writable-stream-default-controller-get-backpressure
func (controller *WritableStreamDefaultController) getBackpressure() bool {
	return controller.getDesiredSize() <= 0
}

// getDesiredSize implements the [WritableStreamDefaultControllerGetDesiredSize] algorithm.
//
// [WritableStreamDefaultControllerGetDesiredSize]: https://streams.spec.whatwg.org/#writable-stream-default-controller-get-desired-size
func (controller *WritableStreamDefaultController) getDesiredSize() float64 {
	return controller.strategyHWM - controller.queue.totalSize
}

// processClose implements the [WritableStreamDefaultControllerProcessClose] algorithm.
//
// [WritableStreamDefaultControllerProcessClose]: https://streams.spec.whatwg.org/#writable-stream-default-controller-process-close
func (controller *WritableStreamDefaultController) processClose() {
	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. Perform ! WritableStreamMarkCloseRequestInFlight(stream).
	stream.markCloseRequestInFlight()

	// 3. Perform ! DequeueValue(controller).
	controller.queue.dequeue()

	// 4. Assert: controller.[[queue]] is empty.
	assertThat(controller.mi.vu.Runtime(), controller.queue.len() == 0, "the queue is not empty")

	// 5. Let sinkClosePromise be the result of performing controller.[[closeAlgorithm]].
	sinkClosePromise := controller.closeAlgorithm()

	// 6. Perform ! WritableStreamDefaultControllerClearAlgorithms(controller).
	controller.clearAlgorithms()

	controller.mi.upon(sinkClosePromise,
		// 7. Upon fulfillment of sinkClosePromise, perform ! WritableStreamFinishInFlightClose(stream).
		func(goja.Value) {
			stream.finishInFlightClose()
		},
		// 8. Upon rejection of sinkClosePromise with reason reason,
		// perform ! WritableStreamFinishInFlightCloseWithError(stream, reason).
		func(reason goja.Value) {
			stream.finishInFlightCloseWithError(reason)
		},
	)
}

// processWrite implements the [WritableStreamDefaultControllerProcessWrite] algorithm.
//
// [WritableStreamDefaultControllerProcessWrite]: https://streams.spec.whatwg.org/#writable-stream-default-controller-process-write
func (controller *WritableStreamDefaultController) processWrite(chunk goja.Value) {
	rt := controller.mi.vu.Runtime()

	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. Perform ! WritableStreamMarkFirstWriteRequestInFlight(stream).
	stream.markFirstWriteRequestInFlight()

	// 3. Let sinkWritePromise be the result of performing controller.[[writeAlgorithm]], passing in chunk.
	sinkWritePromise := controller.writeAlgorithm(chunk, controller)

	controller.mi.upon(sinkWritePromise,
		// 4. Upon fulfillment of sinkWritePromise,
		func(goja.Value) {
			// 4.1. Perform ! WritableStreamFinishInFlightWrite(stream).
			stream.finishInFlightWrite()

			// 4.2. Let state be stream.[[state]].
			// 4.3. Assert: state is "writable" or "erroring".
			assertThat(rt, stream.state == WritableStreamStateWritable || stream.state == WritableStreamStateErroring,
				"stream is neither writable nor erroring")

			// 4.4. Perform ! DequeueValue(controller).
			controller.queue.dequeue()

			// 4.5. If ! WritableStreamCloseQueuedOrInFlight(stream) is false and state is "writable",
			if !stream.closeQueuedOrInFlight() && stream.state == WritableStreamStateWritable {
				// 4.5.1. Let backpressure be ! WritableStreamDefaultControllerGetBackpressure(controller).
				// 4.5.2. Perform ! WritableStreamUpdateBackpressure(stream, backpressure).
				stream.updateBackpressure(controller.getBackpressure())
			}

			// 4.6. Perform ! WritableStreamDefaultControllerAdvanceQueueIfNeeded(controller).
			controller.advanceQueueIfNeeded()
		},
		// 5. Upon rejection of sinkWritePromise with reason,
		func(reason goja.Value) {
			// 5.1. If stream.[[state]] is "writable", perform ! WritableStreamDefaultControllerClearAlgorithms(controller).
			if stream.state == WritableStreamStateWritable {
				controller.clearAlgorithms()
			}

			// 5.2. Perform ! WritableStreamFinishInFlightWriteWithError(stream, reason).
			stream.finishInFlightWriteWithError(reason)
		},
	)
}

// write implements the [WritableStreamDefaultControllerWrite] algorithm.
//
// [WritableStreamDefaultControllerWrite]: https://streams.spec.whatwg.org/#writable-stream-default-controller-write
func (controller *WritableStreamDefaultController) write(chunk goja.Value, chunkSize float64) {
	rt := controller.mi.vu.Runtime()

	// 1. Let enqueueResult be EnqueueValueWithSize(controller, chunk, chunkSize).
	// 2. If enqueueResult is an abrupt completion,
	if !controller.queue.enqueue(chunk, chunkSize) {
		// 2.1. Perform ! WritableStreamDefaultControllerErrorIfNeeded(controller, enqueueResult.[[Value]]).
		controller.errorIfNeeded(newRangeError(rt, "size must be a finite, non-NaN, non-negative number").Err())

		// 2.2. Return.
		return
	}

	// 3. Let stream be controller.[[stream]].
	stream := controller.stream

	// 4. If ! WritableStreamCloseQueuedOrInFlight(stream) is false and stream.[[state]] is "writable",
	if !stream.closeQueuedOrInFlight() && stream.state == WritableStreamStateWritable {
		// 4.1. Let backpressure be ! WritableStreamDefaultControllerGetBackpressure(controller).
		// 4.2. Perform ! WritableStreamUpdateBackpressure(stream, backpressure).
		stream.updateBackpressure(controller.getBackpressure())
	}

	// 5. Perform ! WritableStreamDefaultControllerAdvanceQueueIfNeeded(controller).
	controller.advanceQueueIfNeeded()
}
