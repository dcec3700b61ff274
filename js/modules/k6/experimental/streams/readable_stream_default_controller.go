package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// ReadableStreamDefaultController allows control of a [ReadableStream]'s state and internal queue.
//
// [ReadableStreamDefaultController]: https://streams.spec.whatwg.org/#rs-default-controller-class
type ReadableStreamDefaultController struct {
	mi  *ModuleInstance
	obj *goja.Object

	// cancelAlgorithm is a promise-returning algorithm, taking one argument (the cancel reason),
	// which communicates a requested cancelation to the underlying source.
	cancelAlgorithm func(reason goja.Value) *goja.Promise

	// closeRequested is a boolean flag indicating whether the stream has been closed by its
	// underlying source, but still has chunks in its internal queue that have not yet been read.
	closeRequested bool

	// pullAgain is a boolean flag set to true if the stream’s mechanisms requested a call
	// to the underlying source's pull algorithm to pull more data, but the pull could not yet
	// be done since a previous call is still executing.
	pullAgain bool

	// pullAlgorithm is a promise-returning algorithm that pulls data from the underlying source.
	pullAlgorithm func(controller *ReadableStreamDefaultController) *goja.Promise

	// pulling is a boolean flag set to true while the underlying source's pull algorithm is
	// executing and the returned promise has not yet fulfilled, used to prevent reentrant calls.
	pulling bool

	// queue is a list representing the stream’s internal queue of chunks.
	queue queueWithSizes

	// started is a boolean flag indicating whether the underlying source has finished starting.
	started bool

	// strategyHWM is a number supplied to the constructor as part of the stream’s queuing
	// strategy, indicating the point at which the stream will apply backpressure to its
	// underlying source.
	strategyHWM float64

	// strategySizeAlgorithm is an algorithm to calculate the size of enqueued chunks, as part
	// of the stream’s queuing strategy.
	strategySizeAlgorithm SizeAlgorithm

	// stream is the readable stream that this controller controls.
	stream *ReadableStream
}

// setupDefaultController implements the [SetUpReadableStreamDefaultController] abstract operation.
//
// [SetUpReadableStreamDefaultController]: https://streams.spec.whatwg.org/#set-up-readable-stream-default-controller
func (stream *ReadableStream) setupDefaultController(
	controller *ReadableStreamDefaultController,
	algorithms SourceAlgorithms,
	highWaterMark float64,
	sizeAlgorithm SizeAlgorithm,
) {
	mi := stream.mi
	rt := mi.vu.Runtime()
	controller.mi = mi

	// 1. Assert: stream.[[controller]] is undefined.
	assertThat(rt, stream.controller == nil, "stream.[[controller]] is not undefined")

	// 2. Set controller.[[stream]] to stream.
	controller.stream = stream

	// 3. Perform ! ResetQueue(controller).
	controller.queue.reset()

	// 4. Set controller.[[started]], controller.[[closeRequested]], controller.[[pullAgain]], and
	// controller.[[pulling]] to false.
	controller.started, controller.closeRequested, controller.pullAgain, controller.pulling = false, false, false, false

	// 5. Set controller.[[strategySizeAlgorithm]] to sizeAlgorithm and controller.[[strategyHWM]] to highWaterMark.
	controller.strategySizeAlgorithm, controller.strategyHWM = sizeAlgorithm, highWaterMark

	// 6-7. Set controller.[[pullAlgorithm]] and controller.[[cancelAlgorithm]].
	controller.pullAlgorithm = algorithms.Pull
	controller.cancelAlgorithm = algorithms.Cancel

	// 8. Set stream.[[controller]] to controller.
	stream.controller = controller

	// 9. Let startResult be the result of performing startAlgorithm. (This might throw an exception.)
	startResult := algorithms.Start(controller)

	// 10. Let startPromise be a promise resolved with startResult.
	startPromise := mi.newResolvedPromise(startResult)

	mi.upon(startPromise,
		// 11. Upon fulfillment of startPromise,
		func(goja.Value) {
			// 11.1. Set controller.[[started]] to true.
			controller.started = true

			// 11.2. Assert: controller.[[pulling]] is false.
			assertThat(rt, !controller.pulling, "controller `pulling` state is not false")

			// 11.3. Assert: controller.[[pullAgain]] is false.
			assertThat(rt, !controller.pullAgain, "controller `pullAgain` state is not false")

			// 11.4. Perform ! ReadableStreamDefaultControllerCallPullIfNeeded(controller).
			controller.callPullIfNeeded()
		},
		// 12. Upon rejection of startPromise with reason r,
		func(r goja.Value) {
			// 12.1. Perform ! ReadableStreamDefaultControllerError(controller, r).
			controller.Error(r)
		},
	)
}

// Object returns the script object of the controller.
func (controller *ReadableStreamDefaultController) Object() *goja.Object {
	if controller.obj != nil {
		return controller.obj
	}

	mi := controller.mi
	rt := mi.vu.Runtime()
	controller.obj = mi.newObject(mi.readableControllerCtor)
	obj := controller.obj

	common.Must(rt, common.AttachImpl(rt, obj, controller))
	mi.getter(obj, "desiredSize", func() goja.Value {
		size, ok := controller.DesiredSize()
		return desiredSizeValue(rt, size, ok)
	})
	mi.define(obj, "close", func() {
		// 1. If ! ReadableStreamDefaultControllerCanCloseOrEnqueue(this) is false, throw a TypeError exception.
		if !controller.CanCloseOrEnqueue() {
			throw(rt, newTypeError(rt, "cannot close the stream"))
		}

		// 2. Perform ! ReadableStreamDefaultControllerClose(this).
		controller.Close()
	})
	mi.define(obj, "enqueue", func(chunk goja.Value) {
		// 1. If ! ReadableStreamDefaultControllerCanCloseOrEnqueue(this) is false, throw a TypeError exception.
		if !controller.CanCloseOrEnqueue() {
			throw(rt, newTypeError(rt, "cannot enqueue in the stream"))
		}

		// 2. Return ? ReadableStreamDefaultControllerEnqueue(this, chunk).
		if err := controller.Enqueue(chunk); err != nil {
			throw(rt, err)
		}
	})
	mi.define(obj, "error", func(e goja.Value) {
		controller.Error(e)
	})

	return obj
}

// Stream returns the stream the controller controls.
func (controller *ReadableStreamDefaultController) Stream() *ReadableStream {
	return controller.stream
}

// Close implements the [ReadableStreamDefaultControllerClose] algorithm.
// Chunks already queued remain readable: the stream closes once they are read.
//
// [ReadableStreamDefaultControllerClose]: https://streams.spec.whatwg.org/#readable-stream-default-controller-close
func (controller *ReadableStreamDefaultController) Close() {
	// 1. If ! ReadableStreamDefaultControllerCanCloseOrEnqueue(controller) is false, return.
	if !controller.CanCloseOrEnqueue() {
		return
	}

	// 2. Let stream be controller.[[stream]].
	stream := controller.stream

	// 3. Set controller.[[closeRequested]] to true.
	controller.closeRequested = true

	// 4. If controller.[[queue]] is empty,
	if controller.queue.len() == 0 {
		// 4.1. Perform ! ReadableStreamDefaultControllerClearAlgorithms(controller).
		controller.clearAlgorithms()

		// 4.2. Perform ! ReadableStreamClose(stream).
		stream.close()
	}
}

// Enqueue implements the [ReadableStreamDefaultControllerEnqueue] algorithm.
// The returned error carries the exception a script size function threw, or
// the RangeError for an invalid size; the stream is errored in both cases.
//
// [ReadableStreamDefaultControllerEnqueue]: https://streams.spec.whatwg.org/#readable-stream-default-controller-enqueue
func (controller *ReadableStreamDefaultController) Enqueue(chunk goja.Value) error {
	rt := controller.mi.vu.Runtime()

	// 1. If ! ReadableStreamDefaultControllerCanCloseOrEnqueue(controller) is false, return.
	if !controller.CanCloseOrEnqueue() {
		return nil
	}

	// 2. Let stream be controller.[[stream]].
	stream := controller.stream

	// 3. If ! IsReadableStreamLocked(stream) is true and ! ReadableStreamGetNumReadRequests(stream) > 0,
	// perform ! ReadableStreamFulfillReadRequest(stream, chunk, false).
	if stream.Locked() && stream.getNumReadRequests() > 0 {
		stream.fulfillReadRequest(chunk, false)
	} else {
		// 4. Otherwise,
		// 4.1. Let result be the result of performing controller.[[strategySizeAlgorithm]],
		// passing in chunk, and interpreting the result as a completion record.
		size, err := controller.strategySizeAlgorithm(chunk)

		// 4.2. If result is an abrupt completion,
		if err != nil {
			// 4.2.1. Perform ! ReadableStreamDefaultControllerError(controller, result.[[Value]]).
			e := exceptionValue(rt, err)
			controller.Error(e)

			// 4.2.2. Return result.
			return &valueError{value: e}
		}

		// 4.4. Let enqueueResult be EnqueueValueWithSize(controller, chunk, chunkSize).
		// 4.5. If enqueueResult is an abrupt completion,
		if !controller.queue.enqueue(chunk, size) {
			e := newRangeError(rt, "size must be a finite, non-NaN, non-negative number")

			// 4.5.1. Perform ! ReadableStreamDefaultControllerError(controller, enqueueResult.[[Value]]).
			controller.Error(e.Err())

			// 4.5.2. Return enqueueResult.
			return e
		}
	}

	// 5. Perform ! ReadableStreamDefaultControllerCallPullIfNeeded(controller).
	controller.callPullIfNeeded()
	return nil
}

// Error implements the [ReadableStreamDefaultControllerError] algorithm.
//
// [ReadableStreamDefaultControllerError]: https://streams.spec.whatwg.org/#readable-stream-default-controller-error
func (controller *ReadableStreamDefaultController) Error(e goja.Value) {
	if e == nil {
		e = goja.Undefined()
	}

	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. If stream.[[state]] is not "readable", return.
	if stream.state != ReadableStreamStateReadable {
		return
	}

	// 3. Perform ! ResetQueue(controller).
	controller.queue.reset()

	// 4. Perform ! ReadableStreamDefaultControllerClearAlgorithms(controller).
	controller.clearAlgorithms()

	// 5. Perform ! ReadableStreamError(stream, e).
	stream.error(e)
}

// DesiredSize implements the [ReadableStreamDefaultControllerGetDesiredSize] algorithm.
// The second result is false when the stream is errored, the desired size being null.
//
// [ReadableStreamDefaultControllerGetDesiredSize]: https://streams.spec.whatwg.org/#readable-stream-default-controller-get-desired-size
func (controller *ReadableStreamDefaultController) DesiredSize() (float64, bool) {
	switch controller.stream.state {
	case ReadableStreamStateErrored:
		return 0, false
	case ReadableStreamStateClosed:
		return 0, true
	default:
		return controller.strategyHWM - controller.queue.totalSize, true
	}
}

// CanCloseOrEnqueue implements the [ReadableStreamDefaultControllerCanCloseOrEnqueue] algorithm.
//
// [ReadableStreamDefaultControllerCanCloseOrEnqueue]: https://streams.spec.whatwg.org/#readable-stream-default-controller-can-close-or-enqueue
func (controller *ReadableStreamDefaultController) CanCloseOrEnqueue() bool {
	return !controller.closeRequested && controller.stream.state == ReadableStreamStateReadable
}

// hasBackpressure implements the [ReadableStreamDefaultControllerHasBackpressure] algorithm.
//
// [ReadableStreamDefaultControllerHasBackpressure]: https://streams.spec.whatwg.org/#rs-default-controller-has-backpressure
func (controller *ReadableStreamDefaultController) hasBackpressure() bool {
	return !controller.shouldCallPull()
}

// callPullIfNeeded implements the [ReadableStreamDefaultControllerCallPullIfNeeded] algorithm.
//
// [ReadableStreamDefaultControllerCallPullIfNeeded]: https://streams.spec.whatwg.org/#readable-stream-default-controller-call-pull-if-needed
func (controller *ReadableStreamDefaultController) callPullIfNeeded() {
	// 1. Let shouldPull be ! ReadableStreamDefaultControllerShouldCallPull(controller).
	// 2. If shouldPull is false, return.
	if !controller.shouldCallPull() {
		return
	}

	// 3. If controller.[[pulling]] is true,
	if controller.pulling {
		// 3.1. Set controller.[[pullAgain]] to true.
		controller.pullAgain = true

		// 3.2. Return.
		return
	}

	// 4. Assert: controller.[[pullAgain]] is false.
	assertThat(controller.mi.vu.Runtime(), !controller.pullAgain, "controller `pullAgain` state is not false")

	// 5. Set controller.[[pulling]] to true.
	controller.pulling = true

	// 6. Let pullPromise be the result of performing controller.[[pullAlgorithm]].
	pullPromise := controller.pullAlgorithm(controller)

	controller.mi.upon(pullPromise,
		// 7. Upon fulfillment of pullPromise,
		func(goja.Value) {
			// 7.1. Set controller.[[pulling]] to false.
			controller.pulling = false

			// 7.2. If controller.[[pullAgain]] is true,
			if controller.pullAgain {
				// 7.2.1. Set controller.[[pullAgain]] to false.
				controller.pullAgain = false

				// 7.2.2. Perform ! ReadableStreamDefaultControllerCallPullIfNeeded(controller).
				controller.callPullIfNeeded()
			}
		},
		// 8. Upon rejection of pullPromise with reason e,
		func(e goja.Value) {
			// 8.1. Perform ! ReadableStreamDefaultControllerError(controller, e).
			controller.Error(e)
		},
	)
}

// shouldCallPull implements the [ReadableStreamDefaultControllerShouldCallPull] algorithm.
//
// [ReadableStreamDefaultControllerShouldCallPull]: https://streams.spec.whatwg.org/#readable-stream-default-controller-should-call-pull
func (controller *ReadableStreamDefaultController) shouldCallPull() bool {
	// 1. Let stream be controller.[[stream]].
	stream := controller.stream

	// 2. If ! ReadableStreamDefaultControllerCanCloseOrEnqueue(controller) is false, return false.
	if !controller.CanCloseOrEnqueue() {
		return false
	}

	// 3. If controller.[[started]] is false, return false.
	if !controller.started {
		return false
	}

	// 4. If ! IsReadableStreamLocked(stream) is true and ! ReadableStreamGetNumReadRequests(stream) > 0, return true.
	if stream.Locked() && stream.getNumReadRequests() > 0 {
		return true
	}

	// 5. Let desiredSize be ! ReadableStreamDefaultControllerGetDesiredSize(controller).
	desiredSize, ok := controller.DesiredSize()

	// 6. Assert: desiredSize is not null.
	assertThat(controller.mi.vu.Runtime(), ok, "desiredSize is null")

	// 7. If desiredSize > 0, return true.
	// 8. Return false.
	return desiredSize > 0
}

// clearAlgorithms is called once the stream is closed or errored and the algorithms will not be executed any more.
//
// It implements the [ReadableStreamDefaultControllerClearAlgorithms] algorithm.
//
// [ReadableStreamDefaultControllerClearAlgorithms]: https://streams.spec.whatwg.org/#readable-stream-default-controller-clear-algorithms
func (controller *ReadableStreamDefaultController) clearAlgorithms() {
	// 1. Set controller.[[pullAlgorithm]] to undefined.
	controller.pullAlgorithm = nil

	// 2. Set controller.[[cancelAlgorithm]] to undefined.
	controller.cancelAlgorithm = nil

	// 3. Set controller.[[strategySizeAlgorithm]] to undefined.
	controller.strategySizeAlgorithm = nil
}

// cancelSteps implements the [[[CancelSteps]]] contract.
//
// [[[CancelSteps]]]: https://streams.spec.whatwg.org/#rs-default-controller-private-cancel
func (controller *ReadableStreamDefaultController) cancelSteps(reason goja.Value) *goja.Promise {
	// 1. Perform ! ResetQueue(this).
	controller.queue.reset()

	// 2. Let result be the result of performing this.[[cancelAlgorithm]], passing reason.
	result := controller.cancelAlgorithm(reason)

	// 3. Perform ! ReadableStreamDefaultControllerClearAlgorithms(this).
	controller.clearAlgorithms()

	// 4. Return result.
	return result
}

// pullSteps implements the [[[PullSteps]]] contract.
//
// [[[PullSteps]]]: https://streams.spec.whatwg.org/#rs-default-controller-private-pull
func (controller *ReadableStreamDefaultController) pullSteps(readRequest ReadRequest) {
	// 1. Let stream be this.[[stream]].
	stream := controller.stream

	// 2. If this.[[queue]] is not empty,
	if controller.queue.len() > 0 {
		// 2.1. Let chunk be ! DequeueValue(this).
		chunk, _ := controller.queue.dequeue().(goja.Value)

		// 2.2. If this.[[closeRequested]] is true and this.[[queue]] is empty,
		if controller.closeRequested && controller.queue.len() == 0 {
			// 2.2.1. Perform ! ReadableStreamDefaultControllerClearAlgorithms(this).
			controller.clearAlgorithms()

			// 2.2.2. Perform ! ReadableStreamClose(stream).
			stream.close()
		} else {
			// 2.3. Otherwise, perform ! ReadableStreamDefaultControllerCallPullIfNeeded(this).
			controller.callPullIfNeeded()
		}

		// 2.4. Perform readRequest’s chunk steps, given chunk.
		readRequest.chunkSteps(chunk)
	} else {
		// 3. Otherwise,
		// 3.1. Perform ! ReadableStreamAddReadRequest(stream, readRequest).
		stream.addReadRequest(readRequest)

		// 3.2. Perform ! ReadableStreamDefaultControllerCallPullIfNeeded(this).
		controller.callPullIfNeeded()
	}
}

// releaseSteps implements the [[[ReleaseSteps]]] contract.
//
// [[[ReleaseSteps]]]: https://streams.spec.whatwg.org/#abstract-opdef-readablestreamdefaultcontroller-releasesteps
func (controller *ReadableStreamDefaultController) releaseSteps() {}
