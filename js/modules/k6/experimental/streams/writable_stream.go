package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// WritableStreamState represents the current state of a WritableStream.
type WritableStreamState string

const (
	// WritableStreamStateWritable indicates that chunks can be written to the stream.
	WritableStreamStateWritable WritableStreamState = "writable"

	// WritableStreamStateClosed indicates that the stream is closed.
	WritableStreamStateClosed WritableStreamState = "closed"

	// WritableStreamStateErroring indicates that the stream is being aborted,
	// the in-flight operations are still allowed to complete.
	WritableStreamStateErroring WritableStreamState = "erroring"

	// WritableStreamStateErrored indicates that the stream is errored.
	WritableStreamStateErrored WritableStreamState = "errored"
)

// pendingAbortRequest is the [[pendingAbortRequest]] of a writable stream.
type pendingAbortRequest struct {
	promise            *deferred
	reason             goja.Value
	wasAlreadyErroring bool
}

// WritableStream is the [WritableStream] class: a destination for streaming
// data, called the underlying sink, with built-in backpressure and queuing.
//
// [WritableStream]: https://streams.spec.whatwg.org/#ws-class
type WritableStream struct {
	mi  *ModuleInstance
	obj *goja.Object

	// backpressure is set by the controller when its queue is over the high water mark.
	backpressure bool

	// closeRequest is the promise returned from the writer's close().
	closeRequest *deferred

	controller *WritableStreamDefaultController

	// inFlightWriteRequest is the promise for the write being processed by the sink.
	inFlightWriteRequest *deferred

	// inFlightCloseRequest is the close request being processed by the sink.
	inFlightCloseRequest *deferred

	pendingAbortRequest *pendingAbortRequest

	state WritableStreamState

	storedError goja.Value

	writer *WritableStreamDefaultWriter

	// writeRequests are the promises of the writes not yet processed by the sink.
	writeRequests []*deferred
}

// WritableStreamFrom returns the stream behind a WritableStream object.
func WritableStreamFrom(v goja.Value) (*WritableStream, bool) {
	return common.ImplOf[*WritableStream](v)
}

// newWritableStreamObject implements the [WritableStream] constructor.
//
// [WritableStream]: https://streams.spec.whatwg.org/#ws-constructor
func (mi *ModuleInstance) newWritableStreamObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	// 1. If underlyingSink is missing, set it to null.
	underlyingSink := dictionary(rt, call.Argument(0), "underlyingSink")

	// 2. Let underlyingSinkDict be underlyingSink, converted to an IDL value of type UnderlyingSink.
	sink := mi.newUnderlyingSink(underlyingSink)
	strategy := dictionary(rt, call.Argument(1), "strategy")

	// 3. If underlyingSinkDict["type"] exists, throw a RangeError exception.
	if sink.hasType {
		throw(rt, newRangeError(rt, "underlyingSink.type is reserved and must not be set"))
	}

	stream := &WritableStream{mi: mi, obj: call.This}

	// 4. Perform ! InitializeWritableStream(this).
	stream.initialize()
	mi.bindWritableStream(stream)

	// 5. Let sizeAlgorithm be ! ExtractSizeAlgorithm(strategy).
	sizeAlgorithm := mi.extractSizeAlgorithm(strategy)

	// 6. Let highWaterMark be ? ExtractHighWaterMark(strategy, 1).
	highWaterMark := mi.extractHighWaterMark(strategy, 1)

	// 7. Perform ? SetUpWritableStreamDefaultControllerFromUnderlyingSink(...).
	stream.setupDefaultController(&WritableStreamDefaultController{}, sink.algorithms(mi), highWaterMark, sizeAlgorithm)

	return call.This
}

// NewWritableStream implements the [CreateWritableStream] algorithm, for
// streams whose underlying sink is implemented in Go.
//
// [CreateWritableStream]: https://streams.spec.whatwg.org/#create-writable-stream
func (mi *ModuleInstance) NewWritableStream(
	algorithms SinkAlgorithms,
	highWaterMark float64,
	sizeAlgorithm SizeAlgorithm,
) *WritableStream {
	if sizeAlgorithm == nil {
		sizeAlgorithm = CountSize
	}

	// 1. Assert: ! IsNonNegativeNumber(highWaterMark) is true.
	assertThat(mi.vu.Runtime(), isNonNegativeNumber(highWaterMark), "highWaterMark must be a non-negative number")

	// 2. Let stream be a new WritableStream.
	stream := &WritableStream{mi: mi}

	// 3. Perform ! InitializeWritableStream(stream).
	stream.initialize()

	// 4-5. Let controller be a new WritableStreamDefaultController and set it up.
	stream.setupDefaultController(&WritableStreamDefaultController{}, algorithms.fill(mi), highWaterMark, sizeAlgorithm)

	// 6. Return stream.
	return stream
}

// Object returns the script object of the stream.
func (stream *WritableStream) Object() *goja.Object {
	if stream.obj == nil {
		stream.obj = stream.mi.newObject(stream.mi.writableStreamCtor)
		stream.mi.bindWritableStream(stream)
	}
	return stream.obj
}

func (mi *ModuleInstance) bindWritableStream(stream *WritableStream) {
	rt := mi.vu.Runtime()
	obj := stream.obj

	common.Must(rt, common.AttachImpl(rt, obj, stream))
	mi.getter(obj, "locked", stream.Locked)
	mi.define(obj, "abort", func(reason goja.Value) *goja.Promise {
		// 1. If ! IsWritableStreamLocked(this) is true, return a promise rejected with a TypeError exception.
		if stream.Locked() {
			return mi.newRejectedPromise(mi.typeError("cannot abort a locked stream"))
		}

		// 2. Return ! WritableStreamAbort(this, reason).
		return stream.Abort(reason)
	})
	mi.define(obj, "close", func() *goja.Promise {
		// 1. If ! IsWritableStreamLocked(this) is true, return a promise rejected with a TypeError exception.
		if stream.Locked() {
			return mi.newRejectedPromise(mi.typeError("cannot close a locked stream"))
		}

		// 2. If ! WritableStreamCloseQueuedOrInFlight(this) is true, return a promise rejected with a TypeError exception.
		if stream.closeQueuedOrInFlight() {
			return mi.newRejectedPromise(mi.typeError("the stream is already closing"))
		}

		// 3. Return ! WritableStreamClose(this).
		return stream.Close()
	})
	mi.define(obj, "getWriter", func() *goja.Object {
		// 1. Return ? AcquireWritableStreamDefaultWriter(this).
		writer, err := stream.GetWriter()
		if err != nil {
			throw(rt, err)
		}
		return writer.Object()
	})
}

// Locked implements the [IsWritableStreamLocked] algorithm.
//
// [IsWritableStreamLocked]: https://streams.spec.whatwg.org/#is-writable-stream-locked
func (stream *WritableStream) Locked() bool {
	return stream.writer != nil
}

// State returns the current state of the stream.
func (stream *WritableStream) State() WritableStreamState {
	return stream.state
}

// StoredError returns the reason the stream errored with.
func (stream *WritableStream) StoredError() goja.Value {
	return stream.storedError
}

// GetWriter implements the [AcquireWritableStreamDefaultWriter] algorithm.
//
// [AcquireWritableStreamDefaultWriter]: https://streams.spec.whatwg.org/#acquire-writable-stream-default-writer
func (stream *WritableStream) GetWriter() (*WritableStreamDefaultWriter, error) {
	// 1. Let writer be a new WritableStreamDefaultWriter.
	writer := &WritableStreamDefaultWriter{mi: stream.mi}

	// 2. Perform ? SetUpWritableStreamDefaultWriter(writer, stream).
	if err := writer.setup(stream); err != nil {
		return nil, err
	}

	// 3. Return writer.
	return writer, nil
}

// initialize implements the [InitializeWritableStream] algorithm.
//
// [InitializeWritableStream]: https://streams.spec.whatwg.org/#initialize-writable-stream
func (stream *WritableStream) initialize() {
	stream.state = WritableStreamStateWritable
	stream.storedError = goja.Undefined()
	stream.writer = nil
	stream.controller = nil
	stream.inFlightWriteRequest = nil
	stream.closeRequest = nil
	stream.inFlightCloseRequest = nil
	stream.pendingAbortRequest = nil
	stream.writeRequests = nil
	stream.backpressure = false
}

// Abort implements the [WritableStreamAbort] algorithm.
//
// [WritableStreamAbort]: https://streams.spec.whatwg.org/#writable-stream-abort
func (stream *WritableStream) Abort(reason goja.Value) *goja.Promise {
	mi := stream.mi
	if reason == nil {
		reason = goja.Undefined()
	}

	// 1. If stream.[[state]] is "closed" or "errored", return a promise resolved with undefined.
	if stream.state == WritableStreamStateClosed || stream.state == WritableStreamStateErrored {
		return mi.newResolvedPromise(goja.Undefined())
	}

	// 2. Signal abort on stream.[[controller]].[[abortController]] with reason.
	stream.controller.signal.Abort(reason)

	// 3. Let state be stream.[[state]].
	// 4. If state is "closed" or "errored", return a promise resolved with undefined.
	if stream.state == WritableStreamStateClosed || stream.state == WritableStreamStateErrored {
		return mi.newResolvedPromise(goja.Undefined())
	}

	// 5. If stream.[[pendingAbortRequest]] is not undefined, return stream.[[pendingAbortRequest]]'s promise.
	if stream.pendingAbortRequest != nil {
		return stream.pendingAbortRequest.promise.promise
	}

	// 6. Assert: state is "writable" or "erroring".
	assertThat(mi.vu.Runtime(), stream.state == WritableStreamStateWritable || stream.state == WritableStreamStateErroring,
		"stream is neither writable nor erroring")

	// 7. Let wasAlreadyErroring be false.
	wasAlreadyErroring := false

	// 8. If state is "erroring",
	if stream.state == WritableStreamStateErroring {
		// 8.1. Set wasAlreadyErroring to true.
		wasAlreadyErroring = true

		// 8.2. Set reason to undefined.
		reason = goja.Undefined()
	}

	// 9. Let promise be a new promise.
	promise := mi.newDeferred()

	// 10. Set stream.[[pendingAbortRequest]] to a new pending abort request.
	stream.pendingAbortRequest = &pendingAbortRequest{
		promise:            promise,
		reason:             reason,
		wasAlreadyErroring: wasAlreadyErroring,
	}

	// 11. If wasAlreadyErroring is false, perform ! WritableStreamStartErroring(stream, reason).
	if !wasAlreadyErroring {
		stream.startErroring(reason)
	}

	// 12. Return promise.
	return promise.promise
}

// Close implements the [WritableStreamClose] algorithm.
//
// [WritableStreamClose]: https://streams.spec.whatwg.org/#writable-stream-close
func (stream *WritableStream) Close() *goja.Promise {
	mi := stream.mi

	// 1. Let state be stream.[[state]].
	// 2. If state is "closed" or "errored", return a promise rejected with a TypeError exception.
	if stream.state == WritableStreamStateClosed || stream.state == WritableStreamStateErrored {
		return mi.newRejectedPromise(mi.typeError("the stream is closed or errored"))
	}

	// 3. Assert: state is "writable" or "erroring".
	// 4. Assert: ! WritableStreamCloseQueuedOrInFlight(stream) is false.
	assertThat(mi.vu.Runtime(), !stream.closeQueuedOrInFlight(), "the stream is already closing")

	// 5. Let promise be a new promise.
	promise := mi.newDeferred()

	// 6. Set stream.[[closeRequest]] to promise.
	stream.closeRequest = promise

	// 7. Let writer be stream.[[writer]].
	writer := stream.writer

	// 8. If writer is not undefined, and stream.[[backpressure]] is true, and state is "writable",
	// resolve writer.[[readyPromise]] with undefined.
	if writer != nil && stream.backpressure && stream.state == WritableStreamStateWritable {
		writer.ready.resolve(goja.Undefined())
	}

	// 9. Perform ! WritableStreamDefaultControllerClose(stream.[[controller]]).
	stream.controller.close()

	// 10. Return promise.
	return promise.promise
}

// addWriteRequest implements the [WritableStreamAddWriteRequest] algorithm.
//
// [WritableStreamAddWriteRequest]: https://streams.spec.whatwg.org/#writable-stream-add-write-request
func (stream *WritableStream) addWriteRequest() *goja.Promise {
	// 1. Assert: ! IsWritableStreamLocked(stream) is true.
	// 2. Assert: stream.[[state]] is "writable".
	assertThat(stream.mi.vu.Runtime(), stream.Locked() && stream.state == WritableStreamStateWritable,
		"stream must be locked and writable")

	// 3. Let promise be a new promise.
	promise := stream.mi.newDeferred()

	// 4. Append promise to stream.[[writeRequests]].
	stream.writeRequests = append(stream.writeRequests, promise)

	// 5. Return promise.
	return promise.promise
}

// closeQueuedOrInFlight implements the [WritableStreamCloseQueuedOrInFlight] algorithm.
//
// [WritableStreamCloseQueuedOrInFlight]: https://streams.spec.whatwg.org/#writable-stream-close-queued-or-in-flight
func (stream *WritableStream) closeQueuedOrInFlight() bool {
	return stream.closeRequest != nil || stream.inFlightCloseRequest != nil
}

// dealWithRejection implements the [WritableStreamDealWithRejection] algorithm.
//
// [WritableStreamDealWithRejection]: https://streams.spec.whatwg.org/#writable-stream-deal-with-rejection
func (stream *WritableStream) dealWithRejection(e goja.Value) {
	// 1. Let state be stream.[[state]].
	// 2. If state is "writable",
	if stream.state == WritableStreamStateWritable {
		// 2.1. Perform ! WritableStreamStartErroring(stream, error).
		stream.startErroring(e)

		// 2.2. Return.
		return
	}

	// 3. Assert: state is "erroring".
	assertThat(stream.mi.vu.Runtime(), stream.state == WritableStreamStateErroring, "stream is not erroring")

	// 4. Perform ! WritableStreamFinishErroring(stream).
	stream.finishErroring()
}

// finishErroring implements the [WritableStreamFinishErroring] algorithm.
//
// [WritableStreamFinishErroring]: https://streams.spec.whatwg.org/#writable-stream-finish-erroring
func (stream *WritableStream) finishErroring() {
	mi := stream.mi
	rt := mi.vu.Runtime()

	// 1. Assert: stream.[[state]] is "erroring".
	assertThat(rt, stream.state == WritableStreamStateErroring, "stream is not erroring")

	// 2. Assert: ! WritableStreamHasOperationMarkedInFlight(stream) is false.
	assertThat(rt, !stream.hasOperationMarkedInFlight(), "stream has an operation in flight")

	// 3. Set stream.[[state]] to "errored".
	stream.state = WritableStreamStateErrored

	// 4. Perform ! stream.[[controller]].[[ErrorSteps]]().
	stream.controller.errorSteps()

	// 5. Let storedError be stream.[[storedError]].
	storedError := stream.storedError

	// 6. For each writeRequest of stream.[[writeRequests]]: reject writeRequest with storedError.
	for _, writeRequest := range stream.writeRequests {
		writeRequest.reject(storedError)
	}

	// 7. Set stream.[[writeRequests]] to an empty list.
	stream.writeRequests = nil

	// 8. If stream.[[pendingAbortRequest]] is undefined,
	if stream.pendingAbortRequest == nil {
		// 8.1. Perform ! WritableStreamRejectCloseAndClosedPromiseIfNeeded(stream).
		stream.rejectCloseAndClosedPromiseIfNeeded()

		// 8.2. Return.
		return
	}

	// 9. Let abortRequest be stream.[[pendingAbortRequest]].
	abortRequest := stream.pendingAbortRequest

	// 10. Set stream.[[pendingAbortRequest]] to undefined.
	stream.pendingAbortRequest = nil

	// 11. If abortRequest’s was already erroring is true,
	if abortRequest.wasAlreadyErroring {
		// 11.1. Reject abortRequest’s promise with storedError.
		abortRequest.promise.reject(storedError)

		// 11.2. Perform ! WritableStreamRejectCloseAndClosedPromiseIfNeeded(stream).
		stream.rejectCloseAndClosedPromiseIfNeeded()

		// 11.3. Return.
		return
	}

	// 12. Let promise be ! stream.[[controller]].[[AbortSteps]](abortRequest’s reason).
	promise := stream.controller.abortSteps(abortRequest.reason)

	mi.upon(promise,
		// 13. Upon fulfillment of promise,
		func(goja.Value) {
			// 13.1. Resolve abortRequest’s promise with undefined.
			abortRequest.promise.resolve(goja.Undefined())

			// 13.2. Perform ! WritableStreamRejectCloseAndClosedPromiseIfNeeded(stream).
			stream.rejectCloseAndClosedPromiseIfNeeded()
		},
		// 14. Upon rejection of promise with reason reason,
		func(reason goja.Value) {
			// 14.1. Reject abortRequest’s promise with reason.
			abortRequest.promise.reject(reason)

			// 14.2. Perform ! WritableStreamRejectCloseAndClosedPromiseIfNeeded(stream).
			stream.rejectCloseAndClosedPromiseIfNeeded()
		},
	)
}

// finishInFlightClose implements the [WritableStreamFinishInFlightClose] algorithm.
//
// [WritableStreamFinishInFlightClose]: https://streams.spec.whatwg.org/#writable-stream-finish-in-flight-close
func (stream *WritableStream) finishInFlightClose() {
	rt := stream.mi.vu.Runtime()

	// 1. Assert: stream.[[inFlightCloseRequest]] is not undefined.
	assertThat(rt, stream.inFlightCloseRequest != nil, "no close request in flight")

	// 2. Resolve stream.[[inFlightCloseRequest]] with undefined.
	stream.inFlightCloseRequest.resolve(goja.Undefined())

	// 3. Set stream.[[inFlightCloseRequest]] to undefined.
	stream.inFlightCloseRequest = nil

	// 4. Let state be stream.[[state]].
	// 5. Assert: stream.[[state]] is "writable" or "erroring".
	// 6. If state is "erroring",
	if stream.state == WritableStreamStateErroring {
		// 6.1. Set stream.[[storedError]] to undefined.
		stream.storedError = goja.Undefined()

		// 6.2. If stream.[[pendingAbortRequest]] is not undefined,
		if stream.pendingAbortRequest != nil {
			// 6.2.1. Resolve stream.[[pendingAbortRequest]]'s promise with undefined.
			stream.pendingAbortRequest.promise.resolve(goja.Undefined())

			// 6.2.2. Set stream.[[pendingAbortRequest]] to undefined.
			stream.pendingAbortRequest = nil
		}
	}

	// 7. Set stream.[[state]] to "closed".
	stream.state = WritableStreamStateClosed

	// 8. Let writer be stream.[[writer]].
	// 9. If writer is not undefined, resolve writer.[[closedPromise]] with undefined.
	if stream.writer != nil {
		stream.writer.closed.resolve(goja.Undefined())
	}

	// 10. Assert: stream.[[pendingAbortRequest]] is undefined.
	// 11. Assert: stream.[[storedError]] is undefined.
	assertThat(rt, stream.pendingAbortRequest == nil, "an abort request is pending")
}

// finishInFlightCloseWithError implements the [WritableStreamFinishInFlightCloseWithError] algorithm.
//
// [WritableStreamFinishInFlightCloseWithError]: https://streams.spec.whatwg.org/#writable-stream-finish-in-flight-close-with-error
func (stream *WritableStream) finishInFlightCloseWithError(e goja.Value) {
	// 1. Assert: stream.[[inFlightCloseRequest]] is not undefined.
	assertThat(stream.mi.vu.Runtime(), stream.inFlightCloseRequest != nil, "no close request in flight")

	// 2. Reject stream.[[inFlightCloseRequest]] with error.
	stream.inFlightCloseRequest.reject(e)

	// 3. Set stream.[[inFlightCloseRequest]] to undefined.
	stream.inFlightCloseRequest = nil

	// 4. Assert: stream.[[state]] is "writable" or "erroring".
	// 5. If stream.[[pendingAbortRequest]] is not undefined,
	if stream.pendingAbortRequest != nil {
		// 5.1. Reject stream.[[pendingAbortRequest]]'s promise with error.
		stream.pendingAbortRequest.promise.reject(e)

		// 5.2. Set stream.[[pendingAbortRequest]] to undefined.
		stream.pendingAbortRequest = nil
	}

	// 6. Perform ! WritableStreamDealWithRejection(stream, error).
	stream.dealWithRejection(e)
}

// finishInFlightWrite implements the [WritableStreamFinishInFlightWrite] algorithm.
//
// [WritableStreamFinishInFlightWrite]: https://streams.spec.whatwg.org/#writable-stream-finish-in-flight-write
func (stream *WritableStream) finishInFlightWrite() {
	// 1. Assert: stream.[[inFlightWriteRequest]] is not undefined.
	assertThat(stream.mi.vu.Runtime(), stream.inFlightWriteRequest != nil, "no write request in flight")

	// 2. Resolve stream.[[inFlightWriteRequest]] with undefined.
	stream.inFlightWriteRequest.resolve(goja.Undefined())

	// 3. Set stream.[[inFlightWriteRequest]] to undefined.
	stream.inFlightWriteRequest = nil
}

// finishInFlightWriteWithError implements the [WritableStreamFinishInFlightWriteWithError] algorithm.
//
// [WritableStreamFinishInFlightWriteWithError]: https://streams.spec.whatwg.org/#writable-stream-finish-in-flight-write-with-error
func (stream *WritableStream) finishInFlightWriteWithError(e goja.Value) {
	// 1. Assert: stream.[[inFlightWriteRequest]] is not undefined.
	assertThat(stream.mi.vu.Runtime(), stream.inFlightWriteRequest != nil, "no write request in flight")

	// 2. Reject stream.[[inFlightWriteRequest]] with error.
	stream.inFlightWriteRequest.reject(e)

	// 3. Set stream.[[inFlightWriteRequest]] to undefined.
	stream.inFlightWriteRequest = nil

	// 4. Assert: stream.[[state]] is "writable" or "erroring".
	// 5. Perform ! WritableStreamDealWithRejection(stream, error).
	stream.dealWithRejection(e)
}

// hasOperationMarkedInFlight implements the [WritableStreamHasOperationMarkedInFlight] algorithm.
//
// [WritableStreamHasOperationMarkedInFlight]: https://streams.spec.whatwg.org/#writable-stream-has-operation-marked-in-flight
func (stream *WritableStream) hasOperationMarkedInFlight() bool {
	return stream.inFlightWriteRequest != nil || stream.inFlightCloseRequest != nil
}

// markCloseRequestInFlight implements the [WritableStreamMarkCloseRequestInFlight] algorithm.
//
// [WritableStreamMarkCloseRequestInFlight]: https://streams.spec.whatwg.org/#writable-stream-mark-close-request-in-flight
func (stream *WritableStream) markCloseRequestInFlight() {
	// 1. Assert: stream.[[inFlightCloseRequest]] is undefined.
	// 2. Assert: stream.[[closeRequest]] is not undefined.
	assertThat(stream.mi.vu.Runtime(), stream.inFlightCloseRequest == nil && stream.closeRequest != nil,
		"invalid close request state")

	// 3. Set stream.[[inFlightCloseRequest]] to stream.[[closeRequest]].
	stream.inFlightCloseRequest = stream.closeRequest

	// 4. Set stream.[[closeRequest]] to undefined.
	stream.closeRequest = nil
}

// markFirstWriteRequestInFlight implements the [WritableStreamMarkFirstWriteRequestInFlight] algorithm.
//
// [WritableStreamMarkFirstWriteRequestInFlight]: https://streams.spec.whatwg.org/#writable-stream-mark-first-write-request-in-flight
func (stream *WritableStream) markFirstWriteRequestInFlight() {
	// 1. Assert: stream.[[inFlightWriteRequest]] is undefined.
	// 2. Assert: stream.[[writeRequests]] is not empty.
	assertThat(stream.mi.vu.Runtime(), stream.inFlightWriteRequest == nil && len(stream.writeRequests) > 0,
		"invalid write request state")

	// 3. Let writeRequest be stream.[[writeRequests]][0].
	// 4. Remove writeRequest from stream.[[writeRequests]].
	// 5. Set stream.[[inFlightWriteRequest]] to writeRequest.
	stream.inFlightWriteRequest, stream.writeRequests = stream.writeRequests[0], stream.writeRequests[1:]
}

// rejectCloseAndClosedPromiseIfNeeded implements the [WritableStreamRejectCloseAndClosedPromiseIfNeeded] algorithm.
//
// [WritableStreamRejectCloseAndClosedPromiseIfNeeded]: https://streams.spec.whatwg.org/#writable-stream-reject-close-and-closed-promise-if-needed
func (stream *WritableStream) rejectCloseAndClosedPromiseIfNeeded() {
	mi := stream.mi

	// 1. Assert: stream.[[state]] is "errored".
	assertThat(mi.vu.Runtime(), stream.state == WritableStreamStateErrored, "stream is not errored")

	// 2. If stream.[[closeRequest]] is not undefined,
	if stream.closeRequest != nil {
		// 2.1. Assert: stream.[[inFlightCloseRequest]] is undefined.
		// 2.2. Reject stream.[[closeRequest]] with stream.[[storedError]].
		stream.closeRequest.reject(stream.storedError)

		// 2.3. Set stream.[[closeRequest]] to undefined.
		stream.closeRequest = nil
	}

	// 3. Let writer be stream.[[writer]].
	// 4. If writer is not undefined,
	if writer := stream.writer; writer != nil {
		// 4.1. Reject writer.[[closedPromise]] with stream.[[storedError]].
		writer.closed.reject(stream.storedError)

		// 4.2. Set writer.[[closedPromise]].[[PromiseIsHandled]] to true.
		mi.setHandled(writer.closed.promise)
	}
}

// startErroring implements the [WritableStreamStartErroring] algorithm.
//
// [WritableStreamStartErroring]: https://streams.spec.whatwg.org/#writable-stream-start-erroring
func (stream *WritableStream) startErroring(reason goja.Value) {
	rt := stream.mi.vu.Runtime()

	// 1. Assert: stream.[[storedError]] is undefined.
	// 2. Assert: stream.[[state]] is "writable".
	assertThat(rt, stream.state == WritableStreamStateWritable, "stream is not writable")

	// 3. Let controller be stream.[[controller]].
	// 4. Assert: controller is not undefined.
	controller := stream.controller
	assertThat(rt, controller != nil, "stream has no controller")

	// 5. Set stream.[[state]] to "erroring".
	stream.state = WritableStreamStateErroring

	// 6. Set stream.[[storedError]] to reason.
	stream.storedError = reason

	// 7. Let writer be stream.[[writer]].
	// 8. If writer is not undefined, perform ! WritableStreamDefaultWriterEnsureReadyPromiseRejected(writer, reason).
	if stream.writer != nil {
		stream.writer.ensureReadyPromiseRejected(reason)
	}

	// 9. If ! WritableStreamHasOperationMarkedInFlight(stream) is false and controller.[[started]] is true,
	// perform ! WritableStreamFinishErroring(stream).
	if !stream.hasOperationMarkedInFlight() && controller.started {
		stream.finishErroring()
	}
}

// updateBackpressure implements the [WritableStreamUpdateBackpressure] algorithm.
//
// [WritableStreamUpdateBackpressure]: https://streams.spec.whatwg.org/#writable-stream-update-backpressure
func (stream *WritableStream) updateBackpressure(backpressure bool) {
	mi := stream.mi

	// 1. Assert: stream.[[state]] is "writable".
	// 2. Assert: ! WritableStreamCloseQueuedOrInFlight(stream) is false.
	assertThat(mi.vu.Runtime(), stream.state == WritableStreamStateWritable && !stream.closeQueuedOrInFlight(),
		"stream must be writable and not closing")

	// 3. Let writer be stream.[[writer]].
	// 4. If writer is not undefined and backpressure is not stream.[[backpressure]],
	if writer := stream.writer; writer != nil && backpressure != stream.backpressure {
		if backpressure {
			// 4.1. If backpressure is true, set writer.[[readyPromise]] to a new promise.
			writer.ready = mi.newDeferred()
		} else {
			// 4.2. Otherwise,
			// 4.2.1. Assert: backpressure is false.
			// 4.2.2. Resolve writer.[[readyPromise]] with undefined.
			writer.ready.resolve(goja.Undefined())
		}
	}

	// 5. Set stream.[[backpressure]] to backpressure.
	stream.backpressure = backpressure
}
