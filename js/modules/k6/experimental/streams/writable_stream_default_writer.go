package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// WritableStreamDefaultWriter is the [WritableStreamDefaultWriter] class,
// vended by a [WritableStream] locked to it.
//
// [WritableStreamDefaultWriter]: https://streams.spec.whatwg.org/#default-writer-class
type WritableStreamDefaultWriter struct {
	mi  *ModuleInstance
	obj *goja.Object

	// closed is the [[closedPromise]] of the writer.
	closed *deferred

	// ready is the [[readyPromise]] of the writer, pending while the stream applies backpressure.
	ready *deferred

	stream *WritableStream
}

// newWritableStreamDefaultWriterObject implements the [WritableStreamDefaultWriter] constructor.
//
// [WritableStreamDefaultWriter]: https://streams.spec.whatwg.org/#default-writer-constructor
func (mi *ModuleInstance) newWritableStreamDefaultWriterObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	stream, ok := WritableStreamFrom(call.Argument(0))
	if !ok {
		throw(rt, newTypeError(rt, "WritableStreamDefaultWriter expects a WritableStream"))
	}

	writer := &WritableStreamDefaultWriter{mi: mi, obj: call.This}

	// 1. Perform ? SetUpWritableStreamDefaultWriter(this, stream).
	if err := writer.setup(stream); err != nil {
		throw(rt, err)
	}
	mi.bindWriter(writer)

	return call.This
}

// Object returns the script object of the writer.
func (writer *WritableStreamDefaultWriter) Object() *goja.Object {
	if writer.obj == nil {
		writer.obj = writer.mi.newObject(writer.mi.writerCtor)
		writer.mi.bindWriter(writer)
	}
	return writer.obj
}

func (mi *ModuleInstance) bindWriter(writer *WritableStreamDefaultWriter) {
	rt := mi.vu.Runtime()
	obj := writer.obj
	released := func() *goja.Promise {
		return mi.newRejectedPromise(mi.typeError("the writer is released"))
	}

	common.Must(rt, common.AttachImpl(rt, obj, writer))
	mi.getter(obj, "closed", func() *goja.Promise { return writer.closed.promise })
	mi.getter(obj, "ready", func() *goja.Promise { return writer.ready.promise })
	mi.getter(obj, "desiredSize", func() goja.Value {
		// 1. If this.[[stream]] is undefined, throw a TypeError exception.
		if writer.stream == nil {
			throw(rt, newTypeError(rt, "the writer is released"))
		}

		// 2. Return ! WritableStreamDefaultWriterGetDesiredSize(this).
		size, ok := writer.DesiredSize()
		return desiredSizeValue(rt, size, ok)
	})
	mi.define(obj, "abort", func(reason goja.Value) *goja.Promise {
		// 1. If this.[[stream]] is undefined, return a promise rejected with a TypeError exception.
		if writer.stream == nil {
			return released()
		}

		// 2. Return ! WritableStreamDefaultWriterAbort(this, reason).
		return writer.stream.Abort(reason)
	})
	mi.define(obj, "close", func() *goja.Promise {
		// 1. Let stream be this.[[stream]].
		// 2. If stream is undefined, return a promise rejected with a TypeError exception.
		if writer.stream == nil {
			return released()
		}

		// 3. If ! WritableStreamCloseQueuedOrInFlight(stream) is true, return a promise rejected with a TypeError exception.
		if writer.stream.closeQueuedOrInFlight() {
			return mi.newRejectedPromise(mi.typeError("the stream is already closing"))
		}

		// 4. Return ! WritableStreamDefaultWriterClose(this).
		return writer.Close()
	})
	mi.define(obj, "releaseLock", func() {
		// 1. Let stream be this.[[stream]].
		// 2. If stream is undefined, return.
		if writer.stream == nil {
			return
		}

		// 3. Assert: stream.[[writer]] is not undefined.
		// 4. Perform ! WritableStreamDefaultWriterRelease(this).
		writer.Release()
	})
	mi.define(obj, "write", func(chunk goja.Value) *goja.Promise {
		// 1. If this.[[stream]] is undefined, return a promise rejected with a TypeError exception.
		if writer.stream == nil {
			return released()
		}

		// 2. Return ! WritableStreamDefaultWriterWrite(this, chunk).
		return writer.Write(chunk)
	})
}

// Stream returns the stream the writer is locked to, nil once released.
func (writer *WritableStreamDefaultWriter) Stream() *WritableStream {
	return writer.stream
}

// Ready returns the promise fulfilled once the stream stops applying backpressure.
func (writer *WritableStreamDefaultWriter) Ready() *goja.Promise {
	return writer.ready.promise
}

// Closed returns the promise fulfilled once the stream is closed.
func (writer *WritableStreamDefaultWriter) Closed() *goja.Promise {
	return writer.closed.promise
}

// setup implements the [SetUpWritableStreamDefaultWriter] algorithm.
//
// [SetUpWritableStreamDefaultWriter]: https://streams.spec.whatwg.org/#set-up-writable-stream-default-writer
func (writer *WritableStreamDefaultWriter) setup(stream *WritableStream) error {
	mi := writer.mi
	rt := mi.vu.Runtime()

	// 1. If ! IsWritableStreamLocked(stream) is true, throw a TypeError exception.
	if stream.Locked() {
		return newTypeError(rt, "stream is locked")
	}

	// 2. Set writer.[[stream]] to stream.
	writer.stream = stream

	// 3. Set stream.[[writer]] to writer.
	stream.writer = writer

	writer.ready = mi.newDeferred()
	writer.closed = mi.newDeferred()

	// 4. Let state be stream.[[state]].
	switch stream.state {
	case WritableStreamStateWritable:
		// 5. If state is "writable",
		// 5.1. If ! WritableStreamCloseQueuedOrInFlight(stream) is false and stream.[[backpressure]] is true,
		// set writer.[[readyPromise]] to a new promise.
		// 5.2. Otherwise, set writer.[[readyPromise]] to a promise resolved with undefined.
		if stream.closeQueuedOrInFlight() || !stream.backpressure {
			writer.ready.resolve(goja.Undefined())
		}

		// 5.3. Set writer.[[closedPromise]] to a new promise.
	case WritableStreamStateErroring:
		// 6. Otherwise, if state is "erroring",
		// 6.1. Set writer.[[readyPromise]] to a promise rejected with stream.[[storedError]].
		writer.ready.reject(stream.storedError)

		// 6.2. Set writer.[[readyPromise]].[[PromiseIsHandled]] to true.
		mi.setHandled(writer.ready.promise)

		// 6.3. Set writer.[[closedPromise]] to a new promise.
	case WritableStreamStateClosed:
		// 7. Otherwise, if state is "closed",
		// 7.1. Set writer.[[readyPromise]] to a promise resolved with undefined.
		writer.ready.resolve(goja.Undefined())

		// 7.2. Set writer.[[closedPromise]] to a promise resolved with undefined.
		writer.closed.resolve(goja.Undefined())
	default:
		// 8. Otherwise,
		// 8.1. Assert: state is "errored".
		// 8.2. Let storedError be stream.[[storedError]].
		storedError := stream.storedError

		// 8.3. Set writer.[[readyPromise]] to a promise rejected with storedError.
		// 8.4. Set writer.[[readyPromise]].[[PromiseIsHandled]] to true.
		writer.ready.reject(storedError)
		mi.setHandled(writer.ready.promise)

		// 8.5. Set writer.[[closedPromise]] to a promise rejected with storedError.
		// 8.6. Set writer.[[closedPromise]].[[PromiseIsHandled]] to true.
		writer.closed.reject(storedError)
		mi.setHandled(writer.closed.promise)
	}

	return nil
}

// DesiredSize implements the [WritableStreamDefaultWriterGetDesiredSize]
// algorithm. The second result is false when the stream is errored or
// erroring, the desired size being null.
//
// [WritableStreamDefaultWriterGetDesiredSize]: https://streams.spec.whatwg.org/#writable-stream-default-writer-get-desired-size
func (writer *WritableStreamDefaultWriter) DesiredSize() (float64, bool) {
	// 1. Let stream be writer.[[stream]].
	stream := writer.stream

	// 2. Let state be stream.[[state]].
	switch stream.state {
	case WritableStreamStateErrored, WritableStreamStateErroring:
		// 3. If state is "errored" or "erroring", return null.
		return 0, false
	case WritableStreamStateClosed:
		// 4. If state is "closed", return 0.
		return 0, true
	default:
		// 5. Return ! WritableStreamDefaultControllerGetDesiredSize(stream.[[controller]]).
		return stream.controller.getDesiredSize(), true
	}
}

// Close implements the [WritableStreamDefaultWriterClose] algorithm.
//
// [WritableStreamDefaultWriterClose]: https://streams.spec.whatwg.org/#writable-stream-default-writer-close
func (writer *WritableStreamDefaultWriter) Close() *goja.Promise {
	// 1. Let stream be writer.[[stream]].
	// 2. Assert: stream is not undefined.
	assertThat(writer.mi.vu.Runtime(), writer.stream != nil, "the writer is released")

	// 3. Return ! WritableStreamClose(stream).
	return writer.stream.Close()
}

// closeWithErrorPropagation implements the [WritableStreamDefaultWriterCloseWithErrorPropagation] algorithm.
//
// [WritableStreamDefaultWriterCloseWithErrorPropagation]: https://streams.spec.whatwg.org/#writable-stream-default-writer-close-with-error-propagation
func (writer *WritableStreamDefaultWriter) closeWithErrorPropagation() *goja.Promise {
	mi := writer.mi

	// 1. Let stream be writer.[[stream]].
	// 2. Assert: stream is not undefined.
	stream := writer.stream
	assertThat(mi.vu.Runtime(), stream != nil, "the writer is released")

	// 3. Let state be stream.[[state]].
	// 4. If ! WritableStreamCloseQueuedOrInFlight(stream) is true or state is "closed",
	// return a promise resolved with undefined.
	if stream.closeQueuedOrInFlight() || stream.state == WritableStreamStateClosed {
		return mi.newResolvedPromise(goja.Undefined())
	}

	// 5. If state is "errored", return a promise rejected with stream.[[storedError]].
	if stream.state == WritableStreamStateErrored {
		return mi.newRejectedPromise(stream.storedError)
	}

	// 6. Assert: state is "writable" or "erroring".
	// 7. Return ! WritableStreamDefaultWriterClose(writer).
	return writer.Close()
}

// ensureClosedPromiseRejected implements the [WritableStreamDefaultWriterEnsureClosedPromiseRejected] algorithm.
//
// [WritableStreamDefaultWriterEnsureClosedPromiseRejected]: https://streams.spec.whatwg.org/#writable-stream-default-writer-ensure-closed-promise-rejected
func (writer *WritableStreamDefaultWriter) ensureClosedPromiseRejected(e goja.Value) {
	// 1. If writer.[[closedPromise]].[[PromiseState]] is "pending", reject writer.[[closedPromise]] with error.
	// 2. Otherwise, set writer.[[closedPromise]] to a promise rejected with error.
	if !writer.closed.pending() {
		writer.closed = writer.mi.newDeferred()
	}
	writer.closed.reject(e)

	// 3. Set writer.[[closedPromise]].[[PromiseIsHandled]] to true.
	writer.mi.setHandled(writer.closed.promise)
}

// ensureReadyPromiseRejected implements the [WritableStreamDefaultWriterEnsureReadyPromiseRejected] algorithm.
//
// [WritableStreamDefaultWriterEnsureReadyPromiseRejected]: https://streams.spec.whatwg.org/#writable-stream-default-writer-ensure-ready-promise-rejected
func (writer *WritableStreamDefaultWriter) ensureReadyPromiseRejected(e goja.Value) {
	// 1. If writer.[[readyPromise]].[[PromiseState]] is "pending", reject writer.[[readyPromise]] with error.
	// 2. Otherwise, set writer.[[readyPromise]] to a promise rejected with error.
	if !writer.ready.pending() {
		writer.ready = writer.mi.newDeferred()
	}
	writer.ready.reject(e)

	// 3. Set writer.[[readyPromise]].[[PromiseIsHandled]] to true.
	writer.mi.setHandled(writer.ready.promise)
}

// Release implements the [WritableStreamDefaultWriterRelease] algorithm.
//
// [WritableStreamDefaultWriterRelease]: https://streams.spec.whatwg.org/#writable-stream-default-writer-release
func (writer *WritableStreamDefaultWriter) Release() {
	rt := writer.mi.vu.Runtime()

	// 1. Let stream be writer.[[stream]].
	// 2. Assert: stream is not undefined.
	stream := writer.stream
	assertThat(rt, stream != nil, "the writer is already released")

	// 3. Assert: stream.[[writer]] is writer.
	assertThat(rt, stream.writer == writer, "the stream is locked to another writer")

	// 4. Let releasedError be a new TypeError.
	releasedError := writer.mi.typeError("the writer was released")

	// 5. Perform ! WritableStreamDefaultWriterEnsureReadyPromiseRejected(writer, releasedError).
	writer.ensureReadyPromiseRejected(releasedError)

	// 6. Perform ! WritableStreamDefaultWriterEnsureClosedPromiseRejected(writer, releasedError).
	writer.ensureClosedPromiseRejected(releasedError)

	// 7. Set stream.[[writer]] to undefined.
	stream.writer = nil

	// 8. Set writer.[[stream]] to undefined.
	writer.stream = nil
}

// Write implements the [WritableStreamDefaultWriterWrite] algorithm.
//
// [WritableStreamDefaultWriterWrite]: https://streams.spec.whatwg.org/#writable-stream-default-writer-write
func (writer *WritableStreamDefaultWriter) Write(chunk goja.Value) *goja.Promise {
	mi := writer.mi

	// 1. Let stream be writer.[[stream]].
	// 2. Assert: stream is not undefined.
	stream := writer.stream
	assertThat(mi.vu.Runtime(), stream != nil, "the writer is released")

	// 3. Let controller be stream.[[controller]].
	controller := stream.controller

	// 4. Let chunkSize be ! WritableStreamDefaultControllerGetChunkSize(controller, chunk).
	chunkSize := controller.getChunkSize(chunk)

	// 5. If stream is not equal to writer.[[stream]], return a promise rejected with a TypeError exception.
	if stream != writer.stream {
		return mi.newRejectedPromise(mi.typeError("the writer was released"))
	}

	// 6. Let state be stream.[[state]].
	// 7. If state is "errored", return a promise rejected with stream.[[storedError]].
	if stream.state == WritableStreamStateErrored {
		return mi.newRejectedPromise(stream.storedError)
	}

	// 8. If ! WritableStreamCloseQueuedOrInFlight(stream) is true or state is "closed",
	// return a promise rejected with a TypeError exception indicating that the stream is closing or closed.
	if stream.closeQueuedOrInFlight() || stream.state == WritableStreamStateClosed {
		return mi.newRejectedPromise(mi.typeError("the stream is closing or closed"))
	}

	// 9. If state is "erroring", return a promise rejected with stream.[[storedError]].
	if stream.state == WritableStreamStateErroring {
		return mi.newRejectedPromise(stream.storedError)
	}

	// 10. Assert: state is "writable".
	// 11. Let promise be ! WritableStreamAddWriteRequest(stream).
	promise := stream.addWriteRequest()

	// 12. Perform ! WritableStreamDefaultControllerWrite(controller, chunk, chunkSize).
	controller.write(chunk, chunkSize)

	// 13. Return promise.
	return promise
}
