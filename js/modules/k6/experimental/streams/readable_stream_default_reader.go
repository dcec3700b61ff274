package streams

import (
	"bytes"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// ReadRequest is a request to read a chunk from a stream, with the steps to
// perform depending on how the read settles.
//
// [ReadRequest]: https://streams.spec.whatwg.org/#read-request
type ReadRequest struct {
	chunkSteps func(chunk goja.Value)
	closeSteps func()
	errorSteps func(e goja.Value)
}

// NewReadRequest builds a read request from its three sets of steps. None of
// them can be nil.
func NewReadRequest(chunkSteps func(goja.Value), closeSteps func(), errorSteps func(goja.Value)) ReadRequest {
	return ReadRequest{chunkSteps: chunkSteps, closeSteps: closeSteps, errorSteps: errorSteps}
}

// ReadableStreamDefaultReader represents a default reader designed to be vended by a [ReadableStream].
//
// [ReadableStreamDefaultReader]: https://streams.spec.whatwg.org/#default-reader-class
type ReadableStreamDefaultReader struct {
	mi  *ModuleInstance
	obj *goja.Object

	// closed is the [[closedPromise]] of the reader.
	closed *deferred

	// readRequests holds a list of read requests, used when a consumer requests
	// chunks sooner than they are available.
	readRequests []ReadRequest

	// stream is the [ReadableStream] that owns this reader.
	stream *ReadableStream
}

// newReadableStreamDefaultReaderObject implements the [ReadableStreamDefaultReader] constructor.
//
// [ReadableStreamDefaultReader]: https://streams.spec.whatwg.org/#default-reader-constructor
func (mi *ModuleInstance) newReadableStreamDefaultReaderObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	stream, ok := ReadableStreamFrom(call.Argument(0))
	if !ok {
		throw(rt, newTypeError(rt, "ReadableStreamDefaultReader expects a ReadableStream"))
	}

	reader := &ReadableStreamDefaultReader{mi: mi, obj: call.This}

	// 1. Perform ? SetUpReadableStreamDefaultReader(this, stream).
	if err := reader.setup(stream); err != nil {
		throw(rt, err)
	}
	mi.bindReader(reader)

	return call.This
}

// Object returns the script object of the reader.
func (reader *ReadableStreamDefaultReader) Object() *goja.Object {
	if reader.obj == nil {
		reader.obj = reader.mi.newObject(reader.mi.readerCtor)
		reader.mi.bindReader(reader)
	}
	return reader.obj
}

func (mi *ModuleInstance) bindReader(reader *ReadableStreamDefaultReader) {
	rt := mi.vu.Runtime()
	obj := reader.obj

	common.Must(rt, common.AttachImpl(rt, obj, reader))
	mi.getter(obj, "closed", func() *goja.Promise {
		return reader.closed.promise
	})
	mi.define(obj, "read", reader.readMethod)
	mi.define(obj, "releaseLock", func() {
		// 1. If this.[[stream]] is undefined, return.
		if reader.stream == nil {
			return
		}

		// 2. Perform ! ReadableStreamDefaultReaderRelease(this).
		reader.Release()
	})
	mi.define(obj, "cancel", func(reason goja.Value) *goja.Promise {
		// 1. If this.[[stream]] is undefined, return a promise rejected with a TypeError exception.
		if reader.stream == nil {
			return mi.newRejectedPromise(mi.typeError("the reader is released"))
		}

		// 2. Return ! ReadableStreamReaderGenericCancel(this, reason).
		return reader.Cancel(reason)
	})
}

// readMethod implements the [read()] operation.
//
// [read()]: https://streams.spec.whatwg.org/#default-reader-read
func (reader *ReadableStreamDefaultReader) readMethod() *goja.Promise {
	mi := reader.mi
	rt := mi.vu.Runtime()

	// 1. If this.[[stream]] is undefined, return a promise rejected with a TypeError exception.
	if reader.stream == nil {
		return mi.newRejectedPromise(mi.typeError("the reader is released"))
	}

	// 2. Let promise be a new promise.
	promise := mi.newDeferred()

	// 3. Let readRequest be a new read request with the following items:
	readRequest := ReadRequest{
		// chunk steps, given chunk: resolve promise with «[ "value" → chunk, "done" → false ]».
		chunkSteps: func(chunk goja.Value) {
			promise.resolve(newReadResult(rt, chunk, false))
		},
		// close steps: resolve promise with «[ "value" → undefined, "done" → true ]».
		closeSteps: func() {
			promise.resolve(newReadResult(rt, goja.Undefined(), true))
		},
		// error steps, given e: reject promise with e.
		errorSteps: func(e goja.Value) {
			promise.reject(e)
		},
	}

	// 4. Perform ! ReadableStreamDefaultReaderRead(this, readRequest).
	reader.Read(readRequest)

	// 5. Return promise.
	return promise.promise
}

// Stream returns the stream the reader is locked to, nil once released.
func (reader *ReadableStreamDefaultReader) Stream() *ReadableStream {
	return reader.stream
}

// Closed returns the promise fulfilled once the stream closes, or rejected
// if it errors or the reader is released.
func (reader *ReadableStreamDefaultReader) Closed() *goja.Promise {
	return reader.closed.promise
}

// setup implements the [SetUpReadableStreamDefaultReader] algorithm.
//
// [SetUpReadableStreamDefaultReader]: https://streams.spec.whatwg.org/#set-up-readable-stream-default-reader
func (reader *ReadableStreamDefaultReader) setup(stream *ReadableStream) error {
	rt := reader.mi.vu.Runtime()

	// 1. If ! IsReadableStreamLocked(stream) is true, throw a TypeError exception.
	if stream.Locked() {
		return newTypeError(rt, "stream is locked")
	}

	// 2. Perform ! ReadableStreamReaderGenericInitialize(reader, stream).
	reader.genericInitialize(stream)

	// 3. Set reader.[[readRequests]] to a new empty list.
	reader.readRequests = nil

	return nil
}

// genericInitialize implements the [ReadableStreamReaderGenericInitialize] algorithm.
//
// [ReadableStreamReaderGenericInitialize]: https://streams.spec.whatwg.org/#readable-stream-reader-generic-initialize
func (reader *ReadableStreamDefaultReader) genericInitialize(stream *ReadableStream) {
	mi := reader.mi

	// 1. Set reader.[[stream]] to stream.
	reader.stream = stream

	// 2. Set stream.[[reader]] to reader.
	stream.reader = reader

	reader.closed = mi.newDeferred()
	switch stream.state {
	case ReadableStreamStateReadable:
		// 3. If stream.[[state]] is "readable", set reader.[[closedPromise]] to a new promise.
	case ReadableStreamStateClosed:
		// 4. Otherwise, if stream.[[state]] is "closed", set reader.[[closedPromise]] to a promise resolved with undefined.
		reader.closed.resolve(goja.Undefined())
	default:
		// 5. Otherwise,
		// 5.2. Set reader.[[closedPromise]] to a promise rejected with stream.[[storedError]].
		reader.closed.reject(stream.storedError)

		// 5.3. Set reader.[[closedPromise]].[[PromiseIsHandled]] to true.
		mi.setHandled(reader.closed.promise)
	}
}

// Read implements the [ReadableStreamDefaultReaderRead] algorithm.
//
// [ReadableStreamDefaultReaderRead]: https://streams.spec.whatwg.org/#readable-stream-default-reader-read
func (reader *ReadableStreamDefaultReader) Read(readRequest ReadRequest) {
	// 1. Let stream be reader.[[stream]].
	stream := reader.stream

	// 2. Assert: stream is not undefined.
	assertThat(reader.mi.vu.Runtime(), stream != nil, "the reader is released")

	// 3. Set stream.[[disturbed]] to true.
	stream.disturbed = true

	switch stream.state {
	case ReadableStreamStateClosed:
		// 4. If stream.[[state]] is "closed", perform readRequest’s close steps.
		readRequest.closeSteps()
	case ReadableStreamStateErrored:
		// 5. Otherwise, if stream.[[state]] is "errored", perform readRequest’s error steps given stream.[[storedError]].
		readRequest.errorSteps(stream.storedError)
	default:
		// 6. Otherwise,
		// 6.1. Assert: stream.[[state]] is "readable".
		// 6.2. Perform ! stream.[[controller]].[[PullSteps]](readRequest).
		stream.controller.pullSteps(readRequest)
	}
}

// Cancel implements the [ReadableStreamReaderGenericCancel] algorithm.
//
// [ReadableStreamReaderGenericCancel]: https://streams.spec.whatwg.org/#readable-stream-reader-generic-cancel
func (reader *ReadableStreamDefaultReader) Cancel(reason goja.Value) *goja.Promise {
	// 1. Let stream be reader.[[stream]].
	stream := reader.stream

	// 2. Assert: stream is not undefined.
	assertThat(reader.mi.vu.Runtime(), stream != nil, "the reader is released")

	// 3. Return ! ReadableStreamCancel(stream, reason).
	return stream.Cancel(reason)
}

// Release implements the [ReadableStreamDefaultReaderRelease] algorithm.
// Pending read requests are rejected with a TypeError.
//
// [ReadableStreamDefaultReaderRelease]: https://streams.spec.whatwg.org/#abstract-opdef-readablestreamdefaultreaderrelease
func (reader *ReadableStreamDefaultReader) Release() {
	// 1. Perform ! ReadableStreamReaderGenericRelease(reader).
	reader.genericRelease()

	// 2. Let e be a new TypeError exception.
	e := reader.mi.typeError("the reader was released")

	// 3. Perform ! ReadableStreamDefaultReaderErrorReadRequests(reader, e).
	reader.errorReadRequests(e)
}

// genericRelease implements the [ReadableStreamReaderGenericRelease] algorithm.
//
// [ReadableStreamReaderGenericRelease]: https://streams.spec.whatwg.org/#readable-stream-reader-generic-release
func (reader *ReadableStreamDefaultReader) genericRelease() {
	mi := reader.mi
	rt := mi.vu.Runtime()

	// 1. Let stream be reader.[[stream]].
	stream := reader.stream

	// 2. Assert: stream is not undefined.
	assertThat(rt, stream != nil, "the reader is already released")

	// 3. Assert: stream.[[reader]] is reader.
	assertThat(rt, stream.reader == reader, "the stream is locked to another reader")

	e := mi.typeError("the reader was released")
	if stream.state == ReadableStreamStateReadable {
		// 4. If stream.[[state]] is "readable", reject reader.[[closedPromise]] with a TypeError exception.
		reader.closed.reject(e)
	} else {
		// 5. Otherwise, set reader.[[closedPromise]] to a promise rejected with a TypeError exception.
		reader.closed = mi.newDeferred()
		reader.closed.reject(e)
	}

	// 6. Set reader.[[closedPromise]].[[PromiseIsHandled]] to true.
	mi.setHandled(reader.closed.promise)

	// 7. Perform ! stream.[[controller]].[[ReleaseSteps]]().
	stream.controller.releaseSteps()

	// 8. Set stream.[[reader]] to undefined.
	stream.reader = nil

	// 9. Set reader.[[stream]] to undefined.
	reader.stream = nil
}

// errorReadRequests implements the [ReadableStreamDefaultReaderErrorReadRequests] algorithm.
//
// [ReadableStreamDefaultReaderErrorReadRequests]: https://streams.spec.whatwg.org/#abstract-opdef-readablestreamdefaultreadererrorreadrequests
func (reader *ReadableStreamDefaultReader) errorReadRequests(e goja.Value) {
	// 1. Let readRequests be reader.[[readRequests]].
	readRequests := reader.readRequests

	// 2. Set reader.[[readRequests]] to a new empty list.
	reader.readRequests = nil

	// 3. For each readRequest of readRequests, perform readRequest’s error steps, given e.
	for _, readRequest := range readRequests {
		readRequest.errorSteps(e)
	}
}

// ReadAllBytes implements the [read all bytes] algorithm: chunks are read
// until the stream closes and appended to buf. Every chunk must be a
// Uint8Array, anything else fails the read with a TypeError.
//
// [read all bytes]: https://streams.spec.whatwg.org/#readablestreamdefaultreader-read-all-bytes
func (reader *ReadableStreamDefaultReader) ReadAllBytes(buf *bytes.Buffer, success func(), failure func(goja.Value)) {
	mi := reader.mi
	rt := mi.vu.Runtime()

	var readLoop func()
	readLoop = func() {
		reader.Read(ReadRequest{
			chunkSteps: func(chunk goja.Value) {
				// 1. If chunk is not a Uint8Array object, call failureSteps with a TypeError and abort these steps.
				if !common.IsUint8Array(rt, chunk) {
					failure(mi.typeError("the stream chunks must be Uint8Array objects"))
					return
				}

				// 2. Append the bytes represented by chunk to bytes.
				b, _ := common.BufferSourceBytes(rt, chunk)
				buf.Write(b)

				// 3. Read-loop given reader, bytes, successSteps, and failureSteps.
				mi.queueMicrotask(readLoop)
			},
			closeSteps: success,
			errorSteps: failure,
		})
	}
	readLoop()
}
