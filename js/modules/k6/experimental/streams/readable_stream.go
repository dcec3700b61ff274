package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// ReadableStreamState represents the current state of a ReadableStream
type ReadableStreamState string

const (
	// ReadableStreamStateReadable indicates that the stream is readable, and that more data may be read from the stream.
	ReadableStreamStateReadable ReadableStreamState = "readable"

	// ReadableStreamStateClosed indicates that the stream is closed and cannot be read from.
	ReadableStreamStateClosed ReadableStreamState = "closed"

	// ReadableStreamStateErrored indicates that the stream has been aborted (errored).
	ReadableStreamStateErrored ReadableStreamState = "errored"
)

// ReadableStream is a concrete instance of the general [readable stream] concept.
//
// It is adaptable to any chunk type, and maintains an internal queue to keep track of
// data supplied by the underlying source but not yet read by any consumer.
//
// [readable stream]: https://streams.spec.whatwg.org/#rs-class
type ReadableStream struct {
	mi  *ModuleInstance
	obj *goja.Object

	// controller holds the [ReadableStreamDefaultController] controlling the
	// state and queue of this stream.
	controller *ReadableStreamDefaultController

	// disturbed is true when the stream has been read from or canceled
	disturbed bool

	// reader holds the current reader of the stream if the stream is locked to a reader
	// or nil otherwise.
	reader *ReadableStreamDefaultReader

	// state holds the current state of the stream
	state ReadableStreamState

	// storedError holds the error that caused the stream to be errored
	storedError goja.Value
}

// ReadableStreamFrom returns the stream behind a ReadableStream object.
func ReadableStreamFrom(v goja.Value) (*ReadableStream, bool) {
	return common.ImplOf[*ReadableStream](v)
}

// newReadableStreamObject implements the [ReadableStream] constructor.
//
// [ReadableStream]: https://streams.spec.whatwg.org/#rs-constructor
func (mi *ModuleInstance) newReadableStreamObject(call goja.ConstructorCall) *goja.Object {
	rt := mi.vu.Runtime()

	// 1. If underlyingSource is missing, set it to null.
	underlyingSource := dictionary(rt, call.Argument(0), "underlyingSource")

	// 2. Let underlyingSourceDict be underlyingSource, converted to an IDL value of type UnderlyingSource.
	source := mi.newUnderlyingSource(underlyingSource)
	strategy := dictionary(rt, call.Argument(1), "strategy")

	stream := &ReadableStream{mi: mi, obj: call.This}

	// 3. Perform ! InitializeReadableStream(this).
	stream.initialize()
	mi.bindReadableStream(stream)

	// 4. If underlyingSourceDict["type"] is "bytes": not supported.
	if source.isBytes {
		throw(rt, mi.abort.NewDOMException("readable byte streams are not supported", "NotSupportedError"))
	}

	// 5. Otherwise,
	// 5.1. Assert: underlyingSourceDict["type"] does not exist.
	// 5.2. Let sizeAlgorithm be ! ExtractSizeAlgorithm(strategy).
	sizeAlgorithm := mi.extractSizeAlgorithm(strategy)

	// 5.3. Let highWaterMark be ? ExtractHighWaterMark(strategy, 1).
	highWaterMark := mi.extractHighWaterMark(strategy, 1)

	// 5.4. Perform ? SetUpReadableStreamDefaultControllerFromUnderlyingSource(...).
	stream.setupDefaultControllerFromUnderlyingSource(source, highWaterMark, sizeAlgorithm)

	return call.This
}

// NewReadableStream implements the [CreateReadableStream] algorithm, for
// streams whose underlying source is implemented in Go.
//
// [CreateReadableStream]: https://streams.spec.whatwg.org/#create-readable-stream
func (mi *ModuleInstance) NewReadableStream(
	algorithms SourceAlgorithms,
	highWaterMark float64,
	sizeAlgorithm SizeAlgorithm,
) *ReadableStream {
	if sizeAlgorithm == nil {
		sizeAlgorithm = CountSize
	}

	// 1-2. highWaterMark and sizeAlgorithm default to 1 and an algorithm returning 1.
	// 3. Assert: ! IsNonNegativeNumber(highWaterMark) is true.
	assertThat(mi.vu.Runtime(), isNonNegativeNumber(highWaterMark), "highWaterMark must be a non-negative number")

	// 4. Let stream be a new ReadableStream.
	stream := &ReadableStream{mi: mi}

	// 5. Perform ! InitializeReadableStream(stream).
	stream.initialize()

	// 6-7. Let controller be a new ReadableStreamDefaultController and set it up.
	stream.setupDefaultController(&ReadableStreamDefaultController{}, algorithms.fill(mi), highWaterMark, sizeAlgorithm)

	// 8. Return stream.
	return stream
}

// Object returns the script object of the stream.
func (stream *ReadableStream) Object() *goja.Object {
	if stream.obj == nil {
		stream.obj = stream.mi.newObject(stream.mi.readableStreamCtor)
		stream.mi.bindReadableStream(stream)
	}
	return stream.obj
}

func (mi *ModuleInstance) bindReadableStream(stream *ReadableStream) {
	rt := mi.vu.Runtime()
	obj := stream.obj

	common.Must(rt, common.AttachImpl(rt, obj, stream))
	mi.getter(obj, "locked", stream.Locked)
	mi.define(obj, "cancel", func(reason goja.Value) *goja.Promise {
		// 1. If ! IsReadableStreamLocked(this) is true, return a promise rejected with a TypeError exception.
		if stream.Locked() {
			return mi.newRejectedPromise(mi.typeError("cannot cancel a locked stream"))
		}

		// 2. Return ! ReadableStreamCancel(this, reason).
		return stream.Cancel(reason)
	})
	mi.define(obj, "getReader", stream.getReaderMethod)
	mi.define(obj, "tee", func() *goja.Object {
		branch1, branch2, err := stream.Tee()
		if err != nil {
			throw(rt, err)
		}
		return rt.NewArray(branch1.Object(), branch2.Object())
	})
	mi.define(obj, "pipeTo", stream.pipeToMethod)
	mi.define(obj, "pipeThrough", stream.pipeThroughMethod)
}

// getReaderMethod implements the [getReader] operation.
//
// [getReader]: https://streams.spec.whatwg.org/#rs-get-reader
func (stream *ReadableStream) getReaderMethod(options goja.Value) *goja.Object {
	rt := stream.mi.vu.Runtime()
	opts := dictionary(rt, options, "options")

	// 1. If options["mode"] does not exist, return ? AcquireReadableStreamDefaultReader(this).
	if opts == nil || opts.Get("mode") == nil || goja.IsUndefined(opts.Get("mode")) {
		reader, err := stream.GetReader()
		if err != nil {
			throw(rt, err)
		}
		return reader.Object()
	}

	// 2. Assert: options["mode"] is "byob".
	if opts.Get("mode").String() != "byob" {
		throw(rt, newTypeError(rt, "options.mode must be 'byob'"))
	}

	// 3. Return ? AcquireReadableStreamBYOBReader(this).
	throw(rt, stream.mi.abort.NewDOMException("'byob' readers are not supported", "NotSupportedError"))
	return nil
}

// Locked implements the [IsReadableStreamLocked] abstract operation.
//
// [IsReadableStreamLocked]: https://streams.spec.whatwg.org/#is-readable-stream-locked
func (stream *ReadableStream) Locked() bool {
	return stream.reader != nil
}

// Disturbed reports whether the stream was ever read from or canceled.
func (stream *ReadableStream) Disturbed() bool {
	return stream.disturbed
}

// State returns the current state of the stream.
func (stream *ReadableStream) State() ReadableStreamState {
	return stream.state
}

// StoredError returns the reason the stream errored with.
func (stream *ReadableStream) StoredError() goja.Value {
	return stream.storedError
}

// Controller returns the controller of the stream.
func (stream *ReadableStream) Controller() *ReadableStreamDefaultController {
	return stream.controller
}

// GetReader implements the [AcquireReadableStreamDefaultReader] algorithm.
// It fails with a TypeError if the stream is already locked.
//
// [AcquireReadableStreamDefaultReader]: https://streams.spec.whatwg.org/#acquire-readable-stream-reader
func (stream *ReadableStream) GetReader() (*ReadableStreamDefaultReader, error) {
	// 1. Let reader be a new ReadableStreamDefaultReader.
	reader := &ReadableStreamDefaultReader{mi: stream.mi}

	// 2. Perform ? SetUpReadableStreamDefaultReader(reader, stream).
	if err := reader.setup(stream); err != nil {
		return nil, err
	}

	// 3. Return reader.
	return reader, nil
}

// initialize implements the [InitializeReadableStream()] abstract operation.
//
// [InitializeReadableStream()]: https://streams.spec.whatwg.org/#initialize-readable-stream
func (stream *ReadableStream) initialize() {
	stream.state = ReadableStreamStateReadable
	stream.reader = nil
	stream.storedError = goja.Undefined()
	stream.disturbed = false
}

// addReadRequest implements the [ReadableStreamAddReadRequest()] abstract operation.
//
// [ReadableStreamAddReadRequest()]: https://streams.spec.whatwg.org/#readable-stream-add-read-request
func (stream *ReadableStream) addReadRequest(readRequest ReadRequest) {
	rt := stream.mi.vu.Runtime()

	// 1. Assert: stream.[[reader]] implements ReadableStreamDefaultReader.
	assertThat(rt, stream.reader != nil, "stream has no default reader")

	// 2. Assert: stream.[[state]] is "readable".
	assertThat(rt, stream.state == ReadableStreamStateReadable, "stream is not readable")

	// 3. Append readRequest to stream.[[reader]].[[readRequests]].
	stream.reader.readRequests = append(stream.reader.readRequests, readRequest)
}

// Cancel implements the [ReadableStreamCancel()] abstract operation.
//
// [ReadableStreamCancel()]: https://streams.spec.whatwg.org/#readable-stream-cancel
func (stream *ReadableStream) Cancel(reason goja.Value) *goja.Promise {
	mi := stream.mi

	// 1. Set stream.[[disturbed]] to true.
	stream.disturbed = true

	// 2. If stream.[[state]] is "closed", return a promise resolved with undefined.
	if stream.state == ReadableStreamStateClosed {
		return mi.newResolvedPromise(goja.Undefined())
	}

	// 3. If stream.[[state]] is "errored", return a promise rejected with stream.[[storedError]].
	if stream.state == ReadableStreamStateErrored {
		return mi.newRejectedPromise(stream.storedError)
	}

	// 4. Perform ! ReadableStreamClose(stream).
	stream.close()

	// 5-6. BYOB readers are not supported.
	// 7. Let sourceCancelPromise be ! stream.[[controller]].[[CancelSteps]](reason).
	sourceCancelPromise := stream.controller.cancelSteps(reason)

	// 8. Return the result of reacting to sourceCancelPromise with a fulfillment step that returns undefined.
	return mi.then(sourceCancelPromise, func(goja.Value) goja.Value { return goja.Undefined() }, nil)
}

// close implements the [ReadableStreamClose()] abstract operation.
//
// [ReadableStreamClose()]: https://streams.spec.whatwg.org/#readable-stream-close
func (stream *ReadableStream) close() {
	// 1. Assert: stream.[[state]] is "readable".
	assertThat(stream.mi.vu.Runtime(), stream.state == ReadableStreamStateReadable,
		"cannot close a stream that is not readable")

	// 2. Set stream.[[state]] to "closed".
	stream.state = ReadableStreamStateClosed

	// 3. Let reader be stream.[[reader]].
	reader := stream.reader

	// 4. If reader is undefined, return.
	if reader == nil {
		return
	}

	// 5. Resolve reader.[[closedPromise]] with undefined.
	reader.closed.resolve(goja.Undefined())

	// 6. If reader implements ReadableStreamDefaultReader,
	// 6.1. Let readRequests be reader.[[readRequests]].
	readRequests := reader.readRequests

	// 6.2. Set reader.[[readRequests]] to an empty list.
	reader.readRequests = nil

	// 6.3. For each readRequest of readRequests,
	for _, readRequest := range readRequests {
		// 6.3.1. Perform readRequest’s close steps.
		readRequest.closeSteps()
	}
}

// error implements the [ReadableStreamError] abstract operation.
//
// [ReadableStreamError]: https://streams.spec.whatwg.org/#readable-stream-error
func (stream *ReadableStream) error(e goja.Value) {
	// 1. Assert: stream.[[state]] is "readable".
	assertThat(stream.mi.vu.Runtime(), stream.state == ReadableStreamStateReadable,
		"cannot error a stream that is not readable")

	// 2. Set stream.[[state]] to "errored".
	stream.state = ReadableStreamStateErrored

	// 3. Set stream.[[storedError]] to e.
	stream.storedError = e

	// 4. Let reader be stream.[[reader]].
	reader := stream.reader

	// 5. If reader is undefined, return.
	if reader == nil {
		return
	}

	// 6. Reject reader.[[closedPromise]] with e.
	reader.closed.reject(e)

	// 7. Set reader.[[closedPromise]].[[PromiseIsHandled]] to true.
	stream.mi.setHandled(reader.closed.promise)

	// 8. Perform ! ReadableStreamDefaultReaderErrorReadRequests(reader, e).
	reader.errorReadRequests(e)
}

// fulfillReadRequest implements the [ReadableStreamFulfillReadRequest()] algorithm.
//
// [ReadableStreamFulfillReadRequest()]: https://streams.spec.whatwg.org/#readable-stream-fulfill-read-request
func (stream *ReadableStream) fulfillReadRequest(chunk goja.Value, done bool) {
	rt := stream.mi.vu.Runtime()

	// 1. Assert: ! ReadableStreamHasDefaultReader(stream) is true.
	// 2. Let reader be stream.[[reader]].
	reader := stream.reader
	assertThat(rt, reader != nil, "stream does not have a default reader")

	// 3. Assert: reader.[[readRequests]] is not empty.
	assertThat(rt, len(reader.readRequests) > 0, "reader.[[readRequests]] is empty")

	// 4. Let readRequest be reader.[[readRequests]][0].
	readRequest := reader.readRequests[0]

	// 5. Remove readRequest from reader.[[readRequests]].
	reader.readRequests = reader.readRequests[1:]

	if done {
		// 6. If done is true, perform readRequest’s close steps.
		readRequest.closeSteps()
	} else {
		// 7. Otherwise, perform readRequest’s chunk steps, given chunk.
		readRequest.chunkSteps(chunk)
	}
}

// getNumReadRequests implements the [ReadableStreamGetNumReadRequests()] algorithm.
//
// [ReadableStreamGetNumReadRequests()]: https://streams.spec.whatwg.org/#readable-stream-get-num-read-requests
func (stream *ReadableStream) getNumReadRequests() int {
	if stream.reader == nil {
		return 0
	}
	return len(stream.reader.readRequests)
}
