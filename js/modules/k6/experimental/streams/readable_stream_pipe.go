package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/modules/k6/experimental/abort"
)

// pipeOptions is the [StreamPipeOptions] dictionary.
//
// [StreamPipeOptions]: https://streams.spec.whatwg.org/#dictdef-streampipeoptions
type pipeOptions struct {
	preventClose  bool
	preventAbort  bool
	preventCancel bool
	signal        *abort.Signal
}

func (mi *ModuleInstance) newPipeOptions(v goja.Value) (pipeOptions, error) {
	rt := mi.vu.Runtime()
	var opts pipeOptions

	var obj *goja.Object
	if err := rt.Try(func() { obj = dictionary(rt, v, "options") }); err != nil {
		return opts, err
	}
	if obj == nil {
		return opts, nil
	}

	flag := func(name string) bool {
		f := obj.Get(name)
		return f != nil && f.ToBoolean()
	}
	opts.preventClose = flag("preventClose")
	opts.preventAbort = flag("preventAbort")
	opts.preventCancel = flag("preventCancel")

	if s := obj.Get("signal"); s != nil && !goja.IsUndefined(s) {
		signal, ok := abort.SignalOf(s)
		if !ok {
			return opts, newTypeError(rt, "options.signal must be an AbortSignal")
		}
		opts.signal = signal
	}

	return opts, nil
}

// pipeToMethod implements the [pipeTo] operation.
//
// [pipeTo]: https://streams.spec.whatwg.org/#rs-pipe-to
func (stream *ReadableStream) pipeToMethod(destination goja.Value, options goja.Value) *goja.Promise {
	mi := stream.mi

	dest, ok := WritableStreamFrom(destination)
	if !ok {
		return mi.newRejectedPromise(mi.typeError("pipeTo destination must be a WritableStream"))
	}

	// 1. If ! IsReadableStreamLocked(this) is true, return a promise rejected with a TypeError exception.
	if stream.Locked() {
		return mi.newRejectedPromise(mi.typeError("cannot pipe a locked stream"))
	}

	// 2. If ! IsWritableStreamLocked(destination) is true, return a promise rejected with a TypeError exception.
	if dest.Locked() {
		return mi.newRejectedPromise(mi.typeError("cannot pipe to a locked stream"))
	}

	// 3. Let signal be options["signal"] if it exists, or undefined otherwise.
	opts, err := mi.newPipeOptions(options)
	if err != nil {
		return mi.newRejectedPromise(err)
	}

	// 4. Return ! ReadableStreamPipeTo(this, destination, preventClose, preventAbort, preventCancel, signal).
	return stream.PipeTo(dest, opts.preventClose, opts.preventAbort, opts.preventCancel, opts.signal)
}

// pipeThroughMethod implements the [pipeThrough] operation.
//
// [pipeThrough]: https://streams.spec.whatwg.org/#rs-pipe-through
func (stream *ReadableStream) pipeThroughMethod(transform goja.Value, options goja.Value) goja.Value {
	mi := stream.mi
	rt := mi.vu.Runtime()

	pair := dictionary(rt, transform, "transform")
	if pair == nil {
		throw(rt, newTypeError(rt, "pipeThrough expects a { readable, writable } pair"))
	}
	readableValue := pair.Get("readable")
	if _, ok := ReadableStreamFrom(readableValue); !ok {
		throw(rt, newTypeError(rt, "transform.readable must be a ReadableStream"))
	}
	writable, ok := WritableStreamFrom(pair.Get("writable"))
	if !ok {
		throw(rt, newTypeError(rt, "transform.writable must be a WritableStream"))
	}

	// 1. If ! IsReadableStreamLocked(this) is true, throw a TypeError exception.
	if stream.Locked() {
		throw(rt, newTypeError(rt, "cannot pipe a locked stream"))
	}

	// 2. If ! IsWritableStreamLocked(transform["writable"]) is true, throw a TypeError exception.
	if writable.Locked() {
		throw(rt, newTypeError(rt, "cannot pipe to a locked stream"))
	}

	// 3. Let signal be options["signal"] if it exists, or undefined otherwise.
	opts, err := mi.newPipeOptions(options)
	if err != nil {
		throw(rt, err)
	}

	// 4. Let promise be ! ReadableStreamPipeTo(this, transform["writable"], ...).
	promise := stream.PipeTo(writable, opts.preventClose, opts.preventAbort, opts.preventCancel, opts.signal)

	// 5. Set promise.[[PromiseIsHandled]] to true.
	mi.setHandled(promise)

	// 6. Return transform["readable"].
	return readableValue
}

// PipeThrough pipes the stream into the writable side of transform and
// returns its readable side. Errors of the pipe surface on the returned stream.
func (stream *ReadableStream) PipeThrough(transform *TransformStream) (*ReadableStream, error) {
	rt := stream.mi.vu.Runtime()

	if stream.Locked() {
		return nil, newTypeError(rt, "cannot pipe a locked stream")
	}
	if transform.Writable().Locked() {
		return nil, newTypeError(rt, "cannot pipe to a locked stream")
	}

	stream.mi.setHandled(stream.PipeTo(transform.Writable(), false, false, false, nil))
	return transform.Readable(), nil
}

// PipeTo implements the [ReadableStreamPipeTo] algorithm: chunks read from
// the stream are written to dest, honoring its backpressure, until one side
// closes or errors. Both streams must be unlocked.
//
// [ReadableStreamPipeTo]: https://streams.spec.whatwg.org/#readable-stream-pipe-to
func (stream *ReadableStream) PipeTo(
	dest *WritableStream,
	preventClose, preventAbort, preventCancel bool,
	signal *abort.Signal,
) *goja.Promise {
	mi := stream.mi
	rt := mi.vu.Runtime()
	source := stream

	// 5. Let reader be ! AcquireReadableStreamDefaultReader(source).
	reader, err := source.GetReader()
	assertThat(rt, err == nil, "the source stream is locked")

	// 6. Let writer be ! AcquireWritableStreamDefaultWriter(dest).
	writer, err := dest.GetWriter()
	assertThat(rt, err == nil, "the destination stream is locked")

	// 7. Set source.[[disturbed]] to true.
	source.disturbed = true

	// 8. Let shuttingDown be false.
	shuttingDown := false

	// 9. Let promise be a new promise.
	promise := mi.newDeferred()

	currentWrite := mi.newResolvedPromise(goja.Undefined())
	removeAbortAlgorithm := func() {}

	// Finalize: both locks are released and promise settles.
	finalize := func(isError bool, e goja.Value) {
		// 1. Perform ! WritableStreamDefaultWriterRelease(writer).
		writer.Release()

		// 2. If reader implements ReadableStreamBYOBReader, ... Otherwise,
		// perform ! ReadableStreamDefaultReaderRelease(reader).
		reader.Release()

		// 3. If signal is not undefined, remove abortAlgorithm from signal.
		removeAbortAlgorithm()

		// 4. If error was given, reject promise with error.
		if isError {
			promise.reject(e)
		} else {
			// 5. Otherwise, resolve promise with undefined.
			promise.resolve(goja.Undefined())
		}
	}

	var waitForWritesToFinish func() *goja.Promise
	waitForWritesToFinish = func() *goja.Promise {
		oldCurrentWrite := currentWrite
		return mi.then(currentWrite, func(goja.Value) goja.Value {
			if oldCurrentWrite != currentWrite {
				return rt.ToValue(waitForWritesToFinish())
			}
			return goja.Undefined()
		}, nil)
	}

	destWritable := func() bool {
		return dest.state == WritableStreamStateWritable && !dest.closeQueuedOrInFlight()
	}

	// Shutdown with an action: the action runs once pending writes are done.
	shutdownWithAction := func(action func() *goja.Promise, originalIsError bool, originalError goja.Value) {
		// 1. If shuttingDown is true, abort these substeps.
		if shuttingDown {
			return
		}

		// 2. Set shuttingDown to true.
		shuttingDown = true

		// 4. Let p be the result of performing action.
		// 5. Upon fulfillment of p, finalize, passing along originalError if it was given.
		// 6. Upon rejection of p with reason newError, finalize with newError.
		doTheRest := func() {
			mi.upon(action(),
				func(goja.Value) { finalize(originalIsError, originalError) },
				func(newError goja.Value) { finalize(true, newError) },
			)
		}

		// 3. If dest.[[state]] is "writable" and ! WritableStreamCloseQueuedOrInFlight(dest) is false,
		// wait until every chunk that has been read has been written.
		if destWritable() {
			mi.upon(waitForWritesToFinish(), func(goja.Value) { doTheRest() }, nil)
		} else {
			doTheRest()
		}
	}

	// Shutdown without an action.
	shutdown := func(isError bool, e goja.Value) {
		if shuttingDown {
			return
		}
		shuttingDown = true

		if destWritable() {
			mi.upon(waitForWritesToFinish(), func(goja.Value) { finalize(isError, e) }, nil)
		} else {
			finalize(isError, e)
		}
	}

	// 14. If signal is not undefined,
	if signal != nil {
		// 14.1. Let abortAlgorithm be the following steps:
		abortAlgorithm := func() {
			// 14.1.1. Let error be signal’s abort reason.
			e := signal.Reason()

			// 14.1.2. Let actions be an empty ordered set.
			var actions []func() *goja.Promise

			// 14.1.3. If preventAbort is false, append the action of aborting dest.
			if !preventAbort {
				actions = append(actions, func() *goja.Promise {
					if dest.state == WritableStreamStateWritable {
						return dest.Abort(e)
					}
					return mi.newResolvedPromise(goja.Undefined())
				})
			}

			// 14.1.4. If preventCancel is false, append the action of canceling source.
			if !preventCancel {
				actions = append(actions, func() *goja.Promise {
					if source.state == ReadableStreamStateReadable {
						return source.Cancel(e)
					}
					return mi.newResolvedPromise(goja.Undefined())
				})
			}

			// 14.1.5. Shutdown with an action consisting of getting a promise
			// to wait for all of the actions in actions, and with error.
			shutdownWithAction(func() *goja.Promise {
				promises := make([]*goja.Promise, 0, len(actions))
				for _, action := range actions {
					promises = append(promises, action())
				}
				return mi.waitAll(promises)
			}, true, e)
		}

		// 14.2. If signal is aborted, perform abortAlgorithm and return promise.
		if signal.Aborted() {
			abortAlgorithm()
			return promise.promise
		}

		// 14.3. Add abortAlgorithm to signal.
		removeAbortAlgorithm = signal.AddAlgorithm(abortAlgorithm)
	}

	readerClosed := reader.closed.promise
	writerClosed := writer.closed.promise

	// Errors must be propagated forward: if source.[[state]] is or becomes "errored".
	propagateSourceError := func(storedError goja.Value) {
		if !preventAbort {
			shutdownWithAction(func() *goja.Promise { return dest.Abort(storedError) }, true, storedError)
		} else {
			shutdown(true, storedError)
		}
	}
	if source.state == ReadableStreamStateErrored {
		propagateSourceError(source.storedError)
	} else {
		mi.upon(readerClosed, nil, propagateSourceError)
	}

	// Errors must be propagated backward: if dest.[[state]] is or becomes "errored".
	propagateDestError := func(storedError goja.Value) {
		if !preventCancel {
			shutdownWithAction(func() *goja.Promise { return source.Cancel(storedError) }, true, storedError)
		} else {
			shutdown(true, storedError)
		}
	}
	if dest.state == WritableStreamStateErrored {
		propagateDestError(dest.storedError)
	} else {
		mi.upon(writerClosed, nil, propagateDestError)
	}

	// Closing must be propagated forward: if source.[[state]] is or becomes "closed".
	propagateSourceClose := func(goja.Value) {
		if !preventClose {
			shutdownWithAction(writer.closeWithErrorPropagation, false, nil)
		} else {
			shutdown(false, nil)
		}
	}
	if source.state == ReadableStreamStateClosed {
		propagateSourceClose(goja.Undefined())
	} else {
		mi.upon(readerClosed, propagateSourceClose, nil)
	}

	// Closing must be propagated backward: if dest is closed or closing.
	if dest.closeQueuedOrInFlight() || dest.state == WritableStreamStateClosed {
		destClosed := mi.typeError("the destination stream is closed")
		if !preventCancel {
			shutdownWithAction(func() *goja.Promise { return source.Cancel(destClosed) }, true, destClosed)
		} else {
			shutdown(true, destClosed)
		}
	}

	// 15. In parallel, using reader and writer, read all chunks from source
	// and write them to dest. Reads wait for the writer to be ready, so the
	// backpressure of dest propagates to source.
	var pipeStep func()
	pipeStep = func() {
		if shuttingDown {
			return
		}
		mi.upon(writer.ready.promise, func(goja.Value) {
			if shuttingDown {
				return
			}
			reader.Read(ReadRequest{
				chunkSteps: func(chunk goja.Value) {
					currentWrite = mi.then(writer.Write(chunk), nil, func(goja.Value) goja.Value { return nil })
					pipeStep()
				},
				// Handled by the closed and errored propagation above.
				closeSteps: func() {},
				errorSteps: func(goja.Value) {},
			})
		}, nil)
	}
	pipeStep()

	// 16. Return promise.
	return promise.promise
}

// waitAll returns a promise fulfilled with undefined once all the promises
// are fulfilled, or rejected as soon as one of them is.
func (mi *ModuleInstance) waitAll(promises []*goja.Promise) *goja.Promise {
	d := mi.newDeferred()

	remaining := len(promises)
	if remaining == 0 {
		d.resolve(goja.Undefined())
		return d.promise
	}

	for _, p := range promises {
		mi.upon(p, func(goja.Value) {
			remaining--
			if remaining == 0 {
				d.resolve(goja.Undefined())
			}
		}, func(r goja.Value) {
			d.reject(r)
		})
	}

	return d.promise
}
