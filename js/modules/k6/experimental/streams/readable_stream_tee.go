package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// Tee implements the [ReadableStreamDefaultTee] algorithm. The stream gets
// locked and every chunk it produces is delivered to both branches, which
// can be read and canceled independently. The source is canceled only once
// both branches are, with the array of both cancel reasons.
//
// [ReadableStreamDefaultTee]: https://streams.spec.whatwg.org/#abstract-opdef-readablestreamdefaulttee
func (stream *ReadableStream) Tee() (*ReadableStream, *ReadableStream, error) {
	return stream.tee(false)
}

// TeeCloned tees the stream like [ReadableStream.Tee], except that the
// second branch receives copies of Uint8Array chunks so that neither branch
// can see writes made to the other's chunks.
func (stream *ReadableStream) TeeCloned() (*ReadableStream, *ReadableStream, error) {
	return stream.tee(true)
}

func (stream *ReadableStream) tee(cloneForBranch2 bool) (*ReadableStream, *ReadableStream, error) {
	mi := stream.mi
	rt := mi.vu.Runtime()

	// 3. Let reader be ? AcquireReadableStreamDefaultReader(stream).
	reader, err := stream.GetReader()
	if err != nil {
		return nil, nil, err
	}

	// 4-10.
	var (
		reading, readAgain     bool
		canceled1, canceled2   bool
		reason1, reason2       goja.Value
		branch1, branch2       *ReadableStream
		cancelPromise          = mi.newDeferred()
		undefinedOnFulfillment = func(goja.Value) goja.Value { return goja.Undefined() }
	)

	// Branches count their chunks, an enqueue can't fail.
	enqueue := func(branch *ReadableStream, chunk goja.Value) {
		_ = branch.controller.Enqueue(chunk)
	}

	// 11. Let pullAlgorithm be the following steps:
	var pullAlgorithm func(*ReadableStreamDefaultController) *goja.Promise
	pullAlgorithm = func(*ReadableStreamDefaultController) *goja.Promise {
		// 11.1. If reading is true,
		if reading {
			// 11.1.1. Set readAgain to true.
			readAgain = true

			// 11.1.2. Return a promise resolved with undefined.
			return mi.newResolvedPromise(goja.Undefined())
		}

		// 11.2. Set reading to true.
		reading = true

		// 11.3. Let readRequest be a read request with the following items:
		readRequest := ReadRequest{
			chunkSteps: func(chunk goja.Value) {
				// Queue a microtask to perform the following steps, so that
				// errors in the branches surface after the read settles.
				mi.queueMicrotask(func() {
					// 1. Set readAgain to false.
					readAgain = false

					// 2-3. Let chunk1 and chunk2 be chunk.
					chunk1, chunk2 := chunk, chunk

					// 4. If canceled2 is false and cloneForBranch2 is true, copy chunk2.
					if !canceled2 && cloneForBranch2 {
						chunk2 = cloneChunk(rt, chunk2)
					}

					// 5. If canceled1 is false, enqueue chunk1 to branch1.
					if !canceled1 {
						enqueue(branch1, chunk1)
					}

					// 6. If canceled2 is false, enqueue chunk2 to branch2.
					if !canceled2 {
						enqueue(branch2, chunk2)
					}

					// 7. Set reading to false.
					reading = false

					// 8. If readAgain is true, perform pullAlgorithm.
					if readAgain {
						pullAlgorithm(nil)
					}
				})
			},
			closeSteps: func() {
				// 1. Set reading to false.
				reading = false

				// 2. If canceled1 is false, close branch1.
				if !canceled1 {
					branch1.controller.Close()
				}

				// 3. If canceled2 is false, close branch2.
				if !canceled2 {
					branch2.controller.Close()
				}

				// 4. If canceled1 is false or canceled2 is false, resolve cancelPromise with undefined.
				if !canceled1 || !canceled2 {
					cancelPromise.resolve(goja.Undefined())
				}
			},
			errorSteps: func(goja.Value) {
				// 1. Set reading to false.
				reading = false
			},
		}

		// 11.4. Perform ! ReadableStreamDefaultReaderRead(reader, readRequest).
		reader.Read(readRequest)

		// 11.5. Return a promise resolved with undefined.
		return mi.newResolvedPromise(goja.Undefined())
	}

	cancelBoth := func() {
		// Let compositeReason be ! CreateArrayFromList(« reason1, reason2 »).
		compositeReason := rt.NewArray(reason1, reason2)

		// Let cancelResult be ! ReadableStreamCancel(stream, compositeReason).
		cancelResult := stream.Cancel(compositeReason)

		// Resolve cancelPromise with cancelResult.
		cancelPromise.resolve(cancelResult)
	}

	// 12. Let cancel1Algorithm be the following steps, taking a reason argument:
	cancel1Algorithm := func(reason goja.Value) *goja.Promise {
		// 12.1. Set canceled1 to true.
		canceled1 = true

		// 12.2. Set reason1 to reason.
		reason1 = reason

		// 12.3. If canceled2 is true, cancel the source with both reasons.
		if canceled2 {
			cancelBoth()
		}

		// 12.4. Return cancelPromise.
		return mi.then(cancelPromise.promise, undefinedOnFulfillment, nil)
	}

	// 13. Let cancel2Algorithm be the following steps, taking a reason argument:
	cancel2Algorithm := func(reason goja.Value) *goja.Promise {
		// 13.1. Set canceled2 to true.
		canceled2 = true

		// 13.2. Set reason2 to reason.
		reason2 = reason

		// 13.3. If canceled1 is true, cancel the source with both reasons.
		if canceled1 {
			cancelBoth()
		}

		// 13.4. Return cancelPromise.
		return mi.then(cancelPromise.promise, undefinedOnFulfillment, nil)
	}

	// 15. Set branch1 to ! CreateReadableStream(startAlgorithm, pullAlgorithm, cancel1Algorithm).
	branch1 = mi.NewReadableStream(SourceAlgorithms{Pull: pullAlgorithm, Cancel: cancel1Algorithm}, 1, CountSize)

	// 16. Set branch2 to ! CreateReadableStream(startAlgorithm, pullAlgorithm, cancel2Algorithm).
	branch2 = mi.NewReadableStream(SourceAlgorithms{Pull: pullAlgorithm, Cancel: cancel2Algorithm}, 1, CountSize)

	// 17. Upon rejection of reader.[[closedPromise]] with reason r,
	mi.upon(reader.closed.promise, nil, func(r goja.Value) {
		// 17.1. Perform ! ReadableStreamDefaultControllerError(branch1.[[controller]], r).
		branch1.controller.Error(r)

		// 17.2. Perform ! ReadableStreamDefaultControllerError(branch2.[[controller]], r).
		branch2.controller.Error(r)

		// 17.3. If canceled1 is false or canceled2 is false, resolve cancelPromise with undefined.
		if !canceled1 || !canceled2 {
			cancelPromise.resolve(goja.Undefined())
		}
	})

	// 18. Return « branch1, branch2 ».
	return branch1, branch2, nil
}

// cloneChunk copies the bytes of a Uint8Array chunk into a new one. Other
// chunks are returned as they are.
func cloneChunk(rt *goja.Runtime, chunk goja.Value) goja.Value {
	if !common.IsUint8Array(rt, chunk) {
		return chunk
	}
	data, ok := common.BufferSourceBytes(rt, chunk)
	if !ok {
		return chunk
	}
	clone, err := common.NewUint8Array(rt, data)
	if err != nil {
		return chunk
	}
	return clone
}
