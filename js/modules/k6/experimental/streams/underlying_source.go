package streams

import (
	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// SourceAlgorithms are the algorithms a [ReadableStreamDefaultController]
// drives its underlying source with. A nil algorithm does nothing: start
// returns undefined, pull and cancel return promises resolved with undefined.
type SourceAlgorithms struct {
	// Start runs once when the stream is created, its result (possibly a
	// promise) tells when the source is ready to be pulled.
	Start func(controller *ReadableStreamDefaultController) goja.Value

	// Pull is called whenever the stream wants more chunks.
	Pull func(controller *ReadableStreamDefaultController) *goja.Promise

	// Cancel is called when the consumer loses interest in the stream.
	Cancel func(reason goja.Value) *goja.Promise
}

func (a SourceAlgorithms) fill(mi *ModuleInstance) SourceAlgorithms {
	if a.Start == nil {
		a.Start = func(*ReadableStreamDefaultController) goja.Value { return goja.Undefined() }
	}
	if a.Pull == nil {
		a.Pull = func(*ReadableStreamDefaultController) *goja.Promise {
			return mi.newResolvedPromise(goja.Undefined())
		}
	}
	if a.Cancel == nil {
		a.Cancel = func(goja.Value) *goja.Promise {
			return mi.newResolvedPromise(goja.Undefined())
		}
	}
	return a
}

// underlyingSource is the [UnderlyingSource] dictionary a script passes to
// the ReadableStream constructor.
//
// [UnderlyingSource]: https://streams.spec.whatwg.org/#dictdef-underlyingsource
type underlyingSource struct {
	obj *goja.Object

	start  goja.Callable
	pull   goja.Callable
	cancel goja.Callable

	isBytes bool
}

func (mi *ModuleInstance) newUnderlyingSource(obj *goja.Object) underlyingSource {
	rt := mi.vu.Runtime()
	source := underlyingSource{obj: obj}
	if obj == nil {
		return source
	}

	source.cancel, _ = asFunction(rt, obj, "cancel", "underlyingSource")
	source.pull, _ = asFunction(rt, obj, "pull", "underlyingSource")
	source.start, _ = asFunction(rt, obj, "start", "underlyingSource")

	if typ := obj.Get("type"); typ != nil && !goja.IsUndefined(typ) {
		if typ.String() != "bytes" {
			throw(rt, newTypeError(rt, "underlyingSource.type must be 'bytes' if set"))
		}
		source.isBytes = true
	}

	return source
}

func (source underlyingSource) algorithms(mi *ModuleInstance) SourceAlgorithms {
	rt := mi.vu.Runtime()
	var algorithms SourceAlgorithms

	// Let startAlgorithm be an algorithm that returns the result of invoking
	// underlyingSourceDict["start"] with argument list « controller » and
	// callback this value underlyingSource.
	if source.start != nil {
		algorithms.Start = func(c *ReadableStreamDefaultController) goja.Value {
			v, err := source.start(source.obj, c.Object())
			if err != nil {
				common.Throw(rt, err)
			}
			return v
		}
	}

	if source.pull != nil {
		algorithms.Pull = func(c *ReadableStreamDefaultController) *goja.Promise {
			return mi.promiseCall(source.pull, source.obj, c.Object())
		}
	}

	if source.cancel != nil {
		algorithms.Cancel = func(reason goja.Value) *goja.Promise {
			return mi.promiseCall(source.cancel, source.obj, reason)
		}
	}

	return algorithms.fill(mi)
}

// setupDefaultControllerFromUnderlyingSource implements the
// [SetUpReadableStreamDefaultControllerFromUnderlyingSource] abstract operation.
//
// [SetUpReadableStreamDefaultControllerFromUnderlyingSource]: https://streams.spec.whatwg.org/#set-up-readable-stream-default-controller-from-underlying-source
func (stream *ReadableStream) setupDefaultControllerFromUnderlyingSource(
	source underlyingSource,
	highWaterMark float64,
	sizeAlgorithm SizeAlgorithm,
) {
	stream.setupDefaultController(
		&ReadableStreamDefaultController{},
		source.algorithms(stream.mi),
		highWaterMark,
		sizeAlgorithm,
	)
}
