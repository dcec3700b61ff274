package streams

import (
	"github.com/dop251/goja"
)

// SinkAlgorithms are the algorithms a [WritableStreamDefaultController]
// drives its underlying sink with. A nil algorithm does nothing: start
// returns undefined, the others return promises resolved with undefined.
type SinkAlgorithms struct {
	// Start runs once when the stream is created.
	Start func(controller *WritableStreamDefaultController) goja.Value

	// Write is called for each chunk, one at a time.
	Write func(chunk goja.Value, controller *WritableStreamDefaultController) *goja.Promise

	// Close is called once all the queued chunks are written.
	Close func() *goja.Promise

	// Abort is called when the stream gets aborted.
	Abort func(reason goja.Value) *goja.Promise
}

func (a SinkAlgorithms) fill(mi *ModuleInstance) SinkAlgorithms {
	resolved := func() *goja.Promise { return mi.newResolvedPromise(goja.Undefined()) }

	if a.Start == nil {
		a.Start = func(*WritableStreamDefaultController) goja.Value { return goja.Undefined() }
	}
	if a.Write == nil {
		a.Write = func(goja.Value, *WritableStreamDefaultController) *goja.Promise { return resolved() }
	}
	if a.Close == nil {
		a.Close = resolved
	}
	if a.Abort == nil {
		a.Abort = func(goja.Value) *goja.Promise { return resolved() }
	}
	return a
}

// underlyingSink is the [UnderlyingSink] dictionary a script passes to the
// WritableStream constructor.
//
// [UnderlyingSink]: https://streams.spec.whatwg.org/#dictdef-underlyingsink
type underlyingSink struct {
	obj *goja.Object

	start goja.Callable
	write goja.Callable
	close goja.Callable
	abort goja.Callable

	hasType bool
}

func (mi *ModuleInstance) newUnderlyingSink(obj *goja.Object) underlyingSink {
	rt := mi.vu.Runtime()
	sink := underlyingSink{obj: obj}
	if obj == nil {
		return sink
	}

	sink.abort, _ = asFunction(rt, obj, "abort", "underlyingSink")
	sink.close, _ = asFunction(rt, obj, "close", "underlyingSink")
	sink.start, _ = asFunction(rt, obj, "start", "underlyingSink")
	sink.write, _ = asFunction(rt, obj, "write", "underlyingSink")

	if typ := obj.Get("type"); typ != nil && !goja.IsUndefined(typ) {
		sink.hasType = true
	}

	return sink
}

// algorithms implements the algorithm steps of
// [SetUpWritableStreamDefaultControllerFromUnderlyingSink].
//
// [SetUpWritableStreamDefaultControllerFromUnderlyingSink]: https://streams.spec.whatwg.org/#set-up-writable-stream-default-controller-from-underlying-sink
func (sink underlyingSink) algorithms(mi *ModuleInstance) SinkAlgorithms {
	rt := mi.vu.Runtime()
	var algorithms SinkAlgorithms

	if sink.start != nil {
		algorithms.Start = func(c *WritableStreamDefaultController) goja.Value {
			v, err := sink.start(sink.obj, c.Object())
			if err != nil {
				throw(rt, exceptionValue(rt, err))
			}
			return v
		}
	}

	if sink.write != nil {
		algorithms.Write = func(chunk goja.Value, c *WritableStreamDefaultController) *goja.Promise {
			return mi.promiseCall(sink.write, sink.obj, chunk, c.Object())
		}
	}

	if sink.close != nil {
		algorithms.Close = func() *goja.Promise {
			return mi.promiseCall(sink.close, sink.obj)
		}
	}

	if sink.abort != nil {
		algorithms.Abort = func(reason goja.Value) *goja.Promise {
			return mi.promiseCall(sink.abort, sink.obj, reason)
		}
	}

	return algorithms.fill(mi)
}
