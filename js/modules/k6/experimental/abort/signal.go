package abort

import (
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/common"
)

// Signal is the Go side of an AbortSignal.
//
// A signal aborts at most once. Aborting runs the registered algorithms in
// registration order, then dispatches the "abort" event to script listeners.
type Signal struct {
	mi  *ModuleInstance
	obj *goja.Object

	aborted bool
	reason  goja.Value

	algorithms []*algorithm
	listeners  []listener
	onabort    goja.Value
}

type algorithm struct {
	fn      func()
	removed bool
}

type listener struct {
	callback goja.Value
	once     bool
}

// SignalOf returns the Signal behind an AbortSignal object.
func SignalOf(v goja.Value) (*Signal, bool) {
	return common.ImplOf[*Signal](v)
}

// NewSignal creates a new, not yet aborted, signal along with its script object.
func (mi *ModuleInstance) NewSignal() *Signal {
	rt := mi.vu.Runtime()
	s := &Signal{mi: mi, reason: goja.Undefined(), onabort: goja.Null()}

	proto := mi.signalCtor.Get("prototype").ToObject(rt)
	s.obj = rt.CreateObject(proto)

	common.Must(rt, common.AttachImpl(rt, s.obj, s))
	common.Must(rt, common.DefineGetter(rt, s.obj, "aborted", s.Aborted))
	common.Must(rt, common.DefineGetter(rt, s.obj, "reason", s.Reason))
	common.Must(rt, s.obj.DefineAccessorProperty("onabort",
		rt.ToValue(func() goja.Value { return s.onabort }),
		rt.ToValue(func(v goja.Value) {
			if _, ok := goja.AssertFunction(v); ok {
				s.onabort = v
				return
			}
			s.onabort = goja.Null()
		}),
		goja.FLAG_TRUE, goja.FLAG_TRUE))
	common.Must(rt, common.DefineReadOnly(s.obj, "throwIfAborted", common.FuncValue(rt, s.ThrowIfAborted)))
	common.Must(rt, common.DefineReadOnly(s.obj, "addEventListener", common.FuncValue(rt, s.addEventListener)))
	common.Must(rt, common.DefineReadOnly(s.obj, "removeEventListener", common.FuncValue(rt, s.removeEventListener)))

	return s
}

// Object returns the script object of the signal.
func (s *Signal) Object() *goja.Object {
	return s.obj
}

// Aborted reports whether the signal was aborted.
func (s *Signal) Aborted() bool {
	return s.aborted
}

// Reason is the abort reason, undefined while the signal isn't aborted.
func (s *Signal) Reason() goja.Value {
	return s.reason
}

// ThrowIfAborted throws the abort reason if the signal was aborted.
func (s *Signal) ThrowIfAborted() {
	if s.aborted {
		panic(s.reason)
	}
}

// AddAlgorithm registers fn to run when the signal aborts. It does nothing on
// an already aborted signal. The returned function unregisters fn.
func (s *Signal) AddAlgorithm(fn func()) (remove func()) {
	if s.aborted {
		return func() {}
	}
	a := &algorithm{fn: fn}
	s.algorithms = append(s.algorithms, a)
	return func() { a.removed = true }
}

// Abort signals abort with the given reason; an undefined reason is replaced
// by an AbortError DOMException.
func (s *Signal) Abort(reason goja.Value) {
	if s.aborted {
		return
	}
	if reason == nil || goja.IsUndefined(reason) {
		reason = s.mi.NewAbortError()
	}
	s.aborted = true
	s.reason = reason

	algorithms := s.algorithms
	s.algorithms = nil
	for _, a := range algorithms {
		if !a.removed {
			a.fn()
		}
	}

	s.dispatchAbort()
}

func (s *Signal) dispatchAbort() {
	rt := s.mi.vu.Runtime()

	event := rt.NewObject()
	common.Must(rt, event.Set("type", "abort"))
	common.Must(rt, event.Set("target", s.obj))
	common.Must(rt, event.Set("currentTarget", s.obj))

	if fn, ok := goja.AssertFunction(s.onabort); ok {
		if _, err := fn(s.obj, event); err != nil {
			s.mi.logger().WithError(err).Error("Uncaught exception in an abort event handler")
		}
	}

	listeners := s.listeners
	s.listeners = nil
	for _, l := range listeners {
		if !l.once {
			s.listeners = append(s.listeners, l)
		}
	}
	for _, l := range listeners {
		if err := s.invokeListener(l.callback, event); err != nil {
			s.mi.logger().WithError(err).Error("Uncaught exception in an abort event listener")
		}
	}
}

func (s *Signal) invokeListener(callback goja.Value, event *goja.Object) error {
	if fn, ok := goja.AssertFunction(callback); ok {
		_, err := fn(s.obj, event)
		return err
	}

	obj, ok := callback.(*goja.Object)
	if !ok {
		return nil
	}
	if fn, ok := goja.AssertFunction(obj.Get("handleEvent")); ok {
		_, err := fn(obj, event)
		return err
	}
	return nil
}

func (s *Signal) addEventListener(typ string, callback goja.Value, options goja.Value) {
	if typ != "abort" || common.IsNullish(callback) {
		return
	}
	for _, l := range s.listeners {
		if l.callback.SameAs(callback) {
			return
		}
	}

	var once bool
	if opts, ok := options.(*goja.Object); ok && opts != nil {
		once = opts.Get("once") != nil && opts.Get("once").ToBoolean()
	}
	s.listeners = append(s.listeners, listener{callback: callback, once: once})
}

func (s *Signal) removeEventListener(typ string, callback goja.Value) {
	if typ != "abort" {
		return
	}
	for i, l := range s.listeners {
		if l.callback.SameAs(callback) {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// abortStatic implements AbortSignal.abort(reason).
func (mi *ModuleInstance) abortStatic(reason goja.Value) *goja.Object {
	s := mi.NewSignal()
	s.Abort(reason)
	return s.obj
}

// timeoutStatic implements AbortSignal.timeout(ms). The pending timer keeps
// the event loop alive until it fires or the VU context is done.
func (mi *ModuleInstance) timeoutStatic(ms goja.Value) *goja.Object {
	rt := mi.vu.Runtime()
	d := ms.ToFloat()
	if common.IsNullish(ms) || math.IsNaN(d) || d < 0 || math.IsInf(d, 0) {
		panic(rt.NewTypeError("AbortSignal.timeout: the timeout must be a non-negative finite number"))
	}

	s := mi.NewSignal()
	callback := mi.vu.RegisterCallback()
	ctx := mi.vu.Context()
	go func() {
		timer := time.NewTimer(time.Duration(d * float64(time.Millisecond)))
		defer timer.Stop()

		select {
		case <-timer.C:
			callback(func() error {
				s.Abort(mi.NewDOMException("The operation timed out.", TimeoutError))
				return nil
			})
		case <-ctx.Done():
			callback(func() error { return nil })
		}
	}()

	return s.obj
}

// anyStatic implements AbortSignal.any(signals).
func (mi *ModuleInstance) anyStatic(signals goja.Value) *goja.Object {
	rt := mi.vu.Runtime()

	var sources []*Signal
	obj, ok := signals.(*goja.Object)
	if !ok || obj == nil {
		panic(rt.NewTypeError("AbortSignal.any: argument must be an iterable of AbortSignal"))
	}
	rt.ForOf(obj, func(v goja.Value) bool {
		source, ok := SignalOf(v)
		if !ok {
			panic(rt.NewTypeError("AbortSignal.any: argument must be an iterable of AbortSignal"))
		}
		sources = append(sources, source)
		return true
	})

	result := mi.NewSignal()
	for _, source := range sources {
		if source.aborted {
			result.Abort(source.reason)
			return result.obj
		}
	}
	for _, source := range sources {
		source := source
		source.AddAlgorithm(func() { result.Abort(source.reason) })
	}
	return result.obj
}
