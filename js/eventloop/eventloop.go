// Package eventloop implements the single threaded event loop every script
// callback runs on.
//
// It is the only place where goroutines other than the one running the
// script are allowed to hand work over to the runtime: they first reserve a
// slot with [EventLoop.RegisterCallback] (while still on the loop) and later
// enqueue a function through it, from any goroutine.
package eventloop

import (
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/liuxd6825/k6web/js/modules"
)

// EventLoop implements an event loop with a queue of macrotasks. Microtasks
// (promise jobs) are drained by goja at the end of every macrotask.
type EventLoop struct {
	queueLock     sync.Mutex
	queue         []func() error
	wakeupCh      chan struct{}
	registeredCbs int

	vu modules.VU

	// runner calls a macrotask from a script frame. Promise jobs queued while
	// the task runs are then drained once it returned, never in the middle
	// of Go code settling promises.
	runner goja.Callable

	// pendingPromiseRejections are rejected promises without a handler. Any
	// left after a round of macrotasks stops the loop with an error.
	pendingPromiseRejections map[*goja.Promise]struct{}
}

// New returns an event loop for vu. It installs the promise rejection
// tracker on the VU runtime, so unhandled rejections end [EventLoop.Start].
func New(vu modules.VU) *EventLoop {
	e := &EventLoop{
		wakeupCh:                 make(chan struct{}, 1),
		pendingPromiseRejections: make(map[*goja.Promise]struct{}),
		vu:                       vu,
	}
	rt := vu.Runtime()
	rt.SetPromiseRejectionTracker(e.promiseRejectionTracker)

	runner, err := rt.RunString(`(function(task) { task() })`)
	if err != nil {
		panic(fmt.Errorf("unable to initialize the task runner: %w", err))
	}
	e.runner, _ = goja.AssertFunction(runner)

	return e
}

// run runs a macrotask. A script value the task panics with is returned as
// an error.
func (e *EventLoop) run(task func() error) error {
	var err error
	_, jsErr := e.runner(goja.Undefined(), e.vu.Runtime().ToValue(func() { err = task() }))
	if err != nil {
		return err
	}
	return jsErr
}

func (e *EventLoop) wakeup() {
	select {
	case e.wakeupCh <- struct{}{}:
	default:
	}
}

// RegisterCallback reserves a pending macrotask: the loop won't finish until
// the returned enqueueCallback is called. It must be called on the loop.
//
// enqueueCallback is safe for use from any goroutine and must be called
// exactly once, even when there is nothing left to run on the loop, or the
// loop never ends. The function it receives runs on the loop after every
// task queued before it.
func (e *EventLoop) RegisterCallback() (enqueueCallback func(func() error)) {
	e.queueLock.Lock()
	var callbackCalled bool
	e.registeredCbs++
	e.queueLock.Unlock()

	return func(f func() error) {
		e.queueLock.Lock()
		defer e.queueLock.Unlock()

		if callbackCalled {
			panic("RegisterCallback's enqueueCallback was called more than once")
		}
		callbackCalled = true
		e.registeredCbs--
		e.queue = append(e.queue, f)
		e.wakeup()
	}
}

func (e *EventLoop) promiseRejectionTracker(p *goja.Promise, op goja.PromiseRejectionOperation) {
	// Called synchronously by the runtime, on the loop.
	// https://tc39.es/ecma262/#sec-host-promise-rejection-tracker
	if op == goja.PromiseRejectionReject {
		e.pendingPromiseRejections[p] = struct{}{}
	} else { // a handler was attached to a promise rejected earlier
		delete(e.pendingPromiseRejections, p)
	}
}

func (e *EventLoop) popAll() (queue []func() error, awaiting bool) {
	e.queueLock.Lock()
	queue = e.queue
	e.queue = make([]func() error, 0, len(queue))
	awaiting = e.registeredCbs != 0
	e.queueLock.Unlock()
	return
}

func (e *EventLoop) putInfront(queue []func() error) {
	e.queueLock.Lock()
	e.queue = append(queue, e.queue...)
	e.queueLock.Unlock()
}

// Start runs firstCallback and then every queued macrotask until the queue
// is empty with no registered callbacks left, a task returns an error or a
// rejected promise is left without a handler. The loop can be started again
// once [EventLoop.WaitOnRegistered] returned.
func (e *EventLoop) Start(firstCallback func() error) error {
	e.queue = []func() error{firstCallback}
	e.pendingPromiseRejections = make(map[*goja.Promise]struct{})
	for {
		queue, awaiting := e.popAll()

		if len(queue) == 0 {
			if !awaiting {
				return nil
			}
			<-e.wakeupCh
			continue
		}

		for i, f := range queue {
			if err := e.run(f); err != nil {
				e.putInfront(queue[i+1:])
				return err
			}
		}

		// Map order: with several unhandled rejections any of them is reported.
		for promise := range e.pendingPromiseRejections {
			value := promise.Result()
			if o, ok := value.(*goja.Object); ok && o != nil {
				stack := o.Get("stack")
				if stack != nil {
					value = stack
				}
			}
			return fmt.Errorf("Uncaught (in promise) %s", value) //nolint:stylecheck
		}
	}
}

// WaitOnRegistered blocks until every registered callback was enqueued,
// dropping the enqueued tasks instead of running them.
func (e *EventLoop) WaitOnRegistered() {
	for {
		_, awaiting := e.popAll()
		if !awaiting {
			return
		}
		<-e.wakeupCh
	}
}
