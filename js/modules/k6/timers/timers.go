// Package timers implements setTimeout, clearTimeout, setInterval and
// clearInterval on top of the event loop.
package timers

import (
	"slices"
	"time"

	"github.com/dop251/goja"
	"github.com/mstoykov/k6-taskqueue-lib/taskqueue"
	"github.com/sirupsen/logrus"

	"github.com/liuxd6825/k6web/js/modules"
)

// RootModule creates a Timers instance for each VU.
type RootModule struct{}

// Timers holds the active timers of one VU.
type Timers struct {
	vu modules.VU

	lastID uint64

	// active maps the id of every scheduled timer to its next trigger.
	active map[uint64]time.Time
	queue  *timerQueue

	// taskQueue keeps the loop alive while timers are pending and is the
	// only way the time.AfterFunc goroutines reach the loop.
	taskQueue *taskqueue.TaskQueue
	closeCh   chan struct{}
}

var (
	_ modules.Module   = &RootModule{}
	_ modules.Instance = &Timers{}
)

// New returns a pointer to a new RootModule instance.
func New() *RootModule {
	return &RootModule{}
}

// NewModuleInstance implements the modules.Module interface.
func (*RootModule) NewModuleInstance(vu modules.VU) modules.Instance {
	return &Timers{
		vu:     vu,
		active: make(map[uint64]time.Time),
		queue:  new(timerQueue),
	}
}

// Exports returns the timer functions, meant to be installed as globals.
func (e *Timers) Exports() modules.Exports {
	return modules.Exports{
		Named: map[string]any{
			"setTimeout":    e.setTimeout,
			"clearTimeout":  e.clearTimeout,
			"setInterval":   e.setInterval,
			"clearInterval": e.clearInterval,
		},
	}
}

func (e *Timers) setTimeout(callback goja.Value, delay float64, args ...goja.Value) uint64 {
	return e.schedule("setTimeout", callback, delay, args, false)
}

func (e *Timers) setInterval(callback goja.Value, delay float64, args ...goja.Value) uint64 {
	return e.schedule("setInterval", callback, delay, args, true)
}

func (e *Timers) clearTimeout(id uint64) {
	if _, ok := e.active[id]; !ok {
		return
	}
	delete(e.active, id)

	wasHead := e.queue.remove(id) == 0
	switch {
	case e.queue.length() == 0:
		e.release()
	case wasHead:
		e.armHead()
	}
}

func (e *Timers) clearInterval(id uint64) {
	e.clearTimeout(id)
}

func (e *Timers) schedule(name string, callback goja.Value, delay float64, args []goja.Value, repeat bool) uint64 {
	rt := e.vu.Runtime()
	fn, ok := goja.AssertFunction(callback)
	if !ok {
		panic(rt.NewTypeError("%s's callback isn't a callable function", name))
	}

	e.lastID++
	id := e.lastID
	e.initialize(name, id, fn, delay, args, repeat)
	return id
}

// initialize implements the [timer initialization steps], without nesting
// levels.
//
// [timer initialization steps]: https://html.spec.whatwg.org/multipage/timers-and-user-prompts.html#timer-initialisation-steps
func (e *Timers) initialize(name string, id uint64, fn goja.Callable, delay float64, args []goja.Value, repeat bool) {
	if delay < 0 {
		delay = 0
	}

	task := func() error {
		// 8.1. If id does not exist in the map of active timers, then abort these steps.
		if _, ok := e.active[id]; !ok {
			return nil
		}

		_, err := fn(e.vu.Runtime().GlobalObject(), args...)

		// 8.4. The callback may have cleared its own timer.
		if _, ok := e.active[id]; !ok {
			return err
		}
		if repeat {
			e.initialize(name, id, fn, delay, args, repeat)
		} else {
			delete(e.active, id)
		}
		return err
	}

	t := &timer{
		id:      id,
		name:    name,
		task:    task,
		trigger: time.Now().Add(time.Duration(delay * float64(time.Millisecond))),
	}
	e.active[id] = t.trigger
	if e.queue.add(t) == 0 {
		e.armHead()
	}
}

// armHead starts the wall clock timer for the first timer of the queue.
func (e *Timers) armHead() {
	e.queue.stopHead()
	if e.taskQueue == nil {
		e.taskQueue = taskqueue.New(e.vu.RegisterCallback)
		e.watch()
	}
	q := e.taskQueue
	e.queue.head = time.AfterFunc(time.Until(e.queue.first().trigger), func() {
		q.Queue(e.runFirst)
	})
}

func (e *Timers) runFirst() error {
	t := e.queue.first()
	if t == nil {
		return nil
	}
	// A head timer that fired before its timer was cleared.
	if time.Now().Before(t.trigger) {
		e.armHead()
		return nil
	}
	e.queue.pop()

	err := t.task()

	if e.queue.length() > 0 {
		e.armHead()
	} else {
		e.release()
	}
	return err
}

// release closes the task queue so the event loop can finish. It runs on
// the loop.
func (e *Timers) release() {
	ch := e.closeCh
	if ch == nil {
		return
	}
	e.closeCh = nil

	select {
	case ch <- struct{}{}:
		<-ch
	case <-e.vu.Context().Done():
	}
}

func (e *Timers) reset() {
	e.active = make(map[uint64]time.Time)
	e.queue.stopHead()
	e.queue = new(timerQueue)
	e.taskQueue = nil
}

// watch closes the task queue when the timers are released or the VU
// context is done, whichever happens first.
func (e *Timers) watch() {
	ctx := e.vu.Context()
	q := e.taskQueue
	ch := make(chan struct{})
	e.closeCh = ch

	go func() {
		select {
		case <-ctx.Done():
			q.Queue(func() error {
				logger := e.logger()
				for _, t := range e.queue.timers {
					logger.WithField("timer", t.id).Warnf("%s was stopped because the context was canceled", t.name)
				}
				e.reset()
				return nil
			})
			q.Close()
		case <-ch:
			e.reset()
			q.Close()
			close(ch)
		}
	}()
}

func (e *Timers) logger() logrus.FieldLogger {
	if state := e.vu.State(); state != nil {
		return state.Logger
	}
	return logrus.StandardLogger()
}

type timer struct {
	id      uint64
	name    string
	trigger time.Time
	task    func() error
}

// timerQueue keeps timers ordered by trigger time, insertion order breaking
// ties.
type timerQueue struct {
	timers []*timer
	head   *time.Timer
}

func (tq *timerQueue) add(t *timer) int {
	i := slices.IndexFunc(tq.timers, func(other *timer) bool {
		return other.trigger.After(t.trigger)
	})
	if i == -1 {
		i = len(tq.timers)
	}
	tq.timers = slices.Insert(tq.timers, i, t)
	return i
}

// remove drops the timer with id and returns the index it had, -1 if none.
func (tq *timerQueue) remove(id uint64) int {
	i := slices.IndexFunc(tq.timers, func(t *timer) bool { return t.id == id })
	if i != -1 {
		tq.timers = slices.Delete(tq.timers, i, i+1)
	}
	return i
}

func (tq *timerQueue) pop() *timer {
	if len(tq.timers) == 0 {
		return nil
	}
	t := tq.timers[0]
	tq.timers = slices.Delete(tq.timers, 0, 1)
	return t
}

func (tq *timerQueue) first() *timer {
	if len(tq.timers) == 0 {
		return nil
	}
	return tq.timers[0]
}

func (tq *timerQueue) length() int {
	return len(tq.timers)
}

func (tq *timerQueue) stopHead() {
	if tq.head != nil && tq.head.Stop() {
		select {
		case <-tq.head.C:
		default:
		}
	}
}
