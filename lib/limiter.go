package lib

import (
	"context"
	"sync"
)

// SlotLimiter can restrict the concurrent execution of tasks to the given `slots` limit
type SlotLimiter chan struct{}

// NewSlotLimiter initializes and returns a new SlotLimiter with the given slot count.
// A non-positive count means no limit.
func NewSlotLimiter(slots int) SlotLimiter {
	if slots <= 0 {
		return nil
	}

	ch := make(chan struct{}, slots)
	for i := 0; i < slots; i++ {
		ch <- struct{}{}
	}
	return ch
}

// Begin uses up a slot to denote the start of a task execution. It's a noop on
// an unlimited limiter, and if no slots are available it blocks and waits.
func (sl SlotLimiter) Begin() {
	if sl != nil {
		<-sl
	}
}

// BeginContext is Begin giving up once ctx is done.
func (sl SlotLimiter) BeginContext(ctx context.Context) error {
	if sl == nil {
		return nil
	}
	select {
	case <-sl:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End restores a slot and should be called at the end of a task execution, preferably
// from a defer statement right after Begin()
func (sl SlotLimiter) End() {
	if sl != nil {
		sl <- struct{}{}
	}
}

// MultiSlotLimiter can restrict the concurrent execution of different groups of tasks
// to the given `slots` limit. Each group is represented with a string ID, the fetch
// layer uses the request host.
type MultiSlotLimiter struct {
	m     map[string]SlotLimiter
	slots int
	mutex sync.Mutex
}

// NewMultiSlotLimiter initializes and returns a new MultiSlotLimiter with the given slot count
func NewMultiSlotLimiter(slots int) *MultiSlotLimiter {
	return &MultiSlotLimiter{m: make(map[string]SlotLimiter), slots: slots}
}

// Slot is used to retrieve the corresponding slot to the given string ID. If no slot with that ID exists,
// it creates it and saves it for future use. It is safe to call this method concurrently.
func (l *MultiSlotLimiter) Slot(s string) SlotLimiter {
	if l == nil || l.slots <= 0 {
		return nil
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	ll, ok := l.m[s]
	if !ok {
		ll = NewSlotLimiter(l.slots)
		l.m[s] = ll
	}
	return ll
}
