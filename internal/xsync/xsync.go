// Package xsync implements the small concurrency primitives the rest of
// the module needs beyond the standard sync package: a one-shot Latch
// (and its value-carrying variant, which array.Sync uses to collect
// asynchronously prepared kernel executables) and a Semaphore (bounding
// how many preparations array.Sync runs at once).
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered. Once
// triggered it never changes state.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. Safe to call more than once; only the first call
// has an effect.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test reports whether the latch has already been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that is closed when the latch triggers, for use in a select.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch that also carries the value it was triggered with.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch, recording value. Only the first call has an effect.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.latch.muTrigger.Lock()
	defer l.latch.muTrigger.Unlock()
	if l.latch.Test() {
		return
	}
	l.value = value
	close(l.latch.wait)
}

// Wait blocks until triggered and returns the triggering value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Semaphore bounds the number of simultaneous acquisitions. The bound is
// set by NewSemaphore and does not change afterwards.
type Semaphore struct {
	cond              sync.Cond
	capacity, current int
}

// NewSemaphore returns a Semaphore allowing at most capacity simultaneous
// acquisitions. capacity <= 0 means unlimited.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{cond: sync.Cond{L: &sync.Mutex{}}, capacity: capacity}
}

// Acquire blocks until a slot is available, then takes it.
func (s *Semaphore) Acquire() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for {
		if s.capacity <= 0 || s.current < s.capacity {
			s.current++
			return
		}
		s.cond.Wait()
	}
}

// Release a previously acquired slot.
func (s *Semaphore) Release() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.current--
	s.cond.Signal()
}
