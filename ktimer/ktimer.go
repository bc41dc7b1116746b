// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ktimer implements the 32-slot timer wheel driving both
// kernel-internal timeouts (thread sleep, blocking-wait deadlines) and
// user-supplied one-shot/periodic callbacks, per spec section 4.4.
//
// Two independent wheels exist in a running kernel: a "hard" wheel whose
// Check is called synchronously from the simulated system-tick source
// (callbacks must not block), and a "soft" wheel whose expiries are
// dispatched by a dedicated goroutine that sleeps until the next soft
// deadline (see RunSoftLoop). Each wheel owns 32 klist-based slot lists,
// sorted ascending by absolute deadline, grounded on nsync/waiter.go's
// pattern of pre-allocating and reusing a single timer object per waiter
// rather than allocating one per wait.
package ktimer

import (
	"sync"
	"time"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/klist"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/vlog"
)

// NumSlots is the wheel's slot count (spec: "32-slot modular wheel").
const NumSlots = 32

// Kind distinguishes the hard (ISR-context) wheel from the soft
// (dedicated-thread) wheel.
type Kind int

const (
	Hard Kind = iota
	Soft
)

// Wheel is one 32-slot timer wheel.
type Wheel struct {
	kind  Kind
	mu    sync.Mutex
	slots [NumSlots]klist.Node
	wake  chan struct{}
}

// NewWheel constructs an empty wheel of the given kind.
func NewWheel(kind Kind) *Wheel {
	w := &Wheel{kind: kind, wake: make(chan struct{}, 1)}
	for i := range w.slots {
		w.slots[i].Init()
	}
	return w
}

// Timer is a single wheel entry: an interval, an absolute deadline, and a
// callback. The zero Timer is not usable; construct with NewTimer.
type Timer struct {
	link     klist.Node
	mu       sync.Mutex
	wheel    *Wheel
	periodic bool
	active   bool
	interval uint32
	timeout  uint32
	callback func()
}

// NewTimer builds an inactive timer on w. Start arms it.
func NewTimer(w *Wheel, periodic bool, interval uint32, callback func()) *Timer {
	t := &Timer{wheel: w, periodic: periodic, interval: interval, callback: callback}
	t.link.Init()
	t.link.Owner = t
	return t
}

// Active reports whether the timer currently participates in its wheel.
func (t *Timer) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Start computes timeout = now + interval and inserts the timer into
// wheel[timeout mod 32], keeping the slot sorted by deadline ascending. An
// already-active timer is first unlinked, so at most one wheel membership
// ever exists per timer (spec: "start on an already-activated timer first
// unlinks it").
func (t *Timer) Start(now uint32) kerrno.Errno {
	t.mu.Lock()
	if t.interval == 0 {
		t.mu.Unlock()
		vlog.Errorf("ktimer: Start called with zero interval")
		return kerrno.EINVAL
	}
	wasActive := t.active
	t.timeout = now + t.interval
	t.active = true
	timeout := t.timeout
	t.mu.Unlock()

	if wasActive {
		t.wheel.unlink(t)
	}
	t.wheel.insert(t, timeout)
	return kerrno.EOK
}

// Stop unlinks the timer from its wheel. A no-op if already inactive.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	t.mu.Unlock()
	t.wheel.unlink(t)
}

// Reset changes the timer's interval without (re)starting it.
func (t *Timer) Reset(interval uint32) {
	t.mu.Lock()
	t.interval = interval
	t.mu.Unlock()
}

// SetCallback replaces the timer's callback. Every re-arm of a reused
// timer (e.g. a thread's embedded timeout timer, which is constructed
// once and Reset on every subsequent wait) must call this alongside
// Reset: otherwise the timer keeps firing whichever closure happened to
// be installed on its first Start, not the one relevant to its current
// wait.
func (t *Timer) SetCallback(callback func()) {
	t.mu.Lock()
	t.callback = callback
	t.mu.Unlock()
}

// StartNewInterval sets a new interval and (re)starts the timer from now,
// per the external interface's start_new_interval(ticks).
func (t *Timer) StartNewInterval(now, interval uint32) kerrno.Errno {
	t.Reset(interval)
	return t.Start(now)
}

func (w *Wheel) insert(t *Timer, timeout uint32) {
	slot := timeout % NumSlots
	w.mu.Lock()
	head := &w.slots[slot]
	cur := head.Next()
	for cur != head {
		o := cur.Owner.(*Timer)
		if ktick.After(o.timeout, timeout) {
			break
		}
		cur = cur.Next()
	}
	t.link.InsertBefore(cur)
	w.mu.Unlock()
	if w.kind == Soft {
		w.notify()
	}
}

func (w *Wheel) unlink(t *Timer) {
	w.mu.Lock()
	t.link.Remove()
	w.mu.Unlock()
	if w.kind == Soft {
		w.notify()
	}
}

func (w *Wheel) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Check scans wheel[now mod 32] from the head, detaching and firing every
// timer whose deadline has arrived, in deadline order (ties in insertion
// order, per the slot's sort invariant). Periodic timers are rescheduled
// before Check returns, so callers observe monotonic periodicity.
func (w *Wheel) Check(now uint32) {
	slot := now % NumSlots
	w.mu.Lock()
	head := &w.slots[slot]
	var expired []*Timer
	cur := head.Next()
	for cur != head {
		next := cur.Next()
		o := cur.Owner.(*Timer)
		if !ktick.AtOrAfter(now, o.timeout) {
			break
		}
		cur.Remove()
		expired = append(expired, o)
		cur = next
	}
	w.mu.Unlock()

	if vlog.V(2) && len(expired) > 0 {
		vlog.Infof("ktimer: wheel=%v slot=%d firing %d timer(s) at tick=%d", w.kind, slot, len(expired), now)
	}
	for _, t := range expired {
		t.mu.Lock()
		t.active = false
		cb := t.callback
		periodic := t.periodic
		t.mu.Unlock()
		if cb != nil {
			cb()
		}
		if periodic {
			t.Start(now)
		}
	}
}

// NextTimeout returns the minimum deadline across all 32 slots, or
// ktick.WaitingForever if the wheel is empty.
func (w *Wheel) NextTimeout() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := ktick.WaitingForever
	for i := range w.slots {
		head := &w.slots[i]
		if head.IsEmpty() {
			continue
		}
		o := head.Next().Owner.(*Timer)
		if best == ktick.WaitingForever || ktick.Before(o.timeout, best) {
			best = o.timeout
		}
	}
	return best
}

// RunSoftLoop is the soft-timer thread's body: sleep until the next soft
// deadline (or indefinitely if none), then Check. add_timer/remove_timer
// wake it early via the wheel's notify channel. Returns when done is
// closed. tickPeriod converts simulated ticks to real sleep durations.
func (w *Wheel) RunSoftLoop(tick *ktick.Counter, tickPeriod time.Duration, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		next := w.NextTimeout()
		now := tick.Now()
		if next == ktick.WaitingForever {
			select {
			case <-w.wake:
			case <-done:
				return
			}
			continue
		}
		if ktick.AtOrAfter(now, next) {
			w.Check(now)
			continue
		}
		delta := ktick.Sub(next, now)
		select {
		case <-time.After(time.Duration(delta) * tickPeriod):
		case <-w.wake:
		case <-done:
			return
		}
	}
}
