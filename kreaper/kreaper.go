// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kreaper implements the zombie reaper of spec section 4.10: an
// idle-priority thread that owns freeing retired thread storage, so a
// dying thread never has to free the stack it is currently running on.
//
// A retiring thread pushes its TCB onto an MPSC retirement queue and
// reschedules; the reaper goroutine drains the queue, runs each
// thread's cleanup hook, and detaches it from the object table. Go's
// buffered channel is this repository's MPSC queue: many retiring
// goroutines send concurrently, one reaper goroutine receives, which is
// exactly the concurrency shape the spec's "MPSC queue" calls for and
// needs no hand-rolled lock-free structure the way the teacher's own
// nsync package builds one for its waiter free list.
//
// The original CMSIS adapter's drop_os2_thread path (spec section 9) has
// a narrow race between observing a thread's state and it actually
// reaching retired; the reaper closes the same class of race by
// re-validating Retired under the thread's own per-thread lock before
// running the cleanup hook, rather than trusting the state it was
// enqueued with.
package kreaper

import (
	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kobj"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/vlog"
)

// QueueDepth bounds the retirement queue; a depth this far beyond any
// realistic number of simultaneously-retiring threads turns a full
// queue into a bug signal rather than a throughput knob.
const QueueDepth = 256

// Reaper drains retired threads and frees their resources.
type Reaper struct {
	sched    *ksched.Scheduler
	queue    chan *kthread.Thread
	onReaped func(*kthread.Thread) // test/diagnostic observation hook, nil in production use
	stopOnce chan struct{}
}

// New constructs a Reaper and wires it as sched's retirement callback.
// Call Start to launch the reaper thread itself.
func New(sched *ksched.Scheduler) *Reaper {
	r := &Reaper{
		sched:    sched,
		queue:    make(chan *kthread.Thread, QueueDepth),
		stopOnce: make(chan struct{}),
	}
	sched.SetOnRetire(r.enqueue)
	return r
}

// OnReaped registers a callback invoked after each thread is fully
// reaped (cleanup run, detached from the object table), for tests and
// diagnostics that need to observe completion; not used by the reaper
// itself.
func (r *Reaper) OnReaped(fn func(*kthread.Thread)) {
	r.onReaped = fn
}

// enqueue is the scheduler's on-retire callback: it never blocks the
// retiring thread's own exit path. If the queue is saturated, which
// indicates a stuck or absent reaper, it logs an error and panics.
func (r *Reaper) enqueue(t *kthread.Thread) {
	select {
	case r.queue <- t:
	default:
		vlog.Errorf("kreaper: retirement queue full, reaper is stuck or absent")
		panic("kreaper: retirement queue full, reaper is stuck or absent")
	}
}

// Start builds and launches the reaper's own thread at the scheduler's
// lowest (idle) priority, distinct from any per-CPU fallback idle loop:
// this is a real schedulable thread that does useful work, not a pure
// fallback.
func (r *Reaper) Start() (*kthread.Thread, kerrno.Errno) {
	th, err := kthread.New(r.sched, r.loop, make([]byte, 4096), r.sched.LowestPriority(), r.sched.DefaultTickSlice(), "reaper")
	if err != kerrno.EOK {
		return nil, err
	}
	if err := th.Start(); err != kerrno.EOK {
		return nil, err
	}
	return th, kerrno.EOK
}

func (r *Reaper) loop() {
	for {
		select {
		case t := <-r.queue:
			r.reap(t)
		case <-r.stopOnce:
			return
		}
	}
}

// reap runs t's cleanup hook and detaches it from the object table,
// re-validating under t's own per-thread lock that it truly reached
// Retired rather than trusting the state it carried at enqueue time.
func (r *Reaper) reap(t *kthread.Thread) {
	t.Lock()
	retired := t.State() == kthread.Retired
	t.Unlock()
	if !retired {
		// Re-queue rather than drop: should not happen in this
		// implementation (enqueue only ever fires from Retire, after the
		// state transition), but a dropped TCB would leak forever.
		vlog.Errorf("kreaper: %v enqueued but not yet retired, re-queuing", t)
		r.enqueue(t)
		return
	}
	if vlog.V(2) {
		vlog.Infof("kreaper: reaping %v", t)
	}
	if hook := t.Cleanup(); hook != nil {
		hook()
	}
	kobj.Delete(&t.Header)
	if r.onReaped != nil {
		r.onReaped(t)
	}
}

// Stop terminates the reaper's loop after its current iteration. Not
// required for correctness (the reaper is normally left running for the
// kernel's lifetime); provided for test teardown.
func (r *Reaper) Stop() { close(r.stopOnce) }
