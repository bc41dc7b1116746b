// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kwait implements the wait primitives shared by every
// synchronization object: mutex, semaphore, event group, mailbox and
// message queue (spec section 4.5). A WaiterList is an intrusive list of
// suspended threads in either FIFO or priority order, plus the
// wait/wake_one/wake_all protocol layered on ksched's suspend/resume
// machinery.
//
// Every exported method here assumes the caller already holds the owning
// object's own lock (a plain sync.Mutex the object defines itself); this
// mirrors the teacher's nsync/cv.go convention of taking the caller's
// mutex as an explicit parameter rather than hiding a lock inside the
// condition-variable-like type.
package kwait

import (
	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/klist"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
)

// Mode selects FIFO or priority-ordered waiter insertion.
type Mode int

const (
	FIFO Mode = iota
	Priority
)

// WaiterList is the intrusive list of threads suspended on one
// synchronization object.
type WaiterList struct {
	mode Mode
	head klist.Node
}

// New builds an empty waiter list in the given mode.
func New(mode Mode) *WaiterList {
	wl := &WaiterList{mode: mode}
	wl.head.Init()
	return wl
}

// IsEmpty reports whether any thread is currently waiting.
func (wl *WaiterList) IsEmpty() bool { return wl.head.IsEmpty() }

// Len reports the number of waiting threads. O(n); intended for
// diagnostics and tests, not hot paths.
func (wl *WaiterList) Len() int {
	n := 0
	wl.head.Each(func(*klist.Node) { n++ })
	return n
}

func (wl *WaiterList) insert(t *kthread.Thread) {
	if wl.mode == FIFO {
		t.ReadyLink.InsertBefore(&wl.head) // tail: oldest waiter stays at head
		return
	}
	cur := wl.head.Next()
	for cur != &wl.head {
		o := cur.Owner.(*kthread.Thread)
		if o.CurrentPriority() > t.CurrentPriority() {
			break
		}
		cur = cur.Next()
	}
	t.ReadyLink.InsertBefore(cur)
}

func (wl *WaiterList) remove(t *kthread.Thread) { t.ReadyLink.Remove() }

// Wait atomically suspends cur on wl: the caller must already hold the
// object lock (released via objUnlock for the duration of the block and
// re-acquired via objLock on return). If timeoutTicks is finite, cur's
// embedded timeout timer is armed; its callback re-acquires the object
// lock before touching the waiter list, so it never races a concurrent
// WakeOne/WakeAll. Returns cur's recorded wake-reason error: EOK if woken
// normally, ETIMEDOUT, or EINTR if an interruptible/killable wait was
// cancelled by a pending signal before it resumed.
func Wait(wl *WaiterList, sched *ksched.Scheduler, cur *kthread.Thread, timeoutTicks uint32, flag kthread.SuspendFlag, objLock, objUnlock func()) kerrno.Errno {
	cur.SetSuspendFlag(flag)
	cur.SetLastError(kerrno.EINTR)
	cur.SetState(kthread.Suspended)
	wl.insert(cur)

	cur.SetKillHook(func(err kerrno.Errno) bool {
		objLock()
		woke := cur.ReadyLink.Linked()
		if woke {
			wl.remove(cur)
			cur.SetLastError(err)
			sched.QueueReadyThread(kthread.Suspended, cur)
		}
		objUnlock()
		return woke
	})

	if timeoutTicks != ktick.WaitingForever {
		cur.ArmTimeout(sched.HardWheel(), sched.Now(), timeoutTicks, func() {
			objLock()
			if cur.ReadyLink.Linked() {
				wl.remove(cur)
				cur.SetLastError(kerrno.ETIMEDOUT)
				sched.QueueReadyThread(kthread.Suspended, cur)
			}
			objUnlock()
		})
	}

	objUnlock()
	sched.Schedule(cur)
	objLock()
	cur.ClearKillHook()
	cur.CancelTimeout()
	return cur.LastError()
}

// WakeOne unlinks and readies the head waiter (per the list's mode), if
// any, cancelling its timeout timer. Must be called with the object lock
// held. Returns the woken thread, or nil if the list was empty.
func WakeOne(wl *WaiterList, sched *ksched.Scheduler) *kthread.Thread {
	if wl.IsEmpty() {
		return nil
	}
	n := wl.head.Next()
	n.Remove()
	t := n.Owner.(*kthread.Thread)
	sched.WakeThread(t)
	return t
}

// WakeAll repeatedly wakes every waiter currently on wl.
func WakeAll(wl *WaiterList, sched *ksched.Scheduler) {
	for !wl.IsEmpty() {
		WakeOne(wl, sched)
	}
}

// WakeOneWithError is WakeOne but records err (not EOK) as the woken
// thread's wake reason, used by reset()-style operations (spec section
// 4.7: "wake all waiters with error EINTR").
func WakeOneWithError(wl *WaiterList, sched *ksched.Scheduler, err kerrno.Errno) *kthread.Thread {
	if wl.IsEmpty() {
		return nil
	}
	n := wl.head.Next()
	n.Remove()
	t := n.Owner.(*kthread.Thread)
	t.CancelTimeout()
	t.SetLastError(err)
	sched.QueueReadyThread(kthread.Suspended, t)
	return t
}

// WakeAllWithError repeats WakeOneWithError until the list is empty.
func WakeAllWithError(wl *WaiterList, sched *ksched.Scheduler, err kerrno.Errno) {
	for !wl.IsEmpty() {
		WakeOneWithError(wl, sched, err)
	}
}

// Drop force-unlinks t from wl (used when a thread is killed or
// terminated while pending on an object) without readying it. The caller
// is responsible for the thread's subsequent disposition. Returns false
// if t was not linked into wl.
func Drop(wl *WaiterList, t *kthread.Thread) bool {
	if !t.ReadyLink.Linked() {
		return false
	}
	wl.remove(t)
	return true
}

// Peek returns the head waiter without unlinking it, or nil.
func Peek(wl *WaiterList) *kthread.Thread {
	if wl.IsEmpty() {
		return nil
	}
	return wl.head.Next().Owner.(*kthread.Thread)
}
