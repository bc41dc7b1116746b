// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kmutex implements the priority-inheriting mutex of spec
// section 4.6: recursive lock count, a bounded iterative walk that
// raises the priority of every thread in a pending_to chain, and an
// optional priority ceiling.
//
// Grounded on nsync/mu.go's lock/unlock fast-path structure, generalized
// with the ownership, recursion-count and priority-inheritance fields
// the spec requires; the chain-depth bound and ceiling option are
// supplemented from original_source's mutex implementation (see
// DESIGN.md and SPEC_FULL.md section 10).
package kmutex

import (
	"sync"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/klist"
	"github.com/blueos-project/blueos-core/kobj"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/kwait"
	"github.com/blueos-project/blueos-core/vlog"
)

// MaxInheritanceChain bounds the pending_to walk (spec section 9:
// "cap the chain depth at a configured constant and surface a
// debug-time error on exceeding it").
const MaxInheritanceChain = 8

// Mutex is a recursive, priority-inheriting mutex.
type Mutex struct {
	Header kobj.Header

	mu        sync.Mutex
	owner     *kthread.Thread
	count     int
	ceiling   uint8
	waiters   *kwait.WaiterList
	sched     *ksched.Scheduler
	takenLink klist.Node
}

// Option configures a Mutex at construction time.
type Option func(*Mutex)

// WithCeiling bounds how high priority inheritance may raise an owner's
// current priority through this mutex (spec section 4.6's "ceiling").
// An owner is raised no further than p, even when a more urgent thread
// blocks. Defaults to 0, the most urgent priority, i.e. no effective
// ceiling.
func WithCeiling(p uint8) Option {
	return func(m *Mutex) { m.ceiling = p }
}

// New constructs a dynamically allocated, unowned mutex registered in
// the object table under name.
func New(sched *ksched.Scheduler, name string, opts ...Option) *Mutex {
	m := &Mutex{
		sched:   sched,
		ceiling: 0,
		waiters: kwait.New(kwait.Priority),
	}
	for _, o := range opts {
		o(m)
	}
	m.takenLink.Init()
	m.takenLink.Owner = m
	kobj.InitDynamic(&m.Header, kobj.Mutex, name)
	return m
}

// Detach removes the mutex from the object table. The caller must ensure
// it is unowned and has no waiters.
func (m *Mutex) Detach() { kobj.Detach(&m.Header) }

// Owner returns the thread currently holding the mutex, or nil.
func (m *Mutex) Owner() *kthread.Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// recomputePriorityLocked sets owner's current priority to the minimum
// of its base priority and the priority of every thread still pending on
// a mutex owner holds (bounded by each mutex's ceiling), per spec
// section 4.6's invariant.
func recomputePriorityLocked(owner *kthread.Thread) {
	best := owner.BasePriority()
	owner.TakenHead.Each(func(n *klist.Node) {
		held := n.Owner.(*Mutex)
		held.mu.Lock()
		if w := kwait.Peek(held.waiters); w != nil {
			p := w.CurrentPriority()
			if p < held.ceiling {
				p = held.ceiling
			}
			if p < best {
				best = p
			}
		}
		held.mu.Unlock()
	})
	owner.SetCurrentPriority(best)
}

// propagate walks the pending_to chain starting at blocker (who is about
// to block on m, already owned by some thread), raising every
// intermediate owner's current priority to blocker's, bounded by each
// mutex's ceiling and by MaxInheritanceChain hops.
func propagate(m *Mutex, blocker *kthread.Thread) kerrno.Errno {
	cur := m
	threadPrio := blocker.CurrentPriority()
	for depth := 0; depth < MaxInheritanceChain; depth++ {
		cur.mu.Lock()
		owner := cur.owner
		ceiling := cur.ceiling
		cur.mu.Unlock()
		if owner == nil {
			return kerrno.EOK
		}
		want := threadPrio
		if want < ceiling {
			want = ceiling
		}
		if want >= owner.CurrentPriority() {
			return kerrno.EOK // owner already at least as urgent
		}
		if vlog.V(2) {
			vlog.Infof("kmutex: %v inherits priority %d from %v via %v", owner, want, blocker, m.Header.Name())
		}
		owner.SetCurrentPriority(want)
		next, ok := owner.PendingTo().(*Mutex)
		if !ok || next == nil {
			return kerrno.EOK
		}
		cur = next
	}
	vlog.Errorf("kmutex: priority-inheritance chain exceeded %d hops starting at %v", MaxInheritanceChain, blocker)
	return kerrno.ENOSYS
}

// LockWait acquires m, blocking up to timeout ticks if it is held by
// another thread. timeout==0 is non-blocking. Recursive: a thread that
// already owns m simply increments the hold count.
func (m *Mutex) LockWait(cur *kthread.Thread, timeout uint32, flag kthread.SuspendFlag) kerrno.Errno {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = cur
		m.count = 1
		m.takenLink.InsertBefore(&cur.TakenHead)
		m.mu.Unlock()
		return kerrno.EOK
	}
	if m.owner == cur {
		m.count++
		m.mu.Unlock()
		return kerrno.EOK
	}
	if timeout == 0 {
		m.mu.Unlock()
		return kerrno.EAGAIN
	}
	m.mu.Unlock()

	cur.SetPendingTo(m)
	if err := propagate(m, cur); err != kerrno.EOK {
		cur.SetPendingTo(nil)
		return err
	}

	m.mu.Lock()
	err := kwait.Wait(m.waiters, m.sched, cur, timeout, flag, m.mu.Lock, m.mu.Unlock)
	m.mu.Unlock()
	cur.SetPendingTo(nil)
	return err
}

// TryLock is LockWait with timeout 0.
func (m *Mutex) TryLock(cur *kthread.Thread) kerrno.Errno {
	return m.LockWait(cur, 0, kthread.Uninterruptible)
}

// Unlock releases one level of cur's hold on m. Requires cur == Owner().
// When the hold count reaches zero, the owner's priority is recomputed
// from its remaining held mutexes and, if any thread is waiting, the
// most urgent one is handed ownership directly and woken.
func (m *Mutex) Unlock(cur *kthread.Thread) kerrno.Errno {
	m.mu.Lock()
	if m.owner != cur {
		m.mu.Unlock()
		vlog.Errorf("kmutex: %v unlock by non-owner %v", m.Header.Name(), cur)
		return kerrno.ERROR
	}
	m.count--
	if m.count > 0 {
		m.mu.Unlock()
		return kerrno.EOK
	}

	m.takenLink.Remove()
	recomputePriorityLocked(cur)

	next := kwait.Peek(m.waiters)
	if next == nil {
		m.owner = nil
		m.mu.Unlock()
		m.sched.Checkpoint(cur)
		return kerrno.EOK
	}
	m.owner = next
	m.count = 1
	m.takenLink.InsertBefore(&next.TakenHead)
	kwait.WakeOne(m.waiters, m.sched)
	m.mu.Unlock()
	m.sched.Checkpoint(cur)
	return kerrno.EOK
}

// DropThread forcibly removes t from m's waiter list (e.g. because t was
// killed while pending), recomputing priorities as if it had never
// waited. A no-op if t was not waiting on m.
func (m *Mutex) DropThread(t *kthread.Thread) {
	m.mu.Lock()
	dropped := kwait.Drop(m.waiters, t)
	owner := m.owner
	m.mu.Unlock()
	if dropped && owner != nil {
		recomputePriorityLocked(owner)
	}
}
