// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ksem implements the counting semaphore of spec section 4.7:
// release() hands the unit directly to the most urgent waiter rather than
// incrementing the count when anyone is already blocked, and reset()
// wakes every waiter with EINTR and reinitializes the count.
//
// Grounded on nsync/binary_semaphore.go's wait/post pair, generalized
// from a single-unit binary semaphore to a bounded counting one and
// wired onto kwait's shared waiter-list/suspend protocol rather than a
// raw channel.
package ksem

import (
	"sync"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kobj"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/kwait"
	"github.com/blueos-project/blueos-core/vlog"
)

// Semaphore is a bounded counting semaphore.
type Semaphore struct {
	Header kobj.Header

	mu      sync.Mutex
	count   uint32
	max     uint32
	waiters *kwait.WaiterList
	sched   *ksched.Scheduler
}

// New constructs a dynamically allocated semaphore registered under name
// with an initial count and a maximum count it may never exceed (spec
// section 4.7: "bounded... release beyond max is an error"). Waiters are
// served in priority order, the spec's documented release policy.
func New(sched *ksched.Scheduler, name string, initial, max uint32) *Semaphore {
	s := &Semaphore{
		count:   initial,
		max:     max,
		waiters: kwait.New(kwait.Priority),
		sched:   sched,
	}
	kobj.InitDynamic(&s.Header, kobj.Semaphore, name)
	return s
}

// Detach removes the semaphore from the object table.
func (s *Semaphore) Detach() { kobj.Detach(&s.Header) }

// Count returns the current available count.
func (s *Semaphore) Count() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Take acquires one unit of the semaphore, blocking up to timeout ticks
// if none is available. timeout==0 is non-blocking.
func (s *Semaphore) Take(cur *kthread.Thread, timeout uint32, flag kthread.SuspendFlag) kerrno.Errno {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return kerrno.EOK
	}
	if timeout == 0 {
		s.mu.Unlock()
		return kerrno.EAGAIN
	}
	err := kwait.Wait(s.waiters, s.sched, cur, timeout, flag, s.mu.Lock, s.mu.Unlock)
	s.mu.Unlock()
	return err
}

// Release adds one unit back to the semaphore. If a thread is already
// waiting, the unit is handed directly to the most urgent one (it is
// woken and returns with count unchanged) rather than incrementing count
// and letting the waiter re-race for it, per spec section 4.7. Returns
// EFULL if the semaphore is already at its configured maximum and no one
// is waiting to receive the unit.
func (s *Semaphore) Release(cur *kthread.Thread) kerrno.Errno {
	s.mu.Lock()
	if w := kwait.WakeOne(s.waiters, s.sched); w != nil {
		s.mu.Unlock()
		if cur != nil {
			s.sched.Checkpoint(cur)
		}
		return kerrno.EOK
	}
	if s.count >= s.max {
		s.mu.Unlock()
		vlog.Errorf("ksem: %v release at max count %d", s.Header.Name(), s.max)
		return kerrno.EFULL
	}
	s.count++
	s.mu.Unlock()
	return kerrno.EOK
}

// Reset reinitializes the count to v and wakes every current waiter with
// EINTR (spec section 4.7: "reset... wakes all waiters with error
// EINTR"), discarding whatever progress those waits had made.
func (s *Semaphore) Reset(v uint32) {
	s.mu.Lock()
	if vlog.V(2) {
		vlog.Infof("ksem: %v reset to %d, waking %d waiter(s)", s.Header.Name(), v, s.waiters.Len())
	}
	s.count = v
	kwait.WakeAllWithError(s.waiters, s.sched, kerrno.EINTR)
	s.mu.Unlock()
}

// WaiterCount reports how many threads currently block on Take. Used by
// diagnostics.
func (s *Semaphore) WaiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
