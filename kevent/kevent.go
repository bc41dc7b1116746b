// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kevent implements the 32-bit event flag group of spec section
// 4.8: send() ORs bits into the group and wakes every waiter whose mode
// (any/all) is now satisfied; wait() blocks until its mask is satisfied,
// optionally clearing the bits it consumed.
//
// Grounded on kwait's shared waiter-list/suspend protocol, using the
// Mesa-style "recheck the predicate after every wake" loop convention
// nsync/cv.go documents for its condition variable (a send can satisfy
// several waiters whose masks overlap, so each must recheck its own
// mask rather than assume the first wake means its own condition now
// holds).
package kevent

import (
	"sync"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kobj"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/kwait"
	"github.com/blueos-project/blueos-core/vlog"
)

// Mode selects whether Wait is satisfied by any set bit in the mask or
// requires every bit in the mask to be set.
type Mode int

const (
	Any Mode = iota
	All
)

// Group is a 32-bit event flag group.
type Group struct {
	Header kobj.Header

	mu      sync.Mutex
	bits    uint32
	waiters *kwait.WaiterList
	sched   *ksched.Scheduler
}

// New constructs a dynamically allocated event group registered under
// name, with all bits initially clear.
func New(sched *ksched.Scheduler, name string) *Group {
	g := &Group{
		waiters: kwait.New(kwait.Priority),
		sched:   sched,
	}
	kobj.InitDynamic(&g.Header, kobj.Event, name)
	return g
}

// Detach removes the group from the object table.
func (g *Group) Detach() { kobj.Detach(&g.Header) }

// Bits returns the group's current flag bits.
func (g *Group) Bits() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.bits
}

func satisfied(bits, mask uint32, mode Mode) bool {
	if mode == All {
		return bits&mask == mask
	}
	return bits&mask != 0
}

// Wait blocks cur until mask is satisfied under mode, or until timeout
// ticks elapse (timeout==0 is non-blocking: it samples once and returns
// immediately). If clearOnTake is set, the bits that satisfied the wait
// are cleared atomically with the observation (spec section 4.8:
// "consume-on-take" option), and the returned bits reflect the group's
// state at the moment of the match, before any clearing.
func (g *Group) Wait(cur *kthread.Thread, mask uint32, mode Mode, clearOnTake bool, timeout uint32, flag kthread.SuspendFlag) (uint32, kerrno.Errno) {
	deadline := ktick.Deadline(g.sched.Now(), timeout)
	g.mu.Lock()
	for {
		if satisfied(g.bits, mask, mode) {
			observed := g.bits
			if clearOnTake {
				g.bits &^= mask
			}
			g.mu.Unlock()
			return observed, kerrno.EOK
		}
		if timeout == 0 {
			g.mu.Unlock()
			return g.bits, kerrno.EAGAIN
		}
		// A spurious wake (another waiter's mask was satisfied, not ours)
		// must not grant a fresh full timeout each time around; re-arm
		// against the same deadline instead of the original duration.
		remaining := timeout
		if timeout != ktick.WaitingForever {
			now := g.sched.Now()
			if !ktick.Before(now, deadline) {
				g.mu.Unlock()
				return g.bits, kerrno.ETIMEDOUT
			}
			remaining = deadline - now
		}
		err := kwait.Wait(g.waiters, g.sched, cur, remaining, flag, g.mu.Lock, g.mu.Unlock)
		if err != kerrno.EOK {
			g.mu.Unlock()
			return g.bits, err
		}
		// Woken because some Send satisfied somebody's mask; loop back
		// and recheck our own, since it may not have been this one's.
	}
}

// Send ORs mask into the group's bits and wakes every waiter whose
// condition the new bit pattern now satisfies, leaving the rest
// suspended (spec section 4.8).
func (g *Group) Send(cur *kthread.Thread, mask uint32) {
	g.mu.Lock()
	g.bits |= mask
	if vlog.V(2) {
		vlog.Infof("kevent: %v send mask=%#x bits=%#x waiters=%d", g.Header.Name(), mask, g.bits, g.waiters.Len())
	}
	// A Group's waiters carry no per-waiter mask/mode of their own in
	// this list (kwait.WaiterList is mask-agnostic); wake everyone
	// currently queued and let each recheck its own predicate on resume,
	// per the Mesa-style convention this package documents.
	woke := !g.waiters.IsEmpty()
	kwait.WakeAll(g.waiters, g.sched)
	g.mu.Unlock()
	if woke && cur != nil {
		g.sched.Checkpoint(cur)
	}
}

// Clear clears exactly the bits in mask, without waking anyone (a clear
// can only make conditions harder to satisfy).
func (g *Group) Clear(mask uint32) {
	g.mu.Lock()
	g.bits &^= mask
	g.mu.Unlock()
}

// WaiterCount reports how many threads currently block in Wait. Used by
// diagnostics.
func (g *Group) WaiterCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
