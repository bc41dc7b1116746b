// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kevent_test

import (
	"testing"
	"time"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kevent"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
)

func newBooted(t *testing.T, cpus int) *ksched.Scheduler {
	t.Helper()
	s := ksched.New(ksched.Config{NumCPUs: cpus, NumPriorities: 32, DefaultTickSlice: 10})
	s.Boot()
	return s
}

func TestWaitAnySatisfiedImmediately(t *testing.T) {
	s := newBooted(t, 1)
	g := kevent.New(s, "g")
	g.Send(nil, 0x4)
	done := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		_, err := g.Wait(th, 0x6, kevent.Any, false, 0, kthread.Uninterruptible)
		done <- err
	}, make([]byte, 2048), 10, 10, "waiter")
	th.Start()
	select {
	case got := <-done:
		if got != kerrno.EOK {
			t.Fatalf("expected EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never completed")
	}
}

func TestWaitAllRequiresEveryBit(t *testing.T) {
	s := newBooted(t, 1)
	g := kevent.New(s, "g")
	g.Send(nil, 0x1)
	done := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		_, err := g.Wait(th, 0x3, kevent.All, false, 0, kthread.Uninterruptible)
		done <- err
	}, make([]byte, 2048), 10, 10, "waiter")
	th.Start()
	select {
	case got := <-done:
		if got != kerrno.EAGAIN {
			t.Fatalf("expected EAGAIN (only bit 0x1 set), got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never completed")
	}
}

func TestSendWakesBlockedWaiter(t *testing.T) {
	s := newBooted(t, 1)
	g := kevent.New(s, "g")
	blocked := make(chan struct{})
	result := make(chan kerrno.Errno, 1)
	var bits uint32
	var waiter *kthread.Thread
	waiter, _ = kthread.New(s, func() {
		close(blocked)
		b, err := g.Wait(waiter, 0x1, kevent.Any, false, ktick.WaitingForever, kthread.Uninterruptible)
		bits = b
		result <- err
	}, make([]byte, 2048), 10, 10, "waiter")
	waiter.Start()
	<-blocked
	time.Sleep(20 * time.Millisecond)

	g.Send(nil, 0x1)

	select {
	case got := <-result:
		if got != kerrno.EOK {
			t.Fatalf("expected EOK, got %v", got)
		}
		if bits&0x1 == 0 {
			t.Fatalf("expected observed bits to include 0x1, got %#x", bits)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestClearOnTakeConsumesBits(t *testing.T) {
	s := newBooted(t, 1)
	g := kevent.New(s, "g")
	g.Send(nil, 0x3)
	done := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		_, err := g.Wait(th, 0x1, kevent.Any, true, 0, kthread.Uninterruptible)
		done <- err
	}, make([]byte, 2048), 10, 10, "waiter")
	th.Start()
	select {
	case got := <-done:
		if got != kerrno.EOK {
			t.Fatalf("expected EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never completed")
	}
	if g.Bits() != 0x2 {
		t.Fatalf("expected only bit 0x1 consumed, leaving 0x2, got %#x", g.Bits())
	}
}

// TestOverlappingMasksEachRecheckOwnPredicate exercises the Mesa-style
// broadcast: two waiters with different masks both block, a single Send
// that only satisfies one of them must leave the other still waiting.
func TestOverlappingMasksEachRecheckOwnPredicate(t *testing.T) {
	s := newBooted(t, 1)
	g := kevent.New(s, "g")
	blockedA := make(chan struct{})
	blockedB := make(chan struct{})
	doneA := make(chan kerrno.Errno, 1)
	doneB := make(chan kerrno.Errno, 1)

	var a, b *kthread.Thread
	a, _ = kthread.New(s, func() {
		close(blockedA)
		_, err := g.Wait(a, 0x1, kevent.Any, false, ktick.WaitingForever, kthread.Uninterruptible)
		doneA <- err
	}, make([]byte, 2048), 10, 10, "a")
	b, _ = kthread.New(s, func() {
		close(blockedB)
		_, err := g.Wait(b, 0x2, kevent.Any, false, ktick.WaitingForever, kthread.Uninterruptible)
		doneB <- err
	}, make([]byte, 2048), 10, 10, "b")

	a.Start()
	<-blockedA
	b.Start()
	<-blockedB
	time.Sleep(20 * time.Millisecond)

	g.Send(nil, 0x1)

	select {
	case got := <-doneA:
		if got != kerrno.EOK {
			t.Fatalf("expected a to wake with EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("a never woke")
	}
	select {
	case <-doneB:
		t.Fatal("b should still be blocked, its mask (0x2) was not satisfied")
	case <-time.After(100 * time.Millisecond):
	}

	g.Send(nil, 0x2)
	select {
	case got := <-doneB:
		if got != kerrno.EOK {
			t.Fatalf("expected b to wake with EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("b never woke")
	}
}
