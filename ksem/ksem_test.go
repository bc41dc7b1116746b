// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ksem_test

import (
	"testing"
	"time"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/ksem"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
)

func newBooted(t *testing.T, cpus int) *ksched.Scheduler {
	t.Helper()
	s := ksched.New(ksched.Config{NumCPUs: cpus, NumPriorities: 32, DefaultTickSlice: 10})
	s.Boot()
	return s
}

func TestTakeNonBlockingWhenAvailable(t *testing.T) {
	s := newBooted(t, 1)
	sem := ksem.New(s, "sem", 1, 1)
	done := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		done <- sem.Take(th, 0, kthread.Uninterruptible)
	}, make([]byte, 2048), 10, 10, "taker")
	th.Start()
	select {
	case got := <-done:
		if got != kerrno.EOK {
			t.Fatalf("expected EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never completed")
	}
	if sem.Count() != 0 {
		t.Fatalf("expected count 0 after take, got %d", sem.Count())
	}
}

func TestTakeNonBlockingFailsWhenEmpty(t *testing.T) {
	s := newBooted(t, 1)
	sem := ksem.New(s, "sem", 0, 1)
	done := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		done <- sem.Take(th, 0, kthread.Uninterruptible)
	}, make([]byte, 2048), 10, 10, "taker")
	th.Start()
	select {
	case got := <-done:
		if got != kerrno.EAGAIN {
			t.Fatalf("expected EAGAIN, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never completed")
	}
}

// TestReleaseHandsOffDirectly: a waiter blocks on an empty semaphore;
// Release must hand the unit
// directly to it (the waiter observes EOK, count stays at zero) rather
// than incrementing count and leaving the waiter to re-race.
func TestReleaseHandsOffDirectly(t *testing.T) {
	s := newBooted(t, 1)
	sem := ksem.New(s, "sem", 0, 1)
	blocked := make(chan struct{})
	result := make(chan kerrno.Errno, 1)
	var waiter *kthread.Thread
	waiter, _ = kthread.New(s, func() {
		close(blocked)
		result <- sem.Take(waiter, ktick.WaitingForever, kthread.Uninterruptible)
	}, make([]byte, 2048), 10, 10, "waiter")
	waiter.Start()
	<-blocked
	time.Sleep(20 * time.Millisecond)

	if err := sem.Release(nil); err != kerrno.EOK {
		t.Fatalf("release failed: %v", err)
	}

	select {
	case got := <-result:
		if got != kerrno.EOK {
			t.Fatalf("expected EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
	if sem.Count() != 0 {
		t.Fatalf("expected count to stay 0 on direct handoff, got %d", sem.Count())
	}
}

func TestReleaseAboveMaxFails(t *testing.T) {
	s := newBooted(t, 1)
	sem := ksem.New(s, "sem", 1, 1)
	if err := sem.Release(nil); err != kerrno.EFULL {
		t.Fatalf("expected EFULL, got %v", err)
	}
}

func TestTakeTimesOut(t *testing.T) {
	s := newBooted(t, 1)
	sem := ksem.New(s, "sem", 0, 1)
	result := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		result <- sem.Take(th, 5, kthread.Uninterruptible)
	}, make([]byte, 2048), 10, 10, "taker")
	th.Start()
	for i := 0; i < 10; i++ {
		s.AdvanceTick()
	}
	select {
	case got := <-result:
		if got != kerrno.ETIMEDOUT {
			t.Fatalf("expected ETIMEDOUT, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("taker never woke")
	}
}

func TestResetWakesWaitersWithEINTR(t *testing.T) {
	s := newBooted(t, 1)
	sem := ksem.New(s, "sem", 0, 1)
	blocked := make(chan struct{})
	result := make(chan kerrno.Errno, 1)
	var waiter *kthread.Thread
	waiter, _ = kthread.New(s, func() {
		close(blocked)
		result <- sem.Take(waiter, ktick.WaitingForever, kthread.Uninterruptible)
	}, make([]byte, 2048), 10, 10, "waiter")
	waiter.Start()
	<-blocked
	time.Sleep(20 * time.Millisecond)

	sem.Reset(3)

	select {
	case got := <-result:
		if got != kerrno.EINTR {
			t.Fatalf("expected EINTR, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
	if sem.Count() != 3 {
		t.Fatalf("expected count 3 after reset, got %d", sem.Count())
	}
}
