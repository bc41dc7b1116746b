// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kwait_test

import (
	"sync"
	"testing"
	"time"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/kwait"
)

func TestWaitTimesOut(t *testing.T) {
	s := ksched.New(ksched.Config{NumCPUs: 1, NumPriorities: 32, DefaultTickSlice: 10})
	s.Boot()
	wl := kwait.New(kwait.FIFO)
	var objMu sync.Mutex

	result := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		objMu.Lock()
		err := kwait.Wait(wl, s, th, 5, kthread.Uninterruptible, objMu.Lock, objMu.Unlock)
		objMu.Unlock()
		result <- err
	}, make([]byte, 4096), 10, 10, "waiter")
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
		t.Fatal("waiter never resumed")
	}
}

func TestWakeOneBeforeTimeout(t *testing.T) {
	s := ksched.New(ksched.Config{NumCPUs: 1, NumPriorities: 32, DefaultTickSlice: 10})
	s.Boot()
	wl := kwait.New(kwait.FIFO)
	var objMu sync.Mutex

	result := make(chan kerrno.Errno, 1)
	var th *kthread.Thread
	th, _ = kthread.New(s, func() {
		objMu.Lock()
		err := kwait.Wait(wl, s, th, 1000, kthread.Uninterruptible, objMu.Lock, objMu.Unlock)
		objMu.Unlock()
		result <- err
	}, make([]byte, 4096), 10, 10, "waiter")
	th.Start()

	// Give the waiter goroutine a moment to block and link into wl.
	time.Sleep(20 * time.Millisecond)

	objMu.Lock()
	woken := kwait.WakeOne(wl, s)
	objMu.Unlock()
	if woken != th {
		t.Fatalf("expected to wake the waiter, got %v", woken)
	}

	select {
	case got := <-result:
		if got != kerrno.EOK {
			t.Fatalf("expected EOK, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resumed")
	}
}

func TestPriorityModeOrdersByUrgency(t *testing.T) {
	s := ksched.New(ksched.Config{NumCPUs: 1, NumPriorities: 32, DefaultTickSlice: 10})
	s.Boot()
	wl := kwait.New(kwait.Priority)
	var objMu sync.Mutex

	var order []string
	var orderMu sync.Mutex
	blocked := make(chan struct{}, 3)
	done := make(chan struct{}, 3)

	mk := func(name string, prio uint8) *kthread.Thread {
		var th *kthread.Thread
		th, _ = kthread.New(s, func() {
			objMu.Lock()
			blocked <- struct{}{}
			kwait.Wait(wl, s, th, ktick.WaitingForever, kthread.Uninterruptible, objMu.Lock, objMu.Unlock)
			objMu.Unlock()
			orderMu.Lock()
			order = append(order, name)
			orderMu.Unlock()
			done <- struct{}{}
		}, make([]byte, 4096), prio, 10, name)
		return th
	}
	// Lower numeric value = more urgent; start in an order that differs
	// from urgency so the test actually exercises priority-sorted insert.
	low := mk("low", 20)
	high := mk("high", 5)
	mid := mk("mid", 10)

	low.Start()
	<-blocked
	high.Start()
	<-blocked
	mid.Start()
	<-blocked
	time.Sleep(20 * time.Millisecond)

	objMu.Lock()
	kwait.WakeAll(wl, s)
	objMu.Unlock()

	<-done
	<-done
	<-done

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 3 || order[0] != "high" || order[1] != "mid" || order[2] != "low" {
		t.Fatalf("expected wake order [high mid low], got %v", order)
	}
}
