// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kreaper_test

import (
	"testing"
	"time"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kobj"
	"github.com/blueos-project/blueos-core/kreaper"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/kthread"
)

func newBooted(t *testing.T, cpus int) *ksched.Scheduler {
	t.Helper()
	s := ksched.New(ksched.Config{NumCPUs: cpus, NumPriorities: 32, DefaultTickSlice: 10})
	s.Boot()
	return s
}

func waitReaped(t *testing.T, ch chan *kthread.Thread) *kthread.Thread {
	t.Helper()
	select {
	case th := <-ch:
		return th
	case <-time.After(time.Second):
		t.Fatal("thread was never reaped")
		return nil
	}
}

// TestSelfTerminationReap is a Go-native rendering of spec scenario S6:
// a thread runs to completion and retires; once the reaper has drained
// it, its object-table entry is gone.
func TestSelfTerminationReap(t *testing.T) {
	s := newBooted(t, 1)
	r := kreaper.New(s)
	reaped := make(chan *kthread.Thread, 4)
	r.OnReaped(func(th *kthread.Thread) { reaped <- th })
	if _, err := r.Start(); err != kerrno.EOK {
		t.Fatalf("reaper failed to start: %v", err)
	}

	done := make(chan struct{})
	th, _ := kthread.New(s, func() {
		close(done)
	}, make([]byte, 2048), 10, 10, "victim")
	th.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("victim thread never ran")
	}

	got := waitReaped(t, reaped)
	if got != th {
		t.Fatalf("expected the victim thread to be reaped, got %v", got)
	}

	found := false
	kobj.ForEach(kobj.Thread, func(h *kobj.Header) {
		if h == &th.Header {
			found = true
		}
	})
	if found {
		t.Fatal("retired thread should no longer appear in the object table")
	}
	r.Stop()
}

// TestCleanupHookFreesOwnedStack exercises a thread built with
// NewWithStackSize, whose cleanup hook releases its heap-allocated
// stack; the reaper must run that hook before reporting the thread
// reaped, so the stack is gone by the time OnReaped fires.
func TestCleanupHookFreesOwnedStack(t *testing.T) {
	s := newBooted(t, 1)
	r := kreaper.New(s)
	reaped := make(chan *kthread.Thread, 4)
	r.OnReaped(func(th *kthread.Thread) { reaped <- th })
	if _, err := r.Start(); err != kerrno.EOK {
		t.Fatalf("reaper failed to start: %v", err)
	}

	done := make(chan struct{})
	th, _ := kthread.NewWithStackSize(s, func() {
		close(done)
	}, 2048, 10, 10, "victim")
	th.Start()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("victim thread never ran")
	}

	got := waitReaped(t, reaped)
	if got.StackSize() != 0 {
		t.Fatalf("expected cleanup hook to have freed the owned stack, got size %d", got.StackSize())
	}
	r.Stop()
}
