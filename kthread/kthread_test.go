// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kthread_test

import (
	"testing"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kthread"
)

type fakeSched struct {
	queued  chan *kthread.Thread
	retired chan *kthread.Thread
	now     uint32
}

func newFakeSched() *fakeSched {
	return &fakeSched{queued: make(chan *kthread.Thread, 4), retired: make(chan *kthread.Thread, 4)}
}

func (f *fakeSched) QueueReadyThread(old kthread.State, t *kthread.Thread) bool {
	t.SetState(kthread.Ready)
	f.queued <- t
	return true
}
func (f *fakeSched) Retire(t *kthread.Thread) { f.retired <- t }
func (f *fakeSched) Now() uint32              { return f.now }

func TestBuildRejectsZeroTickSlice(t *testing.T) {
	s := newFakeSched()
	if _, err := kthread.New(s, func() {}, make([]byte, 64), 5, 0, "x"); err != kerrno.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestBuildRejectsNilEntry(t *testing.T) {
	s := newFakeSched()
	if _, err := kthread.New(s, nil, make([]byte, 64), 5, 10, "x"); err != kerrno.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestLifecycleCreatedToRetired(t *testing.T) {
	s := newFakeSched()
	done := make(chan struct{})
	th, err := kthread.New(s, func() { close(done) }, make([]byte, 64), 5, 10, "t1")
	if err != kerrno.EOK {
		t.Fatalf("New: %v", err)
	}
	if th.State() != kthread.Created {
		t.Fatalf("expected Created, got %v", th.State())
	}
	if err := th.Start(); err != kerrno.EOK {
		t.Fatalf("Start: %v", err)
	}
	if th.State() != kthread.Ready {
		t.Fatalf("expected Ready after Start, got %v", th.State())
	}
	<-s.queued
	th.Dispatch()
	<-done
	<-s.retired
	if th.State() != kthread.Retired {
		t.Fatalf("expected Retired, got %v", th.State())
	}
}

func TestDoubleStartFails(t *testing.T) {
	s := newFakeSched()
	th, _ := kthread.New(s, func() { <-make(chan struct{}) }, make([]byte, 64), 5, 10, "t2")
	if err := th.Start(); err != kerrno.EOK {
		t.Fatalf("first Start: %v", err)
	}
	if err := th.Start(); err != kerrno.EINVAL {
		t.Fatalf("expected EINVAL on double start, got %v", err)
	}
}

func TestPriorityInvariant(t *testing.T) {
	s := newFakeSched()
	th, _ := kthread.New(s, func() {}, make([]byte, 64), 8, 10, "t3")
	if th.CurrentPriority() != th.BasePriority() {
		t.Fatalf("current priority should equal base at creation")
	}
	th.SetCurrentPriority(4)
	if th.CurrentPriority() >= th.BasePriority() {
		t.Fatalf("inherited priority should be numerically lower (more urgent)")
	}
}
