// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package kmutex_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blueos-project/blueos-core/kmutex"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/lockorder"
)

// TestPriorityInheritanceChainNeverCycles stresses a pool of mutexes
// with many threads locking pairs of them in a fixed ascending order
// (the standard deadlock-avoidance discipline), and periodically walks
// the live wait-for graph with lockorder to assert it never closes a
// cycle. Mutex ownership under a correct lock-ordering discipline can
// never cycle; a cycle here would mean either the discipline was
// violated or propagate's inheritance-chain walk corrupted ownership.
func TestPriorityInheritanceChainNeverCycles(t *testing.T) {
	const numMutexes = 6
	const numWorkers = 8
	const iterations = 30

	s := newBooted(t, 4)
	mutexes := make([]*kmutex.Mutex, numMutexes)
	for i := range mutexes {
		mutexes[i] = kmutex.New(s, "m")
	}

	// waitingOn[i] records the mutex index worker i is currently blocked
	// trying to acquire, or -1 if it isn't blocked on anything right now.
	waitingOn := make([]int32, numWorkers)
	for i := range waitingOn {
		waitingOn[i] = -1
	}

	stopMonitor := make(chan struct{})
	var monitorWG sync.WaitGroup
	monitorWG.Add(1)
	go func() {
		defer monitorWG.Done()
		for {
			select {
			case <-stopMonitor:
				return
			default:
			}
			var g lockorder.Graph
			for w := 0; w < numWorkers; w++ {
				mi := atomic.LoadInt32(&waitingOn[w])
				if mi < 0 {
					continue
				}
				owner := mutexes[mi].Owner()
				if owner == nil {
					continue
				}
				g.AddWait(w, owner)
			}
			if cycle := g.Cycle(); cycle != nil {
				t.Errorf("wait-for graph has a cycle: %v", cycle)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		w := w
		var th *kthread.Thread
		th, _ = kthread.New(s, func() {
			defer wg.Done()
			for it := 0; it < iterations; it++ {
				a, b := (w+it)%numMutexes, (w+it+1+it%3)%numMutexes
				if a > b {
					a, b = b, a
				}
				if a == b {
					b = (b + 1) % numMutexes
					if a > b {
						a, b = b, a
					}
				}
				atomic.StoreInt32(&waitingOn[w], int32(a))
				mutexes[a].LockWait(th, ktick.WaitingForever, kthread.Uninterruptible)
				atomic.StoreInt32(&waitingOn[w], int32(b))
				mutexes[b].LockWait(th, ktick.WaitingForever, kthread.Uninterruptible)
				atomic.StoreInt32(&waitingOn[w], -1)

				mutexes[b].Unlock(th)
				mutexes[a].Unlock(th)
			}
		}, make([]byte, 4096), uint8(10+w%5), 10, "worker")
		th.Start()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workers never finished, possible deadlock under lock-ordering discipline")
	}
	close(stopMonitor)
	monitorWG.Wait()
}
