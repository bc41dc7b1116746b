// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ksched implements the per-CPU scheduler of spec section 4.3:
// multi-level priority ready tables with O(1) selection via a group
// bitmap, preemption control, voluntary yield, and SMP dispatch.
//
// Each simulated CPU is a goroutine-transparent bookkeeping structure
// (type cpu); "context switch" is realized by handing a one-slot
// token to the next thread's goroutine (kthread.Thread.Dispatch) and
// parking the outgoing thread's goroutine on its own token
// (kthread.Thread.ParkUntilResumed) — see kthread's package doc for the
// rationale. Because Go cannot preempt a goroutine that never reaches a
// function-call safe point, code that models spec scenarios like S1 (a
// busy-spinning low-priority thread that must yield the CPU the instant
// a higher-priority thread becomes ready) must call Checkpoint at its
// loop's safe points; Checkpoint is this repository's realization of
// "any instruction boundary where interrupts are enabled".
package ksched

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/klist"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/ktimer"
	"github.com/blueos-project/blueos-core/vlog"
)

// NumGroups is the top-level bitmap width (spec: "a 32-bit group
// bitmap").
const NumGroups = 32

// NumPriorities is the maximum number of distinct priority levels
// representable (spec: "up to 256 levels").
const NumPriorities = NumGroups * 8

// priorityTable is the per-CPU priority-table manager of spec section 3.
// It always uses the generalized group-of-8 layout described for the
// ">32 priorities" case; when a Scheduler is configured with <=32
// priorities this degenerates to one bit per group, which is exactly the
// optimization the spec calls out as a special case of the same scheme.
type priorityTable struct {
	groupBitmap uint32
	readyTable  [NumGroups]uint8
	lists       [NumPriorities]klist.Node
}

func (p *priorityTable) init() {
	for i := range p.lists {
		p.lists[i].Init()
	}
}

func (p *priorityTable) head(prio uint8) *klist.Node { return &p.lists[prio] }

func (p *priorityTable) insert(prio uint8, n *klist.Node, tail bool) {
	head := &p.lists[prio]
	if tail {
		n.InsertBefore(head)
	} else {
		n.InsertAfter(head)
	}
	group := prio >> 3
	bit := prio & 7
	p.readyTable[group] |= 1 << bit
	p.groupBitmap |= 1 << uint(group)
}

func (p *priorityTable) remove(prio uint8, n *klist.Node) {
	n.Remove()
	if p.lists[prio].IsEmpty() {
		group := prio >> 3
		bit := prio & 7
		p.readyTable[group] &^= 1 << bit
		if p.readyTable[group] == 0 {
			p.groupBitmap &^= 1 << uint(group)
		}
	}
}

// highest returns the numerically lowest (most urgent) non-empty
// priority level via count-trailing-zeros on the group bitmap, then
// within the selected group's byte, per spec section 4.3 step 1-4.
func (p *priorityTable) highest() (uint8, bool) {
	if p.groupBitmap == 0 {
		return 0, false
	}
	group := bits.TrailingZeros32(p.groupBitmap)
	bit := bits.TrailingZeros8(p.readyTable[group])
	return uint8(group*8 + bit), true
}

// cpuLock realizes sched_lock/sched_unlock's nest-counted semantics.
// Lock/UnlockThread are used by the single goroutine currently holding
// this CPU's run token (by construction only one such goroutine ever
// exists at a time, so the nest counter is safe without tracking
// ownership). Lock/UnlockISR are used by the tick-driver goroutine, which
// never nests and always takes the raw mutex, so it correctly blocks
// against whichever thread-context call currently holds it.
type cpuLock struct {
	mu   sync.Mutex
	nest int32
}

func (l *cpuLock) LockThread() int32 {
	if atomic.LoadInt32(&l.nest) == 0 {
		l.mu.Lock()
	}
	return atomic.AddInt32(&l.nest, 1) - 1
}

func (l *cpuLock) UnlockThread() {
	if atomic.AddInt32(&l.nest, -1) == 0 {
		l.mu.Unlock()
	}
}

func (l *cpuLock) LockISR()   { l.mu.Lock() }
func (l *cpuLock) UnlockISR() { l.mu.Unlock() }

type cpu struct {
	id    int
	sched *Scheduler
	lock  cpuLock
	table priorityTable

	current *kthread.Thread
	idle    *kthread.Thread

	preemptNest     int32
	irqPending      int32
	criticalPending int32
}

func (c *cpu) idleLoop() {
	for {
		time.Sleep(time.Millisecond)
		c.sched.Checkpoint(c.idle)
	}
}

// Config parameterizes a Scheduler: simulated CPU count, number of
// priority levels, and the default tick slice new threads receive.
type Config struct {
	NumCPUs          int
	NumPriorities    int
	DefaultTickSlice uint32
}

// Scheduler owns one priority table per simulated CPU plus the hard
// timer wheel used for sleep/wait timeouts.
type Scheduler struct {
	cpus            []*cpu
	lowestPriority  uint8
	tick            ktick.Counter
	hardWheel       *ktimer.Wheel
	rr              int32
	onRetireMu      sync.Mutex
	onRetire        func(*kthread.Thread)
	defaultTickSlice uint32
}

// New constructs a Scheduler per cfg. Call Boot before starting any other
// thread, so each CPU has a current (idle) thread to fall back to.
func New(cfg Config) *Scheduler {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.NumPriorities <= 0 || cfg.NumPriorities > NumPriorities {
		cfg.NumPriorities = 64
	}
	if cfg.DefaultTickSlice == 0 {
		cfg.DefaultTickSlice = 50
	}
	s := &Scheduler{
		lowestPriority:   uint8(cfg.NumPriorities - 1),
		hardWheel:        ktimer.NewWheel(ktimer.Hard),
		defaultTickSlice: cfg.DefaultTickSlice,
	}
	s.cpus = make([]*cpu, cfg.NumCPUs)
	for i := range s.cpus {
		c := &cpu{id: i, sched: s}
		c.table.init()
		s.cpus[i] = c
	}
	return s
}

// Default is a ready-to-Boot single-CPU scheduler, matching the spec's
// notion of a usable default for the single-simulated-machine case.
var Default = New(Config{NumCPUs: 1})

// NumCPUs returns the configured simulated CPU count.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// LowestPriority returns the numerically largest (least urgent) valid
// priority value, used as the idle thread's priority.
func (s *Scheduler) LowestPriority() uint8 { return s.lowestPriority }

// ValidPriority reports whether p is within the configured range.
func (s *Scheduler) ValidPriority(p uint8) bool { return p <= s.lowestPriority }

// DefaultTickSlice returns the tick slice assigned to threads that don't
// specify one explicitly.
func (s *Scheduler) DefaultTickSlice() uint32 { return s.defaultTickSlice }

// HardWheel returns the scheduler's hard timer wheel, used by Sleep and
// by wait primitives to arm timeouts.
func (s *Scheduler) HardWheel() *ktimer.Wheel { return s.hardWheel }

// Tick returns the scheduler's monotonic tick counter.
func (s *Scheduler) Tick() *ktick.Counter { return &s.tick }

// Now returns the current tick (implements kthread.Scheduler).
func (s *Scheduler) Now() uint32 { return s.tick.Now() }

// AdvanceTick simulates one system-tick interrupt: advances the tick
// counter, checks the hard wheel for expired timers, and services any
// deferred preemption flags left by timer callbacks that woke a
// higher-priority thread while a lower-priority one was running.
func (s *Scheduler) AdvanceTick() uint32 {
	now := s.tick.Advance()
	s.hardWheel.Check(now)
	for _, c := range s.cpus {
		if atomic.LoadInt32(&c.irqPending) != 0 || atomic.LoadInt32(&c.criticalPending) != 0 {
			atomic.StoreInt32(&c.irqPending, 0)
			atomic.StoreInt32(&c.criticalPending, 0)
			s.scheduleCPU(c, nil)
		}
	}
	return now
}

// RunTickLoop advances the tick once per period until done is closed;
// intended to run on its own goroutine, simulating the board's
// system-tick ISR source.
func (s *Scheduler) RunTickLoop(period time.Duration, done <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			s.AdvanceTick()
		}
	}
}

// SetOnRetire registers the callback invoked whenever a thread reaches
// the Retired state, wiring the zombie reaper (package kreaper) without
// ksched importing it.
func (s *Scheduler) SetOnRetire(fn func(*kthread.Thread)) {
	s.onRetireMu.Lock()
	s.onRetire = fn
	s.onRetireMu.Unlock()
}

func (s *Scheduler) cpuForIndex(i int) *cpu {
	if i < 0 || i >= len(s.cpus) {
		return s.cpus[0]
	}
	return s.cpus[i]
}

func (s *Scheduler) pickCPUFor(t *kthread.Thread) *cpu {
	if b := t.BindCPU(); b >= 0 {
		return s.cpuForIndex(b)
	}
	if c := t.OnCPU(); c >= 0 {
		return s.cpuForIndex(c)
	}
	idx := int(uint32(atomic.AddInt32(&s.rr, 1))) % len(s.cpus)
	return s.cpus[idx]
}

// BuildIdle constructs, starts, and dispatches CPU cpuID's idle thread.
// Boot calls this for every configured CPU; tests that only need one CPU
// may call it directly.
func (s *Scheduler) BuildIdle(cpuID int) (*kthread.Thread, kerrno.Errno) {
	c := s.cpuForIndex(cpuID)
	idle, err := kthread.New(s, c.idleLoop, make([]byte, 4096), s.lowestPriority, s.defaultTickSlice, fmt.Sprintf("idle/%d", c.id))
	if err != kerrno.EOK {
		return nil, err
	}
	idle.SetBindCPU(c.id)
	idle.SetOnCPU(c.id)
	if err := idle.StartIdle(); err != kerrno.EOK {
		return nil, err
	}
	c.lock.LockThread()
	c.current = idle
	c.lock.UnlockThread()
	idle.Dispatch()
	return idle, kerrno.EOK
}

// Boot starts every CPU's idle thread. Call once before starting any
// other thread.
func (s *Scheduler) Boot() {
	vlog.Infof("ksched: booting %d cpus", len(s.cpus))
	for i := range s.cpus {
		s.BuildIdle(i)
	}
}

// QueueReadyThread transitions t from old to Ready and inserts it into
// the correct per-CPU ready table, choosing the CPU by bound-CPU
// affinity, falling back to t's last CPU, else round-robin across CPUs
// for a never-placed unaffined thread (spec section 4.3). Implements
// kthread.Scheduler.
func (s *Scheduler) QueueReadyThread(old kthread.State, t *kthread.Thread) bool {
	c := s.pickCPUFor(t)
	c.lock.LockThread()
	ok := t.CompareAndSwapState(old, kthread.Ready)
	if ok {
		t.SetOnCPU(c.id)
		tail := t.YieldFlag()
		c.table.insert(t.CurrentPriority(), &t.ReadyLink, tail)
		t.SetYieldFlag(false)
	}
	c.lock.UnlockThread()
	// A failed CAS here is an ordinary race (e.g. a timeout and a
	// WakeOne racing to ready the same thread), not an error: exactly
	// one caller wins and the rest are expected no-ops.
	if ok && vlog.V(2) {
		vlog.Infof("ksched: cpu=%d queued ready %v", c.id, t)
	}
	return ok
}

// scheduleCPU performs the actual selection and context switch for c. If
// cur is non-nil and was the outgoing current thread, it reports true so
// the caller parks cur's goroutine; a nil cur models an ISR-context
// caller, which never parks.
func (s *Scheduler) scheduleCPU(c *cpu, cur *kthread.Thread) bool {
	prev := c.lock.LockThread()
	if prev > 0 {
		atomic.StoreInt32(&c.criticalPending, 1)
		c.lock.UnlockThread()
		return false
	}

	prio, ok := c.table.highest()
	var next *kthread.Thread
	if ok {
		next = c.table.head(prio).Next().Owner.(*kthread.Thread)
		c.table.remove(prio, &next.ReadyLink)
	} else {
		next = c.idle
	}

	old := c.current
	if next == old {
		next.SetState(kthread.Running)
		c.lock.UnlockThread()
		return false
	}

	if old != nil && old != c.idle && old.State() == kthread.Running {
		// old was still runnable (a Checkpoint-driven preemption, not a
		// voluntary yield/suspend that already updated its state) -
		// demote it and put it back at the head of its level.
		old.SetState(kthread.Ready)
		c.table.insert(old.CurrentPriority(), &old.ReadyLink, false)
	}

	c.current = next
	next.SetOnCPU(c.id)
	next.SetState(kthread.Running)
	c.lock.UnlockThread()
	if vlog.V(2) {
		oldName := "<none>"
		if old != nil {
			oldName = old.String()
		}
		vlog.Infof("ksched: cpu=%d switch %s -> %v", c.id, oldName, next)
	}
	next.Dispatch()
	return cur != nil && old == cur
}

// Schedule implements spec section 4.3's schedule(): select the
// highest-priority ready thread on cur's CPU and, if different from cur,
// perform the context switch, parking cur's goroutine until it is
// dispatched again.
func (s *Scheduler) Schedule(cur *kthread.Thread) {
	if cur == nil {
		return
	}
	c := s.cpuForIndex(cur.OnCPU())
	if s.scheduleCPU(c, cur) {
		cur.ParkUntilResumed()
	}
}

// Checkpoint is this implementation's realization of a voluntary
// preemption point: it reschedules cur only if a deferred preemption
// flag is pending for cur's CPU, which is cheap enough to call from a
// busy loop.
func (s *Scheduler) Checkpoint(cur *kthread.Thread) {
	c := s.cpuForIndex(cur.OnCPU())
	if atomic.LoadInt32(&c.irqPending) == 0 && atomic.LoadInt32(&c.criticalPending) == 0 {
		return
	}
	atomic.StoreInt32(&c.irqPending, 0)
	atomic.StoreInt32(&c.criticalPending, 0)
	s.Schedule(cur)
}

// YieldMe puts cur back at the tail of its priority list as Ready and
// reschedules; cur's yield sub-flag is not touched.
func (s *Scheduler) YieldMe(cur *kthread.Thread) {
	c := s.cpuForIndex(cur.OnCPU())
	c.lock.LockThread()
	cur.SetState(kthread.Ready)
	c.table.insert(cur.CurrentPriority(), &cur.ReadyLink, true)
	c.lock.UnlockThread()
	s.Schedule(cur)
}

// SuspendMeFor suspends cur for up to ticks ticks, returning when woken
// by a direct wake, its timeout, or (per SuspendFlag) a signal. ticks==0
// is a programmer error (spec: "sleep(0) returns EINVAL").
func (s *Scheduler) SuspendMeFor(cur *kthread.Thread, ticks uint32) kerrno.Errno {
	if ticks == 0 {
		return kerrno.EINVAL
	}
	cur.SetLastError(kerrno.EINTR)
	if ticks != ktick.WaitingForever {
		cpuID := cur.OnCPU()
		cur.ArmTimeout(s.hardWheel, s.Now(), ticks, func() {
			cur.SetLastError(kerrno.ETIMEDOUT)
			s.QueueReadyThread(kthread.Suspended, cur)
			s.scheduleCPU(s.cpuForIndex(cpuID), nil)
		})
	}
	cur.SetState(kthread.Suspended)
	s.Schedule(cur)
	cur.CancelTimeout()
	return cur.LastError()
}

// WakeThread transitions a suspended thread directly back to Ready with
// EOK recorded as its wake reason, without going through any object's
// waiter list (used by kwait/kmutex/ksem/etc. after they've already
// unlinked the thread from their own waiter list).
func (s *Scheduler) WakeThread(t *kthread.Thread) bool {
	t.CancelTimeout()
	t.SetLastError(kerrno.EOK)
	return s.QueueReadyThread(kthread.Suspended, t)
}

// PreemptDisable increments cur's CPU's preemption nest count.
func (s *Scheduler) PreemptDisable(cur *kthread.Thread) {
	atomic.AddInt32(&s.cpuForIndex(cur.OnCPU()).preemptNest, 1)
}

// PreemptEnable decrements the nest count; the last enable that drops it
// to zero services any deferred preemption.
func (s *Scheduler) PreemptEnable(cur *kthread.Thread) {
	c := s.cpuForIndex(cur.OnCPU())
	if atomic.AddInt32(&c.preemptNest, -1) == 0 {
		s.Checkpoint(cur)
	}
}

// SchedLock disables (simulated) interrupts and takes cur's CPU's
// scheduler lock, nest-counted. Returns the previous nest depth so the
// caller can pass it to SchedUnlock.
func (s *Scheduler) SchedLock(cur *kthread.Thread) int32 {
	return s.cpuForIndex(cur.OnCPU()).lock.LockThread()
}

// SchedUnlock releases one level of cur's CPU's scheduler lock.
func (s *Scheduler) SchedUnlock(cur *kthread.Thread) {
	s.cpuForIndex(cur.OnCPU()).lock.UnlockThread()
}

// Retire hands t to the registered zombie-reaper callback (if any) and
// relinquishes t's CPU to the next ready thread. Implements
// kthread.Scheduler; called from t's own about-to-end goroutine, which
// must never park afterwards.
func (s *Scheduler) Retire(t *kthread.Thread) {
	if vlog.V(2) {
		vlog.Infof("ksched: retiring %v", t)
	}
	s.onRetireMu.Lock()
	fn := s.onRetire
	s.onRetireMu.Unlock()
	if fn != nil {
		fn(t)
	}
	s.scheduleCPU(s.cpuForIndex(t.OnCPU()), nil)
}

// CurrentThread returns the thread currently running on the given
// simulated CPU (its idle thread, if no user thread is ready). Go has no
// implicit per-goroutine "current thread" the way a CPU register would
// carry it on real hardware, so callers must name the CPU explicitly.
func (s *Scheduler) CurrentThread(cpuID int) *kthread.Thread {
	c := s.cpuForIndex(cpuID)
	c.lock.LockThread()
	defer c.lock.UnlockThread()
	return c.current
}

// ReadyCount returns the number of ready (non-running, non-idle) threads
// queued on the given CPU; used by diagnostics/tests.
func (s *Scheduler) ReadyCount(cpuID int) int {
	c := s.cpuForIndex(cpuID)
	c.lock.LockThread()
	defer c.lock.UnlockThread()
	n := 0
	for i := 0; i < NumPriorities; i++ {
		c.table.head(uint8(i)).Each(func(*klist.Node) { n++ })
	}
	return n
}
