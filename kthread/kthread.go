// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kthread implements the Thread control block: identity, stack,
// priority, state machine and builder described in spec section 3.
//
// This repository realizes a "thread" as a goroutine gated by a one-slot
// token channel: the goroutine blocks on its own token except while the
// scheduler (package ksched) has granted it the simulated CPU, which
// reproduces the spec's "exactly one running thread per CPU" invariant
// without architecture-specific stack switching. kthread itself stays
// free of any import on ksched (which depends on kthread); a Thread is
// handed a Scheduler implementation at build time, mirroring the way
// nsync's Mu/CV take no scheduler dependency of their own.
package kthread

import (
	"sync"
	"sync/atomic"

	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/klist"
	"github.com/blueos-project/blueos-core/kobj"
	"github.com/blueos-project/blueos-core/ktimer"
)

// State is one state in the thread lifecycle of spec section 4.3.
type State int32

const (
	Created State = iota
	Ready
	Running
	Suspended
	Retired
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// SuspendFlag governs how a suspended thread may be woken by something
// other than the resource it is waiting on becoming available (spec
// section 4.5).
type SuspendFlag int

const (
	Uninterruptible SuspendFlag = iota
	Interruptible
	Killable
)

// MaxSignal bounds the per-thread once-signal table (spec section 9,
// "supplemented feature": a fixed table of pending signal handlers per
// TCB, generalizing a single abort bit).
const MaxSignal = 8

// SigTerminate is the single dedicated signal number this implementation
// uses for suspend-via-signal delivery, resolving the spec's open
// question about SIGHUP vs SIGUSR1 (see DESIGN.md) rather than reusing an
// ambiguous POSIX signal.
const SigTerminate = 0

const (
	sigClear int32 = iota
	sigPending
)

// Scheduler is the minimal surface kthread needs from the scheduler that
// owns a thread, injected at build time to avoid an import cycle (ksched
// imports kthread, not the reverse).
type Scheduler interface {
	// QueueReadyThread transitions t from oldState to Ready and enqueues
	// it on the appropriate per-CPU ready list.
	QueueReadyThread(oldState State, t *Thread) bool
	// Retire hands a freshly Retired thread to the zombie reaper.
	Retire(t *Thread)
	// Now returns the scheduler's current tick.
	Now() uint32
}

// Thread is the kernel's thread control block.
type Thread struct {
	Header kobj.Header

	mu sync.Mutex

	id uint32

	state int32 // atomic State

	basePriority uint8
	curPriority  uint8

	stack      []byte
	stackOwned bool

	entry   func()
	cleanup func()

	lastErr int32 // atomic kerrno.Errno

	// ReadyLink places the thread on exactly one of {a scheduler ready
	// list, a single waiter list} at any instant (spec invariant).
	ReadyLink klist.Node
	// TakenHead is the head of the list of priority-inheriting mutexes
	// this thread currently owns.
	TakenHead klist.Node

	// Timeout is this thread's embedded timeout timer, armed by wait
	// operations that specify a finite deadline.
	Timeout *ktimer.Timer

	yieldFlag   int32
	suspendFlag SuspendFlag

	// pendingTo holds the *kmutex.Mutex this thread is blocked acquiring,
	// stored as `any` to avoid kthread depending on kmutex.
	pendingTo atomic.Value

	// killHook, when set, is invoked by Kill to forcibly unlink this
	// thread from whatever waiter list it is currently blocked on. It is
	// installed and cleared by kwait.Wait around the actual suspension,
	// again stored as `any` to avoid an import cycle.
	killHook atomic.Value

	bindCPU int32
	onCPU   int32

	// Alien is an adapter-owned slot; the core never reads or writes it.
	Alien any

	signals [MaxSignal]int32

	tickSlice uint32

	sched Scheduler

	resume chan struct{}
}

var nextID uint32

// New builds a thread over a caller-provided stack region. The thread
// starts in the Created state.
func New(sched Scheduler, entry func(), stack []byte, priority uint8, tickSlice uint32, name string) (*Thread, kerrno.Errno) {
	return build(sched, entry, stack, false, priority, tickSlice, name)
}

// NewWithStackSize builds a thread that owns a heap-allocated stack
// region of the given size; the stack is released by the zombie reaper
// via the thread's cleanup hook when the thread retires.
func NewWithStackSize(sched Scheduler, entry func(), stackSize int, priority uint8, tickSlice uint32, name string) (*Thread, kerrno.Errno) {
	if stackSize <= 0 {
		return nil, kerrno.EINVAL
	}
	return build(sched, entry, make([]byte, stackSize), true, priority, tickSlice, name)
}

func build(sched Scheduler, entry func(), stack []byte, owned bool, priority uint8, tickSlice uint32, name string) (*Thread, kerrno.Errno) {
	if entry == nil || tickSlice == 0 {
		return nil, kerrno.EINVAL
	}
	t := &Thread{
		entry:        entry,
		stack:        stack,
		stackOwned:   owned,
		basePriority: priority,
		curPriority:  priority,
		tickSlice:    tickSlice,
		sched:        sched,
		resume:       make(chan struct{}, 1),
		bindCPU:      -1,
		onCPU:        -1,
		id:           atomic.AddUint32(&nextID, 1),
	}
	t.ReadyLink.Init()
	t.ReadyLink.Owner = t
	t.TakenHead.Init()
	if owned {
		t.cleanup = func() { t.stack = nil }
	}
	atomic.StoreInt32(&t.state, int32(Created))
	kobj.InitDynamic(&t.Header, kobj.Thread, name)
	return t, kerrno.EOK
}

// ID returns the thread's stable identifier.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the thread's name.
func (t *Thread) Name() string { return t.Header.Name() }

func (t *Thread) String() string {
	return t.Name() + "[" + t.State().String() + "]"
}

// State returns the thread's current lifecycle state.
func (t *Thread) State() State { return State(atomic.LoadInt32(&t.state)) }

// SetState sets the thread's lifecycle state. Used by the scheduler and
// wait primitives, which own the valid transitions.
func (t *Thread) SetState(s State) { atomic.StoreInt32(&t.state, int32(s)) }

// CompareAndSwapState performs the transition old->new only if the thread
// is currently in state old.
func (t *Thread) CompareAndSwapState(old, new State) bool {
	return atomic.CompareAndSwapInt32(&t.state, int32(old), int32(new))
}

// BasePriority returns the thread's base (non-inherited) priority.
func (t *Thread) BasePriority() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePriority
}

// SetBasePriority changes the thread's base priority (spec external
// interface set_priority).
func (t *Thread) SetBasePriority(p uint8) {
	t.mu.Lock()
	t.basePriority = p
	t.mu.Unlock()
}

// CurrentPriority returns the thread's current (possibly inherited)
// priority; spec invariant current <= base, lower value = more urgent.
func (t *Thread) CurrentPriority() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.curPriority
}

// SetCurrentPriority sets the thread's current priority. Called by
// kmutex's inheritance walk and priority recomputation.
func (t *Thread) SetCurrentPriority(p uint8) {
	t.mu.Lock()
	t.curPriority = p
	t.mu.Unlock()
}

// Lock/Unlock expose the thread's own per-thread spinlock (spec section 3,
// "per-thread spinlock") to packages that must serialize access to a
// thread's mutable fields (e.g. kmutex's priority-inheritance walk).
func (t *Thread) Lock()   { t.mu.Lock() }
func (t *Thread) Unlock() { t.mu.Unlock() }

// LastError returns the wake-reason error last recorded for this thread.
func (t *Thread) LastError() kerrno.Errno { return kerrno.Errno(atomic.LoadInt32(&t.lastErr)) }

// SetLastError records the wake-reason error conveyed across a
// suspend/resume boundary (spec section 7: "not a persistent state").
func (t *Thread) SetLastError(e kerrno.Errno) { atomic.StoreInt32(&t.lastErr, int32(e)) }

// YieldFlag reports whether the thread's next ready-queue insertion
// should go to the tail of its priority list (spec section 4.3).
func (t *Thread) YieldFlag() bool { return atomic.LoadInt32(&t.yieldFlag) != 0 }

// SetYieldFlag sets or clears the yield sub-flag.
func (t *Thread) SetYieldFlag(v bool) {
	if v {
		atomic.StoreInt32(&t.yieldFlag, 1)
	} else {
		atomic.StoreInt32(&t.yieldFlag, 0)
	}
}

// SuspendFlag returns the interruptibility mode recorded for the thread's
// current (or most recent) suspension.
func (t *Thread) SuspendFlag() SuspendFlag {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.suspendFlag
}

// SetSuspendFlag records the interruptibility mode for the thread's next
// suspension.
func (t *Thread) SetSuspendFlag(f SuspendFlag) {
	t.mu.Lock()
	t.suspendFlag = f
	t.mu.Unlock()
}

// anyBox lets a sync/atomic.Value hold varying concrete types (Value
// requires every Store to use the same concrete type; boxing sidesteps
// that for the `any` payloads kthread hands back to other packages).
type anyBox struct{ v any }

// PendingTo returns the mutex (if any, as `any`) this thread is currently
// blocked acquiring.
func (t *Thread) PendingTo() any {
	if b, ok := t.pendingTo.Load().(anyBox); ok {
		return b.v
	}
	return nil
}

// SetPendingTo records (or clears, with nil) the mutex this thread is
// blocked acquiring, for priority-inheritance chain walks.
func (t *Thread) SetPendingTo(m any) {
	t.pendingTo.Store(anyBox{v: m})
}

// BindCPU returns the CPU this thread is pinned to, or -1 if unaffined.
func (t *Thread) BindCPU() int { return int(atomic.LoadInt32(&t.bindCPU)) }

// SetBindCPU pins the thread to a simulated CPU (-1 to unpin).
func (t *Thread) SetBindCPU(cpu int) { atomic.StoreInt32(&t.bindCPU, int32(cpu)) }

// OnCPU returns the CPU this thread is currently placed on (-1 if none).
func (t *Thread) OnCPU() int { return int(atomic.LoadInt32(&t.onCPU)) }

// SetOnCPU records the CPU the thread is currently placed on.
func (t *Thread) SetOnCPU(cpu int) { atomic.StoreInt32(&t.onCPU, int32(cpu)) }

// TickSlice returns the thread's scheduling time quantum, in ticks.
func (t *Thread) TickSlice() uint32 { return t.tickSlice }

// StackSize returns the configured stack size (0 if the caller supplied
// no storage).
func (t *Thread) StackSize() int { return len(t.stack) }

// Signal delivers signum to the thread's once-signal table (spec section
// 9). Returns false for an out-of-range signal number.
func (t *Thread) Signal(signum int) bool {
	if signum < 0 || signum >= MaxSignal {
		return false
	}
	atomic.StoreInt32(&t.signals[signum], sigPending)
	return true
}

// SignalPending reports and, if consume is true, clears a pending signal.
func (t *Thread) SignalPending(signum int, consume bool) bool {
	if signum < 0 || signum >= MaxSignal {
		return false
	}
	if consume {
		return atomic.CompareAndSwapInt32(&t.signals[signum], sigPending, sigClear)
	}
	return atomic.LoadInt32(&t.signals[signum]) == sigPending
}

// Start transitions Created -> Suspended -> Ready and enqueues the
// thread, launching its goroutine. The goroutine blocks on its resume
// token until the scheduler first dispatches it.
func (t *Thread) Start() kerrno.Errno {
	if !t.CompareAndSwapState(Created, Suspended) {
		return kerrno.EINVAL
	}
	go t.loop()
	if !t.sched.QueueReadyThread(Suspended, t) {
		return kerrno.ERROR
	}
	return kerrno.EOK
}

// StartIdle transitions Created -> Suspended and launches the thread's
// goroutine without enqueuing it into any ready table. Used only for a
// CPU's idle thread, which the scheduler dispatches directly and never
// places in the priority table (spec section 4.3: idle is the pure
// fallback when no level has a ready thread, not a schedulable entry
// itself).
func (t *Thread) StartIdle() kerrno.Errno {
	if !t.CompareAndSwapState(Created, Suspended) {
		return kerrno.EINVAL
	}
	go t.loop()
	return kerrno.EOK
}

func (t *Thread) loop() {
	t.ParkUntilResumed()
	t.entry()
	t.exit()
}

func (t *Thread) exit() {
	t.SetState(Retired)
	if t.cleanup != nil {
		// The reaper runs the cleanup hook from its own stack/goroutine,
		// never this one (spec: "the reaper must run on a different
		// stack"); Retire hands the hook off rather than invoking it here.
	}
	t.sched.Retire(t)
}

// Cleanup returns the thread's cleanup hook (nil if none), invoked
// exactly once by the zombie reaper after the thread retires.
func (t *Thread) Cleanup() func() { return t.cleanup }

type killHookBox struct{ fn func(kerrno.Errno) bool }

// SetKillHook installs the callback Kill invokes to abort this thread's
// current suspension. Called by kwait.Wait just before the thread
// actually blocks.
func (t *Thread) SetKillHook(fn func(kerrno.Errno) bool) {
	t.killHook.Store(killHookBox{fn: fn})
}

// ClearKillHook removes the kill hook, called once the thread resumes.
func (t *Thread) ClearKillHook() {
	t.killHook.Store(killHookBox{fn: nil})
}

// Kill delivers signum to the thread's once-signal table. If the thread
// is currently blocked in a wait whose suspend flag permits abort by
// this signal (interruptible for any signal, killable only for
// SigTerminate; uninterruptible never), it is woken immediately with
// EINTR; otherwise the signal is recorded and observed only at the
// thread's next suspension point, per spec section 5. Returns false only
// for an out-of-range signal number.
func (t *Thread) Kill(signum int) bool {
	if !t.Signal(signum) {
		return false
	}
	flag := t.SuspendFlag()
	abortable := flag == Interruptible || (flag == Killable && signum == SigTerminate)
	if !abortable {
		return true
	}
	if b, ok := t.killHook.Load().(killHookBox); ok && b.fn != nil {
		b.fn(kerrno.EINTR)
	}
	return true
}

// ArmTimeout (re)arms the thread's embedded timeout timer on wheel to
// fire in ticks ticks from now, lazily constructing the timer on first
// use and reusing it on every subsequent wait (spec: the thread carries
// "an embedded timeout timer", not a freshly allocated one per wait).
// Every call installs onExpire as the callback for *this* wait: the
// timer is shared across a thread's whole lifetime, but the closure it
// must run belongs to whichever wait armed it most recently.
func (t *Thread) ArmTimeout(wheel *ktimer.Wheel, now, ticks uint32, onExpire func()) kerrno.Errno {
	if t.Timeout == nil {
		t.Timeout = ktimer.NewTimer(wheel, false, ticks, onExpire)
	} else {
		t.Timeout.Reset(ticks)
		t.Timeout.SetCallback(onExpire)
	}
	return t.Timeout.Start(now)
}

// CancelTimeout stops the thread's embedded timeout timer, if armed.
func (t *Thread) CancelTimeout() {
	if t.Timeout != nil {
		t.Timeout.Stop()
	}
}

// Dispatch grants the thread its CPU token, resuming its goroutine from
// wherever it last parked (including its very first dispatch).
func (t *Thread) Dispatch() {
	select {
	case t.resume <- struct{}{}:
	default:
	}
}

// ParkUntilResumed blocks the calling goroutine (which must be this
// thread's own) until the scheduler calls Dispatch again. This is the
// Go-native stand-in for arch_context_switch's "save context, don't
// return until resumed".
func (t *Thread) ParkUntilResumed() {
	<-t.resume
}
