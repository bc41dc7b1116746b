// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/blueos-project/blueos-core/cmd/pflagvar"
	"github.com/blueos-project/blueos-core/cmdline2"
	"github.com/blueos-project/blueos-core/kerrno"
	"github.com/blueos-project/blueos-core/kmbox"
	"github.com/blueos-project/blueos-core/kmutex"
	"github.com/blueos-project/blueos-core/kreaper"
	"github.com/blueos-project/blueos-core/ksched"
	"github.com/blueos-project/blueos-core/ktick"
	"github.com/blueos-project/blueos-core/kthread"
	"github.com/blueos-project/blueos-core/ktimer"
	"github.com/blueos-project/blueos-core/timing"
	"github.com/blueos-project/blueos-core/vlog"
)

// BootConfig carries the parameters the scheduler needs at boot, the way
// an adapter layer's board bring-up code would size the kernel before
// starting any thread. Its fields are registered as flags via
// cmd/flagvar's struct-tag mechanism, bridged onto a pflag.FlagSet via
// cmd/pflagvar and then merged into the run command's stdlib flag.FlagSet
// (cmdline2.Command.Flags is a flag.FlagSet, not a pflag.FlagSet).
type BootConfig struct {
	CPUs           int    `cmdline:"cpus,1,number of simulated CPUs"`
	TickHz         int    `cmdline:"tick_hz,1000,simulated system tick frequency in Hz"`
	PriorityLevels int    `cmdline:"priority_levels,64,number of distinct scheduler priority levels"`
	TickSlice      int    `cmdline:"tick_slice,10,default tick slice assigned to new threads"`
	Scenario       string `cmdline:"scenario,all,'scenario to run: preempt, inherit, timer, mqueue, reap or all'"`
}

var cmdRun = &cmdline2.Command{
	Name:  "run",
	Short: "Boot a simulated core and run kernel scenarios",
	Long: `
Run boots a simulated BlueOS core (scheduler, hard timer wheel, zombie
reaper) at the configured size and drives it through a set of
end-to-end scenarios, printing a pass/fail summary and a timing
breakdown for each.
`,
	Runner: cmdline2.RunnerFunc(runRun),
}

var bootConfig = BootConfig{}

func init() {
	pfs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	if err := pflagvar.RegisterFlagsInStruct(pfs, "cmdline", &bootConfig, nil, nil); err != nil {
		panic(fmt.Sprintf("blueoskernel: registering boot flags: %v", err))
	}
	pfs.VisitAll(func(f *pflag.Flag) {
		cmdRun.Flags.Var(f.Value, f.Name, f.Usage)
	})
}

type scenario struct {
	name string
	run  func() error
}

func runRun(env *cmdline2.Env, _ []string) error {
	vlog.Infof("booting core: cpus=%d priority_levels=%d tick_hz=%d",
		bootConfig.CPUs, bootConfig.PriorityLevels, bootConfig.TickHz)

	all := []scenario{
		{"preempt", scenarioPreempt},
		{"inherit", scenarioInherit},
		{"timer", scenarioTimer},
		{"mqueue", scenarioMessageQueue},
		{"reap", scenarioReap},
	}

	var chosen []scenario
	for _, s := range all {
		if bootConfig.Scenario == "all" || bootConfig.Scenario == s.name {
			chosen = append(chosen, s)
		}
	}
	if len(chosen) == 0 {
		return env.UsageErrorf("run: unknown scenario %q", bootConfig.Scenario)
	}

	root := timing.NewFullTimer("blueoskernel run")
	failed := 0
	for _, s := range chosen {
		root.Push(s.name)
		err := s.run()
		root.Pop()
		status := "PASS"
		if err != nil {
			status = "FAIL: " + err.Error()
			failed++
		}
		fmt.Fprintf(env.Stdout, "%-10s %s\n", s.name, status)
	}
	root.Finish()
	fmt.Fprintln(env.Stdout)
	(timing.IntervalPrinter{}).Print(env.Stdout, root.Root())

	vlog.FlushLog()
	if failed > 0 {
		return cmdline2.ErrExitCode(1)
	}
	return nil
}

func newBootedScheduler() *ksched.Scheduler {
	s := ksched.New(ksched.Config{
		NumCPUs:          bootConfig.CPUs,
		NumPriorities:    bootConfig.PriorityLevels,
		DefaultTickSlice: uint32(bootConfig.TickSlice),
	})
	s.Boot()
	return s
}

func tickPeriod() time.Duration {
	if bootConfig.TickHz <= 0 {
		return time.Millisecond
	}
	return time.Second / time.Duration(bootConfig.TickHz)
}

// scenarioPreempt has a low-priority thread spin while a higher-priority
// thread sleeps then runs once; it checks that the high-priority thread
// ran exactly once and the low-priority thread made progress.
func scenarioPreempt() error {
	s := newBootedScheduler()
	done := make(chan struct{})
	defer close(done)
	go s.RunTickLoop(tickPeriod(), done)

	var mu sync.Mutex
	var aCount, bCount int
	aDone := make(chan struct{})

	var a *kthread.Thread
	a, errno := kthread.New(s, func() {
		for i := 0; i < 5000; i++ {
			mu.Lock()
			aCount++
			mu.Unlock()
			s.Checkpoint(a)
		}
		close(aDone)
	}, make([]byte, 8192), uint8(bootConfig.PriorityLevels-2), s.DefaultTickSlice(), "preempt-low")
	if errno != kerrno.EOK {
		return errno
	}

	var b *kthread.Thread
	b, errno = kthread.New(s, func() {
		s.SuspendMeFor(b, 10)
		mu.Lock()
		bCount++
		mu.Unlock()
	}, make([]byte, 8192), 3, s.DefaultTickSlice(), "preempt-high")
	if errno != kerrno.EOK {
		return errno
	}

	if errno := a.Start(); errno != kerrno.EOK {
		return errno
	}
	if errno := b.Start(); errno != kerrno.EOK {
		return errno
	}

	select {
	case <-aDone:
	case <-time.After(5 * time.Second):
		return fmt.Errorf("low-priority thread never completed")
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if bCount != 1 {
		return fmt.Errorf("expected high-priority thread to run exactly once, got %d", bCount)
	}
	if aCount == 0 {
		return fmt.Errorf("low-priority thread never ran")
	}
	return nil
}

// scenarioInherit has a low-priority thread hold a mutex a
// higher-priority thread blocks on; while blocked, the holder's current
// priority must equal the blocked thread's priority, reverting once the
// mutex is released.
func scenarioInherit() error {
	s := newBootedScheduler()
	done := make(chan struct{})
	defer close(done)
	go s.RunTickLoop(tickPeriod(), done)

	m := kmutex.New(s, "inherit-demo")
	defer m.Detach()

	lowLocked := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{}, 2)

	var low, high *kthread.Thread
	low, errno := kthread.New(s, func() {
		m.LockWait(low, ktick.WaitingForever, kthread.Uninterruptible)
		close(lowLocked)
		<-release
		m.Unlock(low)
		finished <- struct{}{}
	}, make([]byte, 4096), 20, s.DefaultTickSlice(), "inherit-low")
	if errno != kerrno.EOK {
		return errno
	}
	high, errno = kthread.New(s, func() {
		m.LockWait(high, ktick.WaitingForever, kthread.Uninterruptible)
		m.Unlock(high)
		finished <- struct{}{}
	}, make([]byte, 4096), 4, s.DefaultTickSlice(), "inherit-high")
	if errno != kerrno.EOK {
		return errno
	}

	if errno := low.Start(); errno != kerrno.EOK {
		return errno
	}
	<-lowLocked
	if low.CurrentPriority() != 20 {
		return fmt.Errorf("low thread should start at base priority 20, got %d", low.CurrentPriority())
	}

	if errno := high.Start(); errno != kerrno.EOK {
		return errno
	}
	time.Sleep(50 * time.Millisecond)
	if low.CurrentPriority() != 4 {
		return fmt.Errorf("expected low thread to inherit priority 4, got %d", low.CurrentPriority())
	}

	close(release)
	<-finished
	<-finished
	if low.CurrentPriority() != low.BasePriority() {
		return fmt.Errorf("expected low thread to revert to base priority %d, got %d", low.BasePriority(), low.CurrentPriority())
	}
	return nil
}

// scenarioTimer drives a periodic hard timer and checks it fires at
// least once per interval.
func scenarioTimer() error {
	s := newBootedScheduler()
	done := make(chan struct{})
	defer close(done)
	go s.RunTickLoop(tickPeriod(), done)

	const interval = 10
	const rounds = 20

	var mu sync.Mutex
	var count int
	timer := ktimer.NewTimer(s.HardWheel(), true, interval, func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	if errno := timer.Start(s.Now()); errno != kerrno.EOK {
		return errno
	}
	defer timer.Stop()

	deadline := time.After(time.Duration(rounds*interval+50) * tickPeriod())
	for {
		mu.Lock()
		c := count
		mu.Unlock()
		if c >= rounds {
			break
		}
		select {
		case <-deadline:
			return fmt.Errorf("periodic timer only fired %d/%d times", c, rounds)
		case <-time.After(tickPeriod()):
		}
	}
	return nil
}

// scenarioMessageQueue has several producers push onto a small
// fixed-capacity queue while a single consumer drains it; every message
// must be observed exactly once, with no reordering within a single
// producer's stream.
func scenarioMessageQueue() error {
	s := newBootedScheduler()
	done := make(chan struct{})
	defer close(done)
	go s.RunTickLoop(tickPeriod(), done)

	const producers = 4
	const perProducer = 50
	const capacity = 4

	q := kmbox.New(s, "demo-mqueue", capacity, kmbox.FIFO)
	defer q.Detach()

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		p := p
		var th *kthread.Thread
		var errno kerrno.Errno
		th, errno = kthread.New(s, func() {
			for i := 0; i < perProducer; i++ {
				if e := q.Send(th, [2]int{p, i}, ktick.WaitingForever, kthread.Uninterruptible); e != kerrno.EOK {
					panic(fmt.Sprintf("producer %d send %d: %v", p, i, e))
				}
			}
			wg.Done()
		}, make([]byte, 4096), 10, s.DefaultTickSlice(), fmt.Sprintf("mqueue-producer-%d", p))
		if errno != kerrno.EOK {
			return errno
		}
		if errno := th.Start(); errno != kerrno.EOK {
			return errno
		}
	}

	received := make(map[int][]int)
	var recvMu sync.Mutex
	consumerDone := make(chan struct{})
	var consumer *kthread.Thread
	consumer, errno := kthread.New(s, func() {
		for n := 0; n < producers*perProducer; n++ {
			msg, e := q.Receive(consumer, ktick.WaitingForever, kthread.Uninterruptible)
			if e != kerrno.EOK {
				panic(fmt.Sprintf("consumer receive %d: %v", n, e))
			}
			pair := msg.([2]int)
			recvMu.Lock()
			received[pair[0]] = append(received[pair[0]], pair[1])
			recvMu.Unlock()
		}
		close(consumerDone)
	}, make([]byte, 4096), 9, s.DefaultTickSlice(), "mqueue-consumer")
	if errno != kerrno.EOK {
		return errno
	}
	if errno := consumer.Start(); errno != kerrno.EOK {
		return errno
	}

	select {
	case <-consumerDone:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("consumer never drained all messages")
	}
	wg.Wait()

	recvMu.Lock()
	defer recvMu.Unlock()
	total := 0
	for p := 0; p < producers; p++ {
		seq := received[p]
		total += len(seq)
		if len(seq) != perProducer {
			return fmt.Errorf("producer %d: expected %d messages, got %d", p, perProducer, len(seq))
		}
		for i, v := range seq {
			if v != i {
				return fmt.Errorf("producer %d: reordering detected at position %d: got %d", p, i, v)
			}
		}
	}
	if total != producers*perProducer {
		return fmt.Errorf("expected %d total messages, got %d", producers*perProducer, total)
	}
	return nil
}

// scenarioReap spawns a self-terminating thread and checks it is
// reclaimed by the zombie reaper.
func scenarioReap() error {
	s := newBootedScheduler()
	done := make(chan struct{})
	defer close(done)
	go s.RunTickLoop(tickPeriod(), done)

	r := kreaper.New(s)
	reaped := make(chan *kthread.Thread, 1)
	r.OnReaped(func(t *kthread.Thread) { reaped <- t })
	if _, errno := r.Start(); errno != kerrno.EOK {
		return errno
	}
	defer r.Stop()

	th, errno := kthread.NewWithStackSize(s, func() {}, 4096, 30, s.DefaultTickSlice(), "reap-demo")
	if errno != kerrno.EOK {
		return errno
	}
	if errno := th.Start(); errno != kerrno.EOK {
		return errno
	}

	select {
	case got := <-reaped:
		if got != th {
			return fmt.Errorf("reaper reaped a different thread than expected")
		}
	case <-time.After(2 * time.Second):
		return fmt.Errorf("thread was never reaped")
	}
	if th.State() != kthread.Retired {
		return fmt.Errorf("expected retired state, got %v", th.State())
	}
	return nil
}
