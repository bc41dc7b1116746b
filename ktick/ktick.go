// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ktick implements the kernel's monotonic tick counter: a 32-bit
// counter incremented by the (simulated) system-tick ISR, with
// wraparound-safe comparisons, per spec section 6 ("Tick").
package ktick

import "sync/atomic"

// WaitingForever disables a timeout: a wait with this value never times
// out on its own.
const WaitingForever uint32 = 0xFFFFFFFF

// Counter is a monotonically non-decreasing tick counter. Its zero value
// starts at tick 0.
type Counter struct {
	v uint32
}

// Now returns the current tick.
func (c *Counter) Now() uint32 {
	return atomic.LoadUint32(&c.v)
}

// Advance increments the counter by one tick and returns the new value.
// Called once per simulated system-tick interrupt.
func (c *Counter) Advance() uint32 {
	return atomic.AddUint32(&c.v, 1)
}

// Sub returns a-b interpreted with wraparound: since every timeout the
// kernel arms is bounded well within 2^31 ticks, the signed difference is
// well-defined per spec section 6.
func Sub(a, b uint32) int32 {
	return int32(a - b)
}

// After reports whether a occurs strictly after b, honoring wraparound.
func After(a, b uint32) bool {
	return Sub(a, b) > 0
}

// Before reports whether a occurs strictly before b, honoring wraparound.
func Before(a, b uint32) bool {
	return Sub(a, b) < 0
}

// AtOrAfter reports whether a occurs at or after b.
func AtOrAfter(a, b uint32) bool {
	return Sub(a, b) >= 0
}

// Deadline computes now+ticks, saturating at WaitingForever's sentinel
// meaning rather than wrapping into a finite value, when ticks itself is
// WaitingForever.
func Deadline(now, ticks uint32) uint32 {
	if ticks == WaitingForever {
		return WaitingForever
	}
	return now + ticks
}
