// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ktick_test

import (
	"math"
	"testing"

	"github.com/blueos-project/blueos-core/ktick"
)

func TestAdvance(t *testing.T) {
	var c ktick.Counter
	if c.Now() != 0 {
		t.Fatalf("fresh counter should start at 0")
	}
	for i := 1; i <= 5; i++ {
		if got := c.Advance(); got != uint32(i) {
			t.Errorf("Advance() = %d, want %d", got, i)
		}
	}
}

func TestWraparoundComparison(t *testing.T) {
	a := uint32(math.MaxUint32 - 1)
	b := uint32(2) // wrapped past zero
	if !ktick.After(b, a) {
		t.Errorf("expected %d to be after %d across wraparound", b, a)
	}
	if !ktick.Before(a, b) {
		t.Errorf("expected %d to be before %d across wraparound", a, b)
	}
}

func TestDeadlineWaitingForever(t *testing.T) {
	if got := ktick.Deadline(100, ktick.WaitingForever); got != ktick.WaitingForever {
		t.Errorf("Deadline with WaitingForever = %d, want sentinel preserved", got)
	}
	if got := ktick.Deadline(100, 10); got != 110 {
		t.Errorf("Deadline(100, 10) = %d, want 110", got)
	}
}
