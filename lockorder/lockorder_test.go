// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lockorder_test

import (
	"reflect"
	"testing"

	"github.com/blueos-project/blueos-core/lockorder"
)

func TestAcyclicGraphHasNoCycle(t *testing.T) {
	var g lockorder.Graph
	g.AddWait("A", "B")
	g.AddWait("B", "C")
	g.AddWait("A", "C")
	if cycle := g.Cycle(); cycle != nil {
		t.Fatalf("expected no cycle, got %v", cycle)
	}
}

func TestSelfWaitIsACycle(t *testing.T) {
	var g lockorder.Graph
	g.AddWait("A", "A")
	cycle := g.Cycle()
	if cycle == nil {
		t.Fatal("expected a cycle for a thread waiting on itself")
	}
	if !reflect.DeepEqual(cycle, []any{"A", "A"}) {
		t.Fatalf("unexpected cycle shape: %v", cycle)
	}
}

func TestRingOfThreeIsACycle(t *testing.T) {
	var g lockorder.Graph
	g.AddWait("A", "B")
	g.AddWait("B", "C")
	g.AddWait("C", "A")
	cycle := g.Cycle()
	if cycle == nil {
		t.Fatal("expected a cycle")
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("cycle must start and end at the same node, got %v", cycle)
	}
	seen := make(map[any]bool)
	for _, v := range cycle[:len(cycle)-1] {
		if seen[v] {
			t.Fatalf("cycle revisits %v before closing: %v", v, cycle)
		}
		seen[v] = true
	}
}

func TestDisjointAcyclicComponentDoesNotMaskACycleElsewhere(t *testing.T) {
	var g lockorder.Graph
	g.AddWait("X", "Y") // unrelated acyclic pair, visited first
	g.AddWait("A", "B")
	g.AddWait("B", "A")
	if cycle := g.Cycle(); cycle == nil {
		t.Fatal("expected the A/B cycle to be found despite the unrelated X/Y pair")
	}
}
