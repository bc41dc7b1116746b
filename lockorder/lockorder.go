// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package lockorder implements a debug-only cycle detector over a
// wait-for graph: one edge per blocked waiter pointing at whatever it
// is blocked on. A cycle in this graph means a set of threads holding
// and waiting on each other's mutexes in a ring, which deadlocks every
// thread in the ring permanently; priority inheritance only raises the
// deadlocked threads' priorities, it cannot unstick them.
//
// Adapted from toposort.Sorter's DFS-based cycle collection, trimmed
// down to cycle detection alone: a wait-for graph is checked, never
// sorted, so Graph has no Sort method and keeps no output order beyond
// the cycle it reports.
package lockorder

// Graph is a wait-for graph for deadlock auditing. The zero Graph is
// an empty graph ready to use.
type Graph struct {
	values map[any]int // maps from user-provided value to index in nodes
	nodes  []*node
}

type node struct {
	value any
	waits []*node
}

func (g *Graph) getOrAdd(value any) *node {
	if g.values == nil {
		g.values = make(map[any]int)
	}
	if index, ok := g.values[value]; ok {
		return g.nodes[index]
	}
	g.values[value] = len(g.nodes)
	n := &node{value: value}
	g.nodes = append(g.nodes, n)
	return n
}

// AddWait records that waiter is blocked waiting on holder (e.g. a
// mutex's current owner, or whatever a semaphore/event waiter is
// ultimately parked behind). Both are added as nodes if not already
// present. Safe to call more than once for the same pair.
func (g *Graph) AddWait(waiter, holder any) {
	w, h := g.getOrAdd(waiter), g.getOrAdd(holder)
	w.waits = append(w.waits, h)
}

// Cycle returns one cycle in the wait-for graph as a slice starting
// and ending with the same value, or nil if the graph is currently
// acyclic. Deterministic given the same sequence of AddWait calls.
func (g *Graph) Cycle() []any {
	done := make(map[*node]bool)
	for _, n := range g.nodes {
		if cycle := n.visit(done, make(map[*node]bool)); cycle != nil {
			return cycle
		}
	}
	return nil
}

// visit performs DFS from n, using done to mark fully-explored nodes
// and visiting to mark nodes on the current recursion stack. Finding a
// node already in visiting means the stack itself forms a cycle back
// to that node.
func (n *node) visit(done, visiting map[*node]bool) []any {
	if done[n] {
		return nil
	}
	if visiting[n] {
		return []any{n.value}
	}
	visiting[n] = true
	for _, child := range n.waits {
		cycle := child.visit(done, visiting)
		if cycle == nil {
			continue
		}
		if len(cycle) == 1 || cycle[0] != cycle[len(cycle)-1] {
			cycle = append(cycle, n.value)
		}
		return cycle
	}
	done[n] = true
	return nil
}
