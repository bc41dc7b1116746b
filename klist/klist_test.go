// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package klist_test

import (
	"testing"

	"github.com/blueos-project/blueos-core/klist"
)

func TestEmptyListIsSelfReferential(t *testing.T) {
	var head klist.Node
	head.Init()
	if !head.IsEmpty() {
		t.Errorf("fresh list head should be empty")
	}
	if head.Next() != &head || head.Prev() != &head {
		t.Errorf("empty head should be self-referential")
	}
}

func TestInsertRemoveRoundTrip(t *testing.T) {
	var head, a, b, c klist.Node
	head.Init()
	a.InsertAfter(&head)
	b.InsertAfter(&a)
	c.InsertAfter(&b)

	var order []*klist.Node
	head.Each(func(n *klist.Node) { order = append(order, n) })
	if len(order) != 3 || order[0] != &a || order[1] != &b || order[2] != &c {
		t.Fatalf("unexpected iteration order: %v", order)
	}

	b.Remove()
	if b.Linked() {
		t.Errorf("removed node should be self-referential")
	}
	order = nil
	head.Each(func(n *klist.Node) { order = append(order, n) })
	if len(order) != 2 || order[0] != &a || order[1] != &c {
		t.Fatalf("unexpected iteration order after remove: %v", order)
	}

	// insert+remove is a no-op on the list.
	a.Remove()
	c.Remove()
	if !head.IsEmpty() {
		t.Errorf("list should be empty after removing all nodes")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	var head, a klist.Node
	head.Init()
	a.InsertAfter(&head)
	a.Remove()
	a.Remove() // must not panic or corrupt state
	if a.Linked() {
		t.Errorf("double-removed node should remain self-referential")
	}
}

func TestInsertBefore(t *testing.T) {
	var head, a, b klist.Node
	head.Init()
	a.InsertAfter(&head)
	b.InsertBefore(&a)

	var order []*klist.Node
	head.Each(func(n *klist.Node) { order = append(order, n) })
	if len(order) != 2 || order[0] != &b || order[1] != &a {
		t.Fatalf("InsertBefore produced wrong order: %v", order)
	}
}

func TestStructuralInvariant(t *testing.T) {
	var head, a, b klist.Node
	head.Init()
	a.InsertAfter(&head)
	b.InsertAfter(&a)

	for _, n := range []*klist.Node{&head, &a, &b} {
		if n.Next().Prev() != n {
			t.Errorf("invariant broken: n.next.prev != n for %p", n)
		}
		if n.Prev().Next() != n {
			t.Errorf("invariant broken: n.prev.next != n for %p", n)
		}
	}
}
