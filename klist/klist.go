// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package klist implements the intrusive doubly-linked list primitive used
// by every ready queue, waiter list and object-table bucket in the kernel.
//
// A Node is embedded by value in the owning struct (a Thread, a Timer, a
// kernel object header, ...). It carries no payload of its own; the caller
// recovers the owner from a Node via whatever accessor the owning type
// provides (conventionally a field reference, since Go lacks container_of).
// A standalone Node has both pointers referencing itself, exactly as
// required by spec section 4.1 ("if a is self-referential, a is not in any
// list"). There is no heap allocation here: Node's address must remain
// stable for the whole time it participates in a list, which holds
// automatically once the owner is referenced exclusively through a pointer.
package klist

// Node is an intrusive doubly-linked list link. The zero Node is not
// self-referential; call Init before first use.
type Node struct {
	next *Node
	prev *Node

	// Owner is a back-reference to the struct embedding this Node, set by
	// the owner at construction time. Go has no container_of; rather than
	// recover the owner via unsafe pointer arithmetic, list walkers that
	// need it read Owner directly. List bookkeeping never reads or writes
	// this field.
	Owner any
}

// Init makes n a standalone, empty list head: n.next == n.prev == n.
func (n *Node) Init() *Node {
	n.next = n
	n.prev = n
	return n
}

// IsEmpty reports whether n (used as a list head) has no linked elements.
func (n *Node) IsEmpty() bool {
	return n.next == n || n.next == nil
}

// Linked reports whether n currently participates in a list other than
// trivially itself, i.e. it is not self-referential.
func (n *Node) Linked() bool {
	return n.next != nil && n.next != n
}

// InsertAfter links n immediately after p. Requires that n is not currently
// linked (panics under the debug build tag otherwise, see assert_debug.go).
func (n *Node) InsertAfter(p *Node) {
	assertUnlinked(n)
	n.next = p.next
	n.prev = p
	n.next.prev = n
	n.prev.next = n
}

// InsertBefore links n immediately before p.
func (n *Node) InsertBefore(p *Node) {
	n.InsertAfter(p.prev)
}

// Remove unlinks n from whatever list it is in. Idempotent: removing a
// self-referential node is a no-op. After Remove, n is self-referential.
func (n *Node) Remove() {
	n.next.prev = n.prev
	n.prev.next = n.next
	n.next = n
	n.prev = n
}

// Next returns the node following n. When n is used as a list head, Next
// returns the head's first element (or n itself, if empty).
func (n *Node) Next() *Node {
	return n.next
}

// Prev returns the node preceding n.
func (n *Node) Prev() *Node {
	return n.prev
}

// Each calls fn once for every node in the list headed by n, in
// head-to-tail order, without revisiting the head. fn must not unlink
// nodes other than the one it was passed; to remove while iterating,
// capture Next() before calling fn.
func (n *Node) Each(fn func(*Node)) {
	for cur := n.next; cur != nil && cur != n; {
		next := cur.next
		fn(cur)
		cur = next
	}
}
