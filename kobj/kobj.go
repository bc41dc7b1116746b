// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kobj implements the Object Kernel Table: a per-type registry of
// kernel objects (threads, timers, mutexes, semaphores, ...) that underpins
// naming and enumeration, per spec section 4.2.
//
// Every kernel object embeds a Header, which in turn embeds the klist.Node
// linking it into its type's global list. Init/Detach/Delete/Find/ForEach
// mirror the teacher's nsync per-type free-waiter-list pattern
// (nsync/waiter.go's freeWaiters/freeWaitersMu), generalized from a single
// implicit type to an enumerated Type set.
package kobj

import (
	"sync"

	"github.com/blueos-project/blueos-core/klist"
)

// Type identifies the kind of kernel object held in a Header.
type Type int

const (
	Thread Type = iota
	Semaphore
	Mutex
	Event
	Mailbox
	MessageQueue
	Timer
	Device
	numTypes
)

func (t Type) String() string {
	switch t {
	case Thread:
		return "thread"
	case Semaphore:
		return "semaphore"
	case Mutex:
		return "mutex"
	case Event:
		return "event"
	case Mailbox:
		return "mailbox"
	case MessageQueue:
		return "message_queue"
	case Timer:
		return "timer"
	case Device:
		return "device"
	default:
		return "unknown"
	}
}

// Header is embedded by every kernel object and carries the identity the
// table needs: type tag, name, link node, and static/dynamic flag.
type Header struct {
	link    klist.Node
	typ     Type
	name    string
	dynamic bool
	linked  bool
}

// Name returns the object's name.
func (h *Header) Name() string { return h.name }

// Type returns the object's type tag.
func (h *Header) Type() Type { return h.typ }

// Dynamic reports whether the object was heap-allocated by the kernel
// (rather than provided statically by the caller).
func (h *Header) Dynamic() bool { return h.dynamic }

type table struct {
	mu   sync.Mutex
	head klist.Node
}

var tables [numTypes]*table

func init() {
	for i := range tables {
		tb := &table{}
		tb.head.Init()
		tables[i] = tb
	}
}

// Init registers obj (via its Header) under typ with the given name,
// linking it into the per-type global list. It is a programmer error to
// Init an already-linked header; per spec section 4.2 this is
// debug-asserted, not recovered.
func Init(h *Header, typ Type, name string) {
	if h.linked {
		panic("kobj: Init of an already-linked object")
	}
	h.typ = typ
	h.name = name
	h.dynamic = false
	h.link.Owner = h
	tb := tables[typ]
	tb.mu.Lock()
	h.link.InsertBefore(&tb.head)
	h.linked = true
	tb.mu.Unlock()
}

// InitDynamic is Init for a heap-allocated object, marking it dynamic.
// Delete is its matching teardown and performs the same unlink as Detach
// (the storage itself is reclaimed by the garbage collector once
// unreferenced).
func InitDynamic(h *Header, typ Type, name string) {
	Init(h, typ, name)
	h.dynamic = true
}

// Detach unlinks obj from the object table; its type tag is left
// unchanged. It is safe to call on an object that is not currently
// linked (no-op).
func Detach(h *Header) {
	tb := tables[h.typ]
	tb.mu.Lock()
	if h.linked {
		h.link.Remove()
		h.linked = false
	}
	tb.mu.Unlock()
}

// Delete detaches a dynamically allocated object. Kept distinct from
// Detach to mirror the spec's static/dynamic split: callers that built the
// object with InitDynamic should call Delete so future maintenance that
// adds explicit pool freeing has one call site to extend.
func Delete(h *Header) {
	Detach(h)
}

// Find performs a linear scan of typ's global list, returning the first
// object whose name matches, or nil.
func Find(typ Type, name string) *Header {
	tb := tables[typ]
	tb.mu.Lock()
	defer tb.mu.Unlock()
	var found *Header
	tb.head.Each(func(n *klist.Node) {
		if found != nil {
			return
		}
		h := n.Owner.(*Header)
		if h.name == name {
			found = h
		}
	})
	return found
}

// ForEach yields every live object of typ to fn, holding the per-type lock
// for the entire walk, per spec section 4.2. fn must not Detach or Delete
// objects of the same type from within the callback.
func ForEach(typ Type, fn func(h *Header)) {
	tb := tables[typ]
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.head.Each(func(n *klist.Node) {
		fn(n.Owner.(*Header))
	})
}

// Count returns the number of live objects of typ. Used by diagnostic
// commands (spec section 6, get_info).
func Count(typ Type) int {
	n := 0
	ForEach(typ, func(*Header) { n++ })
	return n
}
