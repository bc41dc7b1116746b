// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build kerneldebug

package klist

// assertUnlinked panics if n is already part of a list. Spec section 4.1:
// "insert_before/insert_after panic in debug builds if the inserted node is
// not currently self-referential." This check only runs under the
// kerneldebug build tag; release builds skip it for speed, matching the
// spec's "failure semantics: none at runtime; all errors are programming
// errors caught by debug assertions."
func assertUnlinked(n *Node) {
	if n.Linked() {
		panic("klist: insert of an already-linked node")
	}
}
