// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !kerneldebug

package klist

// assertUnlinked is a no-op outside of kerneldebug builds.
func assertUnlinked(*Node) {}
