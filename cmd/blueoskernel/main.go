// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command blueoskernel is a demonstration host for the BlueOS core: it
// boots a simulated scheduler, runs a handful of end-to-end scenarios
// (priority preemption, priority inheritance, periodic timers,
// message-queue backpressure, zombie reaping) and reports on the live
// kernel object table, exactly the kind of harness an adapter layer's
// integration tests would drive the core through.
package main

import (
	"github.com/blueos-project/blueos-core/cmdline2"
)

func main() {
	cmdline2.Main(root)
}

var root = &cmdline2.Command{
	Name:  "blueoskernel",
	Short: "Run BlueOS core demonstration scenarios",
	Long: `
Command blueoskernel boots a simulated BlueOS core (scheduler, timer
wheel, synchronization objects) and drives it through a set of
end-to-end scenarios, reporting timing and pass/fail for each.
`,
	Children: []*cmdline2.Command{cmdRun, cmdObjects, cmdVersion},
}
