// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/blueos-project/blueos-core/cmdline2"
	"github.com/blueos-project/blueos-core/kobj"
)

var cmdObjects = &cmdline2.Command{
	Name:  "objects",
	Short: "Enumerate live kernel objects by type",
	Long: `
Objects walks the Object Kernel Table and prints every currently live
object (thread, mutex, semaphore, event group, mailbox/message queue,
timer) grouped by type, the way an adapter's diagnostic console command
would use object_for_each/get_info.

Objects created by "blueoskernel run" only live for the duration of that
process, so this command is mostly useful piped after a run, or as a
starting point for a longer-lived embedding that keeps the process (and
its threads) alive.
`,
	Runner: cmdline2.RunnerFunc(runObjects),
}

var allObjectTypes = []kobj.Type{
	kobj.Thread,
	kobj.Semaphore,
	kobj.Mutex,
	kobj.Event,
	kobj.Mailbox,
	kobj.MessageQueue,
	kobj.Timer,
	kobj.Device,
}

func runObjects(env *cmdline2.Env, _ []string) error {
	total := 0
	for _, typ := range allObjectTypes {
		count := kobj.Count(typ)
		if count == 0 {
			continue
		}
		fmt.Fprintf(env.Stdout, "%s (%d):\n", typ, count)
		kobj.ForEach(typ, func(h *kobj.Header) {
			kind := "static"
			if h.Dynamic() {
				kind = "dynamic"
			}
			fmt.Fprintf(env.Stdout, "  %-24s %s\n", h.Name(), kind)
		})
		total += count
	}
	if total == 0 {
		fmt.Fprintln(env.Stdout, "no live kernel objects")
	}
	return nil
}
