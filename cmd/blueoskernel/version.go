// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/blueos-project/blueos-core/buildinfo"
	"github.com/blueos-project/blueos-core/cmdline2"
)

var cmdVersion = &cmdline2.Command{
	Name:   "version",
	Short:  "Print build and Go version metadata",
	Long:   "Version prints the binary's build metadata, analogous to a uname an adapter layer might expose.",
	Runner: cmdline2.RunnerFunc(runVersion),
}

func runVersion(env *cmdline2.Env, _ []string) error {
	fmt.Fprintln(env.Stdout, buildinfo.Info().String())
	return nil
}
