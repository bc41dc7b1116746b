// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/blueos-project/blueos-core/cmdline2"
	"github.com/blueos-project/blueos-core/kmutex"
)

func testEnv(buf *bytes.Buffer) *cmdline2.Env {
	return &cmdline2.Env{Stdout: buf, Stderr: buf}
}

func TestRunVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := runVersion(testEnv(&buf), nil); err != nil {
		t.Fatalf("runVersion: %v", err)
	}
	if !strings.Contains(buf.String(), "GoVersion") {
		t.Fatalf("expected JSON build metadata, got %q", buf.String())
	}
}

func TestRunObjectsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := runObjects(testEnv(&buf), nil); err != nil {
		t.Fatalf("runObjects: %v", err)
	}
	if !strings.Contains(buf.String(), "no live kernel objects") {
		t.Fatalf("expected empty-table message, got %q", buf.String())
	}
}

func TestRunObjectsListsLiveObjects(t *testing.T) {
	s := newBootedScheduler()
	m := kmutex.New(s, "objects-demo")
	defer m.Detach()

	var buf bytes.Buffer
	if err := runObjects(testEnv(&buf), nil); err != nil {
		t.Fatalf("runObjects: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "objects-demo") {
		t.Fatalf("expected mutex name in output, got %q", out)
	}
	if !strings.Contains(out, "mutex") && !strings.Contains(out, "Mutex") {
		t.Fatalf("expected mutex type grouping in output, got %q", out)
	}
}

func TestScenarioFilter(t *testing.T) {
	all := []scenario{
		{"preempt", scenarioPreempt},
		{"inherit", scenarioInherit},
		{"timer", scenarioTimer},
		{"mqueue", scenarioMessageQueue},
		{"reap", scenarioReap},
	}
	var chosen []scenario
	for _, s := range all {
		if s.name == "reap" {
			chosen = append(chosen, s)
		}
	}
	if len(chosen) != 1 || chosen[0].name != "reap" {
		t.Fatalf("expected exactly the reap scenario, got %v", chosen)
	}
}
