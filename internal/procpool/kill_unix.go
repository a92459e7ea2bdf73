// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build !windows

package procpool

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

func setProcAttrs(cmd *exec.Cmd) {
	// Workers lead their own process group so the whole subtree can be
	// signaled together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killTree stops the process and its transitive children, then kills
// them. Stopping first prevents a forking child from escaping between
// enumeration and the kill; the second pass catches fork races anyway.
func killTree(pid int) error {
	for attempt := 0; attempt < 2; attempt++ {
		pids := collectTree(pid)
		for _, p := range pids {
			syscall.Kill(p, syscall.SIGSTOP)
		}
		for _, p := range pids {
			syscall.Kill(p, syscall.SIGKILL)
		}
	}

	// The group kill sweeps anything the walk missed.
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// collectTree returns pid plus every transitive child, parents first.
func collectTree(pid int) []int {
	children := childMap()
	var out []int
	var walk func(int)
	walk = func(p int) {
		out = append(out, p)
		for _, c := range children[p] {
			walk(c)
		}
	}
	walk(pid)
	return out
}

// childMap builds a ppid -> pids index from /proc.
func childMap() map[int][]int {
	children := make(map[int][]int)
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return children
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		// Field 4 is ppid; the comm field may contain spaces but is
		// parenthesized, so parse after the closing paren.
		s := string(stat)
		paren := strings.LastIndexByte(s, ')')
		if paren < 0 {
			continue
		}
		fields := strings.Fields(s[paren+1:])
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	return children
}
