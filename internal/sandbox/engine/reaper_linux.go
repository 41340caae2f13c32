//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const maxSweepRounds = 16

// leaders is process wide because the child subreaper flag is.
var leaders = &leaderSet{pids: make(map[int]int)}

// leaderSet tracks the launchers this process started, so orphans it adopts
// as child subreaper can be told apart from live runs.
type leaderSet struct {
	mu   sync.Mutex
	pids map[int]int
}

// start forks under the lock so a concurrent sweep never sees an
// unregistered leader.
func (l *leaderSet) start(cmd *exec.Cmd) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := cmd.Start(); err != nil {
		return err
	}
	l.pids[cmd.Process.Pid]++
	return nil
}

// release forgets a reaped leader. With sweep set it then kills and reaps
// every adopted process outside a live run's process group.
func (l *leaderSet) release(pid int, sweep bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pids[pid]--; l.pids[pid] <= 0 {
		delete(l.pids, pid)
	}
	if !sweep {
		return nil
	}
	return l.sweepLocked()
}

func (l *leaderSet) sweepLocked() error {
	self := os.Getpid()
	for round := 0; round < maxSweepRounds; round++ {
		table, err := readProcTable()
		if err != nil {
			return err
		}
		var strays []int
		for pid, st := range table {
			if st.ppid != self || l.pids[pid] > 0 || l.pids[st.pgid] > 0 {
				continue
			}
			strays = append(strays, pid)
		}
		if len(strays) == 0 {
			return nil
		}
		for _, pid := range strays {
			for _, victim := range table.subtree(pid) {
				_ = unix.Kill(victim, unix.SIGKILL)
			}
		}
		// Survivors of a subtree are adopted and caught next round.
		for _, pid := range strays {
			reap(pid)
		}
	}
	return fmt.Errorf("adopted processes still alive after %d sweeps", maxSweepRounds)
}

func reap(pid int) {
	for {
		var ws unix.WaitStatus
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

type procStat struct {
	ppid int
	pgid int
}

type procTable map[int]procStat

func readProcTable() (procTable, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	table := make(procTable, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "stat"))
		if err != nil {
			// Exited since the listing.
			continue
		}
		st, ok := parseProcStat(string(data))
		if !ok {
			continue
		}
		table[pid] = st
	}
	return table, nil
}

// parseProcStat reads ppid and pgrp from /proc/<pid>/stat. The command name
// may contain spaces and parentheses, so fields start after the last ')'.
func parseProcStat(data string) (procStat, bool) {
	i := strings.LastIndexByte(data, ')')
	if i < 0 {
		return procStat{}, false
	}
	fields := strings.Fields(data[i+1:])
	if len(fields) < 3 {
		return procStat{}, false
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return procStat{}, false
	}
	pgid, err := strconv.Atoi(fields[2])
	if err != nil {
		return procStat{}, false
	}
	return procStat{ppid: ppid, pgid: pgid}, true
}

// subtree lists root and all of its descendants.
func (t procTable) subtree(root int) []int {
	children := make(map[int][]int)
	for pid, st := range t {
		children[st.ppid] = append(children[st.ppid], pid)
	}
	out := []int{root}
	for i := 0; i < len(out); i++ {
		out = append(out, children[out[i]]...)
	}
	return out
}
