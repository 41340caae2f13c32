// Package spec defines the process specification and resource limits.
package spec

import (
	"fmt"
	"time"
)

// ResourceLimits describes the limits enforced on one process tree.
type ResourceLimits struct {
	// WallClockTimeout is mandatory; the tree is killed when it elapses.
	WallClockTimeout time.Duration
	// MaxOutputBytes caps each of stdout and stderr independently.
	MaxOutputBytes int64
	// MaxMemoryBytes is best-effort: address space rlimit and/or cgroup memory.max.
	MaxMemoryBytes int64
	// CPUTime is applied as RLIMIT_CPU, rounded up to whole seconds.
	CPUTime time.Duration
	// MaxProcesses is applied as pids.max when cgroups are enabled and as
	// RLIMIT_NPROC in the helper when that is switched on.
	MaxProcesses int64
	// MaxFileBytes caps the size of any file the program writes.
	MaxFileBytes int64
}

// ProcessSpec fully describes one process launch.
// Values are treated as immutable once handed to the runner.
type ProcessSpec struct {
	Executable string
	Args       []string
	WorkDir    string
	Env        []string
	Stdin      string
	Limits     ResourceLimits
}

// Argv returns the full argument vector including the executable.
func (p ProcessSpec) Argv() []string {
	argv := make([]string, 0, len(p.Args)+1)
	argv = append(argv, p.Executable)
	return append(argv, p.Args...)
}

// Validate reports specs that can never be launched.
func (p ProcessSpec) Validate() error {
	if p.Executable == "" {
		return fmt.Errorf("executable is required")
	}
	if p.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if p.Limits.WallClockTimeout <= 0 {
		return fmt.Errorf("wall clock timeout is required")
	}
	if p.Limits.MaxOutputBytes <= 0 {
		return fmt.Errorf("output cap is required")
	}
	return nil
}
