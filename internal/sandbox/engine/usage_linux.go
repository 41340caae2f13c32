//go:build linux

package engine

import (
	"os"
	"syscall"
	"time"

	"codesandbox/internal/sandbox/launcher"
	"codesandbox/internal/sandbox/spec"
)

// exitStatus is how the program ended, from the leader's wait status or
// from the supervising launcher's report.
type exitStatus struct {
	known    bool
	signaled bool
	signal   syscall.Signal
	code     int
	cpu      time.Duration
	maxRSSKB int64
}

func statusFromState(state *os.ProcessState) exitStatus {
	if state == nil {
		return exitStatus{}
	}
	st := exitStatus{
		known: true,
		code:  state.ExitCode(),
		cpu:   state.UserTime() + state.SystemTime(),
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.signaled = true
		st.signal = ws.Signal()
		st.code = -1
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		st.maxRSSKB = usage.Maxrss
	}
	return st
}

func statusFromReport(rep launcher.ExitReport) exitStatus {
	st := exitStatus{
		known:    true,
		code:     rep.Code,
		cpu:      time.Duration(rep.UserUsec+rep.SysUsec) * time.Microsecond,
		maxRSSKB: rep.MaxRSSKB,
	}
	if !rep.Exited {
		st.signaled = true
		st.signal = syscall.Signal(rep.Signal)
		st.code = -1
	}
	return st
}

func memoryPeakKB(cgroupPath string, st exitStatus) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	return st.maxRSSKB
}

// cpuSeconds rounds up so sub-second limits still apply.
func cpuSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64((d + time.Second - 1) / time.Second)
}

// toRlimits maps limits to launcher rlimits. RLIMIT_NPROC counts every
// process of the real uid, so it is only set when asked for.
func toRlimits(limits spec.ResourceLimits, withNproc bool) launcher.Rlimits {
	out := launcher.Rlimits{CPUSeconds: cpuSeconds(limits.CPUTime)}
	if limits.MaxMemoryBytes > 0 {
		out.AddressSpace = uint64(limits.MaxMemoryBytes)
	}
	if limits.MaxFileBytes > 0 {
		out.FileSize = uint64(limits.MaxFileBytes)
	}
	if withNproc && limits.MaxProcesses > 0 {
		out.Processes = uint64(limits.MaxProcesses)
	}
	return out
}
