//go:build linux

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"codesandbox/internal/sandbox/engine"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
)

func shellSpec(t *testing.T, script string, limits spec.ResourceLimits) spec.ProcessSpec {
	t.Helper()
	if limits.WallClockTimeout == 0 {
		limits.WallClockTimeout = 5 * time.Second
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = 64 * 1024
	}
	return spec.ProcessSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", script},
		WorkDir:    t.TempDir(),
		Limits:     limits,
	}
}

func newRunner(t *testing.T, cfg engine.Config) engine.Runner {
	t.Helper()
	runner, err := engine.NewRunner(cfg)
	if err != nil {
		t.Fatalf("create runner: %v", err)
	}
	return runner
}

// runnerModes covers the namespaced launcher, which falls back when the
// kernel refuses, and the plain launcher with orphan sweeping.
var runnerModes = []struct {
	name string
	cfg  engine.Config
}{
	{"default", engine.Config{DrainTimeout: 500 * time.Millisecond}},
	{"without namespaces", engine.Config{DrainTimeout: 500 * time.Millisecond, Namespaces: engine.NamespacesOff}},
}

func TestRunnerExecute(t *testing.T) {
	for _, mode := range runnerModes {
		t.Run(mode.name, func(t *testing.T) {
			testRunnerExecute(t, newRunner(t, mode.cfg))
		})
	}
}

func testRunnerExecute(t *testing.T, runner engine.Runner) {

	cases := []struct {
		name   string
		spec   func(t *testing.T) spec.ProcessSpec
		verify func(t *testing.T, out result.ExecutionOutcome, elapsed time.Duration)
	}{
		{
			name: "stdin echoed and closed",
			spec: func(t *testing.T) spec.ProcessSpec {
				p := shellSpec(t, "cat", spec.ResourceLimits{})
				p.Stdin = "hello\nworld\n"
				return p
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, _ time.Duration) {
				if !out.Succeeded() {
					t.Fatalf("expected success, got %s (%s)", out.Kind, out.Detail)
				}
				if out.Stdout != "hello\nworld\n" {
					t.Fatalf("unexpected stdout %q", out.Stdout)
				}
			},
		},
		{
			name: "nonzero exit keeps streams",
			spec: func(t *testing.T) spec.ProcessSpec {
				return shellSpec(t, "echo out; echo err >&2; exit 3", spec.ResourceLimits{})
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, _ time.Duration) {
				if out.Kind != result.NonZeroExit {
					t.Fatalf("expected NonZeroExit, got %s", out.Kind)
				}
				if out.ExitCode == nil || *out.ExitCode != 3 {
					t.Fatalf("unexpected exit code %v", out.ExitCode)
				}
				if out.Stdout != "out\n" || out.Stderr != "err\n" {
					t.Fatalf("unexpected streams %q %q", out.Stdout, out.Stderr)
				}
			},
		},
		{
			name: "wall clock timeout",
			spec: func(t *testing.T) spec.ProcessSpec {
				return shellSpec(t, "echo started; sleep 30", spec.ResourceLimits{WallClockTimeout: 300 * time.Millisecond})
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, elapsed time.Duration) {
				if out.Kind != result.TimedOut {
					t.Fatalf("expected TimedOut, got %s", out.Kind)
				}
				if elapsed > 3*time.Second {
					t.Fatalf("timeout not enforced promptly: %v", elapsed)
				}
				if out.Stdout != "started\n" {
					t.Fatalf("partial output lost: %q", out.Stdout)
				}
			},
		},
		{
			name: "output cap stops runaway writer",
			spec: func(t *testing.T) spec.ProcessSpec {
				return shellSpec(t, "while :; do echo yyyyyyyyyyyyyyyy; done", spec.ResourceLimits{MaxOutputBytes: 1024})
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, elapsed time.Duration) {
				if out.Kind != result.OutputTruncated {
					t.Fatalf("expected OutputTruncated, got %s", out.Kind)
				}
				if len(out.Stdout) != 1024 {
					t.Fatalf("expected exactly the cap, got %d bytes", len(out.Stdout))
				}
				if elapsed > 3*time.Second {
					t.Fatalf("writer not stopped promptly: %v", elapsed)
				}
			},
		},
		{
			name: "killed by signal",
			spec: func(t *testing.T) spec.ProcessSpec {
				return shellSpec(t, "kill -9 $$", spec.ResourceLimits{})
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, _ time.Duration) {
				if out.Kind != result.KilledBySignal {
					t.Fatalf("expected KilledBySignal, got %s", out.Kind)
				}
				if out.Signal == "" || out.ExitCode != nil {
					t.Fatalf("unexpected signal data %q %v", out.Signal, out.ExitCode)
				}
			},
		},
		{
			name: "missing executable",
			spec: func(t *testing.T) spec.ProcessSpec {
				p := shellSpec(t, "", spec.ResourceLimits{})
				p.Executable = filepath.Join(p.WorkDir, "does-not-exist")
				p.Args = nil
				return p
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, _ time.Duration) {
				if out.Kind != result.LaunchFailure {
					t.Fatalf("expected LaunchFailure, got %s", out.Kind)
				}
				if out.Detail == "" {
					t.Fatalf("expected internal detail")
				}
			},
		},
		{
			name: "unread stdin does not block",
			spec: func(t *testing.T) spec.ProcessSpec {
				p := shellSpec(t, "exit 0", spec.ResourceLimits{})
				p.Stdin = strings.Repeat("x", 1<<20)
				return p
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, elapsed time.Duration) {
				if !out.Succeeded() {
					t.Fatalf("expected success, got %s", out.Kind)
				}
				if elapsed > 3*time.Second {
					t.Fatalf("stdin write blocked: %v", elapsed)
				}
			},
		},
		{
			name: "background child does not hold the call",
			spec: func(t *testing.T) spec.ProcessSpec {
				return shellSpec(t, "sleep 30 & echo done", spec.ResourceLimits{})
			},
			verify: func(t *testing.T, out result.ExecutionOutcome, elapsed time.Duration) {
				if !out.Succeeded() || out.Stdout != "done\n" {
					t.Fatalf("unexpected outcome %s %q", out.Kind, out.Stdout)
				}
				if elapsed > 3*time.Second {
					t.Fatalf("background child kept pipes open: %v", elapsed)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			start := time.Now()
			out, err := runner.Execute(context.Background(), tc.spec(t))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			tc.verify(t, out, time.Since(start))
		})
	}
}

func TestRunnerDoesNotInheritServiceEnv(t *testing.T) {
	t.Setenv("SANDBOX_SERVICE_SECRET", "leaked")
	runner := newRunner(t, engine.Config{})

	p := shellSpec(t, `echo "${SANDBOX_SERVICE_SECRET:-unset} $LANG_HINT"; pwd`, spec.ResourceLimits{})
	p.Env = []string{"LANG_HINT=ok"}
	out, err := runner.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "unset ok" {
		t.Fatalf("unexpected env output %q", out.Stdout)
	}
	want, _ := filepath.EvalSymlinks(p.WorkDir)
	got, _ := filepath.EvalSymlinks(lines[1])
	if got != want {
		t.Fatalf("working directory %q, want %q", got, want)
	}
}

func TestRunnerKillsDescendantsOnTimeout(t *testing.T) {
	for i, mode := range runnerModes {
		t.Run(mode.name, func(t *testing.T) {
			runner := newRunner(t, mode.cfg)
			marker := fmt.Sprintf("60.%04d", 271+i)

			p := shellSpec(t, "sleep "+marker+" & wait", spec.ResourceLimits{WallClockTimeout: 300 * time.Millisecond})
			out, err := runner.Execute(context.Background(), p)
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if out.Kind != result.TimedOut {
				t.Fatalf("expected TimedOut, got %s", out.Kind)
			}
			waitNoProcess(t, marker)
		})
	}
}

func TestRunnerKillsDetachedDescendants(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
	for i, mode := range runnerModes {
		t.Run(mode.name, func(t *testing.T) {
			runner := newRunner(t, mode.cfg)
			marker := fmt.Sprintf("30.%04d", 417+i)

			script := fmt.Sprintf("setsid sh -c 'sleep %s; :' & sleep 0.3; echo done", marker)
			out, err := runner.Execute(context.Background(), shellSpec(t, script, spec.ResourceLimits{}))
			if err != nil {
				t.Fatalf("execute: %v", err)
			}
			if !out.Succeeded() || out.Stdout != "done\n" {
				t.Fatalf("unexpected outcome %s %q %q", out.Kind, out.Stdout, out.Detail)
			}
			if pids := processesWith(marker); len(pids) > 0 {
				t.Fatalf("detached processes %v outlived Execute", pids)
			}
		})
	}
}

func TestRunnerAppliesLimitsBeforeExec(t *testing.T) {
	const memoryBytes = 64 << 20
	limits := spec.ResourceLimits{MaxMemoryBytes: memoryBytes, CPUTime: 3 * time.Second, MaxFileBytes: 1 << 20}
	want := fmt.Sprintf("%d\n3\n", memoryBytes/1024)

	for _, mode := range runnerModes {
		t.Run(mode.name, func(t *testing.T) {
			runner := newRunner(t, mode.cfg)
			for i := 0; i < 20; i++ {
				out, err := runner.Execute(context.Background(), shellSpec(t, "ulimit -v; ulimit -t", limits))
				if err != nil {
					t.Fatalf("execute: %v", err)
				}
				if !out.Succeeded() || out.Stdout != want {
					t.Fatalf("run %d: program saw limits %q (%s %q), want %q", i, out.Stdout, out.Kind, out.Detail, want)
				}
			}
		})
	}
}

func TestRunnerHonorsContextCancel(t *testing.T) {
	runner := newRunner(t, engine.Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := runner.Execute(ctx, shellSpec(t, "sleep 30", spec.ResourceLimits{}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != result.TimedOut {
		t.Fatalf("expected TimedOut, got %s", out.Kind)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("cancellation not honored")
	}
}

func TestRunnerRejectsInvalidSpec(t *testing.T) {
	runner := newRunner(t, engine.Config{})
	if _, err := runner.Execute(context.Background(), spec.ProcessSpec{Executable: "/bin/true"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewRunnerConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  engine.Config
	}{
		{"cgroup without root", engine.Config{EnableCgroup: true}},
		{"seccomp without helper", engine.Config{EnableSeccomp: true, SeccompProfile: "x.json"}},
		{"seccomp without profile", engine.Config{EnableSeccomp: true, HelperPath: "/bin/sh"}},
		{"unknown namespaces mode", engine.Config{Namespaces: "sometimes"}},
		{"missing helper binary", engine.Config{HelperPath: "/nonexistent/sandbox-init"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.NewRunner(tc.cfg); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestRunnerThroughHelper(t *testing.T) {
	helperPath := buildFakeHelper(t)
	runner := newRunner(t, engine.Config{HelperPath: helperPath, Namespaces: engine.NamespacesOff})

	p := shellSpec(t, "read line; echo got:$line", spec.ResourceLimits{})
	p.Stdin = "abc\n"
	out, err := runner.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Succeeded() || out.Stdout != "got:abc\n" {
		t.Fatalf("unexpected outcome %s %q %q", out.Kind, out.Stdout, out.Detail)
	}

	missing := shellSpec(t, "", spec.ResourceLimits{})
	missing.Executable = "definitely-not-a-command"
	missing.Args = nil
	out, err = runner.Execute(context.Background(), missing)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Kind != result.LaunchFailure || !strings.Contains(out.Detail, "resolve command") {
		t.Fatalf("expected helper launch failure, got %s %q", out.Kind, out.Detail)
	}
}

// processesWith lists live processes whose command line contains marker.
func processesWith(marker string) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil || !strings.Contains(strings.ReplaceAll(string(cmdline), "\x00", " "), marker) {
			continue
		}
		if processAlive(pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func waitNoProcess(t *testing.T, marker string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(processesWith(marker)) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("processes %v survived the run", processesWith(marker))
}

// processAlive treats zombies as dead; they hold no resources besides the pid.
func processAlive(pid int) bool {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[strings.LastIndexByte(string(data), ')')+1:]))
	if len(fields) > 0 && fields[0] == "Z" {
		return false
	}
	return !errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func buildFakeHelper(t *testing.T) string {
	t.Helper()
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not available to build helper")
	}
	helperDir := filepath.Join(t.TempDir(), "helper")
	if err := os.MkdirAll(helperDir, 0755); err != nil {
		t.Fatalf("create helper dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(helperDir, "go.mod"), []byte("module fakehelper\n\ngo 1.21\n"), 0644); err != nil {
		t.Fatalf("write helper go.mod: %v", err)
	}
	if err := os.WriteFile(filepath.Join(helperDir, "main.go"), []byte(fakeHelperSource), 0644); err != nil {
		t.Fatalf("write helper main.go: %v", err)
	}
	helperPath := filepath.Join(helperDir, "sandbox-init")
	cmd := exec.Command(goBin, "build", "-o", helperPath, ".")
	cmd.Dir = helperDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build helper failed: %v: %s", err, output)
	}
	return helperPath
}

// fakeHelperSource speaks the fd 3 / fd 4 protocol without rlimits or seccomp.
const fakeHelperSource = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

type initRequest struct {
	Executable string   ` + "`json:\"executable\"`" + `
	Args       []string ` + "`json:\"args\"`" + `
	WorkDir    string   ` + "`json:\"workDir\"`" + `
	Env        []string ` + "`json:\"env\"`" + `
}

func main() {
	status := os.NewFile(4, "status")
	syscall.CloseOnExec(4)
	fail := func(format string, args ...interface{}) {
		fmt.Fprintf(status, format, args...)
		os.Exit(127)
	}
	in := os.NewFile(3, "init")
	var req initRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		fail("decode request: %v", err)
	}
	in.Close()
	if err := os.Chdir(req.WorkDir); err != nil {
		fail("chdir workdir: %v", err)
	}
	path, err := exec.LookPath(req.Executable)
	if err != nil {
		fail("resolve command: %v", err)
	}
	argv := append([]string{req.Executable}, req.Args...)
	fail("exec: %v", syscall.Exec(path, argv, req.Env))
}
`
