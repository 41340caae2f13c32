//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"codesandbox/internal/sandbox/launcher"
	"codesandbox/internal/sandbox/result"
	"codesandbox/internal/sandbox/spec"
	"codesandbox/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

const (
	maxLaunchMessageBytes = 4096
	maxReportBytes        = 4096
	checkTimeout          = 5 * time.Second
)

type killReason int

const (
	killNone killReason = iota
	killTimeout
	killOverflow
	killCancel
)

type linuxRunner struct {
	cfg Config

	helper     string
	helperArg0 string
	// namespaces is set once a trial launch succeeded; the launcher is then
	// pid 1 of each run and the whole tree dies with it.
	namespaces bool
	// sweep reaps adopted orphans when neither namespaces nor cgroups
	// contain the tree.
	sweep bool
}

// NewRunner creates a Linux process runner.
func NewRunner(cfg Config) (Runner, error) {
	cfg = cfg.withDefaults()
	r, err := newLinuxRunner(cfg)
	if err != nil {
		return nil, err
	}
	ctx := context.Background()
	if cfg.Namespaces != NamespacesOff {
		if err := r.checkNamespaces(); err != nil {
			if cfg.Namespaces == NamespacesOn {
				return nil, fmt.Errorf("namespaces unavailable: %w", err)
			}
			logger.Warn(ctx, "namespaces unavailable, submissions can see each other's workspaces", zap.Error(err))
		} else {
			r.namespaces = true
		}
	}
	if !r.namespaces && !cfg.EnableCgroup {
		if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
			return nil, fmt.Errorf("become child subreaper: %w", err)
		}
		r.sweep = true
		logger.Warn(ctx, "no pid namespace or cgroup, detached processes are reaped by the service")
	}
	return r, nil
}

// CheckNamespaces starts cfg's launcher in fresh namespaces with sibling
// workspaces masked, without running a program.
func CheckNamespaces(cfg Config) error {
	r, err := newLinuxRunner(cfg.withDefaults())
	if err != nil {
		return err
	}
	return r.checkNamespaces()
}

func newLinuxRunner(cfg Config) (*linuxRunner, error) {
	switch cfg.Namespaces {
	case NamespacesAuto, NamespacesOn, NamespacesOff:
	default:
		return nil, fmt.Errorf("unknown namespaces mode: %s", cfg.Namespaces)
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.EnableSeccomp && cfg.SeccompProfile == "" {
		return nil, fmt.Errorf("seccomp profile is required when seccomp is enabled")
	}
	if cfg.EnableSeccomp && cfg.HelperPath == "" {
		return nil, fmt.Errorf("seccomp requires the sandbox-init helper")
	}
	r := &linuxRunner{cfg: cfg, helper: "/proc/self/exe", helperArg0: launcher.SelfArg0}
	if cfg.HelperPath != "" {
		path, err := exec.LookPath(cfg.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("resolve sandbox helper: %w", err)
		}
		r.helper, r.helperArg0 = path, path
	}
	return r, nil
}

// process holds the command and the parent's pipe ends for one execution.
type process struct {
	cmd *exec.Cmd

	stdinW  *os.File
	stdoutR *os.File
	stderrR *os.File
	initW   *os.File
	statusR *os.File
	reportR *os.File

	// childFiles are the child's pipe ends; the parent drops them after start.
	childFiles []*os.File
}

func (p *process) closeChildFiles() {
	for _, f := range p.childFiles {
		_ = f.Close()
	}
	p.childFiles = nil
}

func (p *process) close() error {
	p.closeChildFiles()
	var errs error
	for _, f := range []*os.File{p.stdinW, p.stdoutR, p.stderrR, p.initW, p.statusR, p.reportR} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && !isClosedErr(err) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (r *linuxRunner) Execute(ctx context.Context, procSpec spec.ProcessSpec) (result.ExecutionOutcome, error) {
	if err := procSpec.Validate(); err != nil {
		return result.ExecutionOutcome{}, err
	}
	limits := procSpec.Limits

	cgroupPath := ""
	if r.cfg.EnableCgroup {
		path, err := createRunCgroup(r.cfg.CgroupRoot)
		if err != nil {
			return result.ExecutionOutcome{}, err
		}
		if err := applyCgroupLimits(path, limits); err != nil {
			_ = removeCgroup(path)
			return result.ExecutionOutcome{}, fmt.Errorf("apply cgroup limits: %w", err)
		}
		cgroupPath = path
		defer func() {
			if err := removeCgroup(cgroupPath); err != nil {
				logger.Warn(ctx, "cleanup cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
			}
		}()
	}

	p, err := r.newProcess(procSpec.WorkDir, cgroupPath)
	if err != nil {
		return result.ExecutionOutcome{}, err
	}
	defer func() {
		if err := p.close(); err != nil {
			logger.Warn(ctx, "close process pipes failed", zap.Error(err))
		}
	}()

	start := time.Now()
	err = leaders.start(p.cmd)
	p.closeChildFiles()
	if err != nil {
		return result.ExecutionOutcome{
			Kind:     result.LaunchFailure,
			WallTime: time.Since(start),
			Detail:   fmt.Sprintf("start process: %v", err),
		}, nil
	}
	pid := p.cmd.Process.Pid
	go r.sendRequest(ctx, p.initW, r.request(procSpec))

	go func() {
		defer p.stdinW.Close()
		if procSpec.Stdin == "" {
			return
		}
		// EPIPE means the program exited or closed stdin early.
		_, _ = io.WriteString(p.stdinW, procSpec.Stdin)
	}()

	overflow := make(chan struct{})
	notifyOverflow := signalOnce(overflow)
	stdout := newCappedBuffer(limits.MaxOutputBytes, notifyOverflow)
	stderr := newCappedBuffer(limits.MaxOutputBytes, notifyOverflow)
	var readers errgroup.Group
	readers.Go(func() error { return stdout.readFrom(p.stdoutR) })
	readers.Go(func() error { return stderr.readFrom(p.stderrR) })
	readersDone := make(chan error, 1)
	go func() { readersDone <- readers.Wait() }()

	waitCh := make(chan error, 1)
	go func() { waitCh <- p.cmd.Wait() }()

	timer := time.NewTimer(limits.WallClockTimeout)
	defer timer.Stop()

	reason := killNone
	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		reason = killTimeout
	case <-overflow:
		reason = killOverflow
	case <-ctx.Done():
		reason = killCancel
	}
	if reason != killNone {
		r.killTree(pid, cgroupPath)
		waitErr = <-waitCh
	}
	wallTime := time.Since(start)

	// Descendants may outlive the leader and keep the pipes open.
	r.killTree(pid, cgroupPath)
	if err := leaders.release(pid, r.sweep); err != nil {
		logger.Error(ctx, "reap detached processes failed", zap.Int("pid", pid), zap.Error(err))
	}
	if err := r.drain(readersDone, p); err != nil {
		logger.Warn(ctx, "read process output failed", zap.Error(err))
	}

	status := statusFromState(p.cmd.ProcessState)
	if r.namespaces && reason == killNone {
		if rep, ok := r.readExitReport(p.reportR); ok {
			status = statusFromReport(rep)
		}
	}
	outcome := result.ExecutionOutcome{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		WallTime:  wallTime,
		CPUTime:   status.cpu,
		MemoryKB:  memoryPeakKB(cgroupPath, status),
		OomKilled: wasOomKilled(cgroupPath),
	}

	if msg := r.readLaunchStatus(p.statusR); msg != "" {
		outcome.Kind = result.LaunchFailure
		outcome.Detail = msg
		return outcome, nil
	}

	classify(&outcome, reason, ctx.Err(), status, waitErr, stdout.Truncated() || stderr.Truncated())
	if outcome.Kind == result.TimedOut && reason == killTimeout {
		outcome.Detail = fmt.Sprintf("wall clock limit %s exceeded", limits.WallClockTimeout)
	}
	return outcome, nil
}

// classify applies the termination priority: wall clock, then output cap,
// then signal or exit status.
func classify(outcome *result.ExecutionOutcome, reason killReason, ctxErr error, status exitStatus, waitErr error, truncated bool) {
	switch {
	case reason == killTimeout:
		outcome.Kind = result.TimedOut
		return
	case reason == killCancel:
		outcome.Kind = result.TimedOut
		outcome.Detail = fmt.Sprintf("cancelled: %v", ctxErr)
		return
	case truncated:
		outcome.Kind = result.OutputTruncated
		return
	}

	if !status.known {
		outcome.Kind = result.LaunchFailure
		outcome.Detail = fmt.Sprintf("wait process: %v", waitErr)
		return
	}
	if status.signaled {
		outcome.Kind = result.KilledBySignal
		outcome.Signal = status.signal.String()
		if outcome.OomKilled {
			outcome.Detail = "memory limit exceeded"
		}
		return
	}
	code := status.code
	outcome.ExitCode = &code
	if code == 0 {
		outcome.Kind = result.Completed
		return
	}
	outcome.Kind = result.NonZeroExit
}

func (r *linuxRunner) newProcess(workDir, cgroupPath string) (_ *process, err error) {
	p := &process{}
	defer func() {
		if err != nil {
			_ = p.close()
		}
	}()

	pipe := func(name string, parent **os.File, parentReads bool) error {
		rd, wr, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("create %s pipe: %w", name, err)
		}
		if parentReads {
			*parent = rd
			p.childFiles = append(p.childFiles, wr)
		} else {
			*parent = wr
			p.childFiles = append(p.childFiles, rd)
		}
		return nil
	}
	if err := pipe("stdin", &p.stdinW, false); err != nil {
		return nil, err
	}
	if err := pipe("stdout", &p.stdoutR, true); err != nil {
		return nil, err
	}
	if err := pipe("stderr", &p.stderrR, true); err != nil {
		return nil, err
	}
	if err := pipe("init", &p.initW, false); err != nil {
		return nil, err
	}
	if err := pipe("status", &p.statusR, true); err != nil {
		return nil, err
	}
	if r.namespaces {
		if err := pipe("report", &p.reportR, true); err != nil {
			return nil, err
		}
	}

	cmd := exec.Command(r.helper)
	cmd.Args = []string{r.helperArg0}
	cmd.Env = []string{"PATH=" + r.cfg.DefaultPath}
	cmd.Dir = workDir
	cmd.Stdin = p.childFiles[0]
	cmd.Stdout = p.childFiles[1]
	cmd.Stderr = p.childFiles[2]
	// fd 3 carries the request, fd 4 launch errors, fd 5 the exit report.
	cmd.ExtraFiles = append([]*os.File(nil), p.childFiles[3:]...)

	attr := buildSysProcAttr(r.namespaces, r.cfg.DisableNetwork)
	if cgroupPath != "" {
		dir, err := os.Open(cgroupPath)
		if err != nil {
			return nil, fmt.Errorf("open cgroup: %w", err)
		}
		// Kept open until start; the child is cloned directly into the cgroup.
		p.childFiles = append(p.childFiles, dir)
		attr.UseCgroupFD = true
		attr.CgroupFD = int(dir.Fd())
	}
	cmd.SysProcAttr = attr
	p.cmd = cmd
	return p, nil
}

func (r *linuxRunner) request(procSpec spec.ProcessSpec) launcher.Request {
	req := launcher.Request{
		Executable: procSpec.Executable,
		Args:       procSpec.Args,
		WorkDir:    procSpec.WorkDir,
		Env:        buildEnv(procSpec.Env, r.cfg.DefaultPath),
		Limits:     toRlimits(procSpec.Limits, r.cfg.EnableNprocRlimit),
		EnableNs:   r.namespaces,
	}
	if r.cfg.EnableSeccomp {
		req.SeccompProfile = r.cfg.SeccompProfile
	}
	return req
}

func (r *linuxRunner) sendRequest(ctx context.Context, w *os.File, req launcher.Request) {
	defer w.Close()
	if err := json.NewEncoder(w).Encode(req); err != nil && !isClosedErr(err) {
		logger.Warn(ctx, "send init request failed", zap.Error(err))
	}
}

// checkNamespaces runs the launcher once in fresh namespaces over a scratch workspace.
func (r *linuxRunner) checkNamespaces() error {
	dir, err := os.MkdirTemp("", "codesandbox-check-")
	if err != nil {
		return fmt.Errorf("create check dir: %w", err)
	}
	defer os.RemoveAll(dir)
	work := filepath.Join(dir, "ws")
	if err := os.Mkdir(work, 0o700); err != nil {
		return fmt.Errorf("create check workspace: %w", err)
	}

	trial := *r
	trial.namespaces = true
	p, err := trial.newProcess(work, "")
	if err != nil {
		return err
	}
	defer func() { _ = p.close() }()

	err = leaders.start(p.cmd)
	p.closeChildFiles()
	if err != nil {
		return fmt.Errorf("start launcher: %w", err)
	}
	pid := p.cmd.Process.Pid
	go trial.sendRequest(context.Background(), p.initW, launcher.Request{WorkDir: work, EnableNs: true, SetupOnly: true})

	timer := time.AfterFunc(checkTimeout, func() { _ = syscall.Kill(-pid, syscall.SIGKILL) })
	waitErr := p.cmd.Wait()
	timer.Stop()
	_ = leaders.release(pid, false)
	if msg := trial.readLaunchStatus(p.statusR); msg != "" {
		return errors.New(msg)
	}
	return waitErr
}

// readLaunchStatus returns the launcher's error message, or "" when it
// reached exec (the status pipe is close-on-exec).
func (r *linuxRunner) readLaunchStatus(statusR *os.File) string {
	_ = statusR.SetReadDeadline(time.Now().Add(r.cfg.DrainTimeout))
	data, _ := io.ReadAll(io.LimitReader(statusR, maxLaunchMessageBytes))
	return string(data)
}

func (r *linuxRunner) readExitReport(reportR *os.File) (launcher.ExitReport, bool) {
	_ = reportR.SetReadDeadline(time.Now().Add(r.cfg.DrainTimeout))
	data, _ := io.ReadAll(io.LimitReader(reportR, maxReportBytes))
	var rep launcher.ExitReport
	if len(data) == 0 || json.Unmarshal(data, &rep) != nil {
		return launcher.ExitReport{}, false
	}
	return rep, true
}

// drain waits for the output readers, then forces their pipes closed if an
// escaped descendant still holds the write ends.
func (r *linuxRunner) drain(readersDone <-chan error, p *process) error {
	select {
	case err := <-readersDone:
		return err
	case <-time.After(r.cfg.DrainTimeout):
	}
	_ = p.stdoutR.Close()
	_ = p.stderrR.Close()
	return <-readersDone
}

// killTree kills the launcher's process group and, when present, the run's
// cgroup. Inside a pid namespace the launcher's death takes the rest along.
func (r *linuxRunner) killTree(pid int, cgroupPath string) {
	if pid > 0 {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	if cgroupPath != "" {
		_ = killCgroup(cgroupPath)
	}
}

func buildSysProcAttr(enableNamespaces, disableNetwork bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !enableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC | syscall.CLONE_NEWUSER)
	if disableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	return attr
}
