//go:build linux

package launcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// exitLaunchFailed mirrors the shell's "command not found" status.
const exitLaunchFailed = 127

const fallbackPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Options carries the pieces a launcher binary may add.
type Options struct {
	// Seccomp loads the profile at path into the calling thread. Requests
	// with a profile fail when it is nil.
	Seccomp func(path string) error
}

// Main runs the launcher and exits; it never returns.
func Main(opts Options) {
	// Capabilities, seccomp filters and exec are per thread.
	runtime.LockOSThread()
	code, err := run(opts)
	if err != nil {
		report(err)
		os.Exit(exitLaunchFailed)
	}
	os.Exit(code)
}

func report(err error) {
	status := os.NewFile(StatusFD, "status")
	if status != nil {
		if _, werr := io.WriteString(status, err.Error()); werr == nil {
			return
		}
	}
	_, _ = fmt.Fprintln(os.Stderr, err.Error())
}

func run(opts Options) (int, error) {
	if _, err := unix.FcntlInt(uintptr(StatusFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return 0, fmt.Errorf("mark status fd close-on-exec: %w", err)
	}
	reqFile := os.NewFile(RequestFD, "request")
	if reqFile == nil {
		return 0, fmt.Errorf("init request fd is missing")
	}
	var req Request
	err := json.NewDecoder(reqFile).Decode(&req)
	_ = reqFile.Close()
	if err != nil {
		return 0, fmt.Errorf("decode request: %w", err)
	}
	if req.WorkDir == "" {
		return 0, fmt.Errorf("work dir is required")
	}
	if req.EnableNs && !req.Nested {
		return supervise(req)
	}
	if req.Executable == "" {
		return 0, fmt.Errorf("executable is required")
	}
	return 0, execProgram(req, opts)
}

// supervise runs as pid 1 of a fresh pid namespace. It hides sibling
// workspaces, starts the program in a second launcher and reports how it
// ended. Everything left in the namespace dies with it.
func supervise(req Request) (int, error) {
	if _, err := unix.FcntlInt(uintptr(ReportFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return 0, fmt.Errorf("mark report fd close-on-exec: %w", err)
	}
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return 0, fmt.Errorf("make mount private: %w", err)
	}
	if err := maskSiblings(req.WorkDir); err != nil {
		return 0, err
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return 0, fmt.Errorf("mount proc: %w", err)
	}
	if req.SetupOnly {
		return 0, nil
	}

	// Signals from inside the namespace must not take pid 1 down early.
	signal.Notify(make(chan os.Signal, 1), unix.SIGTERM, unix.SIGINT, unix.SIGHUP, unix.SIGQUIT, unix.SIGUSR1, unix.SIGUSR2)

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("create request pipe: %w", err)
	}
	status := os.NewFile(StatusFD, "status")
	cmd := exec.Command("/proc/self/exe")
	cmd.Args = []string{os.Args[0]}
	cmd.Env = []string{"PATH=" + fallbackPath}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{reqR, status}
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	err = cmd.Start()
	_ = reqR.Close()
	if err != nil {
		_ = reqW.Close()
		return 0, fmt.Errorf("start program launcher: %w", err)
	}
	// The runner sees EOF on the status pipe once the program has exec'd.
	_ = status.Close()

	req.Nested = true
	_ = json.NewEncoder(reqW).Encode(req)
	_ = reqW.Close()

	rep := reapUntil(cmd.Process.Pid)
	if out := os.NewFile(ReportFD, "report"); out != nil {
		_ = json.NewEncoder(out).Encode(rep)
		_ = out.Close()
	}
	if rep.Exited {
		return rep.Code, nil
	}
	return 128 + rep.Signal, nil
}

// reapUntil collects every zombie in the namespace until pid exits.
func reapUntil(pid int) ExitReport {
	for {
		var ws unix.WaitStatus
		var ru unix.Rusage
		got, err := unix.Wait4(-1, &ws, 0, &ru)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ExitReport{Signal: int(unix.SIGKILL)}
		}
		if got != pid {
			continue
		}
		rep := ExitReport{
			UserUsec: ru.Utime.Nano() / 1000,
			SysUsec:  ru.Stime.Nano() / 1000,
			MaxRSSKB: ru.Maxrss,
		}
		if ws.Signaled() {
			rep.Signal = int(ws.Signal())
		} else {
			rep.Exited = true
			rep.Code = ws.ExitStatus()
		}
		return rep
	}
}

// maskSiblings covers the workspace root with an empty tmpfs and binds the
// run's own directory back in its place.
func maskSiblings(workDir string) error {
	workDir = filepath.Clean(workDir)
	root := filepath.Dir(workDir)
	if root == "/" || root == "." {
		return nil
	}
	fd, err := unix.Open(workDir, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open workdir: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Mount("tmpfs", root, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0711,size=64k"); err != nil {
		return fmt.Errorf("mask workspace root: %w", err)
	}
	target := filepath.Join(root, filepath.Base(workDir))
	if err := unix.Mkdir(target, 0o700); err != nil {
		return fmt.Errorf("create workdir mount point: %w", err)
	}
	source := fmt.Sprintf("/proc/self/fd/%d", fd)
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind workdir: %w", err)
	}
	return nil
}

func execProgram(req Request, opts Options) error {
	if err := os.Chdir(req.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	env := req.Env
	if len(env) == 0 {
		env = []string{"PATH=" + fallbackPath}
	}
	os.Clearenv()
	for _, kv := range env {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env: %w", err)
		}
	}
	// Resolve before limits and filters apply; both can break lookups.
	cmdPath, err := exec.LookPath(req.Executable)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if err := applyRlimits(req.Limits); err != nil {
		return err
	}
	if req.Nested {
		if err := dropCapabilities(); err != nil {
			return err
		}
	}
	if req.SeccompProfile != "" {
		if opts.Seccomp == nil {
			return fmt.Errorf("seccomp profiles need the sandbox-init helper")
		}
		if err := opts.Seccomp(req.SeccompProfile); err != nil {
			return err
		}
	}
	// Address space goes last: the launcher's own mappings may exceed it.
	if err := setRlimit("as", unix.RLIMIT_AS, req.Limits.AddressSpace); err != nil {
		return err
	}

	argv := append([]string{req.Executable}, req.Args...)
	if err := unix.Exec(cmdPath, argv, env); err != nil {
		return fmt.Errorf("exec %s: %w", req.Executable, err)
	}
	return nil
}

func setRlimit(name string, resource int, value uint64) error {
	if value == 0 {
		return nil
	}
	if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
		return fmt.Errorf("set rlimit %s: %w", name, err)
	}
	return nil
}

func applyRlimits(limits Rlimits) error {
	if err := setRlimit("cpu", unix.RLIMIT_CPU, limits.CPUSeconds); err != nil {
		return err
	}
	if err := setRlimit("fsize", unix.RLIMIT_FSIZE, limits.FileSize); err != nil {
		return err
	}
	if err := setRlimit("nproc", unix.RLIMIT_NPROC, limits.Processes); err != nil {
		return err
	}
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{}); err != nil {
		return fmt.Errorf("set rlimit core: %w", err)
	}
	return nil
}

// dropCapabilities empties the bounding, ambient and current sets, so the
// program runs as namespace root without being able to undo the mounts.
func dropCapabilities() error {
	for c := 0; c < 64; c++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
		if errors.Is(err, unix.EINVAL) {
			break
		}
		if err != nil {
			return fmt.Errorf("drop bounding capability %d: %w", c, err)
		}
	}
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("clear ambient capabilities: %w", err)
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData
	if err := unix.Capset(&hdr, &data[0]); err != nil {
		return fmt.Errorf("clear capabilities: %w", err)
	}
	return nil
}
