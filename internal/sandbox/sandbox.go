// Package sandbox is the sandbox launcher (spec §4.D): it takes a
// validated request and language descriptor and returns a started
// child process tree plus its three open streams, confined by
// filesystem isolation, identity demotion, resource limits, and
// process-group placement.
package sandbox

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"judged/internal/engineerr"
	"judged/internal/langreg"
	"judged/internal/wire"
)

// Config holds the host-level knobs the launcher needs; these are
// fixed server configuration, not per-request values (spec §4.D.3:
// "others from fixed constants").
type Config struct {
	// UID/GID is the unprivileged identity every sandboxed child runs
	// under, distinct from the server's own identity.
	UID uint32
	GID uint32

	// AddressSpaceBytes, FileSizeBytes and MaxOpenFiles are the
	// RLIMIT_AS, RLIMIT_FSIZE and RLIMIT_NOFILE caps applied before
	// the child execs its program.
	AddressSpaceBytes int64
	FileSizeBytes     int64
	MaxOpenFiles      uint64

	// CPUTimeGraceSec is added on top of the request timeout to
	// compute RLIMIT_CPU: a defense-in-depth cap, since RLIMIT_CPU
	// bounds CPU time, not wall-clock time (the pump's deadline timer
	// owns wall-clock enforcement).
	CPUTimeGraceSec int64

	// BuildTimeout bounds the optional compile step.
	BuildTimeout time.Duration
}

// DefaultConfig returns conservative fixed constants suitable for a
// single-tenant development deployment.
func DefaultConfig() Config {
	return Config{
		UID:               65534, // nobody
		GID:               65534, // nogroup
		AddressSpaceBytes: 512 << 20,
		FileSizeBytes:     64 << 20,
		MaxOpenFiles:      64,
		CPUTimeGraceSec:   5,
		BuildTimeout:      20 * time.Second,
	}
}

// Handle is a running child process plus its three streams, owned
// exclusively by the connection supervisor until reaped.
type Handle struct {
	Cmd        *exec.Cmd
	Stdin      io.WriteCloser
	Stdout     io.ReadCloser
	Stderr     io.ReadCloser
	ScratchDir string
	StartedAt  time.Time
}

// BuildDiagnostic is returned when the optional compile step fails;
// the caller reports it as a single Stderr frame followed by a
// terminal frame without ever starting the run step.
type BuildDiagnostic struct {
	Output     []byte
	ExitCode   int32
	Truncated  bool
	DurationMS int64
}

// Launch materializes the confined execution environment described by
// spec §4.D and starts the run step. If desc declares a BuildCmd, it
// is executed first (synchronously, outside the pump/reaper's view);
// a non-zero exit short-circuits with an error from which
// AsBuildDiagnostic recovers the *BuildDiagnostic.
func Launch(req wire.Request, desc langreg.Descriptor, cfg Config) (*Handle, error) {
	scratch, err := materializeScratch(desc, req)
	if err != nil {
		return nil, engineerr.Internal("prepare scratch directory", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.RemoveAll(scratch)
		}
	}()

	runCmd := append([]string{}, desc.RunCmd...)
	if len(req.CustomRunner) > 0 {
		runCmd = []string{"/bin/sh", "runner.sh"}
	}
	runCmd = append(runCmd, bytesToArgs(req.Arguments)...)

	if len(desc.BuildCmd) > 0 {
		if diag, err := runBuildStep(scratch, desc, req, cfg); err != nil {
			return nil, err
		} else if diag != nil {
			return nil, &buildFailure{diag: diag}
		}
	}

	jailRelDir, err := relativeJailDir(desc.RootDir, scratch)
	if err != nil {
		return nil, engineerr.Internal("compute jail-relative scratch path", err)
	}

	cmd := exec.Command(runCmd[0], runCmd[1:]...)
	cmd.Dir = jailRelDir
	cmd.Env = append([]string{"PATH=/usr/bin:/bin"}, desc.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     desc.RootDir,
		Setpgid:    true,
		Credential: &syscall.Credential{Uid: cfg.UID, Gid: cfg.GID},
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, engineerr.Internal("create stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, engineerr.Internal("create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, engineerr.Internal("create stderr pipe", err)
	}

	limits := rlimitsFor(req, cfg)
	if err := startWithRlimits(cmd, limits); err != nil {
		return nil, engineerr.Internal("start sandboxed process", err)
	}

	cleanup = false // the caller now owns cleanup of the scratch dir via Handle.Cleanup after reaping
	h := &Handle{
		Cmd:        cmd,
		Stdin:      stdin,
		Stdout:     stdout,
		Stderr:     stderr,
		ScratchDir: scratch,
		StartedAt:  time.Now(),
	}

	if len(req.Input) > 0 {
		go func() {
			// Best-effort: a child that exits before consuming all
			// input must not turn this into a fatal error (spec §9
			// open question, retained as correct behavior).
			_, _ = stdin.Write(req.Input)
			_ = stdin.Close()
		}()
	} else {
		_ = stdin.Close()
	}

	return h, nil
}

// SignalGroup delivers the termination signal to the child's process
// group (not just the immediate process), so that interpreters' own
// sub-processes are reached too. Safe to call more than once; ESRCH
// (already gone) is not an error.
func SignalGroup(h *Handle) error {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-h.Cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// Cleanup removes the scratch directory after the child has been
// reaped. Called by the connection supervisor, never by Launch
// itself, since the child needs the directory to exist while running.
func (h *Handle) Cleanup() {
	_ = os.RemoveAll(h.ScratchDir)
}

type buildFailure struct {
	diag *BuildDiagnostic
}

func (b *buildFailure) Error() string {
	return fmt.Sprintf("build step exited %d", b.diag.ExitCode)
}

// AsBuildDiagnostic extracts the diagnostic payload from an error
// returned by Launch, if any.
func AsBuildDiagnostic(err error) (*BuildDiagnostic, bool) {
	bf, ok := err.(*buildFailure)
	if !ok {
		return nil, false
	}
	return bf.diag, true
}

// bytesToArgs converts the wire representation of argument/option lists
// ([][]byte, validated zero-byte-free by internal/validate) into argv
// elements appended after a command's fixed prefix.
func bytesToArgs(elems [][]byte) []string {
	if len(elems) == 0 {
		return nil
	}
	args := make([]string, len(elems))
	for i, e := range elems {
		args[i] = string(e)
	}
	return args
}

func materializeScratch(desc langreg.Descriptor, req wire.Request) (string, error) {
	dir, err := os.MkdirTemp(filepath.Join(desc.RootDir, "scratch"), "run-")
	if err != nil {
		return "", fmt.Errorf("mkdir scratch: %w", err)
	}
	if err := os.Chmod(dir, 0o777); err != nil {
		return "", fmt.Errorf("chmod scratch: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, desc.SourceFile), req.Code, 0o666); err != nil {
		return "", fmt.Errorf("write source: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "input"), req.Input, 0o666); err != nil {
		return "", fmt.Errorf("write input: %w", err)
	}
	if len(req.CustomRunner) > 0 {
		if err := os.WriteFile(filepath.Join(dir, "runner.sh"), req.CustomRunner, 0o777); err != nil {
			return "", fmt.Errorf("write custom runner: %w", err)
		}
	}
	return dir, nil
}

// relativeJailDir turns the real scratch path into the path the child
// sees once chrooted into root.
func relativeJailDir(root, scratch string) (string, error) {
	rel, err := filepath.Rel(root, scratch)
	if err != nil {
		return "", err
	}
	return "/" + rel, nil
}

func runBuildStep(scratch string, desc langreg.Descriptor, req wire.Request, cfg Config) (*BuildDiagnostic, error) {
	jailRelDir, err := relativeJailDir(desc.RootDir, scratch)
	if err != nil {
		return nil, engineerr.Internal("compute jail-relative build path", err)
	}

	buildArgv := append(append([]string{}, desc.BuildCmd...), bytesToArgs(req.Options)...)
	cmd := exec.Command(buildArgv[0], buildArgv[1:]...)
	cmd.Dir = jailRelDir
	cmd.Env = append([]string{"PATH=/usr/bin:/bin"}, desc.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Chroot:     desc.RootDir,
		Setpgid:    true,
		Credential: &syscall.Credential{Uid: cfg.UID, Gid: cfg.GID},
	}

	start := time.Now()
	out, runErr := runWithTimeout(cmd, cfg.BuildTimeout)
	elapsed := time.Since(start).Milliseconds()
	if runErr == nil {
		return nil, nil
	}
	exitCode := int32(-1)
	var exitErr *exec.ExitError
	if ok := asExitError(runErr, &exitErr); ok {
		exitCode = int32(exitErr.ExitCode())
	} else {
		return nil, engineerr.Internal("run build step", runErr)
	}
	return &BuildDiagnostic{
		Output:     out,
		ExitCode:   exitCode,
		Truncated:  len(out) >= 64<<10,
		DurationMS: elapsed,
	}, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func runWithTimeout(cmd *exec.Cmd, timeout time.Duration) ([]byte, error) {
	outBuf := &limitedCollector{limit: 64 << 10}
	cmd.Stdout = outBuf
	cmd.Stderr = outBuf

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return outBuf.Bytes(), err
	case <-time.After(timeout):
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return outBuf.Bytes(), fmt.Errorf("build step timed out after %s", timeout)
	}
}

type limitedCollector struct {
	buf   []byte
	limit int
}

func (c *limitedCollector) Write(p []byte) (int, error) {
	if len(c.buf) < c.limit {
		room := c.limit - len(c.buf)
		if room > len(p) {
			room = len(p)
		}
		c.buf = append(c.buf, p[:room]...)
	}
	return len(p), nil
}

func (c *limitedCollector) Bytes() []byte { return c.buf }

// rlimitSetting pairs a resource with the value to install.
type rlimitSetting struct {
	resource int
	limit    unix.Rlimit
}

func rlimitsFor(req wire.Request, cfg Config) []rlimitSetting {
	cpuSec := uint64(req.TimeoutSec) + uint64(cfg.CPUTimeGraceSec)
	return []rlimitSetting{
		{unix.RLIMIT_CPU, unix.Rlimit{Cur: cpuSec, Max: cpuSec}},
		{unix.RLIMIT_AS, unix.Rlimit{Cur: uint64(cfg.AddressSpaceBytes), Max: uint64(cfg.AddressSpaceBytes)}},
		{unix.RLIMIT_FSIZE, unix.Rlimit{Cur: uint64(cfg.FileSizeBytes), Max: uint64(cfg.FileSizeBytes)}},
		{unix.RLIMIT_NOFILE, unix.Rlimit{Cur: cfg.MaxOpenFiles, Max: cfg.MaxOpenFiles}},
	}
}

// startWithRlimits installs the given rlimits, starts cmd (so the
// forked child inherits them), then restores the previous limits.
// exec.Cmd.SysProcAttr has no hook for arbitrary pre-exec syscalls, so
// the limits are set around cmd.Start() instead. Rlimits are
// per-process, so during that short window they also apply to the rest
// of this connection process; restoring them afterward does not
// retroactively change the already-forked child.
func startWithRlimits(cmd *exec.Cmd, settings []rlimitSetting) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	olds := make([]unix.Rlimit, len(settings))
	for i, s := range settings {
		if err := unix.Getrlimit(s.resource, &olds[i]); err != nil {
			return fmt.Errorf("getrlimit(%d): %w", s.resource, err)
		}
		lim := s.limit
		if err := unix.Setrlimit(s.resource, &lim); err != nil {
			return fmt.Errorf("setrlimit(%d): %w", s.resource, err)
		}
	}

	startErr := cmd.Start()

	for i, s := range settings {
		old := olds[i]
		_ = unix.Setrlimit(s.resource, &old)
	}

	return startErr
}
