// Package sandbox invokes the external conversion tool under constraints:
// argv-list execution (never a shell), validated arguments, a closed
// environment whitelist, a hard wall-clock timeout with process-group
// termination, and an address-space ceiling on the child.
//
// A non-zero exit from the tool is a result, not an error. An invocation
// that is itself unsafe to attempt (hostile argument, unknown shape) fails
// hard before any process is started.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hazyhaar/doccmill/archsafe"
)

// DefaultEnvWhitelist enumerates the only environment variables the child
// process may inherit. Everything else in the parent environment is dropped.
var DefaultEnvWhitelist = []string{
	"PATH", "HOME", "USER", "LANG", "LC_ALL", "TZ", "TMPDIR", "TEMP", "TMP",
}

// Config configures an Executor.
type Config struct {
	// ToolPath is the conversion binary. Only this exact path is ever
	// executed.
	ToolPath string

	// Timeout bounds one invocation wall-clock (default 60s).
	Timeout time.Duration

	// MemoryLimitBytes applies RLIMIT_AS to the child (0 = no ceiling).
	MemoryLimitBytes int64

	// EnvWhitelist overrides DefaultEnvWhitelist when non-nil.
	EnvWhitelist []string

	// MaxCaptureBytes caps each captured output stream (default 1 MiB).
	// Output beyond the cap is discarded, not buffered.
	MaxCaptureBytes int64

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.EnvWhitelist == nil {
		c.EnvWhitelist = DefaultEnvWhitelist
	}
	if c.MaxCaptureBytes <= 0 {
		c.MaxCaptureBytes = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the outcome of one tool invocation. Immutable after creation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	TimedOut bool
	Signaled bool // terminated by signal (memory ceiling, external kill)
}

// Success reports a clean zero exit without timeout or signal.
func (r *Result) Success() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Signaled
}

// Executor runs the conversion tool.
type Executor struct {
	cfg Config
}

// New creates an executor. ToolPath is required.
func New(cfg Config) *Executor {
	cfg.defaults()
	return &Executor{cfg: cfg}
}

// ToolPath reports the configured conversion binary.
func (e *Executor) ToolPath() string {
	return e.cfg.ToolPath
}

// Convert invokes `tool <inputPath> <outputPath>` with workdir as the
// working directory.
func (e *Executor) Convert(ctx context.Context, workdir, inputPath, outputPath string) (*Result, error) {
	return e.run(ctx, workdir, inputPath, outputPath)
}

// Version probes `tool --version`. Used by health checks.
func (e *Executor) Version(ctx context.Context) (*Result, error) {
	return e.run(ctx, "", "--version")
}

// infoFlags are the only single-argument invocations the executor accepts.
var infoFlags = map[string]bool{"--version": true, "--help": true}

func (e *Executor) validate(args []string) error {
	if e.cfg.ToolPath == "" {
		return errors.New("sandbox: tool path not configured")
	}
	if err := archsafe.ValidateArg(e.cfg.ToolPath); err != nil {
		return err
	}
	// Two accepted shapes: `tool <in> <out>` and `tool --version|--help`.
	switch len(args) {
	case 1:
		if !infoFlags[args[0]] {
			return &archsafe.Violation{
				Reason: archsafe.ReasonInjection,
				Entry:  args[0],
				Detail: "unrecognized invocation shape",
			}
		}
	case 2:
		for _, a := range args {
			if a == "" {
				return &archsafe.Violation{
					Reason: archsafe.ReasonInjection,
					Detail: "empty path argument",
				}
			}
			if err := archsafe.ValidateArg(a); err != nil {
				return err
			}
		}
	default:
		return &archsafe.Violation{
			Reason: archsafe.ReasonInjection,
			Detail: fmt.Sprintf("unrecognized invocation shape (%d arguments)", len(args)),
		}
	}
	return nil
}

// buildEnv produces the closed environment map: whitelisted keys only, each
// value validated. Nothing is inherited implicitly.
func (e *Executor) buildEnv() []string {
	env := make([]string, 0, len(e.cfg.EnvWhitelist))
	for _, key := range e.cfg.EnvWhitelist {
		val, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := archsafe.ValidateEnvValue(key, val); err != nil {
			e.cfg.Logger.Warn("sandbox: environment variable dropped", "key", key, "error", err)
			continue
		}
		env = append(env, key+"="+val)
	}
	return env
}

func (e *Executor) run(ctx context.Context, workdir string, args ...string) (*Result, error) {
	if err := e.validate(args); err != nil {
		return nil, err
	}

	cmd := exec.Command(e.cfg.ToolPath, args...)
	cmd.Dir = workdir
	cmd.Env = e.buildEnv()
	// Own process group, so that timeout kills the tool and any children it
	// spawned, not just the direct handle.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout := newCapBuffer(e.cfg.MaxCaptureBytes)
	stderr := newCapBuffer(e.cfg.MaxCaptureBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.cfg.ToolPath, err)
	}

	if e.cfg.MemoryLimitBytes > 0 {
		if err := setMemoryLimit(cmd.Process.Pid, e.cfg.MemoryLimitBytes); err != nil {
			// The child is already running; kill it rather than let it run
			// unbounded.
			killGroup(cmd.Process.Pid)
			cmd.Wait()
			return nil, fmt.Errorf("apply memory ceiling: %w", err)
		}
	}

	tctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	// exec drains Stdout/Stderr concurrently; Wait returns once the streams
	// are closed, so a chatty tool never deadlocks on unread output.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timedOut := false
	select {
	case <-tctx.Done():
		killGroup(cmd.Process.Pid)
		<-waitCh
		if ctx.Err() != nil {
			// Parent cancellation (client disconnect), not the timeout.
			return nil, ctx.Err()
		}
		timedOut = true
	case err := <-waitCh:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("wait %s: %w", e.cfg.ToolPath, err)
		}
	}

	state := cmd.ProcessState
	res := &Result{
		ExitCode: state.ExitCode(),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		res.Signaled = true
	}

	if timedOut {
		e.cfg.Logger.Warn("sandbox: tool killed on timeout",
			"tool", e.cfg.ToolPath, "timeout", e.cfg.Timeout, "duration", res.Duration)
	} else if res.ExitCode != 0 {
		e.cfg.Logger.Warn("sandbox: tool exited non-zero",
			"tool", e.cfg.ToolPath, "exit_code", res.ExitCode, "stderr_len", len(res.Stderr))
	}
	return res, nil
}

// setMemoryLimit applies RLIMIT_AS to an already-started child.
func setMemoryLimit(pid int, limit int64) error {
	rl := &unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)}
	return unix.Prlimit(pid, unix.RLIMIT_AS, rl, nil)
}

// killGroup terminates the whole process group.
func killGroup(pid int) {
	unix.Kill(-pid, unix.SIGKILL)
}
