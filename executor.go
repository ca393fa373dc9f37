package svcagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/axondata/go-svcagent/internal/unix"
)

// DefaultShell runs exec commands
const DefaultShell = "/bin/sh"

// execWaitDelay bounds how long Execute waits for output after a cancel
const execWaitDelay = time.Second

// ExecOptions tunes a shell command run by Execute
type ExecOptions struct {
	// Dir is the working directory, empty for the agent's own
	Dir string `json:"cwd,omitempty"`
	// Env holds variables added to the agent's environment
	Env map[string]string `json:"env,omitempty"`
	// Shell overrides DefaultShell
	Shell string `json:"shell,omitempty"`
}

// ExecResult is the outcome of a command that exited zero
type ExecResult struct {
	Command string      `json:"cmd"`
	Options ExecOptions `json:"opts"`
	Stdout  string      `json:"stdout"`
	Stderr  string      `json:"stderr"`
}

// SpawnOptions tunes a detached child launched by Spawn
type SpawnOptions struct {
	// Dir is the working directory, empty for the agent's own
	Dir string
	// Env replaces the environment when non-nil
	Env []string
	// Stdout and Stderr receive the child's output; nil discards it
	Stdout io.Writer
	Stderr io.Writer
}

// ChildProcess is the observation returned for a spawned process.
// The agent keeps no reference to the process after Spawn returns.
type ChildProcess struct {
	PID     int      `json:"pid"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// Runner runs shell commands to completion
type Runner interface {
	Execute(ctx context.Context, command string, opts ExecOptions) (ExecResult, error)
}

// Spawner launches detached processes without waiting for them
type Spawner interface {
	Spawn(command string, args []string, opts SpawnOptions) (ChildProcess, error)
}

// Executor is the OS-backed Runner and Spawner
type Executor struct {
	logger zerolog.Logger
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger used for command output
func WithExecutorLogger(l zerolog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// NewExecutor creates an Executor
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var (
	_ Runner  = (*Executor)(nil)
	_ Spawner = (*Executor)(nil)
)

// Execute runs command through a shell and waits for it to exit. Cancelling
// ctx kills the shell and everything it started. A non-zero exit or launch failure returns *ExecutionError carrying the
// captured output. Output on stderr alone is logged, not treated as failure.
func (e *Executor) Execute(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell
	}

	e.logger.Info().Str("cmd", command).Str("cwd", opts.Dir).Msg("execute")

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = opts.Dir
	// Cancellation kills the whole group. Grandchildren holding the output
	// pipes would otherwise keep Wait blocked until they exit.
	cmd.SysProcAttr = unix.GroupAttr()
	cmd.Cancel = func() error {
		return unix.SignalGroup(cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = execWaitDelay
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(opts.Env)...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Command: command,
		Options: opts,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		execErr := &ExecutionError{
			Command:  command,
			ExitCode: -1,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		e.logger.Error().Err(err).Str("cmd", command).Int("exit_code", execErr.ExitCode).
			Str("stderr", res.Stderr).Msg("execute failed")
		return res, execErr
	}

	e.logger.Debug().Str("cmd", command).Str("stdout", res.Stdout).Msg("execute output")
	if res.Stderr != "" {
		e.logger.Warn().Str("cmd", command).Str("stderr", res.Stderr).Msg("execute wrote to stderr")
	}
	return res, nil
}

// Spawn starts command in a new session and returns as soon as the OS has
// created the process.
func (e *Executor) Spawn(command string, args []string, opts SpawnOptions) (ChildProcess, error) {
	e.logger.Info().Str("command", command).Strs("args", args).Msg("spawn")

	cmd := exec.Command(command, args...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.SysProcAttr = unix.DetachedAttr()

	if err := cmd.Start(); err != nil {
		return ChildProcess{}, fmt.Errorf("spawn %s: %w", command, err)
	}

	child := ChildProcess{
		PID:     cmd.Process.Pid,
		Command: command,
		Args:    append([]string(nil), args...),
	}

	// Reap in the background so a short-lived child does not linger as a
	// zombie while the agent runs. The agent never acts on the result.
	go func() { _ = cmd.Wait() }()

	return child, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
