package svcagent

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Invocation is the executable and arguments the agent was started with
type Invocation struct {
	Executable string
	Args       []string
}

// CurrentInvocation captures the running binary and its arguments
func CurrentInvocation() (Invocation, error) {
	exe, err := os.Executable()
	if err != nil {
		return Invocation{}, fmt.Errorf("resolving executable: %w", err)
	}
	return Invocation{
		Executable: exe,
		Args:       append([]string(nil), os.Args[1:]...),
	}, nil
}

// HandoffState is the position of the agent in the restart hand-off
type HandoffState int32

const (
	// HandoffIdle means no restart or quit has started
	HandoffIdle HandoffState = iota
	// HandoffSpawningRestarter means the restarter is being launched
	HandoffSpawningRestarter
	// HandoffRestarterAlive means the restarter exists and quit may begin
	HandoffRestarterAlive
	// HandoffQuitting means the runtime is stopping and the process will exit
	HandoffQuitting
)

// String returns the state name
func (s HandoffState) String() string {
	switch s {
	case HandoffIdle:
		return "idle"
	case HandoffSpawningRestarter:
		return "spawning-restarter"
	case HandoffRestarterAlive:
		return "restarter-alive"
	case HandoffQuitting:
		return "quitting"
	default:
		return "unknown"
	}
}

// Controller forks, restarts and terminates the agent process
type Controller struct {
	invocation Invocation
	spawner    Spawner
	runtime    Runtime
	exit       func(code int)
	grace      time.Duration
	preStop    []func()
	outputPath string

	state    atomic.Int32
	quitOnce sync.Once
	logger   zerolog.Logger
}

// ControllerOption configures a Controller
type ControllerOption func(*Controller)

// WithRestartGrace sets how long the restarter waits before relaunching
func WithRestartGrace(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.grace = d
	}
}

// WithExitFunc replaces os.Exit as the final step of Quit
func WithExitFunc(fn func(code int)) ControllerOption {
	return func(c *Controller) {
		c.exit = fn
	}
}

// WithPreStop registers fn to run when Quit begins, before the runtime is
// stopped. Hooks release what a replacement agent needs, such as the control
// address and the pid file.
func WithPreStop(fn func()) ControllerOption {
	return func(c *Controller) {
		c.preStop = append(c.preStop, fn)
	}
}

// WithChildOutput appends the output of forked agents and the restarter to
// the file at path. Without it they inherit the agent's stderr.
func WithChildOutput(path string) ControllerOption {
	return func(c *Controller) {
		c.outputPath = path
	}
}

// WithControllerLogger sets the controller's logger
func WithControllerLogger(l zerolog.Logger) ControllerOption {
	return func(c *Controller) {
		c.logger = l
	}
}

// NewController creates a Controller relaunching inv through spawner and
// stopping rt before exit.
func NewController(inv Invocation, spawner Spawner, rt Runtime, opts ...ControllerOption) *Controller {
	c := &Controller{
		invocation: inv,
		spawner:    spawner,
		runtime:    rt,
		exit:       os.Exit,
		grace:      DefaultRestartGrace,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current hand-off state
func (c *Controller) State() HandoffState {
	return HandoffState(c.state.Load())
}

// Fork launches a detached copy of the agent with the same arguments.
// The current process keeps running.
func (c *Controller) Fork() (ChildProcess, error) {
	child, err := c.spawn(c.invocation.Args)
	if err != nil {
		return ChildProcess{}, &OpError{Op: OpFork, Service: AgentServiceName, Err: err}
	}
	c.logger.Info().Int("pid", child.PID).Msg("new agent process started")
	return child, nil
}

// Restart launches a restarter helper and then quits. The helper outlives
// this process, waits the grace period and launches a fresh agent. Restart
// only returns on failure to launch the helper.
func (c *Controller) Restart(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(HandoffIdle), int32(HandoffSpawningRestarter)) {
		return &OpError{Op: OpRestart, Service: AgentServiceName, Err: ErrHandoffInProgress}
	}

	args := RestarterArgs(c.grace, c.invocation.Args)
	child, err := c.spawn(args)
	if err != nil {
		c.state.Store(int32(HandoffIdle))
		return &OpError{Op: OpRestart, Service: AgentServiceName, Err: err}
	}
	c.state.Store(int32(HandoffRestarterAlive))
	c.logger.Info().Int("pid", child.PID).Dur("grace", c.grace).Msg("restarter started")

	c.Quit(ctx, 0)
	return nil
}

// Quit stops the runtime and exits the process with code. Only the first
// call has any effect.
func (c *Controller) Quit(ctx context.Context, code int) {
	c.quitOnce.Do(func() {
		c.state.Store(int32(HandoffQuitting))
		c.logger.Warn().Int("code", code).Msg("exit process")
		for _, fn := range c.preStop {
			fn()
		}
		// The caller's request context ends with the control server
		if err := c.runtime.Stop(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error().Err(err).Msg("runtime stop failed")
		}
		c.exit(code)
	})
}

// spawn launches the agent executable with args, sending its output to the
// configured child output.
func (c *Controller) spawn(args []string) (ChildProcess, error) {
	opts := SpawnOptions{Stdout: os.Stderr, Stderr: os.Stderr}
	if c.outputPath != "" {
		f, err := os.OpenFile(c.outputPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, FileMode)
		if err != nil {
			return ChildProcess{}, fmt.Errorf("open child output: %w", err)
		}
		// The child holds its own descriptor once started
		defer f.Close()
		opts.Stdout, opts.Stderr = f, f
	}
	return c.spawner.Spawn(c.invocation.Executable, args, opts)
}

// RestarterArgs builds the argument list for the restarter helper
func RestarterArgs(grace time.Duration, original []string) []string {
	args := []string{RestarterCommand, "-grace", grace.String(), "--"}
	return append(args, original...)
}

// ParseRestarterArgs splits restarter arguments, excluding RestarterCommand,
// into the grace period and the agent's original arguments.
func ParseRestarterArgs(args []string) (time.Duration, []string, error) {
	fs := flag.NewFlagSet(RestarterCommand, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	grace := fs.Duration("grace", DefaultRestartGrace, "delay before relaunch")
	if err := fs.Parse(args); err != nil {
		return 0, nil, fmt.Errorf("restarter args: %w", err)
	}
	return *grace, fs.Args(), nil
}

// RunRestarter is the body of the restarter helper: it sleeps for the grace
// period, then launches executable with the original arguments, detached.
// The relaunched agent gets opts, normally the restarter's own output.
func RunRestarter(executable string, args []string, spawner Spawner, opts SpawnOptions, sleep func(time.Duration)) (ChildProcess, error) {
	grace, original, err := ParseRestarterArgs(args)
	if err != nil {
		return ChildProcess{}, err
	}
	if sleep == nil {
		sleep = time.Sleep
	}
	sleep(grace)
	return spawner.Spawn(executable, original, opts)
}
