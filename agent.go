package svcagent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/axondata/go-svcagent/internal/observability"
)

// Config holds the agent's settings
type Config struct {
	// NodeID names this agent in logs
	NodeID string
	// ServiceFolder is the root scanned for descriptors
	ServiceFolder string
	// ServiceFileMask selects descriptor files by base name
	ServiceFileMask string
	// Watch refreshes the catalog when the service folder changes
	Watch bool
	// AutoStart starts every declared service after the first scan
	AutoStart bool
	// ControlAddr is the control server's listen address
	ControlAddr string
	// MetricsAddr serves Prometheus metrics when set
	MetricsAddr string
	// RestartGrace is the restarter's delay before relaunching
	RestartGrace time.Duration
	// StopTimeout is the default SIGTERM to SIGKILL grace for services
	StopTimeout time.Duration
	// ListenRetry bounds how long Listen waits for a busy control address
	ListenRetry time.Duration
	// Concurrency bounds bulk operations
	Concurrency int
	// PIDFile is written with the agent's pid when set
	PIDFile string
	// ChildOutput receives the output of forked agents and the restarter.
	// Empty means a svcagent.log next to PIDFile, or the agent's stderr
	// when there is no PIDFile.
	ChildOutput string
	// RepoDir is the working tree used by checkout
	RepoDir string
}

// DefaultConfig returns the agent defaults
func DefaultConfig() Config {
	return Config{
		NodeID:          defaultNodeID(),
		ServiceFolder:   DefaultServiceFolder,
		ServiceFileMask: DefaultServiceFileMask,
		ControlAddr:     DefaultControlAddr,
		RestartGrace:    DefaultRestartGrace,
		StopTimeout:     DefaultStopTimeout,
		ListenRetry:     DefaultListenRetry,
		Concurrency:     DefaultConcurrency,
		RepoDir:         ".",
	}
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-" + uuid.NewString()[:8]
	}
	return "node-" + strings.ToLower(host) + "-" + strconv.Itoa(os.Getpid())
}

// Agent wires the catalog, hosting runtime, controller and control server
// into one supervisor process.
type Agent struct {
	cfg    Config
	logger zerolog.Logger

	registry   *prometheus.Registry
	metrics    *observability.Metrics
	executor   *Executor
	spawner    Spawner
	runtime    Runtime
	manager    *Manager
	controller *Controller
	commands   *Commands
	server     *Server

	invocation *Invocation
	exit       func(int)
}

// AgentOption configures an Agent
type AgentOption func(*Agent)

// WithAgentLogger sets the root logger
func WithAgentLogger(l zerolog.Logger) AgentOption {
	return func(a *Agent) {
		a.logger = l
	}
}

// WithRuntime replaces the default ProcessHost
func WithRuntime(rt Runtime) AgentOption {
	return func(a *Agent) {
		a.runtime = rt
	}
}

// WithSpawner replaces the Executor used to launch forks and the restarter
func WithSpawner(sp Spawner) AgentOption {
	return func(a *Agent) {
		a.spawner = sp
	}
}

// WithInvocation sets the command line reused by fork and restart
func WithInvocation(inv Invocation) AgentOption {
	return func(a *Agent) {
		a.invocation = &inv
	}
}

// WithAgentExit replaces os.Exit for quit and restart
func WithAgentExit(fn func(int)) AgentOption {
	return func(a *Agent) {
		a.exit = fn
	}
}

// NewAgent builds an agent from cfg. Hosted services live until ctx is done
// or the agent quits.
func NewAgent(ctx context.Context, cfg Config, opts ...AgentOption) (*Agent, error) {
	a := &Agent{
		cfg:    cfg,
		logger: zerolog.Nop(),
		exit:   os.Exit,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With().Str("node", cfg.NodeID).Logger()

	if a.invocation == nil {
		inv, err := CurrentInvocation()
		if err != nil {
			return nil, err
		}
		a.invocation = &inv
	}

	a.registry = prometheus.NewRegistry()
	a.metrics = observability.NewMetrics(a.registry)

	a.executor = NewExecutor(WithExecutorLogger(component(a.logger, "executor")))
	if a.runtime == nil {
		a.runtime = NewProcessHost(ctx,
			WithHostLogger(component(a.logger, "host")),
			WithStopTimeout(cfg.StopTimeout),
		)
	}

	a.manager = NewManager(a.runtime,
		WithConcurrency(cfg.Concurrency),
		WithServiceFolder(cfg.ServiceFolder, cfg.ServiceFileMask),
		WithLogger(component(a.logger, "manager")),
		WithMetrics(a.metrics),
	)
	if a.spawner == nil {
		a.spawner = a.executor
	}
	a.controller = NewController(*a.invocation, a.spawner, a.runtime,
		WithRestartGrace(cfg.RestartGrace),
		WithExitFunc(a.exit),
		WithPreStop(a.release),
		WithChildOutput(childOutputPath(cfg)),
		WithControllerLogger(component(a.logger, "controller")),
	)
	a.commands = NewCommands(a.manager, a.executor, a.controller,
		WithRepoDir(cfg.RepoDir),
		WithCommandsLogger(component(a.logger, "commands")),
		WithCommandsMetrics(a.metrics),
	)
	a.server = NewServer(cfg.ControlAddr, a.commands,
		WithListenRetry(cfg.ListenRetry),
		WithServerLogger(component(a.logger, "control")),
	)
	return a, nil
}

func childOutputPath(cfg Config) string {
	if cfg.ChildOutput != "" || cfg.PIDFile == "" {
		return cfg.ChildOutput
	}
	return filepath.Join(filepath.Dir(cfg.PIDFile), "svcagent.log")
}

// release frees the control address and the pid file ahead of a quit, so a
// replacement agent can claim them while hosted services are still stopping.
func (a *Agent) release() {
	if err := a.server.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("close control listener failed")
	}
	if a.cfg.PIDFile != "" {
		removePIDFile(a.cfg.PIDFile, a.logger)
	}
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Manager returns the lifecycle manager
func (a *Agent) Manager() *Manager { return a.manager }

// Controller returns the self-supervision controller
func (a *Agent) Controller() *Controller { return a.controller }

// Commands returns the command surface
func (a *Agent) Commands() *Commands { return a.commands }

// Addr returns the control server's bound address, nil before Run binds it
func (a *Agent) Addr() net.Addr { return a.server.Addr() }

// Listen binds the control address ahead of Run
func (a *Agent) Listen() error { return a.server.Listen() }

// Run scans the service folder, optionally starts every service and serves
// control requests until ctx is done. The hosting runtime is stopped before
// Run returns.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().Int("pid", os.Getpid()).Str("version", Version).Msg("agent starting")

	if a.cfg.PIDFile != "" {
		if err := writePIDFile(a.cfg.PIDFile); err != nil {
			return err
		}
		defer removePIDFile(a.cfg.PIDFile, a.logger)
	}

	if _, err := a.manager.Refresh(); err != nil {
		return err
	}
	if a.cfg.AutoStart {
		a.manager.StartAll(ctx)
	}

	if a.cfg.Watch {
		cleanup, err := WatchFolder(ctx, a.cfg.ServiceFolder, a.cfg.ServiceFileMask, DefaultWatchDebounce, func() {
			if _, err := a.manager.Refresh(); err != nil {
				a.logger.Warn().Err(err).Msg("refresh after folder change failed")
			}
		}, component(a.logger, "watch"))
		if err != nil {
			a.logger.Warn().Err(err).Str("folder", a.cfg.ServiceFolder).Msg("folder watch disabled")
		} else {
			defer func() { _ = cleanup() }()
		}
	}

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsMux(a.registry),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Str("addr", a.cfg.MetricsAddr).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	serveErr := a.server.Serve(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.StopTimeout+5*time.Second)
	defer cancel()
	if err := a.runtime.Stop(stopCtx); err != nil {
		a.logger.Error().Err(err).Msg("runtime stop failed")
	}
	a.logger.Info().Msg("agent stopped")
	return serveErr
}

func metricsMux(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(g))
	return mux
}

// writePIDFile atomically replaces path with the current pid
func writePIDFile(path string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := renameio.WriteFile(path, data, FileMode); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// removePIDFile deletes path only while it still names this process, so a
// replacement agent's file survives the old agent's exit.
func removePIDFile(path string, logger zerolog.Logger) {
	pid, err := ReadPIDFile(path)
	if err != nil || pid != os.Getpid() {
		return
	}
	if err := os.Remove(path); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("remove pid file failed")
	}
}

// ReadPIDFile returns the pid recorded in path
func ReadPIDFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("pid file %s: %w", path, err)
	}
	return pid, nil
}
