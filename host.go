package svcagent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"vawter.tech/stopper"

	"github.com/axondata/go-svcagent/internal/unix"
)

var (
	// ErrRuntimeStopped indicates the host is shutting down
	ErrRuntimeStopped = errors.New("svcagent: runtime stopped")

	errAlreadyHosted = errors.New("already hosted")
	errNoCommand     = errors.New("descriptor has no command")
	errReserved      = errors.New("reserved service")
)

// ProcessHost is a Runtime that hosts each service as a child process
// running the descriptor's command in its own process group.
type ProcessHost struct {
	mu       sync.Mutex
	services map[string]*hostedService
	self     Handle

	sctx        *stopper.Context
	logger      zerolog.Logger
	stopTimeout time.Duration
}

// hostedService tracks one child process. done is closed once the process
// has been reaped.
type hostedService struct {
	handle   Handle
	desc     Descriptor
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
}

// HostOption configures a ProcessHost
type HostOption func(*ProcessHost)

// WithHostLogger sets the logger used for lifecycle events and child output
func WithHostLogger(l zerolog.Logger) HostOption {
	return func(h *ProcessHost) {
		h.logger = l
	}
}

// WithStopTimeout sets the default SIGTERM to SIGKILL grace
func WithStopTimeout(d time.Duration) HostOption {
	return func(h *ProcessHost) {
		h.stopTimeout = d
	}
}

// NewProcessHost creates a host whose child watchers live until ctx is
// done or Stop is called.
func NewProcessHost(ctx context.Context, opts ...HostOption) *ProcessHost {
	h := &ProcessHost{
		services: make(map[string]*hostedService),
		self: Handle{
			Name:      AgentServiceName,
			PID:       os.Getpid(),
			StartedAt: time.Now(),
		},
		sctx:        stopper.WithContext(ctx),
		logger:      zerolog.Nop(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

var _ Runtime = (*ProcessHost)(nil)

// GetRunningService returns the hosted service matching name and version
func (h *ProcessHost) GetRunningService(name, version string) (Handle, bool) {
	if h.self.Matches(name, version) {
		return h.self, true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, key := range h.sortedKeysLocked() {
		if svc := h.services[key]; svc.handle.Matches(name, version) {
			return svc.handle, true
		}
	}
	return Handle{}, false
}

// LoadService reads the descriptor at filePath and launches its command
func (h *ProcessHost) LoadService(ctx context.Context, filePath string) (Handle, error) {
	if h.sctx.IsStopping() {
		return Handle{}, ErrRuntimeStopped
	}

	d, err := LoadDescriptor(filePath)
	if err != nil {
		return Handle{}, err
	}
	if IsReserved(d.Name) {
		return Handle{}, fmt.Errorf("load %s: %w", d.Key(), errReserved)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.services[d.Key()]; ok {
		return Handle{}, fmt.Errorf("load %s: %w", d.Key(), errAlreadyHosted)
	}

	svc, err := h.launch(d)
	if err != nil {
		return Handle{}, err
	}
	h.services[d.Key()] = svc
	return svc.handle, nil
}

// DestroyService terminates the service's process group and waits for it
func (h *ProcessHost) DestroyService(ctx context.Context, handle Handle) error {
	if IsReserved(handle.Name) {
		return fmt.Errorf("destroy %s: %w", handle.Key(), errReserved)
	}

	h.mu.Lock()
	svc, ok := h.services[handle.Key()]
	if ok {
		svc.stopping = true
		delete(h.services, handle.Key())
	}
	h.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}
	return h.terminate(ctx, svc)
}

// HotReloadService signals the service with its reload signal. Without one,
// the descriptor is re-read and the process replaced under the same handle.
func (h *ProcessHost) HotReloadService(ctx context.Context, handle Handle) error {
	h.mu.Lock()
	svc, ok := h.services[handle.Key()]
	h.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	if name := svc.desc.Definition.ReloadSignal; name != "" {
		sig, err := parseSignal(name)
		if err != nil {
			return err
		}
		h.logger.Info().Str("service", handle.Key()).Str("signal", name).Msg("hot reload by signal")
		return unix.SignalGroup(svc.handle.PID, sig)
	}

	d, err := LoadDescriptor(svc.desc.FilePath)
	if err != nil {
		return err
	}
	if d.Key() != handle.Key() {
		return fmt.Errorf("reload %s: descriptor now declares %s", handle.Key(), d.Key())
	}

	h.mu.Lock()
	svc.stopping = true
	h.mu.Unlock()
	if err := h.terminate(ctx, svc); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.services[handle.Key()]; !ok || cur != svc {
		// Destroyed while the old process was shutting down
		return ErrNotRunning
	}
	next, err := h.launch(d)
	if err != nil {
		delete(h.services, handle.Key())
		return err
	}
	h.services[handle.Key()] = next
	h.logger.Info().Str("service", handle.Key()).Int("pid", next.handle.PID).Msg("hot reload by replacement")
	return nil
}

// ListRunningServices returns the agent itself followed by hosted services
func (h *ProcessHost) ListRunningServices() []Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := []Handle{h.self}
	for _, key := range h.sortedKeysLocked() {
		out = append(out, h.services[key].handle)
	}
	return out
}

// Stop terminates every hosted service and waits for the child watchers
func (h *ProcessHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	all := make([]*hostedService, 0, len(h.services))
	for key, svc := range h.services {
		svc.stopping = true
		all = append(all, svc)
		delete(h.services, key)
	}
	h.mu.Unlock()

	h.logger.Info().Int("services", len(all)).Msg("stopping runtime")

	var wg sync.WaitGroup
	merr := &MultiError{}
	var mu sync.Mutex
	for _, svc := range all {
		wg.Add(1)
		go func(svc *hostedService) {
			defer wg.Done()
			if err := h.terminate(ctx, svc); err != nil {
				mu.Lock()
				merr.Add(fmt.Errorf("%s: %w", svc.handle.Key(), err))
				mu.Unlock()
			}
		}(svc)
	}
	wg.Wait()

	h.sctx.Stop(100 * time.Millisecond)
	if err := h.sctx.Wait(); err != nil {
		merr.Add(err)
	}
	return merr.Err()
}

// launch starts d's command and a watcher that reaps it. Caller holds h.mu.
func (h *ProcessHost) launch(d Descriptor) (*hostedService, error) {
	def := d.Definition
	if def.Command == "" {
		return nil, &LoadError{Path: d.FilePath, Err: errNoCommand}
	}

	logger := h.logger.With().Str("service", d.Key()).Logger()

	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = def.Dir
	cmd.Env = append(os.Environ(), envList(def.Env)...)
	cmd.Stdout = &lineLogger{logger: logger, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: logger, stream: "stderr"}
	cmd.SysProcAttr = unix.GroupAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", d.Key(), err)
	}

	svc := &hostedService{
		handle: Handle{
			Name:      d.Name,
			Version:   d.Version,
			FilePath:  d.FilePath,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
		},
		desc: d,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	logger.Info().Int("pid", svc.handle.PID).Msg("service started")

	accepted := h.sctx.Go(func(*stopper.Context) error {
		err := cmd.Wait()
		close(svc.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		if svc.stopping {
			logger.Info().Int("pid", svc.handle.PID).Msg("service stopped")
			return nil
		}
		if cur, ok := h.services[d.Key()]; ok && cur == svc {
			delete(h.services, d.Key())
		}
		logger.Warn().Err(err).Int("pid", svc.handle.PID).Msg("service exited")
		return nil
	})
	if !accepted {
		_ = unix.SignalGroup(svc.handle.PID, syscall.SIGKILL)
		go func() {
			_ = cmd.Wait()
			close(svc.done)
		}()
		return nil, ErrRuntimeStopped
	}
	return svc, nil
}

// terminate sends SIGTERM, escalating to SIGKILL after the stop timeout
func (h *ProcessHost) terminate(ctx context.Context, svc *hostedService) error {
	timeout := svc.desc.Definition.StopTimeout
	if timeout <= 0 {
		timeout = h.stopTimeout
	}

	select {
	case <-svc.done:
		return nil
	default:
	}

	if err := unix.SignalGroup(svc.handle.PID, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate %s: %w", svc.handle.Key(), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-svc.done:
		return nil
	case <-timer.C:
		h.logger.Warn().Str("service", svc.handle.Key()).Dur("timeout", timeout).Msg("stop timed out, killing")
	case <-ctx.Done():
	}

	if err := unix.SignalGroup(svc.handle.PID, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %s: %w", svc.handle.Key(), err)
	}
	select {
	case <-svc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *ProcessHost) sortedKeysLocked() []string {
	keys := make([]string, 0, len(h.services))
	for k := range h.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var reloadSignals = map[string]syscall.Signal{
	"HUP":  syscall.SIGHUP,
	"INT":  syscall.SIGINT,
	"QUIT": syscall.SIGQUIT,
	"TERM": syscall.SIGTERM,
	"USR1": syscall.SIGUSR1,
	"USR2": syscall.SIGUSR2,
}

func parseSignal(name string) (syscall.Signal, error) {
	sig, ok := reloadSignals[strings.TrimPrefix(strings.ToUpper(name), "SIG")]
	if !ok {
		return 0, fmt.Errorf("unsupported reload signal %q", name)
	}
	return sig, nil
}

// lineLogger forwards child output into the agent log one line at a time
type lineLogger struct {
	logger zerolog.Logger
	stream string
	buf    bytes.Buffer
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			return len(p), nil
		}
		l.logger.Info().Str("stream", l.stream).Msg(strings.TrimRight(line, "\r\n"))
	}
}
