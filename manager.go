package svcagent

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/axondata/go-svcagent/internal/observability"
)

// Manager reconciles the declared catalog against the services a Runtime
// reports running. It keeps no record of running services itself.
type Manager struct {
	// Concurrency is the maximum number of concurrent items in bulk operations
	Concurrency int

	runtime Runtime
	folder  string
	mask    string
	catalog atomic.Pointer[Catalog]

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithConcurrency sets the maximum number of concurrent bulk items
func WithConcurrency(n int) ManagerOption {
	return func(m *Manager) {
		m.Concurrency = n
	}
}

// WithServiceFolder sets the folder and file mask scanned by Refresh
func WithServiceFolder(folder, mask string) ManagerOption {
	return func(m *Manager) {
		m.folder = folder
		m.mask = mask
	}
}

// WithLogger sets the manager's logger
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the instruments updated by the manager
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a Manager over rt with an empty catalog.
// Call Refresh to load the service folder.
func NewManager(rt Runtime, opts ...ManagerOption) *Manager {
	m := &Manager{
		Concurrency: DefaultConcurrency,
		runtime:     rt,
		folder:      DefaultServiceFolder,
		mask:        DefaultServiceFileMask,
		logger:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.Concurrency < 1 {
		m.Concurrency = 1
	}

	m.catalog.Store(NewCatalog(m.folder, m.mask, nil))
	return m
}

// Catalog returns the current catalog snapshot
func (m *Manager) Catalog() *Catalog {
	return m.catalog.Load()
}

// Refresh rescans the service folder and publishes the new catalog once the
// scan is complete. Running services are not touched.
func (m *Manager) Refresh() (int, error) {
	c, err := Scan(m.folder, m.mask)
	if err != nil {
		return 0, err
	}
	for _, skipped := range c.Skipped() {
		m.logger.Debug().Err(skipped).Msg("descriptor skipped")
	}

	m.catalog.Store(c)
	m.metrics.SetCatalogSize(c.Len())
	m.logger.Info().Str("folder", c.Root()).Int("services", c.Len()).Msg("service folder scanned")
	return c.Len(), nil
}

// StartResult describes the outcome of a start request
type StartResult struct {
	Handle         Handle `json:"handle"`
	AlreadyRunning bool   `json:"already_running"`
}

// Start hosts the catalog entry matching name and version. Starting a
// service that is already running is a successful no-op.
func (m *Manager) Start(ctx context.Context, name, version string) (StartResult, error) {
	if h, ok := m.runtime.GetRunningService(name, version); ok {
		m.logger.Info().Str("service", ServiceKey(name, version)).Msg("service already running")
		return StartResult{Handle: h, AlreadyRunning: true}, nil
	}

	d, err := m.Catalog().Find(name, version)
	if err != nil {
		return StartResult{}, &OpError{Op: OpStart, Service: name, Version: version, Err: err}
	}

	h, err := m.runtime.LoadService(ctx, d.FilePath)
	if err != nil {
		return StartResult{}, &OpError{Op: OpStart, Service: name, Version: version, Err: err}
	}
	m.updateRunning()
	return StartResult{Handle: h}, nil
}

// Stop tears down the running service matching name and version
func (m *Manager) Stop(ctx context.Context, name, version string) error {
	h, ok := m.runtime.GetRunningService(name, version)
	if !ok {
		return &OpError{Op: OpStop, Service: name, Version: version, Err: ErrNotRunning}
	}

	if err := m.runtime.DestroyService(ctx, h); err != nil {
		return &OpError{Op: OpStop, Service: name, Version: version, Err: err}
	}
	m.updateRunning()
	return nil
}

// BulkResult reports a best-effort operation over many services.
// Failures are logged per item and never abort the remaining items.
type BulkResult struct {
	Attempted int      `json:"attempted"`
	Succeeded int      `json:"succeeded"`
	Failures  []string `json:"failures,omitempty"`

	errs *MultiError
}

// Err returns the collected item failures, nil when all succeeded
func (r BulkResult) Err() error {
	if r.errs == nil {
		return nil
	}
	return r.errs.Err()
}

// StartAll starts every catalog entry. Entries sharing a name and version
// are started once, first in scan order.
func (m *Manager) StartAll(ctx context.Context) BulkResult {
	seen := make(map[string]struct{})
	var targets []Descriptor
	for _, d := range m.Catalog().Descriptors() {
		if _, dup := seen[d.Key()]; dup {
			m.logger.Warn().Str("service", d.Key()).Str("file", d.FilePath).Msg("duplicate descriptor ignored")
			continue
		}
		seen[d.Key()] = struct{}{}
		targets = append(targets, d)
	}

	return m.execute(ctx, OpStartAll, len(targets), func(ctx context.Context, i int) error {
		d := targets[i]
		if _, ok := m.runtime.GetRunningService(d.Name, d.Version); ok {
			return nil
		}
		if _, err := m.runtime.LoadService(ctx, d.FilePath); err != nil {
			return &OpError{Op: OpStart, Service: d.Name, Version: d.Version, Err: err}
		}
		return nil
	})
}

// StopAll stops every running service outside the reserved namespace
func (m *Manager) StopAll(ctx context.Context) BulkResult {
	targets := m.unreservedRunning()
	return m.execute(ctx, OpStopAll, len(targets), func(ctx context.Context, i int) error {
		h := targets[i]
		if err := m.runtime.DestroyService(ctx, h); err != nil {
			return &OpError{Op: OpStop, Service: h.Name, Version: h.Version, Err: err}
		}
		return nil
	})
}

// ReloadAll hot reloads every running service outside the reserved namespace
func (m *Manager) ReloadAll(ctx context.Context) BulkResult {
	targets := m.unreservedRunning()
	return m.execute(ctx, OpReloadAll, len(targets), func(ctx context.Context, i int) error {
		h := targets[i]
		if err := m.runtime.HotReloadService(ctx, h); err != nil {
			return &OpError{Op: OpReloadAll, Service: h.Name, Version: h.Version, Err: err}
		}
		return nil
	})
}

// Services projects the catalog, never the runtime's live state
func (m *Manager) Services() []ServiceInfo {
	return m.Catalog().Infos()
}

// Running returns the runtime's running services
func (m *Manager) Running() []Handle {
	return m.runtime.ListRunningServices()
}

func (m *Manager) unreservedRunning() []Handle {
	var out []Handle
	for _, h := range m.runtime.ListRunningServices() {
		if IsReserved(h.Name) {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (m *Manager) updateRunning() {
	m.metrics.SetRunningServices(len(m.runtime.ListRunningServices()))
}

// execute runs op for items [0, n) with bounded concurrency, logging each
// failure and counting the outcome.
func (m *Manager) execute(ctx context.Context, op Operation, n int, fn func(context.Context, int) error) BulkResult {
	res := BulkResult{Attempted: n, errs: &MultiError{}}
	if n == 0 {
		return res
	}

	// Semaphore for concurrency control
	sem := make(chan struct{}, m.Concurrency)

	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			var err error
			select {
			case sem <- struct{}{}:
				err = fn(ctx, i)
				<-sem
			case <-ctx.Done():
				err = ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.errs.Add(err)
				res.Failures = append(res.Failures, err.Error())
				m.metrics.RecordBulkFailure(op.String())
				m.logger.Warn().Err(err).Str("op", op.String()).Msg("bulk item failed")
				return
			}
			res.Succeeded++
		}(i)
	}

	wg.Wait()
	m.updateRunning()

	m.logger.Info().Str("op", op.String()).Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).Int("failed", len(res.Failures)).Msg("bulk operation finished")
	return res
}
