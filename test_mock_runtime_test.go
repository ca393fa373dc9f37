package svcagent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/renameio/v2"
	"github.com/stretchr/testify/require"
)

// MockRuntime is an in-memory Runtime recording every call
type MockRuntime struct {
	mu       sync.Mutex
	running  map[string]Handle
	loads    []string
	destroys []string
	reloads  []string
	stopped  int

	// FailLoad makes LoadService fail for descriptors with these names
	FailLoad map[string]error
	// FailDestroy makes DestroyService fail for these names
	FailDestroy map[string]error
	// FailReload makes HotReloadService fail for these names
	FailReload map[string]error
	// OnStop runs inside Stop before it returns
	OnStop func()
}

func NewMockRuntime() *MockRuntime {
	return &MockRuntime{
		running:     make(map[string]Handle),
		FailLoad:    make(map[string]error),
		FailDestroy: make(map[string]error),
		FailReload:  make(map[string]error),
	}
}

var _ Runtime = (*MockRuntime)(nil)

// Run registers h as running without a LoadService call
func (r *MockRuntime) Run(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[h.Key()] = h
}

func (r *MockRuntime) GetRunningService(name, version string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.keysLocked() {
		if h := r.running[key]; h.Matches(name, version) {
			return h, true
		}
	}
	return Handle{}, false
}

func (r *MockRuntime) LoadService(_ context.Context, filePath string) (Handle, error) {
	d, err := LoadDescriptor(filePath)
	if err != nil {
		return Handle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, filePath)
	if err := r.FailLoad[d.Name]; err != nil {
		return Handle{}, err
	}
	h := Handle{Name: d.Name, Version: d.Version, FilePath: filePath, StartedAt: time.Now()}
	r.running[h.Key()] = h
	return h, nil
}

func (r *MockRuntime) DestroyService(_ context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroys = append(r.destroys, h.Key())
	if err := r.FailDestroy[h.Name]; err != nil {
		return err
	}
	if _, ok := r.running[h.Key()]; !ok {
		return ErrNotRunning
	}
	delete(r.running, h.Key())
	return nil
}

func (r *MockRuntime) HotReloadService(_ context.Context, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads = append(r.reloads, h.Key())
	return r.FailReload[h.Name]
}

func (r *MockRuntime) ListRunningServices() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.running))
	for _, key := range r.keysLocked() {
		out = append(out, r.running[key])
	}
	return out
}

func (r *MockRuntime) Stop(context.Context) error {
	r.mu.Lock()
	r.stopped++
	onStop := r.OnStop
	r.mu.Unlock()
	if onStop != nil {
		onStop()
	}
	return nil
}

func (r *MockRuntime) Loads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loads...)
}

func (r *MockRuntime) Destroys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.destroys...)
	sort.Strings(out)
	return out
}

func (r *MockRuntime) Reloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.reloads...)
	sort.Strings(out)
	return out
}

func (r *MockRuntime) StopCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *MockRuntime) keysLocked() []string {
	keys := make([]string, 0, len(r.running))
	for k := range r.running {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// spawnCall records one MockSpawner.Spawn invocation
type spawnCall struct {
	Command string
	Args    []string
	Opts    SpawnOptions
}

// MockSpawner records spawns and hands out increasing fake pids
type MockSpawner struct {
	mu      sync.Mutex
	calls   []spawnCall
	nextPID int

	// Err is returned by every Spawn when set
	Err error
}

var _ Spawner = (*MockSpawner)(nil)

func (s *MockSpawner) Spawn(command string, args []string, opts SpawnOptions) (ChildProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, spawnCall{Command: command, Args: append([]string(nil), args...), Opts: opts})
	if s.Err != nil {
		return ChildProcess{}, s.Err
	}
	s.nextPID++
	return ChildProcess{PID: 40000 + s.nextPID, Command: command, Args: args}, nil
}

func (s *MockSpawner) Calls() []spawnCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]spawnCall(nil), s.calls...)
}

// MockRunner replays scripted results keyed by command line
type MockRunner struct {
	mu       sync.Mutex
	commands []string
	dirs     []string

	// Fail makes these command lines return an ExecutionError
	Fail map[string]bool
}

var _ Runner = (*MockRunner)(nil)

func (r *MockRunner) Execute(_ context.Context, command string, opts ExecOptions) (ExecResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	r.dirs = append(r.dirs, opts.Dir)
	res := ExecResult{Command: command, Options: opts, Stdout: "ok: " + command}
	if r.Fail[command] {
		return res, &ExecutionError{Command: command, ExitCode: 1, Stderr: "boom", Err: errors.New("exit status 1")}
	}
	return res, nil
}

func (r *MockRunner) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

// writeDescriptor atomically writes a descriptor fixture under dir
func writeDescriptor(t *testing.T, dir, rel, body string) string {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), DirMode))
	require.NoError(t, renameio.WriteFile(path, []byte(body), FileMode))
	return path
}
