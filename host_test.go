//go:build linux

package svcagent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/axondata/go-svcagent/internal/logging"
)

const loopScript = `trap 'echo reloaded >> reload.log' HUP; while true; do sleep 0.1; done`

type HostSuite struct {
	suite.Suite

	dir  string
	host *ProcessHost
	ctx  context.Context
}

func TestHostSuite(t *testing.T) {
	suite.Run(t, new(HostSuite))
}

func (s *HostSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.ctx = context.Background()
	s.host = NewProcessHost(s.ctx,
		WithHostLogger(logging.ForTest(s.T())),
		WithStopTimeout(2*time.Second),
	)
}

func (s *HostSuite) TearDownTest() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.NoError(s.host.Stop(ctx))
}

func (s *HostSuite) descriptor(name, body string) string {
	return writeDescriptor(s.T(), s.dir, name+".service.yaml", body)
}

func (s *HostSuite) shellService(name, script string, extra string) string {
	body := "name: " + name + "\ncommand: /bin/sh\nargs: [\"-c\", " + quoteYAML(script) + "]\n" + extra
	return s.descriptor(name, body)
}

func quoteYAML(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func (s *HostSuite) TestLoadAndDestroy() {
	path := s.shellService("loop", loopScript, "version: 1\n")

	h, err := s.host.LoadService(s.ctx, path)
	s.Require().NoError(err)
	s.Equal("loop@1", h.Key())
	s.Positive(h.PID)
	s.True(alive(h.PID))

	got, ok := s.host.GetRunningService("loop", "")
	s.Require().True(ok)
	s.Equal(h.PID, got.PID)

	running := s.host.ListRunningServices()
	s.Require().Len(running, 2)
	s.Equal(AgentServiceName, running[0].Name)
	s.Equal(os.Getpid(), running[0].PID)
	s.Equal("loop", running[1].Name)

	_, err = s.host.LoadService(s.ctx, path)
	s.ErrorIs(err, errAlreadyHosted)

	s.Require().NoError(s.host.DestroyService(s.ctx, h))
	s.Eventually(func() bool { return !alive(h.PID) }, 5*time.Second, 20*time.Millisecond)

	_, ok = s.host.GetRunningService("loop", "")
	s.False(ok)
	s.ErrorIs(s.host.DestroyService(s.ctx, h), ErrNotRunning)
}

func (s *HostSuite) TestAgentIsAlwaysRunning() {
	h, ok := s.host.GetRunningService(AgentServiceName, "")
	s.Require().True(ok)
	s.Equal(os.Getpid(), h.PID)
	s.ErrorIs(s.host.DestroyService(s.ctx, h), errReserved)
}

func (s *HostSuite) TestRejectsInvalidDescriptors() {
	reserved := s.descriptor("reserved", "name: $shadow\ncommand: /bin/true\n")
	_, err := s.host.LoadService(s.ctx, reserved)
	s.ErrorIs(err, errReserved)

	empty := s.descriptor("empty", "name: empty\n")
	_, err = s.host.LoadService(s.ctx, empty)
	s.ErrorIs(err, errNoCommand)

	missing := s.descriptor("missing", "name: missing\ncommand: /nonexistent/binary\n")
	_, err = s.host.LoadService(s.ctx, missing)
	s.Error(err)
	s.Len(s.host.ListRunningServices(), 1)
}

func (s *HostSuite) TestReloadBySignal() {
	path := s.shellService("sig", loopScript, "reload_signal: HUP\n")
	h, err := s.host.LoadService(s.ctx, path)
	s.Require().NoError(err)

	// Give the shell time to install its trap
	s.waitForShell(h.PID)
	s.Require().NoError(s.host.HotReloadService(s.ctx, h))

	logPath := filepath.Join(s.dir, "reload.log")
	s.Eventually(func() bool {
		raw, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(raw), "reloaded")
	}, 5*time.Second, 20*time.Millisecond)

	got, ok := s.host.GetRunningService("sig", "")
	s.Require().True(ok)
	s.Equal(h.PID, got.PID, "signal reload keeps the process")
}

func (s *HostSuite) TestReloadByReplacement() {
	path := s.shellService("swap", loopScript, "")
	h, err := s.host.LoadService(s.ctx, path)
	s.Require().NoError(err)

	s.Require().NoError(s.host.HotReloadService(s.ctx, h))

	got, ok := s.host.GetRunningService("swap", "")
	s.Require().True(ok)
	s.NotEqual(h.PID, got.PID)
	s.True(alive(got.PID))
	s.Eventually(func() bool { return !alive(h.PID) }, 5*time.Second, 20*time.Millisecond)
}

func (s *HostSuite) TestReloadNotRunning() {
	err := s.host.HotReloadService(s.ctx, Handle{Name: "ghost"})
	s.ErrorIs(err, ErrNotRunning)
}

func (s *HostSuite) TestUnexpectedExitIsForgotten() {
	path := s.descriptor("oneshot", "name: oneshot\ncommand: /bin/true\n")
	_, err := s.host.LoadService(s.ctx, path)
	s.Require().NoError(err)

	s.Eventually(func() bool {
		_, ok := s.host.GetRunningService("oneshot", "")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}

func (s *HostSuite) TestStopEscalatesToKill() {
	path := s.shellService("stubborn", `trap '' TERM; while true; do sleep 0.1; done`, "stop_timeout: 200ms\n")
	h, err := s.host.LoadService(s.ctx, path)
	s.Require().NoError(err)
	s.waitForShell(h.PID)

	start := time.Now()
	s.Require().NoError(s.host.DestroyService(s.ctx, h))
	s.Less(time.Since(start), 3*time.Second)
	s.Eventually(func() bool { return !alive(h.PID) }, 5*time.Second, 20*time.Millisecond)
}

func (s *HostSuite) TestStopTerminatesAll() {
	var pids []int
	for _, name := range []string{"a", "b", "c"} {
		h, err := s.host.LoadService(s.ctx, s.shellService(name, loopScript, ""))
		s.Require().NoError(err)
		pids = append(pids, h.PID)
	}

	s.Require().NoError(s.host.Stop(s.ctx))
	for _, pid := range pids {
		s.Eventually(func() bool { return !alive(pid) }, 5*time.Second, 20*time.Millisecond)
	}
	s.Len(s.host.ListRunningServices(), 1)

	_, err := s.host.LoadService(s.ctx, s.shellService("late", loopScript, ""))
	s.ErrorIs(err, ErrRuntimeStopped)
}

// waitForShell gives a freshly started shell time to install its traps
func (s *HostSuite) waitForShell(pid int) {
	s.Require().True(alive(pid))
	time.Sleep(300 * time.Millisecond)
}

func TestParseSignal(t *testing.T) {
	for _, name := range []string{"HUP", "sighup", "SIGUSR2", "term"} {
		_, err := parseSignal(name)
		require.NoError(t, err, name)
	}
	_, err := parseSignal("SIGSEGV")
	require.Error(t, err)
}
