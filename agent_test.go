package svcagent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axondata/go-svcagent/internal/logging"
)

func TestAgentRun(t *testing.T) {
	dir := t.TempDir()
	folder := filepath.Join(dir, "services")
	writeDescriptor(t, folder, "math.service.yaml", "name: math\nversion: 1\n")
	writeDescriptor(t, folder, "web.service.yaml", "name: web\n")

	cfg := DefaultConfig()
	cfg.ServiceFolder = folder
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.AutoStart = true
	cfg.PIDFile = filepath.Join(dir, "agent.pid")
	cfg.StopTimeout = time.Second

	rt := NewMockRuntime()
	exits := make(chan int, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agent, err := NewAgent(ctx, cfg,
		WithAgentLogger(logging.ForTest(t)),
		WithRuntime(rt),
		WithInvocation(testInvocation),
		WithAgentExit(func(code int) { exits <- code }),
	)
	require.NoError(t, err)
	require.NoError(t, agent.Listen())

	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()

	client := NewClient(agent.Addr().String(), WithCallTimeout(5*time.Second))

	var services []ServiceInfo
	require.Eventually(t, func() bool {
		return client.Call(ctx, OpServices, nil, &services) == nil && len(services) == 2
	}, 5*time.Second, 20*time.Millisecond)

	// Autostart ran before the control server answered
	assert.Len(t, rt.Loads(), 2)

	pid, err := ReadPIDFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	var res BulkResult
	require.NoError(t, client.Call(ctx, OpStopAll, nil, &res))
	assert.Equal(t, 2, res.Succeeded)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not stop")
	}

	assert.GreaterOrEqual(t, rt.StopCalls(), 1)
	_, err = os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err), "pid file removed on exit")
	assert.Empty(t, exits)
}

func TestAgentKeepsForeignPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.pid")
	writeDescriptor(t, filepath.Dir(path), filepath.Base(path), "1\n")

	removePIDFile(path, logging.ForTest(t))
	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, pid)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, DefaultServiceFolder, cfg.ServiceFolder)
	assert.Equal(t, DefaultServiceFileMask, cfg.ServiceFileMask)
	assert.Equal(t, DefaultControlAddr, cfg.ControlAddr)
	assert.Equal(t, DefaultRestartGrace, cfg.RestartGrace)
	assert.False(t, cfg.Watch)
	assert.False(t, cfg.AutoStart)
}

func TestForkedAgentsShareControlAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceFolder = t.TempDir()
	cfg.ControlAddr = "127.0.0.1:0"

	parent, err := NewAgent(context.Background(), cfg, WithRuntime(NewMockRuntime()), WithInvocation(testInvocation))
	require.NoError(t, err)
	require.NoError(t, parent.Listen())
	defer parent.server.Close()

	// The sibling starts with the same command line, so the same address
	cfg.ControlAddr = parent.Addr().String()
	cfg.ListenRetry = 0
	sibling, err := NewAgent(context.Background(), cfg, WithRuntime(NewMockRuntime()), WithInvocation(testInvocation))
	require.NoError(t, err)
	require.NoError(t, sibling.Listen())
	defer sibling.server.Close()
}
