package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcagent "github.com/axondata/go-svcagent"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svcagent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAgentConfigDefaultsWithoutFile(t *testing.T) {
	cfg, err := loadAgentConfig("")
	require.NoError(t, err)

	def := svcagent.DefaultConfig()
	assert.Equal(t, def.ServiceFolder, cfg.ServiceFolder)
	assert.Equal(t, def.ServiceFileMask, cfg.ServiceFileMask)
	assert.Equal(t, def.ControlAddr, cfg.ControlAddr)
	assert.Equal(t, def.RestartGrace, cfg.RestartGrace)
	assert.False(t, cfg.Watch)
}

func TestLoadAgentConfigOverlaysDefinedKeys(t *testing.T) {
	path := writeConfig(t, `
node_id = "  node-a  "
service_folder = "/srv/services"
service_file_mask = "*.svc.yaml"
watch = true
autostart = true
control_addr = "127.0.0.1:9000"
metrics_addr = ":9100"
restart_grace = "3s"
stop_timeout = "750ms"
concurrency = 8
pid_file = "/run/svcagent.pid"
child_output = "/var/log/svcagent-children.log"
listen_retry = "30s"
repo_dir = "/srv/app"
`)

	cfg, err := loadAgentConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "/srv/services", cfg.ServiceFolder)
	assert.Equal(t, "*.svc.yaml", cfg.ServiceFileMask)
	assert.True(t, cfg.Watch)
	assert.True(t, cfg.AutoStart)
	assert.Equal(t, "127.0.0.1:9000", cfg.ControlAddr)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, 3*time.Second, cfg.RestartGrace)
	assert.Equal(t, 750*time.Millisecond, cfg.StopTimeout)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "/run/svcagent.pid", cfg.PIDFile)
	assert.Equal(t, "/var/log/svcagent-children.log", cfg.ChildOutput)
	assert.Equal(t, 30*time.Second, cfg.ListenRetry)
	assert.Equal(t, "/srv/app", cfg.RepoDir)
}

func TestLoadAgentConfigKeepsUndefinedKeys(t *testing.T) {
	path := writeConfig(t, `watch = true`)

	cfg, err := loadAgentConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Watch)
	assert.Equal(t, svcagent.DefaultServiceFolder, cfg.ServiceFolder)
	assert.Equal(t, svcagent.DefaultConcurrency, cfg.Concurrency)
}

func TestLoadAgentConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"bad duration":              `restart_grace = "soon"`,
		"zero grace":                `restart_grace = "0s"`,
		"empty folder":              `service_folder = ""`,
		"unknown key":               `services_dir = "/tmp"`,
		"concurrency":               `concurrency = 0`,
		"grace equals stop timeout": `restart_grace = "5s"`,
		"stop outlasts grace":       "restart_grace = \"3s\"\nstop_timeout = \"4s\"",
		"negative listen retry":     `listen_retry = "-1s"`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loadAgentConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestValidateConfigGraceCoversStop(t *testing.T) {
	cfg := svcagent.DefaultConfig()
	require.NoError(t, validateConfig(cfg))

	cfg.StopTimeout = cfg.RestartGrace
	err := validateConfig(cfg)
	require.ErrorContains(t, err, "must be longer than stop_timeout")
}

func TestLoadAgentConfigMissingFile(t *testing.T) {
	_, err := loadAgentConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
