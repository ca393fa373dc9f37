package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	svcagent "github.com/axondata/go-svcagent"
)

type fileConfig struct {
	NodeID          string `toml:"node_id"`
	ServiceFolder   string `toml:"service_folder"`
	ServiceFileMask string `toml:"service_file_mask"`
	Watch           bool   `toml:"watch"`
	AutoStart       bool   `toml:"autostart"`
	ControlAddr     string `toml:"control_addr"`
	MetricsAddr     string `toml:"metrics_addr"`
	RestartGrace    string `toml:"restart_grace"`
	StopTimeout     string `toml:"stop_timeout"`
	ListenRetry     string `toml:"listen_retry"`
	Concurrency     int    `toml:"concurrency"`
	PIDFile         string `toml:"pid_file"`
	ChildOutput     string `toml:"child_output"`
	RepoDir         string `toml:"repo_dir"`
}

// loadAgentConfig overlays the keys defined in the TOML file at path onto
// the agent defaults.
func loadAgentConfig(path string) (svcagent.Config, error) {
	cfg := svcagent.DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return svcagent.Config{}, fmt.Errorf("load agent config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return svcagent.Config{}, fmt.Errorf("load agent config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("node_id") {
		if id := strings.TrimSpace(raw.NodeID); id != "" {
			cfg.NodeID = id
		}
	}

	if meta.IsDefined("service_folder") {
		cfg.ServiceFolder = strings.TrimSpace(raw.ServiceFolder)
	}

	if meta.IsDefined("service_file_mask") {
		cfg.ServiceFileMask = strings.TrimSpace(raw.ServiceFileMask)
	}

	if meta.IsDefined("watch") {
		cfg.Watch = raw.Watch
	}

	if meta.IsDefined("autostart") {
		cfg.AutoStart = raw.AutoStart
	}

	if meta.IsDefined("control_addr") {
		cfg.ControlAddr = strings.TrimSpace(raw.ControlAddr)
	}

	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}

	if meta.IsDefined("restart_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RestartGrace))
		if err != nil {
			return svcagent.Config{}, fmt.Errorf("parse restart_grace: %w", err)
		}
		cfg.RestartGrace = d
	}

	if meta.IsDefined("stop_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.StopTimeout))
		if err != nil {
			return svcagent.Config{}, fmt.Errorf("parse stop_timeout: %w", err)
		}
		cfg.StopTimeout = d
	}

	if meta.IsDefined("listen_retry") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ListenRetry))
		if err != nil {
			return svcagent.Config{}, fmt.Errorf("parse listen_retry: %w", err)
		}
		cfg.ListenRetry = d
	}

	if meta.IsDefined("concurrency") {
		cfg.Concurrency = raw.Concurrency
	}

	if meta.IsDefined("pid_file") {
		cfg.PIDFile = strings.TrimSpace(raw.PIDFile)
	}

	if meta.IsDefined("child_output") {
		cfg.ChildOutput = strings.TrimSpace(raw.ChildOutput)
	}

	if meta.IsDefined("repo_dir") {
		cfg.RepoDir = strings.TrimSpace(raw.RepoDir)
	}

	return cfg, validateConfig(cfg)
}

func validateConfig(cfg svcagent.Config) error {
	if cfg.ServiceFolder == "" {
		return fmt.Errorf("service_folder must not be empty")
	}
	if cfg.ServiceFileMask == "" {
		return fmt.Errorf("service_file_mask must not be empty")
	}
	if cfg.ControlAddr == "" {
		return fmt.Errorf("control_addr must not be empty")
	}
	if cfg.RestartGrace <= 0 {
		return fmt.Errorf("restart_grace must be positive")
	}
	// The replacement must not start services the old agent is still stopping
	if cfg.RestartGrace <= cfg.StopTimeout {
		return fmt.Errorf("restart_grace (%s) must be longer than stop_timeout (%s)", cfg.RestartGrace, cfg.StopTimeout)
	}
	if cfg.ListenRetry < 0 {
		return fmt.Errorf("listen_retry must not be negative")
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	return nil
}
