package svcagent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// DescriptorBuilder provides a fluent interface for writing service
// descriptor files into a service folder.
type DescriptorBuilder struct {
	// Name is the service name
	Name string
	// Dir is the folder the descriptor file is written to
	Dir string
	// Version is the optional version, empty for none
	Version string
	// Cmd is the command and its arguments
	Cmd []string
	// Cwd is the working directory, relative to Dir when not absolute
	Cwd string
	// Env contains environment variables for the service
	Env map[string]string
	// Settings is surfaced by the services query
	Settings map[string]any
	// Metadata is surfaced by the services query
	Metadata map[string]any
	// ReloadSignal is sent on hot reload instead of replacing the process
	ReloadSignal string
	// StopTimeout overrides the host's SIGTERM to SIGKILL grace
	StopTimeout time.Duration
	// FileName overrides the default "<name>.service.yaml"
	FileName string
}

// NewDescriptorBuilder creates a DescriptorBuilder for name in dir
func NewDescriptorBuilder(name, dir string) *DescriptorBuilder {
	return &DescriptorBuilder{
		Name:     name,
		Dir:      dir,
		Env:      make(map[string]string),
		Settings: make(map[string]any),
		Metadata: make(map[string]any),
	}
}

// WithVersion sets the version
func (b *DescriptorBuilder) WithVersion(v string) *DescriptorBuilder {
	b.Version = v
	return b
}

// WithCmd sets the command to execute
func (b *DescriptorBuilder) WithCmd(cmd ...string) *DescriptorBuilder {
	b.Cmd = cmd
	return b
}

// WithCwd sets the working directory
func (b *DescriptorBuilder) WithCwd(cwd string) *DescriptorBuilder {
	b.Cwd = cwd
	return b
}

// WithEnv adds an environment variable
func (b *DescriptorBuilder) WithEnv(key, value string) *DescriptorBuilder {
	b.Env[key] = value
	return b
}

// WithSetting adds a settings entry
func (b *DescriptorBuilder) WithSetting(key string, value any) *DescriptorBuilder {
	b.Settings[key] = value
	return b
}

// WithMetadata adds a metadata entry
func (b *DescriptorBuilder) WithMetadata(key string, value any) *DescriptorBuilder {
	b.Metadata[key] = value
	return b
}

// WithReloadSignal sets the hot reload signal, e.g. HUP
func (b *DescriptorBuilder) WithReloadSignal(sig string) *DescriptorBuilder {
	b.ReloadSignal = sig
	return b
}

// WithStopTimeout sets the stop grace
func (b *DescriptorBuilder) WithStopTimeout(d time.Duration) *DescriptorBuilder {
	b.StopTimeout = d
	return b
}

// WithFileName sets the descriptor file name inside Dir
func (b *DescriptorBuilder) WithFileName(name string) *DescriptorBuilder {
	b.FileName = name
	return b
}

// Path returns where Build writes the descriptor
func (b *DescriptorBuilder) Path() string {
	name := b.FileName
	if name == "" {
		name = b.Name + ".service.yaml"
	}
	return filepath.Join(b.Dir, name)
}

// Build atomically writes the descriptor file and returns its path
func (b *DescriptorBuilder) Build() (string, error) {
	if b.Dir == "" {
		return "", errors.New("service folder not specified")
	}
	if strings.TrimSpace(b.Name) == "" {
		return "", ErrMissingName
	}
	if strings.ContainsRune(b.Name, filepath.Separator) && b.FileName == "" {
		return "", fmt.Errorf("service name %q cannot be used as a file name", b.Name)
	}

	raw, err := b.Marshal()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(b.Dir, DirMode); err != nil {
		return "", fmt.Errorf("creating service folder: %w", err)
	}

	path := b.Path()
	if err := renameio.WriteFile(path, raw, FileMode); err != nil {
		return "", fmt.Errorf("writing descriptor: %w", err)
	}
	return path, nil
}

// Marshal renders the descriptor as YAML
func (b *DescriptorBuilder) Marshal() ([]byte, error) {
	f := struct {
		Name         string            `yaml:"name"`
		Version      string            `yaml:"version,omitempty"`
		Command      string            `yaml:"command,omitempty"`
		Args         []string          `yaml:"args,omitempty"`
		Dir          string            `yaml:"dir,omitempty"`
		Env          map[string]string `yaml:"env,omitempty"`
		ReloadSignal string            `yaml:"reload_signal,omitempty"`
		StopTimeout  string            `yaml:"stop_timeout,omitempty"`
		Settings     map[string]any    `yaml:"settings,omitempty"`
		Metadata     map[string]any    `yaml:"metadata,omitempty"`
	}{
		Name:         b.Name,
		Version:      b.Version,
		Dir:          b.Cwd,
		Env:          b.Env,
		ReloadSignal: b.ReloadSignal,
		Settings:     b.Settings,
		Metadata:     b.Metadata,
	}
	if len(b.Cmd) > 0 {
		f.Command = b.Cmd[0]
		f.Args = b.Cmd[1:]
	}
	if b.StopTimeout > 0 {
		f.StopTimeout = b.StopTimeout.String()
	}

	raw, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encoding descriptor: %w", err)
	}
	return raw, nil
}
