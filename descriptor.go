package svcagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Descriptor is the parsed form of one service definition file.
// Descriptors are immutable once loaded.
type Descriptor struct {
	// FilePath is the absolute path of the definition file
	FilePath string
	// Name is the logical service name
	Name string
	// Version discriminates definitions sharing a name, empty when unset
	Version string
	// Settings is surfaced unchanged by the services query
	Settings map[string]any
	// Metadata is surfaced unchanged by the services query
	Metadata map[string]any
	// Definition describes how the hosting runtime runs the service
	Definition Definition
	// Raw holds the file contents as read
	Raw []byte
}

// Definition is the runnable part of a descriptor.
// It is interpreted by the hosting runtime only.
type Definition struct {
	// Command is the executable to run
	Command string
	// Args are passed to Command
	Args []string
	// Dir is the working directory, resolved against the descriptor's folder
	Dir string
	// Env holds extra environment variables
	Env map[string]string
	// ReloadSignal is sent on hot reload; empty means replace the process
	ReloadSignal string
	// StopTimeout is the grace between SIGTERM and SIGKILL
	StopTimeout time.Duration
}

// descriptorFile is the on-disk YAML shape of a descriptor
type descriptorFile struct {
	Name         string            `yaml:"name"`
	Version      yaml.Node         `yaml:"version"`
	Settings     map[string]any    `yaml:"settings"`
	Metadata     map[string]any    `yaml:"metadata"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Dir          string            `yaml:"dir"`
	Env          map[string]string `yaml:"env"`
	ReloadSignal string            `yaml:"reload_signal"`
	StopTimeout  string            `yaml:"stop_timeout"`
}

// LoadDescriptor reads and parses a descriptor file.
// Any failure, including a missing name, is returned as a *LoadError.
func LoadDescriptor(path string) (Descriptor, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Descriptor{}, &LoadError{Path: path, Err: err}
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return Descriptor{}, &LoadError{Path: absPath, Err: err}
	}

	d, err := ParseDescriptor(absPath, raw)
	if err != nil {
		return Descriptor{}, &LoadError{Path: absPath, Err: err}
	}
	return d, nil
}

// ParseDescriptor decodes descriptor contents as if read from path
func ParseDescriptor(path string, raw []byte) (Descriptor, error) {
	var f descriptorFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Descriptor{}, fmt.Errorf("parse yaml: %w", err)
	}

	name := strings.TrimSpace(f.Name)
	if name == "" {
		return Descriptor{}, ErrMissingName
	}

	version, err := scalarString(&f.Version)
	if err != nil {
		return Descriptor{}, fmt.Errorf("version: %w", err)
	}

	def := Definition{
		Command:      strings.TrimSpace(f.Command),
		Args:         append([]string(nil), f.Args...),
		Dir:          f.Dir,
		Env:          f.Env,
		ReloadSignal: strings.ToUpper(strings.TrimSpace(f.ReloadSignal)),
	}
	if def.Dir == "" {
		def.Dir = filepath.Dir(path)
	} else if !filepath.IsAbs(def.Dir) {
		def.Dir = filepath.Join(filepath.Dir(path), def.Dir)
	}
	if s := strings.TrimSpace(f.StopTimeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Descriptor{}, fmt.Errorf("stop_timeout: %w", err)
		}
		def.StopTimeout = d
	}

	return Descriptor{
		FilePath:   path,
		Name:       name,
		Version:    version,
		Settings:   f.Settings,
		Metadata:   f.Metadata,
		Definition: def,
		Raw:        raw,
	}, nil
}

// scalarString flattens an optional YAML scalar to its literal text
func scalarString(n *yaml.Node) (string, error) {
	switch n.Kind {
	case 0:
		return "", nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return "", nil
		}
		return strings.TrimSpace(n.Value), nil
	default:
		return "", fmt.Errorf("expected scalar at line %d", n.Line)
	}
}

// Key identifies the descriptor by name and version
func (d Descriptor) Key() string {
	return ServiceKey(d.Name, d.Version)
}

// Matches reports whether the descriptor satisfies a request for name and
// version. An empty version matches any.
func (d Descriptor) Matches(name, version string) bool {
	return d.Name == name && (version == "" || d.Version == version)
}

// ServiceKey renders a name and optional version as "name" or "name@version"
func ServiceKey(name, version string) string {
	if version == "" {
		return name
	}
	return name + "@" + version
}

// NormalizeVersion flattens a decoded JSON version parameter to the
// descriptor representation. Nil means any version.
func NormalizeVersion(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(x), nil
	case json.Number:
		// Literal text so 1.0 stays "1.0", matching the YAML side
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	default:
		return "", fmt.Errorf("%w: version must be a string or number", ErrInvalidParams)
	}
}

// ServiceInfo is the read-only projection returned by the services query
type ServiceInfo struct {
	Name     string         `json:"name"`
	Version  *string        `json:"version"`
	Settings map[string]any `json:"settings,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Info projects the descriptor for the services query
func (d Descriptor) Info() ServiceInfo {
	info := ServiceInfo{
		Name:     d.Name,
		Settings: d.Settings,
		Metadata: d.Metadata,
	}
	if d.Version != "" {
		v := d.Version
		info.Version = &v
	}
	return info
}
