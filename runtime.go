package svcagent

import (
	"context"
	"time"
)

// Handle references a service hosted by a Runtime.
// The runtime owns the service; the handle only identifies it.
type Handle struct {
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	FilePath  string    `json:"file,omitempty"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Key identifies the handle by name and version
func (h Handle) Key() string {
	return ServiceKey(h.Name, h.Version)
}

// Matches reports whether the handle satisfies a request for name and
// version. An empty version matches any.
func (h Handle) Matches(name, version string) bool {
	return h.Name == name && (version == "" || h.Version == version)
}

// Runtime is the hosting runtime the agent reconciles against. It is the
// authority on which services are running; the agent keeps no ledger of
// its own.
type Runtime interface {
	// GetRunningService returns a running service matching name and
	// version, where an empty version matches any.
	GetRunningService(name, version string) (Handle, bool)

	// LoadService loads the descriptor at filePath and starts hosting it
	LoadService(ctx context.Context, filePath string) (Handle, error)

	// DestroyService tears down a hosted service
	DestroyService(ctx context.Context, h Handle) error

	// HotReloadService replaces a hosted service's behavior in place
	HotReloadService(ctx context.Context, h Handle) error

	// ListRunningServices returns every hosted service, reserved ones included
	ListRunningServices() []Handle

	// Stop shuts the runtime down gracefully
	Stop(ctx context.Context) error
}
