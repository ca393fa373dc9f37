package svcagent

import (
	"strings"
	"time"
)

// Service folder and naming constants
const (
	// DefaultServiceFolder is the root scanned for service descriptors
	DefaultServiceFolder = "./services"

	// DefaultServiceFileMask selects descriptor files by base name
	DefaultServiceFileMask = "*.service.yaml"

	// ReservedPrefix marks service names owned by the agent itself.
	// Bulk stop and reload never target these.
	ReservedPrefix = "$"

	// AgentServiceName is the name the agent registers itself under
	AgentServiceName = ReservedPrefix + "agent"
)

// Timing defaults
const (
	// DefaultRestartGrace is how long the restarter waits before relaunching
	// the agent. It must exceed the stop timeout so the old agent's services
	// are gone before the replacement starts its own.
	DefaultRestartGrace = 7 * time.Second

	// DefaultStopTimeout is the SIGTERM to SIGKILL grace for hosted services
	DefaultStopTimeout = 5 * time.Second

	// DefaultListenRetry bounds how long a starting agent waits for its
	// control address to be released
	DefaultListenRetry = 10 * time.Second

	// DefaultDialTimeout is the default timeout for control connections
	DefaultDialTimeout = 2 * time.Second

	// DefaultCallTimeout bounds a single control call that expects a reply
	DefaultCallTimeout = 60 * time.Second

	// DefaultWatchDebounce coalesces bursts of folder events into one refresh
	DefaultWatchDebounce = 250 * time.Millisecond

	// DefaultConcurrency is the number of bulk operations run at once
	DefaultConcurrency = 4
)

// DefaultControlAddr is where the control server listens by default
const DefaultControlAddr = "127.0.0.1:7380"

// RestarterCommand is the hidden first argument that turns the agent binary
// into a restarter helper.
const RestarterCommand = "__restarter"

// File modes
const (
	// DirMode is the default mode for created directories
	DirMode = 0o755

	// FileMode is the default mode for created files
	FileMode = 0o644
)

// IsReserved reports whether name belongs to the agent's internal namespace
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ReservedPrefix)
}

// Operation represents an externally invocable agent command
type Operation int

const (
	// OpUnknown represents an unknown operation
	OpUnknown Operation = iota
	// OpStart starts one declared service
	OpStart
	// OpStop stops one running service
	OpStop
	// OpServices lists the declared catalog
	OpServices
	// OpStartAll starts every declared service
	OpStartAll
	// OpStopAll stops every non-reserved running service
	OpStopAll
	// OpReloadAll hot reloads every non-reserved running service
	OpReloadAll
	// OpRefresh rescans the service folder
	OpRefresh
	// OpFork launches a detached sibling agent
	OpFork
	// OpExec runs a shell command to completion
	OpExec
	// OpCheckout fetches and checks out a revision
	OpCheckout
	// OpQuit stops the runtime and exits
	OpQuit
	// OpRestart hands off to a restarter and exits
	OpRestart
)

// Operation string constants
const (
	opUnknownStr   = "unknown"
	opStartStr     = "start"
	opStopStr      = "stop"
	opServicesStr  = "services"
	opStartAllStr  = "startAll"
	opStopAllStr   = "stopAll"
	opReloadAllStr = "reloadAll"
	opRefreshStr   = "refresh"
	opForkStr      = "fork"
	opExecStr      = "exec"
	opCheckoutStr  = "checkout"
	opQuitStr      = "quit"
	opRestartStr   = "restart"
)

// Operations lists every invocable operation in surface order
var Operations = []Operation{
	OpStart, OpStop, OpServices, OpStartAll, OpStopAll, OpReloadAll,
	OpRefresh, OpFork, OpExec, OpCheckout, OpQuit, OpRestart,
}

// String returns the wire name of an Operation
func (op Operation) String() string {
	switch op {
	case OpStart:
		return opStartStr
	case OpStop:
		return opStopStr
	case OpServices:
		return opServicesStr
	case OpStartAll:
		return opStartAllStr
	case OpStopAll:
		return opStopAllStr
	case OpReloadAll:
		return opReloadAllStr
	case OpRefresh:
		return opRefreshStr
	case OpFork:
		return opForkStr
	case OpExec:
		return opExecStr
	case OpCheckout:
		return opCheckoutStr
	case OpQuit:
		return opQuitStr
	case OpRestart:
		return opRestartStr
	default:
		return opUnknownStr
	}
}

// NoReply reports whether the operation ends the process instead of answering
func (op Operation) NoReply() bool {
	return op == OpQuit || op == OpRestart
}

// ParseOperation maps a wire name to an Operation, returning OpUnknown when
// the name is not recognized.
func ParseOperation(s string) Operation {
	for _, op := range Operations {
		if op.String() == s {
			return op
		}
	}
	return OpUnknown
}
