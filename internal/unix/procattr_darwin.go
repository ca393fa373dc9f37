//go:build darwin

// Package unix provides platform-specific process attributes.
package unix

import "syscall"

// DetachedAttr returns attributes for a child that must outlive the agent.
// The child leads its own session, so signals aimed at the agent's process
// group never reach it.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// GroupAttr returns attributes that put a hosted child in its own process
// group so the whole tree can be signalled at once.
func GroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// SignalGroup sends sig to the process group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
