//go:build linux

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
// group so the whole tree can be signalled at once. Pdeathsig makes the
// kernel terminate the child if the agent dies without stopping it.
//
// Pdeathsig is tied to the OS thread that forked the child, not to the
// process. The Go runtime only retires a thread when a goroutine exits while
// locked to it, so children must not be started from a goroutine that holds
// runtime.LockOSThread.
func GroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

// SignalGroup sends sig to the process group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}
