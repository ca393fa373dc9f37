// Package svcagent is a local service supervisor. It discovers declarative
// service descriptors in a folder tree, hosts them through a Runtime, and
// can execute shell commands, spawn detached processes and replace itself
// with a fresh copy of the same binary.
//
// Descriptors are YAML files matching a mask (default *.service.yaml):
//
//	name: math
//	version: 2
//	command: ./math-server
//	args: ["--port", "9000"]
//	reload_signal: HUP
//
// The Manager reconciles the scanned Catalog against the services the
// Runtime reports running:
//
//	host := svcagent.NewProcessHost(ctx)
//	mgr := svcagent.NewManager(host, svcagent.WithServiceFolder("./services", svcagent.DefaultServiceFileMask))
//	if _, err := mgr.Refresh(); err != nil {
//	    log.Fatal(err)
//	}
//	_, err := mgr.Start(ctx, "math", "")
//
// # Catalog
//
// Every Refresh builds a complete new Catalog and publishes it atomically, so
// readers see either the old or the new scan. Files that fail to parse or
// lack a name are skipped. Refresh never starts or stops anything.
//
// # Self-supervision
//
// The Controller forks a detached sibling with the agent's own command line,
// or restarts through a hand-off: it spawns a restarter helper first and only
// then quits, so a process able to relaunch the agent always exists. The
// helper waits a fixed grace period before launching the new agent.
//
// # Control surface
//
// Commands validates parameters and maps each operation to one method.
// Server exposes it as line-delimited JSON over TCP and Client calls it:
//
//	c := svcagent.NewClient("127.0.0.1:7380")
//	var services []svcagent.ServiceInfo
//	err := c.Call(ctx, svcagent.OpServices, nil, &services)
//
// quit and restart never reply; the agent process simply goes away.
package svcagent
