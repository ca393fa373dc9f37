// Command svcagent runs the local service supervisor and talks to it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	svcagent "github.com/axondata/go-svcagent"
	"github.com/axondata/go-svcagent/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "svcagent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runAgent(args)
	case "call":
		return runCall(args, stdout)
	case "version":
		info := svcagent.GetVersion()
		fmt.Fprintf(stdout, "svcagent %s (%s)\n", info.Version, info.Protocol)
		return nil
	case svcagent.RestarterCommand:
		return runRestarter(args)
	default:
		fmt.Fprintf(stderr, "usage: svcagent [run|call|version] [flags]\n")
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runAgent(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var (
		configPath = fs.String("config", "", "TOML config file")
		folder     = fs.String("folder", "", "service folder (overrides config)")
		mask       = fs.String("mask", "", "service file mask (overrides config)")
		addr       = fs.String("addr", "", "control listen address (overrides config)")
		watch      = fs.Bool("watch", false, "refresh the catalog on folder changes")
		autostart  = fs.Bool("autostart", false, "start every declared service on boot")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadAgentConfig(*configPath)
	if err != nil {
		return err
	}
	if *folder != "" {
		cfg.ServiceFolder = *folder
	}
	if *mask != "" {
		cfg.ServiceFileMask = *mask
	}
	if *addr != "" {
		cfg.ControlAddr = *addr
	}
	if *watch {
		cfg.Watch = true
	}
	if *autostart {
		cfg.AutoStart = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent, err := svcagent.NewAgent(ctx, cfg, svcagent.WithAgentLogger(logging.Runtime()))
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}

func runCall(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	var (
		addr    = fs.String("addr", svcagent.DefaultControlAddr, "control server address")
		timeout = fs.Duration("timeout", svcagent.DefaultCallTimeout, "reply timeout")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: svcagent call [-addr host:port] <op> [json-params]")
	}

	op := svcagent.ParseOperation(fs.Arg(0))
	if op == svcagent.OpUnknown {
		return fmt.Errorf("unknown operation %q", fs.Arg(0))
	}

	var params json.RawMessage
	if fs.NArg() > 1 {
		params = json.RawMessage(fs.Arg(1))
		if !json.Valid(params) {
			return fmt.Errorf("params are not valid JSON")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := svcagent.NewClient(*addr)
	var out json.RawMessage
	if err := client.Call(ctx, op, params, &out); err != nil {
		var re *svcagent.RemoteError
		if errors.As(err, &re) && len(re.Data) > 0 {
			fmt.Fprintln(stdout, string(re.Data))
		}
		return err
	}
	if op.NoReply() {
		fmt.Fprintf(stdout, "%s sent\n", op)
		return nil
	}
	if len(out) > 0 {
		fmt.Fprintln(stdout, string(out))
	}
	return nil
}

func runRestarter(args []string) error {
	logger := logging.Runtime().With().Str("component", "restarter").Logger()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	exec := svcagent.NewExecutor(svcagent.WithExecutorLogger(logger))
	// The restarter's output is already the controller's child output
	out := svcagent.SpawnOptions{Stdout: os.Stdout, Stderr: os.Stderr}
	child, err := svcagent.RunRestarter(exe, args, exec, out, func(d time.Duration) {
		logger.Info().Dur("grace", d).Msg("waiting for the previous agent to exit")
		time.Sleep(d)
	})
	if err != nil {
		return err
	}
	logger.Info().Int("pid", child.PID).Msg("agent relaunched, restarter exiting")
	return nil
}
