package svcagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/axondata/go-svcagent/internal/observability"
)

// errNoReply marks a dispatch whose process ended before it could answer.
// It is only seen when the exit function returns, as it does in tests.
var errNoReply = errors.New("svcagent: no reply")

// Commands maps each invocable operation onto the manager, executor and
// controller. Parameters are validated before anything runs.
type Commands struct {
	manager    *Manager
	runner     Runner
	controller *Controller
	repoDir    string

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// CommandsOption configures Commands
type CommandsOption func(*Commands)

// WithRepoDir sets the working tree used by checkout
func WithRepoDir(dir string) CommandsOption {
	return func(c *Commands) {
		c.repoDir = dir
	}
}

// WithCommandsLogger sets the logger for dispatched commands
func WithCommandsLogger(l zerolog.Logger) CommandsOption {
	return func(c *Commands) {
		c.logger = l
	}
}

// WithCommandsMetrics sets the instruments updated per command
func WithCommandsMetrics(m *observability.Metrics) CommandsOption {
	return func(c *Commands) {
		c.metrics = m
	}
}

// NewCommands creates the command surface
func NewCommands(manager *Manager, runner Runner, controller *Controller, opts ...CommandsOption) *Commands {
	c := &Commands{
		manager:    manager,
		runner:     runner,
		controller: controller,
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type serviceParams struct {
	Service string `json:"service"`
	Version any    `json:"version"`

	version string
}

func (p *serviceParams) validate() error {
	p.Service = strings.TrimSpace(p.Service)
	if p.Service == "" {
		return fmt.Errorf("%w: service is required", ErrInvalidParams)
	}
	v, err := NormalizeVersion(p.Version)
	if err != nil {
		return err
	}
	p.version = v
	return nil
}

type execParams struct {
	Cmd  string       `json:"cmd"`
	Opts *ExecOptions `json:"opts"`
}

func (p *execParams) validate() error {
	if strings.TrimSpace(p.Cmd) == "" {
		return fmt.Errorf("%w: cmd is required", ErrInvalidParams)
	}
	return nil
}

type checkoutParams struct {
	Commit string `json:"commit"`
	Tag    string `json:"tag"`
	Branch string `json:"branch"`
}

func (p *checkoutParams) validate() error {
	set := 0
	for _, v := range []*string{&p.Commit, &p.Tag, &p.Branch} {
		*v = strings.TrimSpace(*v)
		if *v == "" {
			continue
		}
		if strings.HasPrefix(*v, "-") || strings.ContainsAny(*v, " \t\n;&|$`'\"\\") {
			return fmt.Errorf("%w: invalid revision %q", ErrInvalidParams, *v)
		}
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of commit, tag or branch is required", ErrInvalidParams)
	}
	return nil
}

type quitParams struct {
	Code *int `json:"code"`
}

func (p *quitParams) validate() error {
	if p.Code != nil && (*p.Code < 0 || *p.Code > 255) {
		return fmt.Errorf("%w: code must be within 0..255", ErrInvalidParams)
	}
	return nil
}

type noParams struct{}

func (noParams) validate() error { return nil }

type validator interface {
	validate() error
}

// decodeParams strictly decodes raw into p and validates it
func decodeParams(raw json.RawMessage, p validator) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	dec.UseNumber()
	if err := dec.Decode(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p.validate()
}

// RefreshResult reports a completed rescan
type RefreshResult struct {
	Services int `json:"services"`
}

// Dispatch decodes params for op, validates them and runs the operation.
// quit and restart do not return while the process is alive.
func (c *Commands) Dispatch(ctx context.Context, op Operation, params json.RawMessage) (any, error) {
	reqID := uuid.NewString()
	logger := c.logger.With().Str("op", op.String()).Str("request_id", reqID).Logger()
	logger.Debug().Msg("dispatch")

	started := time.Now()
	data, err := c.dispatch(ctx, op, params)

	outcome := "ok"
	if err != nil && !errors.Is(err, errNoReply) {
		outcome = ErrorCode(err)
		logger.Warn().Err(err).Msg("command failed")
	}
	c.metrics.RecordCommand(op.String(), outcome, time.Since(started))
	return data, err
}

func (c *Commands) dispatch(ctx context.Context, op Operation, raw json.RawMessage) (any, error) {
	switch op {
	case OpStart:
		var p serviceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return c.manager.Start(ctx, p.Service, p.version)

	case OpStop:
		var p serviceParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if err := c.manager.Stop(ctx, p.Service, p.version); err != nil {
			return nil, err
		}
		return struct{}{}, nil

	case OpServices:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		return c.manager.Services(), nil

	case OpStartAll:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		return c.manager.StartAll(ctx), nil

	case OpStopAll:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		return c.manager.StopAll(ctx), nil

	case OpReloadAll:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		return c.manager.ReloadAll(ctx), nil

	case OpRefresh:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		n, err := c.manager.Refresh()
		if err != nil {
			return nil, err
		}
		return RefreshResult{Services: n}, nil

	case OpFork:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		return c.controller.Fork()

	case OpExec:
		var p execParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		opts := ExecOptions{}
		if p.Opts != nil {
			opts = *p.Opts
		}
		return c.runner.Execute(ctx, p.Cmd, opts)

	case OpCheckout:
		var p checkoutParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		return c.checkout(ctx, p)

	case OpQuit:
		var p quitParams
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		code := 0
		if p.Code != nil {
			code = *p.Code
		}
		c.controller.Quit(ctx, code)
		return nil, errNoReply

	case OpRestart:
		if err := decodeParams(raw, &noParams{}); err != nil {
			return nil, err
		}
		if err := c.controller.Restart(ctx); err != nil {
			return nil, err
		}
		return nil, errNoReply

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op.String())
	}
}

// checkoutSteps lists the git commands for one checkout request
func checkoutSteps(p checkoutParams) []string {
	steps := []string{"git fetch --all --tags"}
	switch {
	case p.Commit != "":
		steps = append(steps, "git checkout "+p.Commit)
	case p.Tag != "":
		steps = append(steps, "git checkout tags/"+p.Tag)
	case p.Branch != "":
		steps = append(steps, "git checkout "+p.Branch, "git pull origin "+p.Branch)
	}
	return steps
}

// checkout runs the git steps in order, stopping at the first failure.
// The results include the failed step.
func (c *Commands) checkout(ctx context.Context, p checkoutParams) ([]ExecResult, error) {
	opts := ExecOptions{Dir: c.repoDir}
	var results []ExecResult
	for _, step := range checkoutSteps(p) {
		res, err := c.runner.Execute(ctx, step, opts)
		results = append(results, res)
		if err != nil {
			return results, err
		}
		c.logger.Debug().Str("step", step).Msg("checkout step done")
	}
	return results, nil
}
