package svcagent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// Client sends commands to a running agent's control server
type Client struct {
	// Addr is the control server address
	Addr string

	// DialTimeout is the timeout for establishing the connection
	DialTimeout time.Duration

	// CallTimeout bounds the wait for a reply when ctx has no deadline
	CallTimeout time.Duration
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithDialTimeout sets the timeout for control connections
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.DialTimeout = d
	}
}

// WithCallTimeout sets the reply timeout used when ctx has no deadline
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.CallTimeout = d
	}
}

// NewClient creates a Client for the control server at addr
func NewClient(addr string, opts ...ClientOption) *Client {
	c := &Client{
		Addr:        addr,
		DialTimeout: DefaultDialTimeout,
		CallTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RemoteError is a failure reported by the agent
type RemoteError struct {
	// Code is the stable error code, e.g. NOT_FOUND
	Code string
	// Message is the agent's error text
	Message string
	// Data carries any output attached to the failure
	Data json.RawMessage
}

// Error returns the agent's message
func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// Is maps the remote code back onto the local sentinel errors
func (e *RemoteError) Is(target error) bool {
	return ErrorCode(target) == e.Code && e.Code != "INTERNAL" && e.Code != "EXECUTION_ERROR"
}

// Call invokes op with params and decodes the reply data into out, which
// may be nil. For quit and restart, Call returns once the request is sent;
// the agent never answers them.
func (c *Client) Call(ctx context.Context, op Operation, params any, out any) error {
	if op == OpUnknown {
		return ErrUnknownOperation
	}

	req := Request{ID: uuid.NewString(), Op: op.String()}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}

	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.Addr, err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.CallTimeout)
	}
	_ = conn.SetDeadline(deadline)

	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	if op.NoReply() {
		return nil
	}

	reader := bufio.NewReaderSize(conn, 64*1024)
	raw, err := readLine(reader)
	if err != nil {
		return fmt.Errorf("read %s reply: %w", op, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decode %s reply: %w", op, err)
	}
	if resp.ID != "" && resp.ID != req.ID {
		return fmt.Errorf("reply id %q does not match request %q", resp.ID, req.ID)
	}
	if !resp.OK {
		return &RemoteError{Code: resp.Code, Message: resp.Error, Data: resp.Data}
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode %s data: %w", op, err)
	}
	return nil
}

// IsRemote reports whether err came back from the agent
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
