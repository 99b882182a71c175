// Package client talks to an agent. Every call opens its own connection,
// sends one request and reads one response.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/peterje/shellagent/internal/protocol"
)

// DialFunc opens a connection to the agent.
type DialFunc func(ctx context.Context) (net.Conn, error)

// TCP dials addr directly.
func TCP(addr string) DialFunc {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Error is a failure reported by the agent in its response envelope.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

// IsNotFound reports whether err is the agent's unknown-session failure.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Message == "session not found"
}

// Client issues protocol requests.
type Client struct {
	dial DialFunc
	// IOTimeout bounds the exchange beyond what the request itself needs.
	IOTimeout time.Duration
}

func New(dial DialFunc) *Client {
	return &Client{dial: dial, IOTimeout: 10 * time.Second}
}

// Do sends req and returns the raw response. extra widens the I/O deadline
// for requests that are expected to take a while.
func (c *Client) Do(ctx context.Context, req protocol.Request, extra time.Duration) (protocol.Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.IOTimeout + extra)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send request: %w", err)
	}
	line, err := protocol.ReadLine(bufio.NewReader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Response{}, ctx.Err()
		}
		if errors.Is(err, protocol.ErrEmptyRequest) {
			return protocol.Response{}, errors.New("agent closed the connection without a response")
		}
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	resp, err := protocol.DecodeResponse(line)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, req protocol.Request, extra time.Duration) (protocol.Response, error) {
	resp, err := c.Do(ctx, req, extra)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		msg := resp.ErrorMessage()
		if msg == "" {
			msg = "request failed"
		}
		return resp, &Error{Message: msg}
	}
	return resp, nil
}

// StartSession starts a shell, as user when non-empty, and returns its id.
func (c *Client) StartSession(ctx context.Context, user string) (string, error) {
	req := protocol.StartSession{}
	if user != "" {
		req.User = &user
	}
	resp, err := c.call(ctx, req, 0)
	if err != nil {
		return "", err
	}
	if resp.ID() == "" {
		return "", errors.New("agent returned no session id")
	}
	return resp.ID(), nil
}

// Exec runs command in a session and returns its captured output.
func (c *Client) Exec(ctx context.Context, sessionID, command string, timeout time.Duration) (string, error) {
	if timeout < 0 {
		timeout = 0
	}
	req := protocol.ExecCommand{
		SessionID: sessionID,
		Command:   command,
		TimeoutMs: uint64(timeout / time.Millisecond),
	}
	resp, err := c.call(ctx, req, timeout)
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

// CloseSession terminates a session.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	_, err := c.call(ctx, protocol.CloseSession{SessionID: sessionID}, 0)
	return err
}

// Run starts a session, runs one command in it and closes it again.
func (c *Client) Run(ctx context.Context, user, command string, timeout time.Duration) (string, error) {
	id, err := c.StartSession(ctx, user)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	out, execErr := c.Exec(ctx, id, command, timeout)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.IOTimeout)
	defer cancel()
	closeErr := c.CloseSession(closeCtx, id)

	if execErr != nil {
		return out, fmt.Errorf("exec: %w", execErr)
	}
	if closeErr != nil {
		return out, fmt.Errorf("close session: %w", closeErr)
	}
	return out, nil
}
