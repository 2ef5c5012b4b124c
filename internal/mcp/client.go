// Package mcp holds the provider clients: one long-lived MCP session per
// capability server, built on the official Go SDK.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNotConnected is returned by Invoke before Connect succeeded or after Close.
var ErrNotConnected = errors.New("provider not connected")

// ConnectionError reports a failure to establish a provider session.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to provider %s: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ToolError is a tool result the server flagged with isError.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// transportBuilder is overridden in tests to stub the transport factory.
var transportBuilder = buildTransport

type Option func(*Client)

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a provider client. Calls are serialized: the server never
// sees more than one request in flight from this client, even when it is
// shared by several conversations.
type Client struct {
	name   string
	spec   string
	impl   *mcpsdk.Client
	logger *slog.Logger

	connectOnce sync.Once
	connectErr  error

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// NewClient creates a client for the server described by transportSpec.
// No connection is made until Connect.
func NewClient(name, transportSpec string, opts ...Option) *Client {
	c := &Client{
		name:   name,
		spec:   transportSpec,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.impl = mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mcpchat-" + name, Version: "1.0.0"}, nil)
	return c
}

func (c *Client) Name() string { return c.name }

// Connect dials the server once. Later calls return the first result; a
// failed client stays failed.
func (c *Client) Connect(ctx context.Context) error {
	c.connectOnce.Do(func() {
		start := time.Now()
		transport, err := transportBuilder(c.spec)
		if err != nil {
			c.connectErr = &ConnectionError{Provider: c.name, Err: fmt.Errorf("build transport: %w", err)}
			return
		}
		session, err := c.impl.Connect(ctx, transport, nil)
		if err != nil {
			c.connectErr = &ConnectionError{Provider: c.name, Err: err}
			return
		}
		c.mu.Lock()
		c.session = session
		c.mu.Unlock()
		c.logger.Info("provider connected", "provider", c.name, "elapsed", time.Since(start).Round(time.Millisecond))
	})
	return c.connectErr
}

// Invoke calls a tool and returns the JSON encoding of the call result.
// A result flagged isError comes back as a *ToolError.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return "", ErrNotConnected
	}
	res, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", err
	}
	if res.IsError {
		return "", &ToolError{Message: resultText(res)}
	}
	out, err := json.Marshal(res)
	if err != nil {
		return "", fmt.Errorf("encoding %s result: %w", tool, err)
	}
	return string(out), nil
}

// ListTools returns the names of the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil, ErrNotConnected
	}
	var names []string
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("listing tools of %s: %w", c.name, err)
		}
		names = append(names, tool.Name)
	}
	return names, nil
}

// Close ends the session. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.logger.Info("provider closed", "provider", c.name)
	return err
}

func resultText(res *mcpsdk.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if text, ok := content.(*mcpsdk.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}
