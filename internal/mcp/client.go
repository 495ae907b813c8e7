package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// ErrToolFailed is returned when the server reports a tool-level error.
var ErrToolFailed = errors.New("tool call failed")

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the streamable HTTP URL of the MCP server.
	Endpoint string
	Name     string
	Version  string

	// Timeout bounds each tool call. Zero means no bound beyond ctx.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Client calls tools on one MCP session.
type Client struct {
	session *mcp.ClientSession
	timeout time.Duration
	logger  *zap.Logger
}

// Dial connects to cfg.Endpoint over the streamable HTTP transport.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("mcp endpoint is required")
	}
	return Connect(ctx, &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint}, cfg)
}

// Connect opens a session over transport.
func Connect(ctx context.Context, transport mcp.Transport, cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "agentforge"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	client := mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to mcp server: %w", err)
	}
	logger.Named("mcp").Info("connected to memory server", zap.String("endpoint", cfg.Endpoint))
	return &Client{session: session, timeout: cfg.Timeout, logger: logger.Named("mcp")}, nil
}

// CallTool invokes name with args and returns the structured result decoded
// into plain JSON values (maps, slices, strings, float64s). A reply without
// structured content falls back to JSON found in its text content.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", name, err)
	}
	c.logger.Debug("tool call",
		zap.String("tool", name),
		zap.Bool("is_error", res.IsError),
		zap.Duration("duration", time.Since(start)),
	)
	if res.IsError {
		return nil, fmt.Errorf("%w: %s: %s", ErrToolFailed, name, text(res))
	}

	if res.StructuredContent != nil {
		return plain(res.StructuredContent)
	}
	var v interface{}
	if err := json.Unmarshal([]byte(text(res)), &v); err == nil {
		return v, nil
	}
	return nil, nil
}

// Close ends the session.
func (c *Client) Close() error {
	return c.session.Close()
}

// plain round-trips v through JSON so callers see generic values whatever
// concrete type the transport decoded into.
func plain(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding structured content: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding structured content: %w", err)
	}
	return out, nil
}

func text(res *mcp.CallToolResult) string {
	var b strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}
