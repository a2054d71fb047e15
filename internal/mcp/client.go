// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// DefaultTimeout bounds a tool call when the client has no timeout set.
const DefaultTimeout = 30 * time.Second

// Client wraps a connection to one MCP server.
type Client struct {
	// serverName identifies the server in errors and logs
	serverName string

	client  *client.Client
	timeout time.Duration
}

// ClientConfig configures a stdio MCP server connection.
type ClientConfig struct {
	// ServerName is the unique identifier for this server
	ServerName string

	// Command is the executable to run
	Command string

	// Args are the command-line arguments
	Args []string

	// Env is added to the server's environment
	Env map[string]string

	// Timeout is the default timeout for tool calls (defaults to 30s)
	Timeout time.Duration
}

// NewClient starts the server process and performs the initialize handshake.
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.ServerName == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if config.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	mcpClient, err := client.NewStdioMCPClient(config.Command, envList(config.Env), config.Args...)
	if err != nil {
		return nil, &ProtocolError{Server: config.ServerName, Op: "start", Err: err}
	}
	return connect(ctx, config.ServerName, mcpClient, config.Timeout)
}

// Connect wraps an already constructed mcp-go client, e.g. an in-process one.
func Connect(ctx context.Context, serverName string, mcpClient *client.Client, timeout time.Duration) (*Client, error) {
	return connect(ctx, serverName, mcpClient, timeout)
}

func connect(ctx context.Context, serverName string, mcpClient *client.Client, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, &ProtocolError{Server: serverName, Op: "start", Err: err}
	}

	c := &Client{serverName: serverName, client: mcpClient, timeout: timeout}
	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *Client) initialize(ctx context.Context) error {
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "sentinel",
				Version: "0.1.0",
			},
		},
	}
	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		return &ProtocolError{Server: c.serverName, Op: "initialize", Err: err}
	}
	if c.client.GetServerCapabilities().Tools == nil {
		return &ProtocolError{Server: c.serverName, Op: "initialize", Err: errors.New("server does not offer tools")}
	}
	return nil
}

// ListTools retrieves the tools the server offers.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &ProtocolError{Server: c.serverName, Op: "list tools", Err: err}
	}

	tools := make([]ToolDefinition, len(result.Tools))
	for i, tool := range result.Tools {
		schema := tool.RawInputSchema
		if len(schema) == 0 {
			b, err := json.Marshal(tool.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("marshal input schema for %s: %w", tool.Name, err)
			}
			schema = b
		}
		tools[i] = ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
		}
	}
	return tools, nil
}

// CallTool invokes a tool and returns its output as JSON. Structured content
// is preferred; otherwise the first text block is used, quoted as a JSON
// string when it is not JSON itself.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := c.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProtocolError{Server: c.serverName, Op: "call " + name, Err: err}
	}

	text := firstText(result.Content)
	if result.IsError {
		return nil, &ToolError{Server: c.serverName, Tool: name, Message: strings.TrimSpace(text)}
	}
	if result.StructuredContent != nil {
		b, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, fmt.Errorf("marshal structured content of %s: %w", name, err)
		}
		return b, nil
	}
	if trimmed := strings.TrimSpace(text); json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	b, _ := json.Marshal(text)
	return b, nil
}

func firstText(content []mcp.Content) string {
	for _, item := range content {
		if t, ok := mcp.AsTextContent(item); ok {
			return t.Text
		}
	}
	return ""
}

// ServerName returns the unique identifier for this server.
func (c *Client) ServerName() string {
	return c.serverName
}

// Ping checks if the server is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		if errors.Is(err, io.EOF) {
			return &ProtocolError{Server: c.serverName, Op: "ping", Err: errors.New("server connection closed")}
		}
		return &ProtocolError{Server: c.serverName, Op: "ping", Err: err}
	}
	return nil
}

// Close closes the connection and stops the server process.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close MCP client: %w", err)
	}
	return nil
}
