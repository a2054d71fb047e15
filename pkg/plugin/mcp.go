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

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/sentinel/internal/mcp"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// MCPPlugin calls one tool on an MCP server. The server is started on the
// first invocation and reused until a protocol failure or Close.
type MCPPlugin struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
	Tool    string

	// Timeout bounds a single tool call.
	Timeout time.Duration

	Logger *slog.Logger

	// Dial overrides how the server connection is made. Tests use it to
	// connect in-process.
	Dial func(ctx context.Context) (*mcp.Client, error)

	mu     sync.Mutex
	client *mcp.Client
}

// Invoke implements Plugin.
func (p *MCPPlugin) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	c, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	raw, err := c.CallTool(ctx, p.Tool, input)
	p.logger().Debug("mcp tool call finished",
		slog.String("plugin_id", p.ID),
		slog.String("tool", p.Tool),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Bool("ok", err == nil))

	if err != nil {
		var toolErr *mcp.ToolError
		var protoErr *mcp.ProtocolError
		switch {
		case errors.As(err, &toolErr):
			return nil, &sentinelerrors.PluginInvocationError{PluginID: p.ID, Message: toolErr.Message, Cause: err}
		case errors.Is(err, context.DeadlineExceeded):
			return nil, &sentinelerrors.TimeoutError{Operation: "plugin " + p.ID, Duration: time.Since(start), Cause: err}
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.As(err, &protoErr):
			// the connection may be broken; start afresh next time
			p.reset(c)
		}
		return nil, &sentinelerrors.PluginInvocationError{PluginID: p.ID, Message: err.Error(), Cause: err}
	}
	return decodeOutput(p.ID, raw)
}

func (p *MCPPlugin) connect(ctx context.Context) (*mcp.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}

	dial := p.Dial
	if dial == nil {
		dial = func(ctx context.Context) (*mcp.Client, error) {
			return mcp.NewClient(ctx, mcp.ClientConfig{
				ServerName: p.ID,
				Command:    p.Command,
				Args:       p.Args,
				Env:        p.Env,
				Timeout:    p.Timeout,
			})
		}
	}
	c, err := dial(ctx)
	if err != nil {
		return nil, &sentinelerrors.PluginInvocationError{PluginID: p.ID, Message: "connect to MCP server", Cause: err}
	}
	p.client = c
	return c, nil
}

func (p *MCPPlugin) reset(c *mcp.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == c {
		_ = c.Close()
		p.client = nil
	}
}

// Close stops the server process if one is running.
func (p *MCPPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

func (p *MCPPlugin) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
