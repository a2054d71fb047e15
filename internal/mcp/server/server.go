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

// Package server implements an MCP server that exposes sentinel operations
// as tools.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/pkg/artifact"
	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/ratelimit"
	"github.com/tombee/sentinel/pkg/retry"
	"github.com/tombee/sentinel/pkg/workflow"
)

// Operations is the part of the service the tools call.
type Operations interface {
	ListPlugins() []*plugin.Descriptor
	GetPluginInputSchema(pluginID string) (*plugin.Schema, error)
	GetPluginOutputSchema(pluginID string) (*plugin.Schema, error)

	ListTemplates(ctx context.Context) ([]*workflow.Template, error)
	ValidateTemplate(t *workflow.Template) ([]string, error)
	RunWorkflowTemplate(ctx context.Context, templateID, programID string, inputs map[string]any) (string, error)
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	WaitExecution(ctx context.Context, id string) (*workflow.Execution, error)
	CancelWorkflowRun(ctx context.Context, id string) error
	ProcessStepOutput(ctx context.Context, executionID, stepID, pluginID string, raw any) ([]artifact.Artifact, error)
	GetRateLimiterStats() ratelimit.Stats
	GetDefaultRetryConfig() retry.Config

	CreateTask(ctx context.Context, programID, name string, intervalSecs int64, cfg *monitor.Config) (*monitor.Task, error)
	CreateDefaultTasks(ctx context.Context, programID string) ([]*monitor.Task, error)
	ListTasks(ctx context.Context, programID string) ([]*monitor.Task, error)
	UpdateTask(ctx context.Context, id string, u monitor.TaskUpdate) (*monitor.Task, error)
	DeleteTask(ctx context.Context, id string) error
	TriggerTask(ctx context.Context, id string) error
	MonitorStats(ctx context.Context) (monitor.Stats, error)
	ListEvents(ctx context.Context, q *monitor.EventQuery) ([]*monitor.ChangeEvent, error)
	DiscoverAndImportAssets(ctx context.Context, req monitor.DiscoverRequest) (*monitor.DiscoverResult, error)
}

// Server wraps the MCP server and provides sentinel tools
type Server struct {
	mcpServer   *server.MCPServer
	ops         Operations
	name        string
	version     string
	rateLimiter *RateLimiter
	logger      *slog.Logger
}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Name is the server name (default: "sentinel")
	Name string

	// Version is the sentinel version
	Version string

	// LogLevel controls logging verbosity (debug, info, warn, error)
	LogLevel string

	// Operations backs every tool. Required.
	Operations Operations

	// RunsPerMinute and CallsPerMinute bound tool usage. Defaults: 10 and 100.
	RunsPerMinute  int
	CallsPerMinute int
}

// createLogger creates a logger with the specified log level.
// Writes to stderr to avoid interfering with MCP stdio protocol.
func createLogger(levelStr string) (*slog.Logger, error) {
	var level slog.Level

	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", levelStr)
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler), nil
}

// NewServer creates a new MCP server instance
func NewServer(config ServerConfig) (*Server, error) {
	if config.Operations == nil {
		return nil, fmt.Errorf("operations are required")
	}
	if config.Name == "" {
		config.Name = "sentinel"
	}
	if config.Version == "" {
		config.Version = "dev"
	}
	if config.RunsPerMinute <= 0 {
		config.RunsPerMinute = 10
	}
	if config.CallsPerMinute <= 0 {
		config.CallsPerMinute = 100
	}

	logger, err := createLogger(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	s := &Server{
		mcpServer:   server.NewMCPServer(config.Name, config.Version, server.WithToolCapabilities(false)),
		ops:         config.Operations,
		name:        config.Name,
		version:     config.Version,
		rateLimiter: NewRateLimiter(config.RunsPerMinute, config.CallsPerMinute),
		logger:      logger,
	}
	s.registerWorkflowTools()
	s.registerMonitorTools()
	return s, nil
}

// Run serves MCP over stdio until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting sentinel MCP server", slog.String("version", s.version))

	if err := server.ServeStdio(s.mcpServer); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}

// objectSchema builds a tool input schema from property definitions.
func objectSchema(props map[string]any, required ...string) mcp.ToolInputSchema {
	if props == nil {
		props = map[string]any{}
	}
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// Helper function to create error response
func errorResponse(message string) *mcp.CallToolResult {
	return mcp.NewToolResultError(message)
}

// jsonResponse renders v as indented JSON text content.
func jsonResponse(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(string(data)),
		},
	}
}

// rateLimited reports an exhausted call budget as a tool error.
func (s *Server) rateLimited() *mcp.CallToolResult {
	if s.rateLimiter.AllowCall() {
		return nil
	}
	return errorResponse("Rate limit exceeded. Please try again later.")
}

// argMap returns an object argument, or nil.
func argMap(request mcp.CallToolRequest, key string) map[string]any {
	if m, ok := request.GetArguments()[key].(map[string]any); ok {
		return m
	}
	return nil
}
