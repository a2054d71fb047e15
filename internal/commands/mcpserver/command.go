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

// Package mcpserver implements the mcp-server command.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/mcp/server"
)

type options struct {
	logLevel       string
	runsPerMinute  int
	callsPerMinute int
	monitor        bool
}

// NewCommand creates the mcp-server command.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use: "mcp-server",
		Annotations: map[string]string{
			"group": "server",
		},
		Short: "Serve sentinel over MCP on stdio",
		Long: `Start the sentinel MCP (Model Context Protocol) server on stdio.

The server exposes plugins, templates, executions, monitoring tasks,
change events and asset discovery as tools, so an MCP client can plan
and run reconnaissance. Tool calls are rate limited; workflow runs have
their own tighter budget.

Configuration example for an MCP client:
  {
    "mcpServers": {
      "sentinel": {
        "command": "sentinel",
        "args": ["mcp-server"]
      }
    }
  }

With --monitor the task scheduler runs while the server is up, as it
does in sentineld.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Logging verbosity (debug, info, warn, error)")
	cmd.Flags().IntVar(&opts.runsPerMinute, "runs-per-minute", 10, "Workflow runs allowed per minute")
	cmd.Flags().IntVar(&opts.callsPerMinute, "calls-per-minute", 100, "Tool calls allowed per minute")
	cmd.Flags().BoolVar(&opts.monitor, "monitor", false, "Run the monitor scheduler")
	return cmd
}

func runServer(ctx context.Context, opts *options) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	cfg.Monitor.Enabled = opts.monitor

	svc, err := shared.StartService(ctx, cfg)
	if err != nil {
		return err
	}
	defer shared.CloseService(svc)

	version, _, _ := shared.GetVersion()
	srv, err := server.NewServer(server.ServerConfig{
		Name:           "sentinel",
		Version:        version,
		LogLevel:       opts.logLevel,
		Operations:     svc,
		RunsPerMinute:  opts.runsPerMinute,
		CallsPerMinute: opts.callsPerMinute,
	})
	if err != nil {
		return shared.NewConfigError("failed to create MCP server", err)
	}
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
