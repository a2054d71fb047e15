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

package server

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/sentinel/internal/monitor"
)

func (s *Server) registerMonitorTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_create_task",
		Description: "Create a monitor task for a program. With defaults=true the standard DNS/certificate and content/API tasks are created instead.",
		InputSchema: objectSchema(map[string]any{
			"program_id":    prop("string", "Program to monitor"),
			"name":          prop("string", "Task name"),
			"interval_secs": prop("integer", "Seconds between runs"),
			"categories": map[string]any{
				"type":        "array",
				"description": "Categories to enable (dns, certificate, content, api, port, web, vulnerability). Default: the standard set",
				"items":       map[string]any{"type": "string"},
			},
			"targets": map[string]any{
				"type":        "array",
				"description": "Explicit targets in addition to the program's assets",
				"items":       map[string]any{"type": "string"},
			},
			"defaults": map[string]any{"type": "boolean", "description": "Create the default task set", "default": false},
		}, "program_id"),
	}, s.handleCreateTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_list_tasks",
		Description: "List monitor tasks, optionally for one program.",
		InputSchema: objectSchema(map[string]any{
			"program_id": prop("string", "Program filter"),
		}),
	}, s.handleListTasks)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_update_task",
		Description: "Rename, reschedule, enable or disable a monitor task.",
		InputSchema: objectSchema(map[string]any{
			"task_id":       prop("string", "Task id"),
			"name":          prop("string", "New name"),
			"interval_secs": prop("integer", "New interval in seconds"),
			"enabled":       prop("boolean", "Enable or disable the task"),
		}, "task_id"),
	}, s.handleUpdateTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_trigger_task",
		Description: "Run a monitor task now in the background.",
		InputSchema: objectSchema(map[string]any{
			"task_id": prop("string", "Task id"),
		}, "task_id"),
	}, s.handleTriggerTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_delete_task",
		Description: "Delete a monitor task.",
		InputSchema: objectSchema(map[string]any{
			"task_id": prop("string", "Task id"),
		}, "task_id"),
	}, s.handleDeleteTask)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_monitor_stats",
		Description: "Show monitor scheduler statistics.",
		InputSchema: objectSchema(nil),
	}, s.handleMonitorStats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_list_events",
		Description: "List detected change events, newest first.",
		InputSchema: objectSchema(map[string]any{
			"program_id":   prop("string", "Program filter"),
			"asset_id":     prop("string", "Asset filter"),
			"status":       prop("string", "Status filter"),
			"min_severity": prop("string", "Lowest severity to include (low, medium, high, critical)"),
			"limit":        prop("integer", "Maximum number of events"),
		}),
	}, s.handleListEvents)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_discover_assets",
		Description: "Run a discovery plugin against a target and optionally import the assets it finds.",
		InputSchema: objectSchema(map[string]any{
			"program_id":  prop("string", "Program the assets belong to"),
			"plugin_id":   prop("string", "Discovery plugin"),
			"target":      prop("string", "Domain or URL to discover from"),
			"params":      prop("object", "Extra plugin parameters"),
			"auto_import": prop("boolean", "Import new assets and record events (default true)"),
		}, "program_id", "plugin_id"),
	}, s.handleDiscoverAssets)
}

func (s *Server) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	programID, err := request.RequireString("program_id")
	if err != nil {
		return errorResponse("Missing or invalid 'program_id' argument"), nil
	}

	if request.GetBool("defaults", false) {
		tasks, err := s.ops.CreateDefaultTasks(ctx, programID)
		if err != nil {
			return errorResponse(err.Error()), nil
		}
		return jsonResponse(tasks), nil
	}

	name := request.GetString("name", "")
	if name == "" {
		return errorResponse("Missing 'name' argument"), nil
	}
	interval := int64(request.GetFloat("interval_secs", 0))

	cfg := monitor.DefaultConfig()
	if cats := request.GetStringSlice("categories", nil); len(cats) > 0 {
		for _, c := range monitor.Categories {
			cfg.SetEnabled(c, false)
		}
		for _, c := range cats {
			cat := monitor.Category(c)
			if !cat.IsValid() {
				return errorResponse(fmt.Sprintf("Unknown category %q", c)), nil
			}
			cfg.SetEnabled(cat, true)
		}
	}
	cfg.Targets = request.GetStringSlice("targets", nil)

	task, err := s.ops.CreateTask(ctx, programID, name, interval, &cfg)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(task), nil
}

func (s *Server) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	tasks, err := s.ops.ListTasks(ctx, request.GetString("program_id", ""))
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(tasks), nil
}

func (s *Server) handleUpdateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	id, err := request.RequireString("task_id")
	if err != nil {
		return errorResponse("Missing or invalid 'task_id' argument"), nil
	}

	args := request.GetArguments()
	var u monitor.TaskUpdate
	if name, ok := args["name"].(string); ok {
		u.Name = &name
	}
	if v, ok := args["interval_secs"].(float64); ok {
		secs := int64(v)
		u.IntervalSecs = &secs
	}
	if v, ok := args["enabled"].(bool); ok {
		u.Enabled = &v
	}

	task, err := s.ops.UpdateTask(ctx, id, u)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(task), nil
}

func (s *Server) handleTriggerTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	id, err := request.RequireString("task_id")
	if err != nil {
		return errorResponse("Missing or invalid 'task_id' argument"), nil
	}
	if !s.rateLimiter.AllowRun() {
		return errorResponse("Rate limit exceeded for task runs. Please try again later."), nil
	}
	// the run outlives this request
	if err := s.ops.TriggerTask(context.WithoutCancel(ctx), id); err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(map[string]any{"task_id": id, "triggered": true}), nil
}

func (s *Server) handleDeleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	id, err := request.RequireString("task_id")
	if err != nil {
		return errorResponse("Missing or invalid 'task_id' argument"), nil
	}
	if err := s.ops.DeleteTask(ctx, id); err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(map[string]any{"task_id": id, "deleted": true}), nil
}

func (s *Server) handleMonitorStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	stats, err := s.ops.MonitorStats(ctx)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(stats), nil
}

func (s *Server) handleListEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	q := &monitor.EventQuery{
		ProgramID:   request.GetString("program_id", ""),
		AssetID:     request.GetString("asset_id", ""),
		Status:      monitor.EventStatus(request.GetString("status", "")),
		MinSeverity: monitor.Severity(request.GetString("min_severity", "")),
		Limit:       int(request.GetFloat("limit", 0)),
	}
	if q.MinSeverity != "" && !q.MinSeverity.IsValid() {
		return errorResponse(fmt.Sprintf("Unknown severity %q", q.MinSeverity)), nil
	}
	evs, err := s.ops.ListEvents(ctx, q)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(evs), nil
}

func (s *Server) handleDiscoverAssets(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	programID, err := request.RequireString("program_id")
	if err != nil {
		return errorResponse("Missing or invalid 'program_id' argument"), nil
	}
	pluginID, err := request.RequireString("plugin_id")
	if err != nil {
		return errorResponse("Missing or invalid 'plugin_id' argument"), nil
	}
	if !s.rateLimiter.AllowRun() {
		return errorResponse("Rate limit exceeded for discovery. Please try again later."), nil
	}
	res, err := s.ops.DiscoverAndImportAssets(ctx, monitor.DiscoverRequest{
		ProgramID:  programID,
		PluginID:   pluginID,
		Target:     request.GetString("target", ""),
		Params:     argMap(request, "params"),
		AutoImport: request.GetBool("auto_import", true),
	})
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(res), nil
}
