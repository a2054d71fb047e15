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
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/workflow"
)

const (
	maxYAMLSize      = 1024 * 1024
	executionTimeout = 30 * time.Minute
)

// ValidationResult is the sentinel_validate_template result.
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	TemplateID string   `json:"template_id,omitempty"`
	Order      []string `json:"order,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// RunResult is the sentinel_run_template result.
type RunResult struct {
	ExecutionID string              `json:"execution_id"`
	Execution   *workflow.Execution `json:"execution,omitempty"`
}

func (s *Server) registerWorkflowTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_list_plugins",
		Description: "List registered plugins with their categories and input/output ports.",
		InputSchema: objectSchema(nil),
	}, s.handleListPlugins)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_plugin_schema",
		Description: "Return the input or output schema a plugin declares.",
		InputSchema: objectSchema(map[string]any{
			"plugin_id": prop("string", "Plugin id"),
			"direction": map[string]any{
				"type":        "string",
				"description": "Which schema to return",
				"enum":        []string{"input", "output"},
				"default":     "input",
			},
		}, "plugin_id"),
	}, s.handlePluginSchema)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_list_templates",
		Description: "List stored workflow templates, optionally filtered by category.",
		InputSchema: objectSchema(map[string]any{
			"category": prop("string", "Filter by template category"),
		}),
	}, s.handleListTemplates)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_validate_template",
		Description: "Validate workflow template YAML against the registered plugins without running it. Returns the step dispatch order.",
		InputSchema: objectSchema(map[string]any{
			"template_yaml": prop("string", "The complete YAML content of the template"),
		}, "template_yaml"),
	}, s.handleValidateTemplate)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_run_template",
		Description: "Start a stored workflow template. With wait=true the tool returns the finished execution.",
		InputSchema: objectSchema(map[string]any{
			"template_id": prop("string", "Template id"),
			"program_id":  prop("string", "Program the execution belongs to"),
			"inputs":      prop("object", "Execution inputs"),
			"wait":        map[string]any{"type": "boolean", "description": "Wait for the execution to finish", "default": false},
		}, "template_id"),
	}, s.handleRunTemplate)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_get_execution",
		Description: "Return the state and step results of an execution.",
		InputSchema: objectSchema(map[string]any{
			"execution_id": prop("string", "Execution id"),
		}, "execution_id"),
	}, s.handleGetExecution)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_cancel_execution",
		Description: "Cancel a running execution. In-flight steps finish first.",
		InputSchema: objectSchema(map[string]any{
			"execution_id": prop("string", "Execution id"),
		}, "execution_id"),
	}, s.handleCancelExecution)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_process_step_output",
		Description: "Classify raw plugin output into artifacts. When execution_id and step_id are given the step result is updated.",
		InputSchema: objectSchema(map[string]any{
			"plugin_id":    prop("string", "Plugin that produced the output"),
			"output":       prop("object", "Raw plugin output"),
			"execution_id": prop("string", "Execution to attach artifacts to"),
			"step_id":      prop("string", "Step to attach artifacts to"),
		}, "plugin_id", "output"),
	}, s.handleProcessStepOutput)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_ratelimit_stats",
		Description: "Show global and per-host rate limiter budgets.",
		InputSchema: objectSchema(nil),
	}, s.handleRateLimitStats)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sentinel_retry_defaults",
		Description: "Show the default retry policy applied to plugin invocations.",
		InputSchema: objectSchema(nil),
	}, s.handleRetryDefaults)
}

func (s *Server) handleListPlugins(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	type pluginInfo struct {
		ID          string        `json:"id"`
		Name        string        `json:"name"`
		Category    string        `json:"category,omitempty"`
		Description string        `json:"description,omitempty"`
		Inputs      []plugin.Port `json:"inputs"`
		Outputs     []plugin.Port `json:"outputs"`
	}
	out := []pluginInfo{}
	for _, d := range s.ops.ListPlugins() {
		out = append(out, pluginInfo{
			ID:          d.ID,
			Name:        d.Name,
			Category:    d.Category,
			Description: d.Description,
			Inputs:      nonNil(d.Input.Ports()),
			Outputs:     nonNil(d.Output.Ports()),
		})
	}
	return jsonResponse(out), nil
}

func (s *Server) handlePluginSchema(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	id, err := request.RequireString("plugin_id")
	if err != nil {
		return errorResponse("Missing or invalid 'plugin_id' argument"), nil
	}
	get := s.ops.GetPluginInputSchema
	switch dir := request.GetString("direction", "input"); dir {
	case "input":
	case "output":
		get = s.ops.GetPluginOutputSchema
	default:
		return errorResponse(fmt.Sprintf("Invalid direction %q: use input or output", dir)), nil
	}
	schema, err := get(id)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(schema), nil
}

func (s *Server) handleListTemplates(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	category := request.GetString("category", "")
	ts, err := s.ops.ListTemplates(ctx)
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to list templates: %v", err)), nil
	}
	out := []*workflow.Template{}
	for _, t := range ts {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	return jsonResponse(out), nil
}

func (s *Server) handleValidateTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	doc, err := request.RequireString("template_yaml")
	if err != nil {
		return errorResponse("Missing or invalid 'template_yaml' argument"), nil
	}
	if len(doc) > maxYAMLSize {
		return errorResponse(fmt.Sprintf("Template YAML exceeds maximum size of %d bytes", maxYAMLSize)), nil
	}

	t, err := workflow.ParseTemplate([]byte(doc))
	if err != nil {
		return jsonResponse(ValidationResult{Error: err.Error()}), nil
	}
	order, err := s.ops.ValidateTemplate(t)
	if err != nil {
		return jsonResponse(ValidationResult{TemplateID: t.ID, Error: err.Error()}), nil
	}
	return jsonResponse(ValidationResult{Valid: true, TemplateID: t.ID, Order: order}), nil
}

func (s *Server) handleRunTemplate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return errorResponse("Missing or invalid 'template_id' argument"), nil
	}
	if !s.rateLimiter.AllowRun() {
		return errorResponse("Rate limit exceeded for workflow execution. Please try again later."), nil
	}

	id, err := s.ops.RunWorkflowTemplate(ctx, templateID, request.GetString("program_id", ""), argMap(request, "inputs"))
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to start template: %v", err)), nil
	}
	result := RunResult{ExecutionID: id}
	if request.GetBool("wait", false) {
		waitCtx, cancel := context.WithTimeout(ctx, executionTimeout)
		defer cancel()
		exec, err := s.ops.WaitExecution(waitCtx, id)
		if err != nil {
			return errorResponse(fmt.Sprintf("Execution %s did not finish: %v", id, err)), nil
		}
		result.Execution = exec
	}
	return jsonResponse(result), nil
}

func (s *Server) handleGetExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	id, err := request.RequireString("execution_id")
	if err != nil {
		return errorResponse("Missing or invalid 'execution_id' argument"), nil
	}
	exec, err := s.ops.GetExecution(ctx, id)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(exec), nil
}

func (s *Server) handleCancelExecution(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	id, err := request.RequireString("execution_id")
	if err != nil {
		return errorResponse("Missing or invalid 'execution_id' argument"), nil
	}
	if err := s.ops.CancelWorkflowRun(ctx, id); err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(map[string]any{"execution_id": id, "cancel_requested": true}), nil
}

func (s *Server) handleProcessStepOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	pluginID, err := request.RequireString("plugin_id")
	if err != nil {
		return errorResponse("Missing or invalid 'plugin_id' argument"), nil
	}
	raw := argMap(request, "output")
	if raw == nil {
		return errorResponse("Missing or invalid 'output' argument"), nil
	}
	arts, err := s.ops.ProcessStepOutput(ctx,
		request.GetString("execution_id", ""), request.GetString("step_id", ""), pluginID, raw)
	if err != nil {
		return errorResponse(err.Error()), nil
	}
	return jsonResponse(arts), nil
}

func (s *Server) handleRateLimitStats(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	return jsonResponse(s.ops.GetRateLimiterStats()), nil
}

func (s *Server) handleRetryDefaults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if res := s.rateLimited(); res != nil {
		return res, nil
	}
	return jsonResponse(s.ops.GetDefaultRetryConfig()), nil
}

func nonNil(ps []plugin.Port) []plugin.Port {
	if ps == nil {
		return []plugin.Port{}
	}
	return ps
}
