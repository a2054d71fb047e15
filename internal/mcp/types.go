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

import "encoding/json"

// ToolDefinition describes a tool offered by an MCP server.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolError is returned when a tool reports failure in its result rather
// than at the protocol level.
type ToolError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return "mcp tool " + e.Server + "/" + e.Tool + " failed"
	}
	return "mcp tool " + e.Server + "/" + e.Tool + ": " + e.Message
}

// ProtocolError wraps a failure talking to the server: start-up, transport
// or a JSON-RPC error response.
type ProtocolError struct {
	Server string
	Op     string
	Err    error
}

func (e *ProtocolError) Error() string {
	return "mcp " + e.Server + ": " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error { return e.Err }
