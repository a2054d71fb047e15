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

/*
Package mcp talks to external Model Context Protocol servers as a client.

A plugin manifest can name an MCP server instead of a subprocess or an HTTP
endpoint:

	id: nuclei_scan
	mcp:
	  command: nuclei-mcp
	  tool: scan
	  timeout: 10m

The server process is started on first use and kept for later calls. Each
plugin invocation becomes one tools/call request; the tool's structured
content, or its first text block decoded as a JSON object, is the plugin
output. A tool result flagged as an error becomes a *ToolError.

The server side of the protocol, exposing sentinel itself to MCP clients,
lives in the server subpackage.
*/
package mcp
