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
Package cli provides the root command and global flags for the sentinel CLI.

Individual commands live in the internal/commands subpackages and are added
by cmd/sentinel:

	sentinel
	├── run           Run a workflow template and wait for it
	├── validate      Validate a template against the plugin registry
	├── templates     List, show and import templates
	├── executions    Inspect, cancel, pause and resume executions
	├── plugins       List plugins and show their schemas
	├── classify      Classify raw plugin output into artifacts
	├── tasks         Manage monitor tasks
	├── events        List and triage change events
	├── bindings      Bind workflow templates to change events
	├── discover      Import assets from a discovery plugin
	├── mcp-server    Serve sentinel over the Model Context Protocol
	├── config        Show and validate the effective configuration
	├── completion    Generate shell completion scripts
	├── version       Show version
	└── help          Show help

# Global Flags

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file

# Exit Codes

  - 0: success
  - 1: execution failed
  - 2: invalid template or arguments
  - 3: missing required input
  - 4: configuration error
  - 5: resource not found
*/
package cli
