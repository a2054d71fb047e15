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

package main

import (
	"github.com/tombee/sentinel/internal/cli"
	"github.com/tombee/sentinel/internal/commands/bindings"
	"github.com/tombee/sentinel/internal/commands/classify"
	"github.com/tombee/sentinel/internal/commands/completion"
	"github.com/tombee/sentinel/internal/commands/config"
	"github.com/tombee/sentinel/internal/commands/discover"
	"github.com/tombee/sentinel/internal/commands/events"
	"github.com/tombee/sentinel/internal/commands/executions"
	"github.com/tombee/sentinel/internal/commands/mcpserver"
	"github.com/tombee/sentinel/internal/commands/plugins"
	"github.com/tombee/sentinel/internal/commands/run"
	"github.com/tombee/sentinel/internal/commands/tasks"
	"github.com/tombee/sentinel/internal/commands/templates"
	"github.com/tombee/sentinel/internal/commands/validate"
	versioncmd "github.com/tombee/sentinel/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Workflow commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())
	rootCmd.AddCommand(templates.NewCommand())
	rootCmd.AddCommand(executions.NewCommand())
	rootCmd.AddCommand(plugins.NewCommand())
	rootCmd.AddCommand(classify.NewCommand())

	// Monitoring commands
	rootCmd.AddCommand(tasks.NewCommand())
	rootCmd.AddCommand(events.NewCommand())
	rootCmd.AddCommand(bindings.NewCommand())
	rootCmd.AddCommand(discover.NewCommand())

	// Server
	rootCmd.AddCommand(mcpserver.NewCommand())

	// Configuration and help
	rootCmd.AddCommand(config.NewConfigCommand())
	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
