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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for sentinel
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sentinel",
		Short: "Sentinel - recon workflow orchestration and asset monitoring",
		Long: `Sentinel runs security tooling plugins as DAG workflows and watches
program assets for changes.

Workflow templates chain plugins together, feeding each step's output into
the next. Monitor tasks re-run plugin chains on a schedule and record
change events when an asset's DNS, certificate, content or API surface
moves.

Run 'sentinel plugins list' to see the registered plugins.
Run 'sentinel validate <template>' to check a template before running it.`,
		SilenceUsage:  true,
		SilenceErrors: true, // errors are printed by HandleExitError with the right exit code
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/sentinel/config.yaml)")

	cmd.SetHelpCommand(NewHelpCommand(cmd))
	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
