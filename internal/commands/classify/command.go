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

// Package classify implements the classify command.
package classify

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/artifact"
)

// Response is the JSON output of classify.
type Response struct {
	shared.JSONResponse
	PluginID  string              `json:"plugin_id"`
	Artifacts []artifact.Artifact `json:"artifacts"`
	Findings  int                 `json:"findings_count"`
}

// NewCommand creates the classify command.
func NewCommand() *cobra.Command {
	var executionID, stepID string
	cmd := &cobra.Command{
		Use: "classify <plugin-id> [file|-]",
		Annotations: map[string]string{
			"group": "workflow",
		},
		Short: "Classify raw plugin output into artifacts",
		Long: `Classify raw JSON plugin output into typed artifacts (subdomains,
live_hosts, technologies, endpoints, findings and so on) the same way
workflow steps are classified.

Output is read from the file argument, or stdin when it is omitted or "-".
With --execution and --step the artifacts replace those recorded on that
step, which is how output produced outside sentinel is attached to an
execution.`,
		Example: `  nuclei -json -u https://acme.com | sentinel classify nuclei
  sentinel classify subfinder out.json --execution 3f2b... --step enum`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "-"
			if len(args) == 2 {
				path = args[1]
			}
			data, err := shared.ReadInput(path)
			if err != nil {
				return shared.Fail("classify", err)
			}
			var raw any
			if err := json.Unmarshal(data, &raw); err != nil {
				// non-JSON output is classified as text
				raw = string(data)
			}
			if (executionID == "") != (stepID == "") {
				return shared.Fail("classify", shared.NewInvalidError("--execution and --step must be given together", nil))
			}

			return shared.WithService(func(svc *service.Service) error {
				arts, err := svc.ProcessStepOutput(cmd.Context(), executionID, stepID, args[0], raw)
				if err != nil {
					return shared.Fail("classify", shared.Classify("classifying output", err))
				}
				if arts == nil {
					arts = []artifact.Artifact{}
				}
				if shared.GetJSON() {
					return shared.EmitJSON(Response{
						JSONResponse: shared.NewResponse("classify"),
						PluginID:     args[0],
						Artifacts:    arts,
						Findings:     artifact.FindingsCount(arts),
					})
				}
				if len(arts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No artifacts.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TYPE\tCOUNT\tSOURCE")
				for _, a := range arts {
					fmt.Fprintf(w, "%s\t%d\t%s\n", a.Type, a.Count, a.Source)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "Attach artifacts to this execution")
	cmd.Flags().StringVar(&stepID, "step", "", "Attach artifacts to this step of --execution")
	return cmd
}
