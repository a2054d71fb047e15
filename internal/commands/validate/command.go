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

package validate

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/completion"
	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/service"
)

// Result is the JSON output of validate.
type Result struct {
	shared.JSONResponse
	TemplateID string   `json:"template_id"`
	Source     string   `json:"source,omitempty"`
	Order      []string `json:"order"`
}

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use: "validate <template>",
		Annotations: map[string]string{
			"group": "workflow",
		},
		Short: "Validate a workflow template",
		Long: `Validate a workflow template without running it.

Checks that every step names a registered plugin, that dependencies exist
and form no cycle, and that every input mapping reads from a declared
dependency with a valid path and transform. On success the steps are
printed in dispatch order.

The argument is a template file, a directory containing template.yaml,
a name under the templates directory, or the id of a stored template.`,
		Example: `  sentinel validate recon.yaml
  sentinel validate recon --json`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteTemplates,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				return runValidate(cmd, svc, args[0])
			})
		},
	}
}

func runValidate(cmd *cobra.Command, svc *service.Service, arg string) error {
	t, _, err := shared.LoadTemplate(context.Background(), svc, arg)
	if err != nil {
		return shared.Fail("validate", err)
	}
	order, err := svc.ValidateTemplate(t)
	if err != nil {
		return shared.Fail("validate", shared.Classify(fmt.Sprintf("template %s is invalid", t.ID), err))
	}

	if shared.GetJSON() {
		return shared.EmitJSON(Result{
			JSONResponse: shared.NewResponse("validate"),
			TemplateID:   t.ID,
			Source:       t.Source,
			Order:        order,
		})
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s is valid (%d steps)", t.ID, len(order))))
	if !shared.GetQuiet() {
		fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("order:"), strings.Join(order, " → "))
	}
	return nil
}
