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

// Package templates implements the templates command group.
package templates

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/workflow"
)

// NewCommand creates the templates command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "templates",
		Annotations: map[string]string{
			"group": "workflow",
		},
		Short: "List and inspect workflow templates",
		Long: `List and inspect stored workflow templates.

Templates are loaded from the templates directory (templates.dir in the
config file, or SENTINEL_TEMPLATES_DIR) and from the storage backend.`,
	}
	cmd.AddCommand(newListCommand(), newShowCommand(), newImportCommand())
	return cmd
}

// ListResponse is the JSON output of templates list.
type ListResponse struct {
	shared.JSONResponse
	Templates []*workflow.Template `json:"templates"`
}

func newListCommand() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List workflow templates",
		Example: `  sentinel templates list
  sentinel templates list --category discovery`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				all, err := svc.ListTemplates(context.Background())
				if err != nil {
					return shared.Fail("templates list", shared.Classify("listing templates", err))
				}
				list := make([]*workflow.Template, 0, len(all))
				for _, t := range all {
					if category == "" || t.Category == category {
						list = append(list, t)
					}
				}
				if shared.GetJSON() {
					return shared.EmitJSON(ListResponse{JSONResponse: shared.NewResponse("templates list"), Templates: list})
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No templates found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tSTEPS\tTAGS")
				for _, t := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, orDash(t.Category), len(t.Steps), orDash(strings.Join(t.Tags, ",")))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only list templates in this category")
	return cmd
}

// ShowResponse is the JSON output of templates show.
type ShowResponse struct {
	shared.JSONResponse
	Template *workflow.Template `json:"template"`
	Order    []string           `json:"order,omitempty"`
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template as YAML",
		Example: `  sentinel templates show recon
  sentinel templates show recon --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				t, err := svc.GetTemplate(context.Background(), args[0])
				if err != nil {
					return shared.Fail("templates show", shared.Classify(fmt.Sprintf("template %q", args[0]), err))
				}
				// an invalid stored template is still shown, just without an order
				order, _ := svc.ValidateTemplate(t)
				if shared.GetJSON() {
					return shared.EmitJSON(ShowResponse{JSONResponse: shared.NewResponse("templates show"), Template: t, Order: order})
				}
				data, err := yaml.Marshal(t)
				if err != nil {
					return fmt.Errorf("failed to render template: %w", err)
				}
				out := cmd.OutOrStdout()
				if t.Source != "" {
					fmt.Fprintln(out, shared.Muted.Render("# "+t.Source))
				}
				fmt.Fprint(out, string(data))
				return nil
			})
		},
	}
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Validate a template file and store it",
		Long: `Validate a template file and store it under its id, replacing any
stored template with the same id. Stored templates can be run by id and
bound to programs for automatic runs on change events.`,
		Example: `  sentinel templates import ./recon.yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				ctx := context.Background()
				t, fromFile, err := shared.LoadTemplate(ctx, svc, args[0])
				if err != nil {
					return shared.Fail("templates import", err)
				}
				if !fromFile {
					return shared.Fail("templates import", shared.NewMissingInputError(fmt.Sprintf("%s is not a template file", args[0]), nil))
				}
				if err := svc.PutTemplate(ctx, t); err != nil {
					return shared.Fail("templates import", shared.Classify(fmt.Sprintf("template %s is invalid", t.ID), err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(ShowResponse{JSONResponse: shared.NewResponse("templates import"), Template: t})
				}
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("stored template %s", t.ID)))
				return nil
			})
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
