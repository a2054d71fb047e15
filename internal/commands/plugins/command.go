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

// Package plugins implements the plugins command group.
package plugins

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/plugin"
)

// NewCommand creates the plugins command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "plugins",
		Annotations: map[string]string{
			"group": "plugins",
		},
		Short: "Inspect registered plugins",
		Long: `Inspect the plugins sentinel can run.

Plugins come from *.plugin.yaml manifests in the plugins directory
(plugins.dir in the config file, or SENTINEL_PLUGINS_DIR).`,
	}
	cmd.AddCommand(newListCommand(), newSchemaCommand())
	return cmd
}

// ListResponse is the JSON output of plugins list.
type ListResponse struct {
	shared.JSONResponse
	Plugins []*plugin.Descriptor `json:"plugins"`
}

func newListCommand() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List registered plugins",
		Example: `  sentinel plugins list
  sentinel plugins list --category recon --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				var list []*plugin.Descriptor
				for _, d := range svc.ListPlugins() {
					if category == "" || d.Category == category {
						list = append(list, d)
					}
				}
				if shared.GetJSON() {
					if list == nil {
						list = []*plugin.Descriptor{}
					}
					return shared.EmitJSON(ListResponse{JSONResponse: shared.NewResponse("plugins list"), Plugins: list})
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No plugins registered.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tCATEGORY\tREQUIRED INPUTS\tSOURCE")
				for _, d := range list {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, dash(d.Category), dash(strings.Join(required(d.Input), ", ")), dash(d.Source))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only list plugins in this category")
	return cmd
}

// SchemaResponse is the JSON output of plugins schema.
type SchemaResponse struct {
	shared.JSONResponse
	PluginID string         `json:"plugin_id"`
	Input    *plugin.Schema `json:"input_schema,omitempty"`
	Output   *plugin.Schema `json:"output_schema,omitempty"`
}

func newSchemaCommand() *cobra.Command {
	var outputOnly bool
	cmd := &cobra.Command{
		Use:   "schema <plugin-id>",
		Short: "Show a plugin's input and output schema",
		Long: `Show the fields a plugin accepts and produces.

Input mappings in templates target input fields and read from output
fields, so this is the reference when wiring steps together.`,
		Example: `  sentinel plugins schema subdomain_enumerator
  sentinel plugins schema http_prober --output --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				id := args[0]
				resp := SchemaResponse{JSONResponse: shared.NewResponse("plugins schema"), PluginID: id}
				var err error
				if !outputOnly {
					if resp.Input, err = svc.GetPluginInputSchema(id); err != nil {
						return shared.Fail("plugins schema", shared.Classify(fmt.Sprintf("plugin %q", id), err))
					}
				}
				if resp.Output, err = svc.GetPluginOutputSchema(id); err != nil {
					return shared.Fail("plugins schema", shared.Classify(fmt.Sprintf("plugin %q", id), err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(resp)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, shared.Header.Render(id))
				if !outputOnly {
					printPorts(cmd, "Input", resp.Input)
				}
				printPorts(cmd, "Output", resp.Output)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&outputOnly, "output", false, "Only show the output schema")
	return cmd
}

func printPorts(cmd *cobra.Command, title string, s *plugin.Schema) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s\n", shared.Bold.Render(title))
	ports := s.Ports()
	if len(ports) == 0 {
		fmt.Fprintln(out, shared.Muted.Render("  (no declared fields)"))
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, p := range ports {
		flags := ""
		if p.Required {
			flags = "required"
		}
		if p.HasDefault {
			flags = strings.TrimSpace(flags + " default")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", p.Name, dash(p.Type), flags, p.Description)
	}
	w.Flush()
}

func required(s *plugin.Schema) []string {
	if s == nil {
		return nil
	}
	return s.Required
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
