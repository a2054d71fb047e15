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

// Package bindings implements the workflow binding command group.
package bindings

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/service"
)

// NewCommand creates the bindings command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "bindings",
		Annotations: map[string]string{
			"group": "monitor",
		},
		Short: "Bind workflow templates to program change events",
		Long: `Bind workflow templates to a program so change events can start them.

When a monitoring task detects a change at or above its auto-trigger
severity, every enabled binding of the program with --auto-run whose
condition matches starts its template with the changed asset as target.
Conditions are expr-lang expressions over event.*, for example:

  event.risk_score >= 50 && event.category == "dns"`,
	}
	cmd.AddCommand(newListCommand(), newCreateCommand(), newDeleteCommand())
	return cmd
}

// Response is the JSON output of bindings commands.
type Response struct {
	shared.JSONResponse
	Bindings []*monitor.Binding `json:"bindings"`
}

func newListCommand() *cobra.Command {
	var programID string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List a program's bindings",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				list, err := svc.ListBindings(context.Background(), programID)
				if err != nil {
					return shared.Fail("bindings list", shared.Classify("listing bindings", err))
				}
				return emit(cmd.OutOrStdout(), "bindings list", list)
			})
		},
	}
	cmd.Flags().StringVarP(&programID, "program", "p", "", "Program id")
	_ = cmd.MarkFlagRequired("program")
	return cmd
}

func newCreateCommand() *cobra.Command {
	var (
		b        monitor.Binding
		inputs   []string
		disabled bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Bind a template to a program",
		Example: `  sentinel bindings create -p acme --template recon --auto-run
  sentinel bindings create -p acme --template deep-scan --auto-run --condition 'event.risk_score >= 70'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			kv, err := shared.ParseKeyValues(inputs)
			if err != nil {
				return shared.Fail("bindings create", err)
			}
			if len(kv) > 0 {
				b.Inputs = kv
			}
			b.Enabled = !disabled
			return shared.WithService(func(svc *service.Service) error {
				created, err := svc.CreateBinding(context.Background(), &b)
				if err != nil {
					return shared.Fail("bindings create", shared.Classify("creating binding", err))
				}
				return emit(cmd.OutOrStdout(), "bindings create", []*monitor.Binding{created})
			})
		},
	}
	cmd.Flags().StringVarP(&b.ProgramID, "program", "p", "", "Program id")
	cmd.Flags().StringVar(&b.TemplateID, "template", "", "Stored template id")
	cmd.Flags().BoolVar(&b.AutoRunOnChange, "auto-run", false, "Start the template on matching change events")
	cmd.Flags().StringVar(&b.Condition, "condition", "", "expr-lang condition over event.*")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Extra workflow input as key=value (repeatable)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Create the binding disabled")
	_ = cmd.MarkFlagRequired("program")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <binding-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a binding",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				if err := svc.DeleteBinding(context.Background(), args[0]); err != nil {
					return shared.Fail("bindings delete", shared.Classify("deleting binding", err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(shared.NewResponse("bindings delete"))
				}
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("deleted binding %s", args[0])))
				return nil
			})
		},
	}
}

func emit(w io.Writer, command string, list []*monitor.Binding) error {
	if shared.GetJSON() {
		if list == nil {
			list = []*monitor.Binding{}
		}
		return shared.EmitJSON(Response{JSONResponse: shared.NewResponse(command), Bindings: list})
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No bindings found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROGRAM\tTEMPLATE\tAUTO RUN\tENABLED\tCONDITION")
	for _, b := range list {
		cond := b.Condition
		if cond == "" {
			cond = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%t\t%s\n", b.ID, b.ProgramID, b.TemplateID, b.AutoRunOnChange, b.Enabled, cond)
	}
	return tw.Flush()
}
