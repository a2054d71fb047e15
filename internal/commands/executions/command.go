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

// Package executions implements the executions command group.
package executions

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/completion"
	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/workflow"
)

// NewCommand creates the executions command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "executions",
		Aliases: []string{"exec"},
		Annotations: map[string]string{
			"group": "workflow",
		},
		Short: "Inspect and control workflow executions",
		Long: `Inspect and control workflow executions.

Executions are only kept across invocations with the sqlite storage
backend. Pause and resume apply to executions running in this process,
so they are mostly useful against the daemon's store through MCP.`,
	}
	cmd.AddCommand(
		newListCommand(),
		newShowCommand(),
		newControlCommand("cancel", "Cancel an execution", "cancelled", (*service.Service).CancelWorkflowRun),
		newControlCommand("pause", "Pause an execution", "paused", (*service.Service).PauseWorkflowRun),
		newControlCommand("resume", "Resume a paused execution", "resumed", (*service.Service).ResumeWorkflowRun),
	)
	return cmd
}

// ListResponse is the JSON output of executions list.
type ListResponse struct {
	shared.JSONResponse
	Executions []*workflow.Execution `json:"executions"`
}

func newListCommand() *cobra.Command {
	var (
		status string
		q      workflow.Query
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List executions, newest first",
		Example: `  sentinel executions list --limit 10
  sentinel executions list --status completed_with_errors --program acme`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				s := workflow.Status(status)
				if !s.IsValid() {
					return shared.Fail("executions list", shared.NewInvalidError(fmt.Sprintf("unknown status %q", status), nil))
				}
				q.Status = &s
			}
			return shared.WithService(func(svc *service.Service) error {
				list, err := svc.ListExecutions(context.Background(), &q)
				if err != nil {
					return shared.Fail("executions list", shared.Classify("listing executions", err))
				}
				if shared.GetJSON() {
					if list == nil {
						list = []*workflow.Execution{}
					}
					return shared.EmitJSON(ListResponse{JSONResponse: shared.NewResponse("executions list"), Executions: list})
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No executions found.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTEMPLATE\tPROGRAM\tSTATUS\tPROGRESS\tFINDINGS\tCREATED")
				for _, e := range list {
					_, done, total := e.Progress()
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
						e.ID, e.TemplateID, orDash(e.ProgramID), e.Status, done, total, e.FindingsCount(),
						e.CreatedAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&q.TemplateID, "template", "", "Filter by template id")
	cmd.Flags().StringVarP(&q.ProgramID, "program", "p", "", "Filter by program")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "Maximum number of executions (0 = all)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Skip this many executions")
	_ = cmd.RegisterFlagCompletionFunc("status", completion.CompleteExecutionStatus)
	return cmd
}

func newShowCommand() *cobra.Command {
	var chart bool
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution and its step results",
		Example: `  sentinel executions show 3f2b9c1e-... --timeline
  sentinel executions show 3f2b9c1e-... --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				exec, err := svc.GetExecution(context.Background(), args[0])
				if err != nil {
					return shared.Fail("executions show", shared.Classify(fmt.Sprintf("execution %q", args[0]), err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(shared.ExecutionResponse{JSONResponse: shared.NewResponse("executions show"), Execution: exec})
				}
				return shared.PrintExecution(cmd.OutOrStdout(), exec, chart)
			})
		},
	}
	cmd.Flags().BoolVar(&chart, "timeline", false, "Show a step timeline chart")
	return cmd
}

type controlFunc func(*service.Service, context.Context, string) error

func newControlCommand(name, short, past string, fn controlFunc) *cobra.Command {
	command := "executions " + name
	return &cobra.Command{
		Use:   name + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				ctx := context.Background()
				if err := fn(svc, ctx, args[0]); err != nil {
					return shared.Fail(command, shared.Classify(fmt.Sprintf("%s %s", name, args[0]), err))
				}
				exec, err := svc.GetExecution(ctx, args[0])
				if err != nil {
					return shared.Fail(command, shared.Classify(fmt.Sprintf("execution %q", args[0]), err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(shared.ExecutionResponse{JSONResponse: shared.NewResponse(command), Execution: exec})
				}
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("execution %s %s (%s)", exec.ID, past, exec.Status)))
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
