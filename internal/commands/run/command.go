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

package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/completion"
	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/workflow"
)

type options struct {
	inputs    []string
	inputFile string
	programID string
	timeout   time.Duration
	timeline  bool
}

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use: "run <template>",
		Annotations: map[string]string{
			"group": "workflow",
		},
		Short: "Run a workflow template",
		Long: `Run a workflow template and wait for it to finish.

The argument is a template file, a directory containing template.yaml,
a name under the templates directory, or the id of a stored template.

Inputs are passed to every step as base input. Values that parse as JSON
keep their type, so --input targets='["a.example.com"]' passes a list.
Command-line inputs override values from --input-file.

Interrupting the command cancels the execution; steps already running
finish, no new steps start.`,
		Example: `  sentinel run recon --input domain=example.com
  sentinel run ./templates/recon.yaml --input-file inputs.json --timeline
  echo '{"domain":"example.com"}' | sentinel run recon --input-file - --json`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteTemplates,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				return runWorkflow(cmd, svc, args[0], opts)
			})
		},
	}

	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Input as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.inputFile, "input-file", "", "JSON file of inputs, or - for stdin")
	cmd.Flags().StringVarP(&opts.programID, "program", "p", "", "Program the execution belongs to")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Cancel the execution after this long (0 = no limit)")
	cmd.Flags().BoolVar(&opts.timeline, "timeline", false, "Show a step timeline when the run finishes")

	return cmd
}

func runWorkflow(cmd *cobra.Command, svc *service.Service, arg string, opts *options) error {
	inputs, err := shared.ParseInputs(opts.inputs, opts.inputFile)
	if err != nil {
		return shared.Fail("run", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	t, _, err := shared.LoadTemplate(ctx, svc, arg)
	if err != nil {
		return shared.Fail("run", err)
	}

	spinner := shared.NewSpinner()
	if !shared.GetJSON() {
		svc.Emitter().On(events.WorkflowProgress, func(_ context.Context, ev *events.Event) error {
			spinner.SetDetail(fmt.Sprintf("%v/%v steps", ev.Data["completed_steps"], ev.Data["total_steps"]))
			return nil
		})
		svc.Emitter().On(events.StepStarted, func(_ context.Context, ev *events.Event) error {
			if id, ok := ev.Data["step_id"].(string); ok {
				spinner.SetDetail(id)
			}
			return nil
		})
		spinner.Start(fmt.Sprintf("Running %s", t.ID))
	}

	exec, err := svc.RunWorkflow(ctx, t, opts.programID, inputs)
	spinner.Stop()
	if err != nil {
		return shared.Fail("run", shared.Classify(fmt.Sprintf("running %s", t.ID), err))
	}

	if shared.GetJSON() {
		resp := shared.ExecutionResponse{JSONResponse: shared.NewResponse("run"), Execution: exec}
		resp.Success = !failed(exec.Status)
		if err := shared.EmitJSON(resp); err != nil {
			return err
		}
	} else {
		if err := shared.PrintExecution(cmd.OutOrStdout(), exec, opts.timeline); err != nil {
			return err
		}
		if exec.Status == workflow.StatusCompletedWithErrors {
			fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderWarn("some steps did not succeed"))
		}
	}

	if failed(exec.Status) {
		msg := fmt.Sprintf("execution %s %s", exec.ID, exec.Status)
		if exec.Status == workflow.StatusCancelled && ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("execution %s timed out after %s", exec.ID, opts.timeout)
		}
		return shared.NewExecutionError(msg, nil)
	}
	return nil
}

func failed(s workflow.Status) bool {
	return s == workflow.StatusFailed || s == workflow.StatusCancelled
}
