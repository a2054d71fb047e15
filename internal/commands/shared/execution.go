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

package shared

import (
	"fmt"
	"io"
	"time"

	"github.com/tombee/sentinel/internal/cli/timeline"
	"github.com/tombee/sentinel/pkg/workflow"
)

// ExecutionResponse is the JSON output of commands that report one execution.
type ExecutionResponse struct {
	JSONResponse
	Execution *workflow.Execution `json:"execution"`
}

// PrintExecution writes a human summary of exec: a status header, then a
// timeline chart or one line per step, then step errors.
func PrintExecution(w io.Writer, exec *workflow.Execution, chart bool) error {
	if chart {
		out, err := timeline.NewRenderer().Render(exec)
		if err == nil {
			fmt.Fprint(w, out)
			return nil
		}
	}

	fmt.Fprintf(w, "%s %s  %s\n", Bold.Render(exec.TemplateName), Muted.Render(exec.ID), RenderExecutionStatus(string(exec.Status)))
	if exec.ProgramID != "" {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("program:"), exec.ProgramID)
	}
	if d := executionDuration(exec); d > 0 {
		fmt.Fprintf(w, "  %s %s\n", RenderLabel("duration:"), FormatElapsed(d))
	}

	for _, row := range timeline.Rows(exec) {
		if !row.Ran {
			fmt.Fprintf(w, "  %s %s\n", Muted.Render(SymbolInfo), Muted.Render(row.Name+" (not run)"))
			continue
		}
		line := fmt.Sprintf("%s  %s", row.Name, Muted.Render(FormatElapsed(row.Duration)))
		if row.Attempts > 1 {
			line += Muted.Render(fmt.Sprintf("  %d attempts", row.Attempts))
		}
		if row.Findings > 0 {
			line += fmt.Sprintf("  %d findings", row.Findings)
		}
		fmt.Fprintf(w, "  %s %s\n", stepSymbol(row.Status), line)
	}

	if n := exec.FindingsCount(); n > 0 {
		fmt.Fprintf(w, "  %s %d\n", RenderLabel("findings:"), n)
	}
	stepErrs := exec.StepErrors()
	for _, s := range exec.Steps {
		if msg, ok := stepErrs[s.ID]; ok && msg != "" {
			fmt.Fprintf(w, "  %s %s: %s\n", StatusError.Render(SymbolError), s.ID, msg)
		}
	}
	if exec.Error != "" {
		fmt.Fprintln(w, RenderError(exec.Error))
	}
	return nil
}

func stepSymbol(status workflow.StepStatus) string {
	switch status {
	case workflow.StepSuccess:
		return StatusOK.Render(SymbolOK)
	case workflow.StepBlocked:
		return StatusWarn.Render(SymbolWarn)
	default:
		return StatusError.Render(SymbolError)
	}
}

func executionDuration(exec *workflow.Execution) time.Duration {
	if exec.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if exec.FinishedAt != nil {
		end = *exec.FinishedAt
	}
	return end.Sub(*exec.StartedAt)
}
