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

package completion

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/service"
)

// SafeCompletionWrapper runs fn and turns a panic or nil result into an
// empty completion list.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

// CompleteTemplates completes stored template ids for the first argument and
// falls back to file completion, since template files are accepted too.
func CompleteTemplates(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		var ids []string
		err := shared.WithService(func(svc *service.Service) error {
			templates, err := svc.ListTemplates(ctx)
			if err != nil {
				return err
			}
			for _, t := range templates {
				if !strings.HasPrefix(t.ID, toComplete) {
					continue
				}
				if t.Name != "" {
					ids = append(ids, t.ID+"\t"+t.Name)
				} else {
					ids = append(ids, t.ID)
				}
			}
			return nil
		})
		if err != nil {
			return nil, cobra.ShellCompDirectiveDefault
		}
		return ids, cobra.ShellCompDirectiveDefault
	})
}

// CompleteExecutionStatus completes --status for executions.
func CompleteExecutionStatus(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			"pending\tExecution is queued",
			"running\tExecution is in progress",
			"paused\tExecution is paused between steps",
			"completed\tEvery step completed",
			"completed_with_errors\tFinished with failed or blocked steps",
			"failed\tExecution could not run",
			"cancelled\tExecution was cancelled",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteEventStatus completes change event triage statuses.
func CompleteEventStatus(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		statuses := []monitor.EventStatus{
			monitor.StatusNew,
			monitor.StatusAnalyzing,
			monitor.StatusWorkflowTriggered,
			monitor.StatusReviewRequired,
			monitor.StatusAcknowledged,
			monitor.StatusResolved,
			monitor.StatusIgnored,
		}
		out := make([]string, len(statuses))
		for i, s := range statuses {
			out[i] = string(s)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteSeverity completes severity flags.
func CompleteSeverity(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			string(monitor.SeverityLow),
			string(monitor.SeverityMedium),
			string(monitor.SeverityHigh),
			string(monitor.SeverityCritical),
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
