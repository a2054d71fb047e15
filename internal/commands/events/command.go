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

// Package events implements the change event command group.
package events

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/completion"
	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/service"
)

// NewCommand creates the events command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "events",
		Annotations: map[string]string{
			"group": "monitor",
		},
		Short: "Review change events detected by monitoring",
		Long: `Review change events detected by monitoring tasks and asset discovery.

Each event carries a severity (low, medium, high, critical), a risk score
from 0 to 100 and a triage status. New events start as "new"; events that
started a bound workflow are "workflow_triggered".`,
	}
	cmd.AddCommand(
		newListCommand(),
		newStatusCommand(),
		newShortcut("ack", "Acknowledge an event", monitor.StatusAcknowledged),
		newShortcut("resolve", "Mark an event resolved", monitor.StatusResolved),
		newShortcut("ignore", "Ignore an event", monitor.StatusIgnored),
	)
	return cmd
}

// ListResponse is the JSON output of events list.
type ListResponse struct {
	shared.JSONResponse
	Events []*monitor.ChangeEvent `json:"events"`
}

func newListCommand() *cobra.Command {
	var (
		q           monitor.EventQuery
		status      string
		minSeverity string
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List change events, newest first",
		Example: `  sentinel events list --program acme --min-severity high
  sentinel events list --status new --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				q.Status = monitor.EventStatus(strings.ToLower(status))
				if !q.Status.IsValid() {
					return shared.Fail("events list", shared.NewInvalidError(fmt.Sprintf("unknown status %q", status), nil))
				}
			}
			if minSeverity != "" {
				q.MinSeverity = monitor.Severity(strings.ToLower(minSeverity))
				if !q.MinSeverity.IsValid() {
					return shared.Fail("events list", shared.NewInvalidError(fmt.Sprintf("unknown severity %q", minSeverity), nil))
				}
			}
			return shared.WithService(func(svc *service.Service) error {
				list, err := svc.ListEvents(context.Background(), &q)
				if err != nil {
					return shared.Fail("events list", shared.Classify("listing events", err))
				}
				if shared.GetJSON() {
					if list == nil {
						list = []*monitor.ChangeEvent{}
					}
					return shared.EmitJSON(ListResponse{JSONResponse: shared.NewResponse("events list"), Events: list})
				}
				return printEvents(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVarP(&q.ProgramID, "program", "p", "", "Filter by program")
	cmd.Flags().StringVar(&q.AssetID, "asset", "", "Filter by asset id")
	cmd.Flags().StringVar(&status, "status", "", "Filter by triage status")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only events at or above this severity")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "Maximum number of events (0 = all)")
	cmd.Flags().IntVar(&q.Offset, "offset", 0, "Skip this many events")
	_ = cmd.RegisterFlagCompletionFunc("status", completion.CompleteEventStatus)
	_ = cmd.RegisterFlagCompletionFunc("min-severity", completion.CompleteSeverity)
	return cmd
}

func printEvents(w io.Writer, list []*monitor.ChangeEvent) error {
	if len(list) == 0 {
		fmt.Fprintln(w, "No events found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDETECTED\tSEVERITY\tRISK\tTYPE\tASSET\tSTATUS\tCHANGE")
	for _, ev := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.DetectedAt.Local().Format(time.DateTime), shared.RenderSeverity(string(ev.Severity)),
			ev.RiskScore, ev.EventType, ev.AssetID, ev.Status, summarize(ev))
	}
	return tw.Flush()
}

// summarize renders the diff as "+added -removed" counts.
func summarize(ev *monitor.ChangeEvent) string {
	var parts []string
	if n := len(ev.Diff.Added); n > 0 {
		parts = append(parts, fmt.Sprintf("+%d", n))
	}
	if n := len(ev.Diff.Removed); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d", n))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

// EventResponse is the JSON output of status changes.
type EventResponse struct {
	shared.JSONResponse
	Event *monitor.ChangeEvent `json:"event"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <event-id> <status>",
		Short: "Set an event's triage status",
		Long: `Set an event's triage status. Valid statuses: new, analyzing,
workflow_triggered, review_required, acknowledged, resolved, ignored.`,
		Example: `  sentinel events status 5d1c... review_required`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStatus(cmd, "events status", args[0], monitor.EventStatus(strings.ToLower(args[1])))
		},
	}
}

func newShortcut(verb, short string, status monitor.EventStatus) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStatus(cmd, "events "+verb, args[0], status)
		},
	}
}

func setStatus(cmd *cobra.Command, command, id string, status monitor.EventStatus) error {
	return shared.WithService(func(svc *service.Service) error {
		ev, err := svc.UpdateEventStatus(context.Background(), id, status)
		if err != nil {
			return shared.Fail(command, shared.Classify(fmt.Sprintf("event %s", id), err))
		}
		if shared.GetJSON() {
			return shared.EmitJSON(EventResponse{JSONResponse: shared.NewResponse(command), Event: ev})
		}
		fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("event %s is now %s", ev.ID, ev.Status)))
		return nil
	})
}
