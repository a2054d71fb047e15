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

// Package tasks implements the monitor task command group.
package tasks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/service"
)

// NewCommand creates the tasks command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "tasks",
		Annotations: map[string]string{
			"group": "monitor",
		},
		Short: "Manage asset monitoring tasks",
		Long: `Manage asset monitoring tasks.

A task watches a program's assets on an interval. Each enabled category
(dns, certificate, content, api, port, web, vulnerability) runs its plugin
chain against every target and compares the result with the previous
snapshot; differences become change events.

The scheduler runs in sentineld. Use "tasks run" to run a task now and
wait for its report.`,
	}
	cmd.AddCommand(
		newListCommand(),
		newCreateCommand(),
		newDefaultsCommand(),
		newUpdateCommand(),
		newToggleCommand("enable", true),
		newToggleCommand("disable", false),
		newDeleteCommand(),
		newRunCommand(),
		newStatsCommand(),
	)
	return cmd
}

// TasksResponse is the JSON output of commands returning tasks.
type TasksResponse struct {
	shared.JSONResponse
	Tasks []*monitor.Task `json:"tasks"`
}

func newListCommand() *cobra.Command {
	var programID string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List monitoring tasks",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				list, err := svc.ListTasks(context.Background(), programID)
				if err != nil {
					return shared.Fail("tasks list", shared.Classify("listing tasks", err))
				}
				return emitTasks(cmd.OutOrStdout(), "tasks list", list)
			})
		},
	}
	cmd.Flags().StringVarP(&programID, "program", "p", "", "Only list tasks of this program")
	return cmd
}

type createOptions struct {
	programID   string
	name        string
	interval    time.Duration
	categories  []string
	targets     []string
	noAuto      bool
	minSeverity string
}

func newCreateCommand() *cobra.Command {
	opts := &createOptions{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a monitoring task",
		Long: `Create a monitoring task.

Without --category every category except vulnerability is enabled with
its default plugin chain. Repeat --category to enable only those.`,
		Example: `  sentinel tasks create --program acme --name "DNS watch" --interval 6h --category dns --category certificate
  sentinel tasks create -p acme --name "API" --interval 24h --category api --target api.acme.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.config()
			if err != nil {
				return shared.Fail("tasks create", err)
			}
			return shared.WithService(func(svc *service.Service) error {
				task, err := svc.CreateTask(context.Background(), opts.programID, opts.name, int64(opts.interval/time.Second), cfg)
				if err != nil {
					return shared.Fail("tasks create", shared.Classify("creating task", err))
				}
				return emitTasks(cmd.OutOrStdout(), "tasks create", []*monitor.Task{task})
			})
		},
	}
	cmd.Flags().StringVarP(&opts.programID, "program", "p", "", "Program the task belongs to")
	cmd.Flags().StringVar(&opts.name, "name", "", "Task name")
	cmd.Flags().DurationVar(&opts.interval, "interval", 24*time.Hour, "Run interval (at least 1s)")
	cmd.Flags().StringArrayVar(&opts.categories, "category", nil, "Enable only these categories (repeatable)")
	cmd.Flags().StringArrayVar(&opts.targets, "target", nil, "Extra target to watch (repeatable)")
	cmd.Flags().BoolVar(&opts.noAuto, "no-auto-trigger", false, "Never start bound workflows from this task's events")
	cmd.Flags().StringVar(&opts.minSeverity, "min-severity", "", "Lowest severity that auto-triggers workflows")
	_ = cmd.MarkFlagRequired("program")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func (o *createOptions) config() (*monitor.Config, error) {
	cfg := monitor.DefaultConfig()
	if len(o.categories) > 0 {
		for _, c := range monitor.Categories {
			cfg.SetEnabled(c, false)
		}
		for _, c := range o.categories {
			cat := monitor.Category(strings.ToLower(c))
			if !cat.IsValid() {
				return nil, shared.NewInvalidError(fmt.Sprintf("unknown category %q", c), nil)
			}
			cfg.SetEnabled(cat, true)
		}
	}
	cfg.Targets = o.targets
	if o.noAuto {
		cfg.AutoTriggerEnabled = false
	}
	if o.minSeverity != "" {
		sev := monitor.Severity(strings.ToLower(o.minSeverity))
		if !sev.IsValid() {
			return nil, shared.NewInvalidError(fmt.Sprintf("unknown severity %q", o.minSeverity), nil)
		}
		cfg.AutoTriggerMinSeverity = sev
	}
	return &cfg, nil
}

func newDefaultsCommand() *cobra.Command {
	var programID string
	cmd := &cobra.Command{
		Use:   "defaults",
		Short: "Create the default task set for a program",
		Long: `Create the default tasks for a program: a DNS and certificate monitor
every 6 hours and a content and API monitor every 24 hours.`,
		Example: `  sentinel tasks defaults --program acme`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				list, err := svc.CreateDefaultTasks(context.Background(), programID)
				if err != nil {
					return shared.Fail("tasks defaults", shared.Classify("creating default tasks", err))
				}
				return emitTasks(cmd.OutOrStdout(), "tasks defaults", list)
			})
		},
	}
	cmd.Flags().StringVarP(&programID, "program", "p", "", "Program the tasks belong to")
	_ = cmd.MarkFlagRequired("program")
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var (
		name     string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:     "update <task-id>",
		Short:   "Rename a task or change its interval",
		Example: `  sentinel tasks update 7c0e... --interval 12h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var u monitor.TaskUpdate
			if cmd.Flags().Changed("name") {
				u.Name = &name
			}
			if cmd.Flags().Changed("interval") {
				secs := int64(interval / time.Second)
				u.IntervalSecs = &secs
			}
			if u.Name == nil && u.IntervalSecs == nil {
				return shared.Fail("tasks update", shared.NewInvalidError("nothing to update: pass --name or --interval", nil))
			}
			return shared.WithService(func(svc *service.Service) error {
				task, err := svc.UpdateTask(context.Background(), args[0], u)
				if err != nil {
					return shared.Fail("tasks update", shared.Classify("updating task", err))
				}
				return emitTasks(cmd.OutOrStdout(), "tasks update", []*monitor.Task{task})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "New task name")
	cmd.Flags().DurationVar(&interval, "interval", 0, "New run interval")
	return cmd
}

func newToggleCommand(verb string, enable bool) *cobra.Command {
	command := "tasks " + verb
	return &cobra.Command{
		Use:   verb + " <task-id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				toggle := svc.DisableTask
				if enable {
					toggle = svc.EnableTask
				}
				task, err := toggle(context.Background(), args[0])
				if err != nil {
					return shared.Fail(command, shared.Classify(verb+" task", err))
				}
				return emitTasks(cmd.OutOrStdout(), command, []*monitor.Task{task})
			})
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <task-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				if err := svc.DeleteTask(context.Background(), args[0]); err != nil {
					return shared.Fail("tasks delete", shared.Classify("deleting task", err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(shared.NewResponse("tasks delete"))
				}
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("deleted task %s", args[0])))
				return nil
			})
		},
	}
}

// RunResponse is the JSON output of tasks run.
type RunResponse struct {
	shared.JSONResponse
	Report *monitor.RunReport `json:"report"`
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run <task-id>",
		Short: "Run a task now and print its report",
		Long: `Run a task now, even when it is disabled, and wait for it. The run
counts like a scheduled one: run_count and next_run_at advance and
detected changes are stored as events.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				spinner := shared.NewSpinner()
				if !shared.GetJSON() {
					spinner.Start("Running task " + args[0])
				}
				report, err := svc.RunTask(cmd.Context(), args[0])
				spinner.Stop()
				if err != nil {
					return shared.Fail("tasks run", shared.Classify("running task", err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(RunResponse{JSONResponse: shared.NewResponse("tasks run"), Report: report})
				}
				printReport(cmd.OutOrStdout(), report)
				return nil
			})
		},
	}
}

func printReport(w io.Writer, r *monitor.RunReport) {
	fmt.Fprintf(w, "%s %s\n", shared.Bold.Render("Task"), r.TaskID)
	fmt.Fprintf(w, "  %s %d  %s %d  %s %d\n",
		shared.RenderLabel("targets:"), r.Targets,
		shared.RenderLabel("observations:"), r.Observations,
		shared.RenderLabel("chain failures:"), r.ChainFailures)
	fmt.Fprintf(w, "  %s %s\n", shared.RenderLabel("duration:"), shared.FormatElapsed(r.FinishedAt.Sub(r.StartedAt)))
	if len(r.Events) == 0 {
		fmt.Fprintln(w, shared.Muted.Render("  no changes detected"))
	}
	for _, ev := range r.Events {
		fmt.Fprintf(w, "  %s %s %s (risk %d)\n", shared.RenderSeverity(string(ev.Severity)), ev.EventType, ev.AssetID, ev.RiskScore)
	}
	for _, e := range r.Errors {
		fmt.Fprintln(w, "  "+shared.RenderWarn(e))
	}
}

// StatsResponse is the JSON output of tasks stats.
type StatsResponse struct {
	shared.JSONResponse
	Stats monitor.Stats `json:"stats"`
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show task counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return shared.WithService(func(svc *service.Service) error {
				stats, err := svc.MonitorStats(context.Background())
				if err != nil {
					return shared.Fail("tasks stats", shared.Classify("reading stats", err))
				}
				if shared.GetJSON() {
					return shared.EmitJSON(StatsResponse{JSONResponse: shared.NewResponse("tasks stats"), Stats: stats})
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Tasks\t%d (%d enabled)\n", stats.TotalTasks, stats.EnabledTasks)
				fmt.Fprintf(w, "Total runs\t%d\n", stats.TotalRuns)
				fmt.Fprintf(w, "Events detected\t%d\n", stats.EventsDetected)
				if stats.LastRunAt != nil {
					fmt.Fprintf(w, "Last run\t%s\n", stats.LastRunAt.Local().Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}
}

func emitTasks(w io.Writer, command string, list []*monitor.Task) error {
	if shared.GetJSON() {
		if list == nil {
			list = []*monitor.Task{}
		}
		return shared.EmitJSON(TasksResponse{JSONResponse: shared.NewResponse(command), Tasks: list})
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No tasks found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROGRAM\tNAME\tINTERVAL\tENABLED\tCATEGORIES\tRUNS\tNEXT RUN")
	for _, t := range list {
		cats := make([]string, 0, len(monitor.Categories))
		for _, c := range t.Config.Enabled() {
			cats = append(cats, string(c))
		}
		next := "-"
		if t.NextRunAt != nil {
			next = t.NextRunAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%d\t%s\n",
			t.ID, t.ProgramID, t.Name, t.Interval(), t.Enabled, strings.Join(cats, ","), t.RunCount, next)
	}
	return tw.Flush()
}
