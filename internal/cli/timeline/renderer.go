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

// Package timeline renders an execution's step results as an ASCII timeline.
package timeline

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tombee/sentinel/pkg/workflow"
)

const (
	// MinTerminalWidth is the narrowest layout the renderer produces
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40

	StatusIconOK      = "✓"
	StatusIconError   = "✗"
	StatusIconBlocked = "⊘"
	StatusIconPending = "·"

	nameWidth = 20

	// rowOverhead is every column of a row except the bar
	rowOverhead = 42
)

// Row is one step positioned on the timeline.
type Row struct {
	Name     string
	Start    time.Time
	Duration time.Duration
	Status   workflow.StepStatus
	Attempts int
	Findings int

	// Ran is false for steps with no result yet
	Ran bool
}

// Renderer renders ASCII timelines from step results.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer sizes the timeline to the terminal on stdout, falling back to
// 100 columns when there is none.
func NewRenderer() *Renderer {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width = 100
	}
	return NewRendererWidth(width)
}

// NewRendererWidth builds a renderer for a fixed width. The bar is clamped
// to 40-60 columns and the width follows it.
func NewRendererWidth(width int) *Renderer {
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}
	// Format: "│ step_name  ██████░░░░  duration  status  attempts │"
	barWidth := width - rowOverhead
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}
	return &Renderer{Width: barWidth + rowOverhead, BarWidth: barWidth}
}

// Rows orders the execution's steps as the template lists them.
func Rows(exec *workflow.Execution) []Row {
	rows := make([]Row, 0, len(exec.Steps))
	for i := range exec.Steps {
		step := &exec.Steps[i]
		row := Row{Name: step.DisplayName()}
		if res, ok := exec.StepResults[step.ID]; ok && res != nil {
			row.Ran = true
			row.Start = res.StartedAt
			row.Duration = res.Duration()
			row.Status = res.Status
			row.Attempts = res.AttemptCount
			row.Findings = res.FindingsCount
		}
		rows = append(rows, row)
	}
	return rows
}

// Render draws the timeline for an execution.
func (r *Renderer) Render(exec *workflow.Execution) (string, error) {
	if exec == nil || len(exec.Steps) == 0 {
		return "", fmt.Errorf("no steps to render")
	}
	rows := Rows(exec)
	minTime, maxTime := bounds(rows)
	total := maxTime.Sub(minTime)

	var sb strings.Builder
	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")
	title := exec.TemplateName
	if title == "" {
		title = exec.TemplateID
	}
	label := fmt.Sprintf("%s [%s]", title, exec.Status)
	sb.WriteString(fmt.Sprintf("│ Workflow: %-*s Total: %6s │\n",
		r.Width-27, truncate(label, r.Width-27), formatDuration(total)))
	sb.WriteString("├" + border + "┤\n")

	findings := 0
	for _, row := range rows {
		sb.WriteString(r.renderRow(row, minTime, total))
		findings += row.Findings
	}
	sb.WriteString("└" + border + "┘\n")

	if findings > 0 {
		sb.WriteString(fmt.Sprintf("\nFindings: %d\n", findings))
	}
	if exec.Error != "" {
		sb.WriteString(fmt.Sprintf("\nError: %s\n", exec.Error))
	}
	return sb.String(), nil
}

func bounds(rows []Row) (time.Time, time.Time) {
	var minTime, maxTime time.Time
	for _, row := range rows {
		if !row.Ran {
			continue
		}
		end := row.Start.Add(row.Duration)
		if minTime.IsZero() || row.Start.Before(minTime) {
			minTime = row.Start
		}
		if end.After(maxTime) {
			maxTime = end
		}
	}
	return minTime, maxTime
}

func (r *Renderer) renderRow(row Row, minTime time.Time, total time.Duration) string {
	bar := make([]rune, r.BarWidth)
	for i := range bar {
		bar[i] = '░'
	}

	icon := StatusIconPending
	duration := "-"
	attempts := ""
	if row.Ran {
		startPos, barLength := 0, r.BarWidth
		if total > 0 {
			startPos = int(float64(row.Start.Sub(minTime)) / float64(total) * float64(r.BarWidth))
			barLength = int(float64(row.Duration) / float64(total) * float64(r.BarWidth))
		}
		if startPos >= r.BarWidth {
			startPos = r.BarWidth - 1
		}
		if barLength < 1 {
			barLength = 1
		}
		if startPos+barLength > r.BarWidth {
			barLength = r.BarWidth - startPos
		}
		for i := startPos; i < startPos+barLength; i++ {
			bar[i] = '█'
		}

		switch row.Status {
		case workflow.StepSuccess:
			icon = StatusIconOK
		case workflow.StepBlocked:
			icon = StatusIconBlocked
		default:
			icon = StatusIconError
		}
		duration = formatDuration(row.Duration)
		if row.Attempts > 1 {
			attempts = fmt.Sprintf("x%d", row.Attempts)
		}
	}

	return fmt.Sprintf("│ %-*s %s  %6s  %s  %4s │\n",
		nameWidth, truncate(row.Name, nameWidth), string(bar), duration, icon, attempts)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}
