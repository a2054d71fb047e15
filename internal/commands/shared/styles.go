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
	"github.com/charmbracelet/lipgloss"
)

// Terminal styles. lipgloss drops the colour when stdout is not a terminal.
var (
	StatusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	StatusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	StatusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	StatusInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	Muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	Bold        = lipgloss.NewStyle().Bold(true)
	Header      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// Status symbols.
const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
	SymbolInfo  = "•"
)

// statusStyles maps execution, step and severity words to a style. Words
// not listed render as info.
var statusStyles = map[string]lipgloss.Style{
	"completed": StatusOK,
	"success":   StatusOK,

	"completed_with_errors": StatusWarn,
	"paused":                StatusWarn,
	"skipped":               StatusWarn,
	"blocked":               StatusWarn,

	"failed":    StatusError,
	"cancelled": StatusError,
}

var severityStyles = map[string]lipgloss.Style{
	"critical": StatusError.Bold(true),
	"high":     StatusError,
	"medium":   StatusWarn,
}

// RenderOK prefixes msg with a green check.
func RenderOK(msg string) string {
	return StatusOK.Render(SymbolOK) + " " + msg
}

// RenderWarn prefixes msg with a warning sign.
func RenderWarn(msg string) string {
	return StatusWarn.Render(SymbolWarn) + " " + msg
}

// RenderError prefixes msg with a red cross.
func RenderError(msg string) string {
	return StatusError.Render(SymbolError) + " " + msg
}

// RenderLabel dims a label.
func RenderLabel(label string) string {
	return Muted.Render(label)
}

// RenderExecutionStatus colours an execution or step status word.
func RenderExecutionStatus(status string) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(status)
	}
	return StatusInfo.Render(status)
}

// RenderSeverity colours a change event severity; low is dimmed.
func RenderSeverity(severity string) string {
	if style, ok := severityStyles[severity]; ok {
		return style.Render(severity)
	}
	return Muted.Render(severity)
}
