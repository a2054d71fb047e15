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

package timeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/pkg/workflow"
)

func testExecution() *workflow.Execution {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &workflow.Execution{
		ID:           "exec-1",
		TemplateID:   "recon",
		TemplateName: "Recon",
		Status:       workflow.StatusCompletedWithErrors,
		Steps: []workflow.Step{
			{ID: "enum", Name: "Enumerate", PluginID: "subdomain_enumerator"},
			{ID: "probe", PluginID: "http_prober", DependsOn: []string{"enum"}},
			{ID: "scan", PluginID: "nuclei", DependsOn: []string{"probe"}},
			{ID: "report", PluginID: "reporter"},
		},
		StepResults: map[string]*workflow.StepResult{
			"enum": {
				StepID: "enum", Status: workflow.StepSuccess, Success: true, AttemptCount: 1, FindingsCount: 3,
				StartedAt: t0, FinishedAt: t0.Add(2 * time.Second),
			},
			"probe": {
				StepID: "probe", Status: workflow.StepFailed, AttemptCount: 3,
				StartedAt: t0.Add(2 * time.Second), FinishedAt: t0.Add(4 * time.Second),
			},
			"scan": {
				StepID: "scan", Status: workflow.StepBlocked,
				StartedAt: t0.Add(4 * time.Second), FinishedAt: t0.Add(4 * time.Second),
			},
		},
	}
}

func TestRows(t *testing.T) {
	rows := Rows(testExecution())
	require.Len(t, rows, 4)
	assert.Equal(t, "Enumerate", rows[0].Name)
	assert.Equal(t, "probe", rows[1].Name)
	assert.Equal(t, 2*time.Second, rows[1].Duration)
	assert.Equal(t, 3, rows[1].Attempts)
	assert.True(t, rows[2].Ran)
	assert.False(t, rows[3].Ran)
}

func TestRender(t *testing.T) {
	r := NewRendererWidth(100)
	out, err := r.Render(testExecution())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Contains(t, lines[1], "Recon [completed_with_errors]")
	assert.Contains(t, lines[1], "4.0s")
	assert.Contains(t, out, StatusIconOK)
	assert.Contains(t, out, StatusIconError)
	assert.Contains(t, out, StatusIconBlocked)
	assert.Contains(t, out, StatusIconPending)
	assert.Contains(t, out, "x3")
	assert.Contains(t, out, "Findings: 3")

	// every bordered line has the same display width
	width := len([]rune(lines[0]))
	for _, l := range lines[:7] {
		assert.Equal(t, width, len([]rune(l)), l)
	}
}

func TestRender_Empty(t *testing.T) {
	_, err := NewRendererWidth(100).Render(&workflow.Execution{})
	assert.Error(t, err)
	_, err = NewRendererWidth(100).Render(nil)
	assert.Error(t, err)
}

func TestNewRendererWidth(t *testing.T) {
	assert.Equal(t, DefaultBarWidth, NewRendererWidth(40).BarWidth)
	assert.Equal(t, DefaultBarWidth, NewRendererWidth(80).BarWidth)
	assert.Equal(t, 58, NewRendererWidth(100).BarWidth)
	assert.Equal(t, 100, NewRendererWidth(100).Width)

	wide := NewRendererWidth(200)
	assert.Equal(t, 60, wide.BarWidth)
	assert.Equal(t, 102, wide.Width)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a-very...", truncate("a-very-long-name", 9))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}
