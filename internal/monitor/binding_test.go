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

package monitor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

func TestConditions_Match(t *testing.T) {
	ev := &ChangeEvent{
		ProgramID: "prog-1",
		AssetID:   "asset-1",
		EventType: EventPortChange,
		Category:  CategoryPort,
		Severity:  SeverityHigh,
		RiskScore: 75,
		Diff:      Diff{Added: []string{"raw_data:3389"}},
	}
	conds := NewConditions()

	tests := []struct {
		condition string
		want      bool
	}{
		{"", true},
		{"event.risk_score >= 70", true},
		{"event.risk_score > 80", false},
		{`event.severity == "high" && event.category == "port"`, true},
		{`has(event.added, "raw_data:3389")`, true},
		{`includes(event.removed, "raw_data:22")`, false},
		{"length(event.added) == 1", true},
		{`event.event_type in ["port_change", "service_change"]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			got, err := conds.Match(tt.condition, ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConditions_Errors(t *testing.T) {
	conds := NewConditions()

	err := conds.Check("event.risk_score >")
	var verr *sentinelerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "condition", verr.Field)

	_, err = conds.Match("event.risk_score >", &ChangeEvent{})
	assert.ErrorAs(t, err, &verr)

	assert.NoError(t, conds.Check(""))
	assert.NoError(t, conds.Check("event.risk_score > 10"))
}

func TestConditions_CachesPrograms(t *testing.T) {
	conds := NewConditions()
	for i := 0; i < 3; i++ {
		_, err := conds.Match("event.risk_score > 10", &ChangeEvent{RiskScore: 20})
		require.NoError(t, err)
	}
	conds.mu.RLock()
	defer conds.mu.RUnlock()
	assert.Len(t, conds.cache, 1)
}

func TestHasFunc(t *testing.T) {
	got, err := hasFunc(map[string]any{"a": 1}, "a")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	got, err = hasFunc(map[string]any{"a": 1}, 5)
	require.NoError(t, err)
	assert.Equal(t, false, got)

	got, err = hasFunc("admin.example.com", "admin")
	require.NoError(t, err)
	assert.Equal(t, true, got)

	_, err = hasFunc("only one")
	assert.Error(t, err)

	_, err = lengthFunc(42)
	assert.Error(t, err)
}
