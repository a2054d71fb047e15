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

package version

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/commands/shared"
)

func setVersion(t *testing.T) {
	t.Helper()
	shared.SetVersion("1.0.0", "test123", "2025-12-22")
	t.Cleanup(func() { shared.SetVersion("dev", "unknown", "unknown") })
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	assert.Equal(t, "version", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
}

func TestVersionOutput(t *testing.T) {
	setVersion(t)

	cmd := NewVersionCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "sentinel version 1.0.0")
	assert.Contains(t, buf.String(), "test123")
}

func TestVersionJSONOutput(t *testing.T) {
	setVersion(t)

	var buf bytes.Buffer
	prev := shared.Output
	shared.Output = &buf
	shared.SetJSONForTest(true)
	t.Cleanup(func() {
		shared.SetJSONForTest(false)
		shared.Output = prev
	})

	cmd := NewVersionCommand()
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var resp Response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "version", resp.Command)
	assert.Equal(t, "1.0.0", resp.Version)
	assert.Equal(t, "test123", resp.Commit)
	assert.Equal(t, "2025-12-22", resp.BuildDate)
}
