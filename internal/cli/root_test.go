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

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	assert.Equal(t, "sentinel", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.NotEmpty(t, cmd.Long)
	for _, name := range []string{"verbose", "quiet", "json", "config"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")

	v, c, b := GetVersion()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2025-12-22", b)
}

func TestHelpCommandJSON(t *testing.T) {
	root := NewRootCommand()
	sample := &cobra.Command{
		Use:         "sample",
		Short:       "Sample subcommand",
		Example:     "  sentinel sample --target example.com",
		Annotations: map[string]string{"group": "testing"},
		RunE:        func(cmd *cobra.Command, args []string) error { return nil },
	}
	sample.Flags().String("target", "", "Target host")
	require.NoError(t, sample.MarkFlagRequired("target"))
	sample.AddCommand(&cobra.Command{Use: "child", Run: func(*cobra.Command, []string) {}})
	root.AddCommand(sample)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"help", "--json"})
	require.NoError(t, root.Execute())

	var all HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &all))
	assert.True(t, all.Success)
	assert.Equal(t, "help", all.Command)
	require.NotEmpty(t, all.Commands)
	assert.NotEmpty(t, all.GlobalFlags)

	buf.Reset()
	root.SetArgs([]string{"help", "sample", "--json"})
	require.NoError(t, root.Execute())

	var one HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &one))
	assert.Equal(t, "help sample", one.Command)
	require.NotNil(t, one.Target)
	assert.Equal(t, "sample", one.Target.Name)
	assert.Equal(t, "testing", one.Target.Group)
	assert.Equal(t, []string{"child"}, one.Target.Subcommands)
	var target *FlagMetadata
	for i := range one.Target.Flags {
		if one.Target.Flags[i].Name == "target" {
			target = &one.Target.Flags[i]
		}
	}
	require.NotNil(t, target)
	assert.True(t, target.Required)
}

func TestHelpCommand_UnknownCommand(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"help", "nope"})
	assert.Error(t, root.Execute())
}

func TestHelpCommand_Overview(t *testing.T) {
	root := NewRootCommand()
	root.AddCommand(&cobra.Command{
		Use:         "run",
		Short:       "Run a template",
		Annotations: map[string]string{"group": "workflow"},
		Run:         func(*cobra.Command, []string) {},
	})
	root.AddCommand(&cobra.Command{
		Use:   "misc",
		Short: "Ungrouped command",
		Run:   func(*cobra.Command, []string) {},
	})

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"help"})
	require.NoError(t, root.Execute())

	out := buf.String()
	assert.Contains(t, out, "Workflows:")
	assert.Contains(t, out, "Run a template")
	assert.Contains(t, out, "Other:")
	assert.Contains(t, out, "--json")
	assert.Less(t, strings.Index(out, "Workflows:"), strings.Index(out, "Other:"))
}
