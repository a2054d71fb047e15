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

// Package config implements the config command.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/config"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// ShowResponse is the JSON form of config show.
type ShowResponse struct {
	shared.JSONResponse
	Path   string         `json:"path,omitempty"`
	Config map[string]any `json:"config"`
}

// PathResponse is the JSON form of config path.
type PathResponse struct {
	shared.JSONResponse
	Path    string `json:"path"`
	Default string `json:"default"`
	Exists  bool   `json:"exists"`
}

// ValidateResponse is the JSON form of config validate.
type ValidateResponse struct {
	shared.JSONResponse
	Path  string `json:"path,omitempty"`
	Valid bool   `json:"valid"`
}

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "config",
		Annotations: map[string]string{
			"group": "config",
		},
		Short: "View and check configuration",
		Long: `View and check sentinel configuration.

The effective configuration is the config file (--config, SENTINEL_CONFIG
or ~/.config/sentinel/config.yaml) with defaults filled in and SENTINEL_*
environment overrides applied.

Subcommands:
  show     - Display the effective configuration
  path     - Show the config file location
  validate - Load and check the configuration`,
		Args: cobra.NoArgs,
	}

	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newPathCommand())
	cmd.AddCommand(newValidateCommand())

	// default to show
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runShow(cmd, args)
	}
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Args:  cobra.NoArgs,
		RunE:  runShow,
	}
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		Args:  cobra.NoArgs,
		RunE:  runPath,
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load the configuration and check every section.

Exits with code 4 and names the offending key when the file cannot be
parsed or a value is out of range.`,
		Example: `  # Validate the default config
  sentinel config validate

  # Validate another file
  sentinel --config ./prod.yaml config validate --json`,
		Args: cobra.NoArgs,
		RunE: runValidate,
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(shared.GetConfigPath())
	cfg, err := config.Load(path)
	if err != nil {
		return shared.Fail("config show", shared.NewConfigError("loading config", err))
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if shared.GetJSON() {
		// round-trip through YAML so keys match the file format
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		return shared.EmitJSON(ShowResponse{
			JSONResponse: shared.NewResponse("config show"),
			Path:         path,
			Config:       doc,
		})
	}

	out := cmd.OutOrStdout()
	if path == "" {
		fmt.Fprintln(out, "# no config file, defaults and environment only")
	} else {
		fmt.Fprintf(out, "# %s\n", path)
	}
	_, err = out.Write(data)
	return err
}

func runPath(cmd *cobra.Command, args []string) error {
	def, err := config.ConfigPath()
	if err != nil {
		return shared.Fail("config path", shared.NewConfigError("failed to determine config path", err))
	}
	path := config.ResolvePath(shared.GetConfigPath())
	exists := path != ""
	if !exists {
		path = def
	}

	if shared.GetJSON() {
		return shared.EmitJSON(PathResponse{
			JSONResponse: shared.NewResponse("config path"),
			Path:         path,
			Default:      def,
			Exists:       exists,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(shared.GetConfigPath())
	if _, err := config.Load(path); err != nil {
		return shared.Fail("config validate", shared.NewConfigError(describe(err), err))
	}

	if shared.GetJSON() {
		return shared.EmitJSON(ValidateResponse{
			JSONResponse: shared.NewResponse("config validate"),
			Path:         path,
			Valid:        true,
		})
	}
	printValid(cmd.OutOrStdout(), path)
	return nil
}

func printValid(w io.Writer, path string) {
	if path == "" {
		path = "defaults"
	}
	fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("configuration is valid (%s)", path)))
}

// describe names the failing key when the loader reports one.
func describe(err error) string {
	var cfgErr *sentinelerrors.ConfigError
	if errors.As(err, &cfgErr) && cfgErr.Key != "" && !strings.HasPrefix(cfgErr.Key, "config_file") {
		return fmt.Sprintf("invalid configuration at %s", cfgErr.Key)
	}
	return "invalid configuration"
}
