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
	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
)

// Response is the JSON form of the version command.
type Response struct {
	shared.JSONResponse
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use: "version",
		Annotations: map[string]string{
			"group": "help",
		},
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date for sentinel.`,
		Args:  cobra.NoArgs,
		RunE:  runVersion,
	}
}

func runVersion(cmd *cobra.Command, args []string) error {
	v, c, b := shared.GetVersion()

	if shared.GetJSON() {
		return shared.EmitJSON(Response{
			JSONResponse: shared.NewResponse("version"),
			Version:      v,
			Commit:       c,
			BuildDate:    b,
		})
	}

	cmd.Printf("sentinel version %s\n", v)
	cmd.Printf("  commit:     %s\n", c)
	cmd.Printf("  build date: %s\n", b)
	return nil
}
