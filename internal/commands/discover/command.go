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

// Package discover implements the discover command.
package discover

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/service"
)

type options struct {
	programID string
	pluginID  string
	target    string
	params    []string
	showRaw   bool
	noImport  bool
}

// Response is the JSON output of discover.
type Response struct {
	shared.JSONResponse
	Result *monitor.DiscoverResult `json:"result"`
}

// NewCommand creates the discover command.
func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use: "discover",
		Annotations: map[string]string{
			"group": "monitor",
		},
		Short: "Discover assets with a plugin and import them",
		Long: `Run a discovery plugin against a target and import every asset in its
output (subdomains, URLs, IPs and explicit asset objects) that the program
does not already have. Each imported asset is risk scored and recorded as
an asset_discovered event. Monitoring tasks watch imported assets from
their next run. With --no-import the assets are only counted.

The target is passed to the plugin under every conventional input name
it declares (target, domain, url and their plural forms). --param values
are decoded as JSON when they parse.`,
		Example: `  sentinel discover --program acme --plugin subdomain_enumerator --target acme.com
  sentinel discover -p acme --plugin crawler --target https://acme.com --param depth=2
  sentinel discover -p acme --plugin subdomain_enumerator --target acme.com --no-import`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := shared.ParseKeyValues(opts.params)
			if err != nil {
				return shared.Fail("discover", err)
			}
			return shared.WithService(func(svc *service.Service) error {
				spinner := shared.NewSpinner()
				if !shared.GetJSON() {
					spinner.Start(fmt.Sprintf("Discovering with %s", opts.pluginID))
				}
				res, err := svc.DiscoverAndImportAssets(cmd.Context(), monitor.DiscoverRequest{
					ProgramID:  opts.programID,
					PluginID:   opts.pluginID,
					Target:     opts.target,
					Params:     params,
					AutoImport: !opts.noImport,
				})
				spinner.Stop()
				if err != nil {
					return shared.Fail("discover", shared.Classify("discovery", err))
				}
				if !opts.showRaw {
					res.PluginOutput = nil
				}

				if shared.GetJSON() {
					resp := Response{JSONResponse: shared.NewResponse("discover"), Result: res}
					resp.Success = res.Success
					if err := shared.EmitJSON(resp); err != nil {
						return err
					}
				} else if res.Success && opts.noImport {
					fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf(
						"discovered %d assets, none imported", res.AssetsDiscovered)))
				} else if res.Success {
					fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf(
						"discovered %d assets, imported %d new, %d events",
						res.AssetsDiscovered, res.AssetsImported, res.EventsCreated)))
				}
				if !res.Success {
					return shared.NewExecutionError(fmt.Sprintf("plugin %s failed", opts.pluginID), fmt.Errorf("%s", res.Error))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.programID, "program", "p", "", "Program to import assets into")
	cmd.Flags().StringVar(&opts.pluginID, "plugin", "", "Discovery plugin id")
	cmd.Flags().StringVarP(&opts.target, "target", "t", "", "Target to discover from")
	cmd.Flags().StringArrayVar(&opts.params, "param", nil, "Plugin parameter as key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.showRaw, "raw", false, "Include the plugin's raw output in JSON")
	cmd.Flags().BoolVar(&opts.noImport, "no-import", false, "Only count discovered assets")
	_ = cmd.MarkFlagRequired("program")
	_ = cmd.MarkFlagRequired("plugin")
	return cmd
}
