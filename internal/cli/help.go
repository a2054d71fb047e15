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
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/sentinel/internal/commands/shared"
)

// commandGroups orders the "group" annotations in help output.
var commandGroups = []struct {
	id, title string
}{
	{"workflow", "Workflows"},
	{"plugins", "Plugins"},
	{"monitor", "Monitoring"},
	{"server", "Server"},
	{"config", "Configuration"},
	{"help", "Help"},
}

// CommandMetadata describes one command in JSON help.
type CommandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Group       string         `json:"group,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
}

// FlagMetadata describes one flag.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// HelpResponse is the JSON form of help. Commands is set for the overview,
// Target for a single command.
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Target      *CommandMetadata  `json:"target,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand replaces cobra's help with one that groups commands by
// area and supports --json.
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Show commands grouped by area, or detailed help for one command.

Use --json for machine-readable output, including each command's flags
and whether they are required.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON := shared.GetJSON() || jsonOutput

			if len(args) == 0 {
				if asJSON {
					return writeJSON(cmd, HelpResponse{
						JSONResponse: shared.NewResponse("help"),
						Commands:     visibleCommands(rootCmd),
						GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
					})
				}
				return printOverview(cmd.OutOrStdout(), rootCmd)
			}

			target, _, err := rootCmd.Find(args)
			if err != nil || target == rootCmd {
				return fmt.Errorf("command %q not found", strings.Join(args, " "))
			}
			if asJSON {
				meta := commandMetadata(target)
				return writeJSON(cmd, HelpResponse{
					JSONResponse: shared.NewResponse("help " + target.Name()),
					Target:       &meta,
					GlobalFlags:  flagMetadata(rootCmd.PersistentFlags()),
				})
			}
			return target.Help()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

func printOverview(w io.Writer, root *cobra.Command) error {
	fmt.Fprintln(w, root.Long)
	fmt.Fprintln(w)

	byGroup := make(map[string][]*cobra.Command)
	for _, c := range root.Commands() {
		if c.Hidden || c.Name() == "help" {
			continue
		}
		byGroup[c.Annotations["group"]] = append(byGroup[c.Annotations["group"]], c)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	printGroup := func(title string, cmds []*cobra.Command) {
		if len(cmds) == 0 {
			return
		}
		fmt.Fprintln(tw, shared.RenderLabel(title+":"))
		for _, c := range cmds {
			fmt.Fprintf(tw, "  %s\t%s\n", c.Name(), c.Short)
		}
		fmt.Fprintln(tw)
	}
	for _, g := range commandGroups {
		printGroup(g.title, byGroup[g.id])
		delete(byGroup, g.id)
	}
	// commands without a known group
	var rest []*cobra.Command
	for _, cmds := range byGroup {
		rest = append(rest, cmds...)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name() < rest[j].Name() })
	printGroup("Other", rest)
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w, shared.RenderLabel("Global flags:"))
	fmt.Fprint(w, root.PersistentFlags().FlagUsages())
	fmt.Fprintf(w, "\nRun '%s help <command>' for details on a command.\n", root.Name())
	return nil
}

func writeJSON(cmd *cobra.Command, v any) error {
	prev := shared.Output
	shared.Output = cmd.OutOrStdout()
	defer func() { shared.Output = prev }()
	return shared.EmitJSON(v)
}

func visibleCommands(root *cobra.Command) []CommandMetadata {
	out := []CommandMetadata{}
	for _, c := range root.Commands() {
		if !c.Hidden {
			out = append(out, commandMetadata(c))
		}
	}
	return out
}

func commandMetadata(cmd *cobra.Command) CommandMetadata {
	meta := CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Group:    cmd.Annotations["group"],
		Aliases:  cmd.Aliases,
		Examples: cmd.Example,
	}
	if flags := flagMetadata(cmd.LocalFlags()); len(flags) > 0 {
		meta.Flags = flags
	}
	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			meta.Subcommands = append(meta.Subcommands, sub.Name())
		}
	}
	return meta
}

func flagMetadata(fs *pflag.FlagSet) []FlagMetadata {
	flags := []FlagMetadata{}
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		flags = append(flags, FlagMetadata{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  required,
		})
	})
	return flags
}
