package schema

import (
	"fmt"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/lendflow/internal/errors"
	"github.com/ggonzalez94/lendflow/internal/policy"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Command describes one CLI command for agents that plan invocations.
type Command struct {
	Path          string    `json:"path"`
	Use           string    `json:"use"`
	Short         string    `json:"short"`
	WritesOnChain bool      `json:"writes_onchain"`
	Flags         []Flag    `json:"flags,omitempty"`
	Subcommands   []Command `json:"subcommands,omitempty"`
}

type Flag struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// Describe walks from root to commandPath (relative to root) and serializes
// that command and everything under it.
func Describe(root *cobra.Command, commandPath string) (Command, error) {
	cmd := root
	for _, p := range strings.Fields(commandPath) {
		next := findChild(cmd, p)
		if next == nil {
			return Command{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("command not found: %s", commandPath))
		}
		cmd = next
	}
	return describe(root, cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
		for _, alias := range c.Aliases {
			if alias == name {
				return c
			}
		}
	}
	return nil
}

func describe(root, cmd *cobra.Command) Command {
	path := strings.TrimSpace(strings.TrimPrefix(cmd.CommandPath(), root.Name()))
	out := Command{
		Path:          path,
		Use:           cmd.Use,
		Short:         cmd.Short,
		WritesOnChain: policy.WritesOnChain(path),
		Flags:         localFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		out.Subcommands = append(out.Subcommands, describe(root, sub))
	}
	return out
}

func localFlags(cmd *cobra.Command) []Flag {
	var items []Flag
	cmd.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, Flag{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Required != items[j].Required {
			return items[i].Required
		}
		return items[i].Name < items[j].Name
	})
	return items
}
