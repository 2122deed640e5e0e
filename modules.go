package main

import (
	"fmt"
	"io"
	"strings"

	"modbot/internal/logging"
	"modbot/loader"
	"modbot/module"
	"modbot/resolver"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#77DD77"))
	nameStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	faintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newModulesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "Discover modules and print the order they would start in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			logger := logging.New(cmd.ErrOrStderr(), "warn")
			res, err := loader.New(cfg.Modules.Dir, loader.WithLogger(logger)).Discover(cmd.Context())
			if err != nil {
				return err
			}

			order, err := resolver.Resolve(res.Graph, func(name string) module.Priority {
				l, _ := res.Get(name)
				return l.Descriptor.Priority
			})
			printModules(cmd.OutOrStdout(), cfg.Modules.Dir, res, order, err)
			return err
		},
	}
}

func printModules(w io.Writer, dir string, res *loader.Result, order []string, resolveErr error) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Modules in %s (%d):", dir, len(res.Modules))))

	if resolveErr != nil {
		fmt.Fprintln(w, errorStyle.Render("cannot order modules: "+resolveErr.Error()))
	}

	missing := res.Graph.Unresolved()
	for i, name := range order {
		l, _ := res.Get(name)
		d := l.Descriptor

		fmt.Fprintf(w, "%2d. %s %s %s\n", i+1, nameStyle.Render(d.Name), d.Version,
			faintStyle.Render(fmt.Sprintf("[%s, %s]", d.Priority, l.Source)))
		if d.Description != "" {
			fmt.Fprintf(w, "    %s\n", d.Description)
		}
		if len(d.Dependencies) > 0 {
			fmt.Fprintf(w, "    depends on: %s\n", strings.Join(d.Dependencies, ", "))
		}
		if deps, ok := missing[name]; ok {
			fmt.Fprintln(w, errorStyle.Render("    missing: "+strings.Join(deps, ", ")))
		}
	}

	for _, err := range res.Errors {
		fmt.Fprintln(w, errorStyle.Render("skipped: "+err.Error()))
	}
}
