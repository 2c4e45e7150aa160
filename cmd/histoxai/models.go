package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"histoxai/internal/registry"
)

func newModelsCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List architectures and whether their files are present",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := a.discover()
			if err != nil {
				return err
			}
			if asJSON {
				mgr, err := a.newManager()
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), mgr.SanityCheck())
			}
			return printEntries(cmd, entries)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the preflight report as JSON")
	return cmd
}

func printEntries(cmd *cobra.Command, entries []registry.Entry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINPUT\tTARGET LAYER\tGRADIENT\tSTATUS")
	for _, e := range entries {
		status := "ok"
		if !e.Present() {
			status = fmt.Sprintf("missing %v", e.Missing)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%t\t%s\n", e.Name(), e.Variant.InputSize, e.Variant.TargetLayer, e.GradGraph != "", status)
	}
	return tw.Flush()
}

