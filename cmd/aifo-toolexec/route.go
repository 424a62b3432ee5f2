package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/everydev1618/aifo/routing"
	"github.com/spf13/cobra"
)

func newRouteCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "route [tool]...",
		Short: "Show which sidecar serves a tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				args = routing.Tools()
			}
			if len(args) == 0 {
				return errors.New("name at least one tool, or pass --all")
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tKIND\tALLOWED")
			for _, tool := range args {
				kind := "-"
				allowed := routing.Allowed(tool)
				if allowed {
					kind = routing.KindOf(tool).String()
					if routing.IsDevTool(tool) {
						kind = "any (prefers " + routing.PreferredKinds(tool)[0].String() + ")"
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%t\n", tool, kind, allowed)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "List every allowlisted tool")
	return cmd
}
