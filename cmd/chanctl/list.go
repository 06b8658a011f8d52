package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/danmuck/chanctl/internal/scenario"
	"github.com/spf13/cobra"
)

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available scenarios",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SCENARIO\tEVENT\tWAITS\tCONV-ID\tCHECKS")
			for _, sc := range scenario.Catalogue() {
				conv := "-"
				if sc.NeedsConversation {
					conv = "required"
				}
				checks := "-"
				for i, c := range sc.Checks {
					if i == 0 {
						checks = c.Name
						continue
					}
					checks += "," + c.Name
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", sc.Name, sc.Event, sc.Waits, conv, checks)
			}
			return w.Flush()
		},
	}
}
