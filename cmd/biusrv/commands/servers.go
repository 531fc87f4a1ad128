package commands

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/andrej220/biusrv/internal/session"
	"github.com/spf13/cobra"
)

// Servers returns the command that lists the inventory.
func Servers(o *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "servers",
		Aliases: []string{"list-servers"},
		Short:   "List the servers in the inventory",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv, err := o.inventory()
			if err != nil {
				return err
			}
			targets, err := inv.Targets(nil, true)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(targets)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tADDRESS\tUSER\tAUTH")
			noPrompt := func() (string, error) { return "", nil }
			for _, t := range targets {
				var auth []string
				for _, c := range session.Strategies(t, noPrompt) {
					auth = append(auth, c.Name())
				}
				if len(auth) == 0 {
					auth = append(auth, "none")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.Name, t.Addr(), t.User, strings.Join(auth, ", "))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print as JSON")

	return cmd
}
