package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"clinicore.org/internal/auth"
)

var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Print the built-in roles and their permissions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROLE\tNAME\tPERMISSIONS")
		for _, def := range auth.Definitions() {
			perms := make([]string, 0, len(def.Permissions))
			for _, p := range def.Permissions {
				perms = append(perms, string(p))
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", def.ID, def.Name, strings.Join(perms, ","))
		}
		_ = tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(rolesCmd)
}
