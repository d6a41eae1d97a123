package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route <postal-code>",
	Short: "Resolve the branch for one postal code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initRouting(cmd.Context(), "route")
		if err != nil {
			return err
		}
		defer env.Close()

		res := env.Resolver.Resolve(cmd.Context(), args[0])

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
}
