package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/branch"
)

var branchesRetireMissing bool

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "Manage branch reference data",
}

var branchesLoadCmd = &cobra.Command{
	Use:   "load [file.yaml]",
	Short: "Load branches from a YAML seed file (default from config)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("branches"); err != nil {
			return err
		}

		path := cfg.BranchesFile
		if len(args) == 1 {
			path = args[0]
		}
		branches, err := branch.LoadSeed(path)
		if err != nil {
			return err
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(cmd.Context()); err != nil {
			return eris.Wrap(err, "migrate store")
		}
		res, err := st.LoadBranches(cmd.Context(), branches, branchesRetireMissing)
		if err != nil {
			return eris.Wrap(err, "load branches")
		}

		zap.L().Info("branches loaded",
			zap.String("file", path),
			zap.Int64("changed", res.Changed),
			zap.Int64("retired", res.Retired),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d branches from %s (%d changed, %d retired)\n",
			len(branches), path, res.Changed, res.Retired)
		return nil
	},
}

func init() {
	branchesLoadCmd.Flags().BoolVar(&branchesRetireMissing, "retire-missing", false, "deactivate active branches absent from the file")
	branchesCmd.AddCommand(branchesLoadCmd)
	rootCmd.AddCommand(branchesCmd)
}
