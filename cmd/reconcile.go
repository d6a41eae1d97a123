package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-router/internal/lead"
)

var (
	reconcileForce       bool
	reconcileDryRun      bool
	reconcilePageSize    int
	reconcileConcurrency int
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-apply routing to stored leads",
	Long:  "Pages through every lead in id order, re-resolves the ones that are not already routed (all of them with --force) and writes back only those whose routing changed. Manually overridden leads are never touched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if cmd.Flags().Changed("page-size") {
			cfg.Reconcile.PageSize = reconcilePageSize
		}
		if cmd.Flags().Changed("concurrency") {
			cfg.Reconcile.Concurrency = reconcileConcurrency
		}

		env, err := initRouting(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer env.Close()

		r := lead.NewReconciler(env.Store, env.Resolver, env.Store, lead.Options{
			Force:       reconcileForce,
			DryRun:      reconcileDryRun,
			PageSize:    cfg.Reconcile.PageSize,
			Epsilon:     cfg.Reconcile.Epsilon,
			Concurrency: cfg.Reconcile.Concurrency,
		})
		summary, runErr := r.Run(ctx)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return eris.Wrap(err, "write summary")
		}
		return runErr
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileForce, "force", false, "re-resolve leads that are already routed")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "count changes without writing them")
	reconcileCmd.Flags().IntVar(&reconcilePageSize, "page-size", 0, "leads per page (default from config)")
	reconcileCmd.Flags().IntVar(&reconcileConcurrency, "concurrency", 0, "leads resolved in parallel per page (default from config)")
	rootCmd.AddCommand(reconcileCmd)
}
