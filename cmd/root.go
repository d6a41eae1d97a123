package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/quote-router/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "quote-router",
	Short: "Routes insurance quote requests to the nearest branch",
	Long:  "Normalizes postal codes, geocodes them through a throttled Nominatim client with a persistent cache, picks the nearest active branch and reconciles stored leads against the current routing rules.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
