package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rowanalpha/ranksync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "ranksync",
	Short: "Ticker ranking ingestion pipeline",
	Long:  "Reads ticker lists from CSV or XLSX files, fetches the current analyst ranking for each ticker, and upserts the observations into Postgres or SQLite.",
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
