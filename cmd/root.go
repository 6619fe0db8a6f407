package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "chemdb",
	Short: "Batch chemical identifier lookup",
	Long:  "Reads CAS numbers and substance names from spreadsheets, queries Chemikalieninfo, PubChem and GESTIS, and writes one merged result workbook per input file.",
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
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
