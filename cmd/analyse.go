package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/chemdb/internal/scheduler"
	"github.com/sells-group/chemdb/internal/table"
)

var analyseAll bool

var analyseCmd = &cobra.Command{
	Use:     "analyse <file-or-dir>...",
	Aliases: []string{"analyze"},
	Short:   "Count compounds and CAS numbers without querying",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("all") {
			cfg.Run.AllFiles = analyseAll
		}
		if err := cfg.Validate("analyse"); err != nil {
			return err
		}

		files, err := table.Discover(args, cfg.Run.AllFiles, cfg.Input.OutputSuffix)
		if err != nil {
			return err
		}

		r := scheduler.NewRunner(scheduler.RunnerConfig{
			IdentifierHints: cfg.Input.IdentifierColumns,
			OutputSuffix:    cfg.Input.OutputSuffix,
		}, nil)
		sum, err := r.Analyse(files)
		if err != nil {
			return err
		}

		formatSummary(os.Stdout, sum)
		_, _ = fmt.Fprintf(os.Stdout, "\nFiles: %d  Compounds: %d  CAS: %d  Empty rows: %d\n",
			len(sum.Files)-sum.Failed(), sum.Totals.Compounds, sum.Totals.RegistryNumbers, sum.Totals.Empty)
		return nil
	},
}

func init() {
	analyseCmd.Flags().BoolVar(&analyseAll, "all", false, "analyse every supported file in the folder of each argument")
	rootCmd.AddCommand(analyseCmd)
}
