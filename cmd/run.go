package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/report"
	"github.com/sells-group/chemdb/internal/scheduler"
	"github.com/sells-group/chemdb/internal/table"
)

var (
	runWorkers    int
	runAll        bool
	runOffline    bool
	runFixtures   string
	runFailFast   bool
	runStatusAddr string
	runBackends   string
)

var runCmd = &cobra.Command{
	Use:   "run <file-or-dir>...",
	Short: "Query every compound in the given spreadsheets",
	Long: "Loads each .xlsx or .csv file, queries the enabled backends for every row and writes <name>" +
		"<suffix>.xlsx next to it. Legacy .xls workbooks are not read; save them as .xlsx first.\n" +
		"Press Ctrl+C once to stop after the current compound, twice to abort.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cmd)
		if err := applyBackendList(cfg, runBackends); err != nil {
			return err
		}

		files, err := table.Discover(args, cfg.Run.AllFiles, cfg.Input.OutputSuffix)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		env, err := initRunEnv(ctx, cfg, runOptions{offline: runOffline, fixtures: runFixtures})
		if err != nil {
			return err
		}
		defer env.Close()

		stopSignals := watchSignals(ctx, env.Cancel, cancel)
		defer stopSignals()

		if env.Status != nil {
			if err := env.Status.Start(ctx, cfg.UI.StatusAddr); err != nil {
				return err
			}
			defer env.Status.Shutdown(context.Background()) //nolint:errcheck
		}

		zap.L().Info("starting run",
			zap.Int("files", len(files)),
			zap.String("backends", kindNames(env.Kinds)),
			zap.Int("workers", cfg.Run.Workers),
			zap.Bool("offline", runOffline),
		)

		sum, err := env.Runner.Run(ctx, files)
		if sum != nil {
			formatSummary(os.Stdout, sum)
		}
		if errors.Is(err, scheduler.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "Run cancelled by user.")
			return nil
		}
		return err
	},
}

// applyRunFlags copies explicitly set flags over the loaded config.
func applyRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("workers") {
		cfg.Run.Workers = runWorkers
	}
	if f.Changed("all") {
		cfg.Run.AllFiles = runAll
	}
	if f.Changed("fail-fast") {
		cfg.Run.FailFast = runFailFast
	}
	if f.Changed("status-addr") {
		cfg.UI.StatusAddr = runStatusAddr
	}
}

// watchSignals raises the cooperative cancel flag on the first interrupt
// and cancels ctx on the second.
func watchSignals(ctx context.Context, flag *report.CancelSignal, hardStop context.CancelFunc) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for {
			select {
			case <-sigs:
				if flag.Cancel() {
					zap.L().Warn("stopping after the current compound; interrupt again to abort")
					continue
				}
				zap.L().Warn("aborting")
				hardStop()
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() { signal.Stop(sigs) }
}

// formatSummary writes one line per input file to w.
func formatSummary(out io.Writer, sum *scheduler.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tCOMPOUNDS\tCAS\tRESULT")
	_, _ = fmt.Fprintln(w, "----\t---------\t---\t------")
	for _, f := range sum.Files {
		result := filepath.Base(f.Output)
		switch {
		case f.Err != nil:
			result = "error: " + f.Err.Error()
		case f.Output == "":
			result = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", filepath.Base(f.Path), f.Totals.Compounds, f.Totals.RegistryNumbers, result)
	}
	_ = w.Flush()

	if sum.Elapsed > 0 {
		_, _ = fmt.Fprintf(out, "\n%d compounds (%d CAS) in %s\n",
			sum.Totals.Compounds, sum.Totals.RegistryNumbers, sum.Elapsed.Round(time.Millisecond))
	}
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "parallel workers; 0 or 1 runs sequentially (default from config)")
	runCmd.Flags().BoolVar(&runAll, "all", false, "process every supported file in the folder of each argument")
	runCmd.Flags().BoolVar(&runOffline, "offline", false, "answer from fixture stubs instead of the live services")
	runCmd.Flags().StringVar(&runFixtures, "fixtures", "", "YAML fixtures for --offline (default: built-in set)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "abort the batch on the first file error")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "serve live progress and a cancel endpoint on this address")
	runCmd.Flags().StringVar(&runBackends, "backends", "", "comma-separated backends to query (default from config)")
	rootCmd.AddCommand(runCmd)
}
