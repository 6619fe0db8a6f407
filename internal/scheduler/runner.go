package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/job"
	"github.com/sells-group/chemdb/internal/report"
	"github.com/sells-group/chemdb/internal/store"
	"github.com/sells-group/chemdb/internal/table"
)

// RunnerConfig holds the per-run settings read at start.
type RunnerConfig struct {
	IdentifierHints []string
	OutputSuffix    string
	// Workers of 0 or 1 selects sequential mode.
	Workers int
	// FailFast aborts the batch on the first file-level error.
	FailFast bool
	// Backends is recorded with the run, e.g. "chemikalieninfo,pubchem".
	Backends string
}

// Runner processes a batch of files one after another.
type Runner struct {
	cfg      RunnerConfig
	sched    *Scheduler
	store    store.Store
	reporter report.Reporter
	onReport func(*report.RunReport)
	onFile   func(path string)
	log      *zap.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore records runs in st.
func WithStore(st store.Store) RunnerOption {
	return func(r *Runner) { r.store = st }
}

// WithReporter sets where progress goes.
func WithReporter(rep report.Reporter) RunnerOption {
	return func(r *Runner) { r.reporter = rep }
}

// WithReportHook is called with the live report once a run starts.
func WithReportHook(fn func(*report.RunReport)) RunnerOption {
	return func(r *Runner) { r.onReport = fn }
}

// WithFileHook is called with each input path before its jobs run.
func WithFileHook(fn func(path string)) RunnerOption {
	return func(r *Runner) { r.onFile = fn }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// NewRunner creates a Runner over sched.
func NewRunner(cfg RunnerConfig, sched *Scheduler, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:      cfg,
		sched:    sched,
		reporter: report.Nop{},
		onReport: func(*report.RunReport) {},
		onFile:   func(string) {},
		log:      zap.L(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// FileResult describes one input file.
type FileResult struct {
	Path   string
	Output string
	Totals job.Totals
	Err    error
}

// Summary is the outcome of Run.
type Summary struct {
	RunID     string
	Files     []FileResult
	Totals    job.Totals
	Elapsed   time.Duration
	Cancelled bool
}

// Failed counts files that ended with an error.
func (s *Summary) Failed() int {
	n := 0
	for _, f := range s.Files {
		if f.Err != nil {
			n++
		}
	}
	return n
}

type prepared struct {
	path   string
	jobs   []job.Job
	totals job.Totals
}

// Analyse loads and preprocesses files without querying anything.
func (r *Runner) Analyse(files []string) (*Summary, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	_, sum := r.prepare(files)
	return sum, nil
}

func (r *Runner) prepare(files []string) ([]prepared, *Summary) {
	sum := &Summary{}
	var ready []prepared
	for _, path := range files {
		fr := FileResult{Path: path}
		t, err := table.Load(path)
		if err == nil {
			t.TrimTrailingBlankRows()
			var jobs []job.Job
			jobs, err = job.Build(t, r.cfg.IdentifierHints)
			if err == nil {
				fr.Totals = job.Count(jobs)
				sum.Totals.Add(fr.Totals)
				ready = append(ready, prepared{path: path, jobs: jobs, totals: fr.Totals})
			}
		}
		fr.Err = err
		sum.Files = append(sum.Files, fr)
	}
	return ready, sum
}

// Run processes files in order and writes one output workbook per file.
// File-level failures are reported and skipped unless FailFast is set.
// Sessions are torn down on every return path.
func (r *Runner) Run(ctx context.Context, files []string) (*Summary, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	defer func() {
		if err := r.sched.Close(); err != nil {
			r.log.Warn("session teardown failed", zap.Error(err))
		}
	}()

	ready, sum := r.prepare(files)
	rep := report.NewRunReport(r.reporter, len(ready), sum.Totals.Compounds, sum.Totals.RegistryNumbers)
	r.onReport(rep)

	byPath := make(map[string]int, len(sum.Files))
	var firstErr error
	for i, f := range sum.Files {
		byPath[f.Path] = i
		if f.Err != nil {
			rep.Error(fileMessage(f.Path, f.Err))
			if firstErr == nil {
				firstErr = f.Err
			}
		}
	}

	runID := r.startRun(ctx, len(files))
	sum.RunID = runID

	if r.cfg.FailFast && firstErr != nil {
		r.finishRun(ctx, runID, store.RunStatusFailed, sum, 0, firstErr)
		return sum, firstErr
	}
	if len(ready) == 0 {
		err := eris.Wrap(ErrNoFiles, "scheduler: every input file failed")
		r.finishRun(ctx, runID, store.RunStatusFailed, sum, 0, err)
		return sum, err
	}

	done := 0
	for i, f := range ready {
		rep.BeginFile(i+1, filepath.Base(f.path))
		out, err := r.processFile(ctx, f, rep)
		fr := &sum.Files[byPath[f.path]]
		fr.Output = out

		switch {
		case errors.Is(err, ErrCancelled):
			rep.Cancelled()
			sum.Cancelled = true
			sum.Elapsed = rep.Snapshot().Elapsed
			r.finishRun(ctx, runID, store.RunStatusCancelled, sum, done, nil)
			r.log.Info("run cancelled by user", zap.String("file", f.path))
			return sum, ErrCancelled
		case err != nil && ctx.Err() != nil:
			fr.Err = err
			r.finishRun(ctx, runID, store.RunStatusFailed, sum, done, err)
			return sum, err
		case err != nil:
			fr.Err = err
			rep.Error(fileMessage(f.path, err))
			if r.cfg.FailFast {
				r.finishRun(ctx, runID, store.RunStatusFailed, sum, done, err)
				return sum, err
			}
			continue
		}
		done++
		rep.FileDone()
	}

	sum.Elapsed = rep.Final()
	r.finishRun(ctx, runID, store.RunStatusComplete, sum, done, nil)
	return sum, nil
}

func (r *Runner) processFile(ctx context.Context, f prepared, rep *report.RunReport) (string, error) {
	out := table.OutputPath(f.path, r.cfg.OutputSuffix)
	if err := table.Probe(out); err != nil {
		return out, err
	}
	r.onFile(f.path)

	log := r.log.With(zap.String("file", filepath.Base(f.path)))
	log.Info("processing file",
		zap.Int("compounds", f.totals.Compounds),
		zap.Int("cas", f.totals.RegistryNumbers),
		zap.Int("workers", r.cfg.Workers),
	)

	var (
		results []backend.Record
		err     error
	)
	if r.cfg.Workers > 1 {
		results, err = r.sched.RunParallel(ctx, f.jobs, r.cfg.Workers, rep)
	} else {
		results, err = r.sched.RunSequential(ctx, f.jobs, rep)
	}
	if err != nil {
		return out, err
	}

	sch := r.sched.coord.Schema()
	if err := table.WriteXLSX(out, sch.Fields(), sch.Rows(results)); err != nil {
		return out, err
	}
	log.Info("output written", zap.String("output", filepath.Base(out)))
	return out, nil
}

func (r *Runner) startRun(ctx context.Context, files int) string {
	if r.store == nil {
		return ""
	}
	run, err := r.store.CreateRun(ctx, r.cfg.Backends, r.cfg.Workers, files)
	if err != nil {
		r.log.Warn("could not record run", zap.Error(err))
		return ""
	}
	return run.ID
}

func (r *Runner) finishRun(ctx context.Context, runID string, status store.RunStatus, sum *Summary, done int, cause error) {
	if r.store == nil || runID == "" {
		return
	}
	res := &store.RunResult{
		Status:          status,
		FilesDone:       done,
		FilesFailed:     sum.Failed(),
		Compounds:       sum.Totals.Compounds,
		RegistryNumbers: sum.Totals.RegistryNumbers,
	}
	if cause != nil {
		res.Error = cause.Error()
	}
	if err := r.store.FinishRun(context.WithoutCancel(ctx), runID, res); err != nil {
		r.log.Warn("could not finish run record", zap.String("run_id", runID), zap.Error(err))
	}
}

func fileMessage(path string, err error) string {
	base := filepath.Base(path)
	switch {
	case errors.Is(err, table.ErrLocked):
		return fmt.Sprintf("%s: file is locked. Is it open in another program?", base)
	case errors.Is(err, table.ErrUnsupported):
		return fmt.Sprintf("%s: unsupported file type", base)
	case errors.Is(err, job.ErrNoIdentifierColumn):
		return fmt.Sprintf("%s: no identifier column found", base)
	case errors.Is(err, job.ErrNoRows):
		return fmt.Sprintf("%s: no rows to process", base)
	default:
		return fmt.Sprintf("%s: %v", base, err)
	}
}
