package main

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/backend/chemikalieninfo"
	"github.com/sells-group/chemdb/internal/backend/gestis"
	"github.com/sells-group/chemdb/internal/backend/pubchem"
	"github.com/sells-group/chemdb/internal/backend/stub"
	"github.com/sells-group/chemdb/internal/config"
	"github.com/sells-group/chemdb/internal/query"
	"github.com/sells-group/chemdb/internal/report"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/scheduler"
	"github.com/sells-group/chemdb/internal/schema"
	"github.com/sells-group/chemdb/internal/session"
	"github.com/sells-group/chemdb/internal/store"
	gt "github.com/sells-group/chemdb/pkg/gestis"
	pc "github.com/sells-group/chemdb/pkg/pubchem"
)

// runOptions are the command-line overrides of the run command.
type runOptions struct {
	offline  bool
	fixtures string
}

// runEnv holds everything a run needs. Callers should defer env.Close().
type runEnv struct {
	Store  store.Store // may be nil
	Runner *scheduler.Runner
	Cancel *report.CancelSignal
	Status *report.StatusServer // may be nil
	Kinds  []backend.Kind
}

// Close releases the store.
func (e *runEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// enabledKinds returns the configured backends in priority order.
func enabledKinds(c *config.Config) []backend.Kind {
	var kinds []backend.Kind
	if c.Backends.Chemikalieninfo.Enabled {
		kinds = append(kinds, backend.Chemikalieninfo)
	}
	if c.Backends.PubChem.Enabled {
		kinds = append(kinds, backend.PubChem)
	}
	if c.Backends.Gestis.Enabled {
		kinds = append(kinds, backend.Gestis)
	}
	return kinds
}

// applyBackendList enables exactly the backends named in list
// (comma-separated). An empty list keeps the configuration.
func applyBackendList(c *config.Config, list string) error {
	if strings.TrimSpace(list) == "" {
		return nil
	}
	enabled := make(map[backend.Kind]bool)
	for _, name := range strings.Split(list, ",") {
		k, err := backend.ParseKind(name)
		if err != nil {
			return err
		}
		enabled[k] = true
	}
	c.Backends.Chemikalieninfo.Enabled = enabled[backend.Chemikalieninfo]
	c.Backends.PubChem.Enabled = enabled[backend.PubChem]
	c.Backends.Gestis.Enabled = enabled[backend.Gestis]
	return nil
}

func kindNames(kinds []backend.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = k.String()
	}
	return strings.Join(names, ",")
}

// buildBackends creates the live backends, or the fixture stubs when offline.
// The GESTIS backend is returned separately so the runner can point its
// downloads at each input directory.
func buildBackends(c *config.Config, kinds []backend.Kind, opts runOptions) ([]backend.Backend, *gestis.Backend, error) {
	if opts.offline {
		set, err := stub.Load(opts.fixtures)
		if err != nil {
			return nil, nil, err
		}
		bs := set.Backends(kinds)
		if len(bs) != len(kinds) {
			zap.L().Warn("fixtures do not cover every enabled backend", zap.String("fixtures", opts.fixtures))
		}
		return bs, nil, nil
	}

	var (
		bs []backend.Backend
		gb *gestis.Backend
	)
	for _, k := range kinds {
		switch k {
		case backend.Chemikalieninfo:
			bs = append(bs, chemikalieninfo.New(c.Backends.Chemikalieninfo.BaseURL))
		case backend.PubChem:
			client := pc.NewClient(
				pc.WithBaseURL(c.Backends.PubChem.BaseURL),
				pc.WithRateLimit(c.Backends.PubChem.RatePerSec),
			)
			bs = append(bs, pubchem.New(client))
		case backend.Gestis:
			g := c.Backends.Gestis
			gb = gestis.New(gestis.Options{
				Endpoints:      gt.Endpoints{APIBase: g.BaseURL, SiteBase: g.SiteURL, Language: g.Language},
				Token:          g.Token,
				DownloadSheets: g.DownloadSDB,
			})
			bs = append(bs, gb)
		}
	}
	return bs, gb, nil
}

// openStore opens the sqlite store, or returns nil when persistence is off.
func openStore(ctx context.Context, c *config.Config) (store.Store, error) {
	if c.Store.Path == "" {
		return nil, nil
	}
	st, err := store.NewSQLite(c.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initRunEnv wires backends, schema, coordinator, session pool, scheduler,
// store and the optional status server.
func initRunEnv(ctx context.Context, c *config.Config, opts runOptions) (*runEnv, error) {
	if err := c.Validate("run"); err != nil {
		return nil, err
	}

	kinds := enabledKinds(c)
	backends, gestisBackend, err := buildBackends(c, kinds, opts)
	if err != nil {
		return nil, err
	}
	sch, err := schema.Compose(backends)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, c)
	if err != nil {
		return nil, err
	}

	retry := resilience.FromRetryConfig(c.Retry.Attempts, c.Retry.BaseDelayMs)
	circuit := resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs)
	circuit.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("backend circuit changed", zap.Stringer("from", from), zap.Stringer("to", to))
	}
	coordOpts := []query.Option{
		query.WithRetry(retry),
		query.WithBreakers(resilience.NewServiceBreakers(circuit)),
	}
	if st != nil && !opts.offline {
		coordOpts = append(coordOpts, query.WithCache(st, time.Duration(c.Store.CacheTTLHours)*time.Hour))
	}
	coord := query.New(sch, coordOpts...)

	var factory session.Factory = session.NopFactory
	if sch.NeedsSession() && !opts.offline {
		factory = session.NewHTTPFactory(session.HTTPOptions{
			UserAgent: c.Session.UserAgent,
			Timeout:   time.Duration(c.Session.TimeoutSecs) * time.Second,
			Settle:    time.Duration(c.Session.SleepMs) * time.Millisecond,
		})
	}
	pool := session.NewPool(factory)
	if c.Run.Workers > pool.Limit() {
		zap.L().Warn("worker count capped by available CPUs",
			zap.Int("requested", c.Run.Workers),
			zap.Int("limit", pool.Limit()),
		)
	}

	cancel := &report.CancelSignal{}
	sched := scheduler.New(coord, pool, cancel,
		scheduler.WithSettle(time.Duration(c.Run.SettleMs)*time.Millisecond),
	)

	env := &runEnv{Store: st, Cancel: cancel, Kinds: kinds}
	reporters := report.Multi{report.NewLogReporter(nil)}
	runnerOpts := []scheduler.RunnerOption{
		scheduler.WithReporter(reporters),
	}
	if st != nil {
		runnerOpts = append(runnerOpts, scheduler.WithStore(st))
	}
	if gestisBackend != nil {
		runnerOpts = append(runnerOpts, scheduler.WithFileHook(func(path string) {
			gestisBackend.SetInputDir(filepath.Dir(path))
		}))
	}
	if c.UI.StatusAddr != "" {
		env.Status = report.NewStatusServer(cancel)
		runnerOpts = append(runnerOpts, scheduler.WithReportHook(func(rep *report.RunReport) {
			env.Status.Attach(rep)
		}))
	}

	env.Runner = scheduler.NewRunner(scheduler.RunnerConfig{
		IdentifierHints: c.Input.IdentifierColumns,
		OutputSuffix:    c.Input.OutputSuffix,
		Workers:         c.Run.Workers,
		FailFast:        c.Run.FailFast,
		Backends:        kindNames(kinds),
	}, sched, runnerOpts...)
	return env, nil
}
