// Package scheduler runs a file's jobs sequentially or across pooled
// workers and drives a batch of files end to end.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/job"
	"github.com/sells-group/chemdb/internal/query"
	"github.com/sells-group/chemdb/internal/report"
	"github.com/sells-group/chemdb/internal/session"
)

var (
	// ErrCancelled means the user stopped the run. Results of the file in
	// progress are discarded.
	ErrCancelled = eris.New("cancelled by user")
	// ErrNoFiles means nothing was left to process.
	ErrNoFiles = eris.New("no input files")
)

// Scheduler executes jobs through a Coordinator.
type Scheduler struct {
	coord  *query.Coordinator
	pool   *session.Pool
	cancel *report.CancelSignal
	settle time.Duration
	log    *zap.Logger

	mu    sync.Mutex
	adhoc session.Session
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSettle sets the pause a worker takes after releasing its session.
func WithSettle(d time.Duration) Option {
	return func(s *Scheduler) { s.settle = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// New creates a Scheduler. pool supplies sessions for both modes; cancel may
// be nil.
func New(coord *query.Coordinator, pool *session.Pool, cancel *report.CancelSignal, opts ...Option) *Scheduler {
	s := &Scheduler{
		coord:  coord,
		pool:   pool,
		cancel: cancel,
		log:    zap.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) cancelled() bool { return s.cancel.Requested() }

// session returns the ad-hoc session for sequential mode, creating it on
// first use.
func (s *Scheduler) session(ctx context.Context) (session.Session, error) {
	if !s.coord.Schema().NeedsSession() {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adhoc != nil {
		return s.adhoc, nil
	}
	if _, err := s.pool.EnsureSessions(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "scheduler: create session")
	}
	s.adhoc = s.pool.Session(0)
	return s.adhoc, nil
}

// Close tears down every session. It is safe to call more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.adhoc = nil
	s.mu.Unlock()
	return s.pool.ShutdownAll()
}

// RunSequential runs jobs in row order on the calling goroutine with one
// reused session. The cancel flag is checked before every job.
func (s *Scheduler) RunSequential(ctx context.Context, jobs []job.Job, rep *report.RunReport) ([]backend.Record, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]backend.Record, len(jobs))
	for i, j := range jobs {
		if s.cancelled() {
			return nil, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "scheduler: sequential")
		}

		out := s.runOne(ctx, j, sess)
		if out.Cancelled {
			return nil, ErrCancelled
		}
		results[i] = out.Record
		rep.JobDone(j.Label(), j.HasRegistryNumber())
	}
	return results, nil
}

type dispatched struct {
	idx int
	j   job.Job
}

type completed struct {
	idx       int
	out       query.Outcome
	cancelled bool
}

// RunParallel fans jobs out over workers goroutines, each holding one pooled
// session per job. Results come back in row order. Empty jobs never reach a
// worker. Workers check the cancel flag before each job; once it is set the
// remaining jobs are drained without running and ErrCancelled is returned.
// The sessions are torn down before it returns.
func (s *Scheduler) RunParallel(ctx context.Context, jobs []job.Job, workers int, rep *report.RunReport) ([]backend.Record, error) {
	s.mu.Lock()
	s.adhoc = nil
	s.mu.Unlock()
	n, err := s.pool.EnsureSessions(ctx, workers)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: start sessions")
	}
	defer func() {
		if err := s.pool.ShutdownAll(); err != nil {
			s.log.Warn("session teardown failed", zap.Error(err))
		}
	}()

	results := make([]backend.Record, len(jobs))
	in := make(chan dispatched, len(jobs))
	pending := 0
	for i, j := range jobs {
		if j.Empty {
			results[i] = s.coord.Schema().DefaultRecord()
			rep.JobDone(j.Label(), false)
			continue
		}
		in <- dispatched{idx: i, j: j}
		pending++
	}
	// A closed queue stops every worker once it is drained.
	close(in)

	out := make(chan completed, pending)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		g.Go(func() error {
			return s.worker(gctx, in, out)
		})
	}

	errc := make(chan error, 1)
	go func() {
		errc <- g.Wait()
		close(out)
	}()

	cancelled := false
	for c := range out {
		if c.cancelled || c.out.Cancelled {
			cancelled = true
			continue
		}
		results[c.idx] = c.out.Record
		j := jobs[c.idx]
		rep.JobDone(j.Label(), j.HasRegistryNumber())
	}

	if err := <-errc; err != nil {
		return nil, eris.Wrap(err, "scheduler: parallel")
	}
	if cancelled {
		return nil, ErrCancelled
	}
	return results, nil
}

func (s *Scheduler) worker(ctx context.Context, in <-chan dispatched, out chan<- completed) error {
	for d := range in {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.cancelled() {
			out <- completed{idx: d.idx, cancelled: true}
			continue
		}

		slot, err := s.pool.Acquire(ctx)
		if err != nil {
			return err
		}
		o := s.runOne(ctx, d.j, s.pool.Session(slot))
		s.pool.Release(slot)
		out <- completed{idx: d.idx, out: o}

		if s.settle > 0 {
			select {
			case <-time.After(s.settle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// runOne shields the caller from a panicking coordinator. The job still
// produces exactly one record.
func (s *Scheduler) runOne(ctx context.Context, j job.Job, sess session.Session) (out query.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked",
				zap.Int("row", j.Row),
				zap.String("compound", j.Label()),
				zap.Any("panic", r),
			)
			out = query.Outcome{Record: s.failedRecord(j)}
		}
	}()
	return s.coord.RunJob(ctx, j, sess, s.cancelled)
}

func (s *Scheduler) failedRecord(j job.Job) backend.Record {
	sch := s.coord.Schema()
	rec := sch.DefaultRecord()
	for _, b := range sch.Backends() {
		k := b.Kind()
		rec[k.StatusField()] = backend.Failed(k, j.Label())
	}
	return rec
}
