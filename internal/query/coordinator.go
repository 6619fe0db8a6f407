// Package query runs one job against every enabled backend and merges the
// per-backend records into the run's output shape.
package query

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/chemdb/internal/backend"
	"github.com/sells-group/chemdb/internal/job"
	"github.com/sells-group/chemdb/internal/resilience"
	"github.com/sells-group/chemdb/internal/schema"
	"github.com/sells-group/chemdb/internal/session"
)

// Cache stores backend hits across runs. store.SQLiteStore satisfies it.
type Cache interface {
	GetCachedResult(ctx context.Context, backend, term string) (map[string]any, error)
	SetCachedResult(ctx context.Context, backend, term string, record map[string]any, ttl time.Duration) error
}

// CancelProbe reports whether the user asked to stop.
type CancelProbe func() bool

// Outcome is the result of RunJob. A cancelled outcome carries the default
// record and must not be treated as a processed row.
type Outcome struct {
	Record    backend.Record
	Cancelled bool
}

// Coordinator runs jobs against the backends of a schema.
type Coordinator struct {
	schema   *schema.Schema
	retry    resilience.RetryConfig
	breakers *resilience.ServiceBreakers
	cache    Cache
	cacheTTL time.Duration
	now      backend.Clock
	log      *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetry sets the retry policy for backend calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *Coordinator) { c.retry = cfg }
}

// WithBreakers enables per-backend circuit breaking.
func WithBreakers(sb *resilience.ServiceBreakers) Option {
	return func(c *Coordinator) { c.breakers = sb }
}

// WithCache enables the result cache. Only hits are cached, and only for
// backends that are backend.IsCacheable.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.cache = cache
		c.cacheTTL = ttl
	}
}

// WithClock sets the clock used for failure records.
func WithClock(now backend.Clock) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// New creates a Coordinator for s.
func New(s *schema.Schema, opts ...Option) *Coordinator {
	c := &Coordinator{
		schema: s,
		retry:  resilience.DefaultRetryConfig(),
		now:    time.Now,
		log:    zap.L(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Schema returns the output shape.
func (c *Coordinator) Schema() *schema.Schema { return c.schema }

// RunJob queries every backend in priority order. Backend failures never
// escape: they become status strings in that backend's part of the record.
// cancelled is checked before each backend.
func (c *Coordinator) RunJob(ctx context.Context, j job.Job, sess session.Session, cancelled CancelProbe) Outcome {
	if j.Empty {
		return Outcome{Record: c.schema.DefaultRecord()}
	}

	merged := c.schema.DefaultRecord()
	for _, b := range c.schema.Backends() {
		if cancelled != nil && cancelled() {
			return Outcome{Record: c.schema.DefaultRecord(), Cancelled: true}
		}

		sub := c.queryBackend(ctx, b, j, sess)
		merged.Merge(sub)

		// A name-only row picks up the registry number found by an earlier
		// backend that states one outright, so later backends can search by
		// it. PubChem does not qualify: its synonym list may carry several.
		if j.HasRegistryNumber() || !backend.IsSuccess(sub, b.Kind()) {
			continue
		}
		if src, ok := b.(backend.RegistryNumberSource); ok {
			if rn := src.RegistryNumber(sub); rn != "" {
				c.log.Debug("registry number discovered",
					zap.Int("row", j.Row),
					zap.String("backend", b.Kind().String()),
					zap.String("cas", rn),
				)
				j = j.WithRegistryNumber(rn)
			}
		}
	}
	return Outcome{Record: c.schema.Shape(merged)}
}

// queryBackend tries each term until b reports a hit.
func (c *Coordinator) queryBackend(ctx context.Context, b backend.Backend, j job.Job, sess session.Session) backend.Record {
	k := b.Kind()
	var last backend.Record
	for _, term := range j.Terms {
		if term == "" {
			continue
		}

		rec, err := c.lookup(ctx, b, sess, term)
		if err != nil {
			status := backend.Failed(k, term)
			if errors.Is(err, resilience.ErrCircuitOpen) {
				status = backend.Unavailable(k, term)
			}
			c.log.Error("backend query failed",
				zap.Int("row", j.Row),
				zap.String("backend", k.String()),
				zap.String("term", term),
				zap.Error(err),
			)
			last = backend.Stamp(b, status, term, c.now())
			if errors.Is(err, resilience.ErrCircuitOpen) || ctx.Err() != nil {
				break
			}
			continue
		}

		if backend.IsSuccess(rec, k) {
			return rec
		}
		c.log.Info(rec.Str(k.StatusField()),
			zap.Int("row", j.Row),
			zap.String("backend", k.String()),
		)
		last = nonHit(b, rec)
	}

	if last == nil {
		return b.DefaultRecord()
	}
	return last
}

// nonHit keeps only the query_* bookkeeping of rec over b's defaults.
func nonHit(b backend.Backend, rec backend.Record) backend.Record {
	k := b.Kind()
	out := b.DefaultRecord()
	for _, stem := range []string{"query_status", "query_term", "query_database", "query_time"} {
		if v, ok := rec[k.Field(stem)]; ok {
			out[k.Field(stem)] = v
		}
	}
	return out
}

// lookup answers from the cache or calls the backend with retry and circuit
// breaking.
func (c *Coordinator) lookup(ctx context.Context, b backend.Backend, sess session.Session, term string) (backend.Record, error) {
	k := b.Kind()
	useCache := c.cache != nil && backend.IsCacheable(b)
	if useCache {
		cached, err := c.cache.GetCachedResult(ctx, k.String(), term)
		if err != nil {
			c.log.Warn("cache read failed", zap.String("backend", k.String()), zap.Error(err))
		} else if cached != nil {
			return backend.Record(cached), nil
		}
	}

	var cb *resilience.CircuitBreaker
	if c.breakers != nil {
		cb = c.breakers.Get(k.String())
		if err := cb.Allow(); err != nil {
			return nil, eris.Wrapf(err, "query: %s", k)
		}
	}

	if !b.NeedsSession() {
		sess = nil
	}
	retry := c.retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger(k.String(), "query")
	}
	rec, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (backend.Record, error) {
		return safeQuery(ctx, b, sess, term)
	})
	if cb != nil {
		cb.Record(err)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "query: %s %q", k, term)
	}

	if useCache && backend.IsSuccess(rec, k) {
		if err := c.cache.SetCachedResult(ctx, k.String(), term, rec, c.cacheTTL); err != nil {
			c.log.Warn("cache write failed", zap.String("backend", k.String()), zap.Error(err))
		}
	}
	return rec, nil
}

// safeQuery turns a backend panic into a terminal error.
func safeQuery(ctx context.Context, b backend.Backend, sess session.Session, term string) (rec backend.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = eris.Errorf("query: %s panicked: %v", b.Kind(), r)
		}
	}()
	return b.Query(ctx, sess, term)
}
