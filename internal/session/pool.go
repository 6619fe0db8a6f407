package session

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Acquire when the pool holds no sessions or is
// shut down while the caller waits.
var ErrPoolClosed = eris.New("session pool closed")

// Pool hands out a bounded set of sessions, one holder per slot at a time.
// Waiting Acquire calls are served in arrival order.
type Pool struct {
	factory Factory
	limit   int

	mu       sync.Mutex
	sessions map[int]Session
	out      map[int]bool
	avail    chan int
	done     chan struct{}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLimit caps the number of sessions regardless of the requested count.
func WithLimit(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.limit = n
		}
	}
}

// NewPool creates an empty pool. Sessions are created by EnsureSessions.
func NewPool(factory Factory, opts ...PoolOption) *Pool {
	p := &Pool{
		factory: factory,
		limit:   runtime.NumCPU(),
	}
	for _, o := range opts {
		o(p)
	}
	p.reset()
	return p
}

// reset clears pool state. Caller holds mu or owns p exclusively.
func (p *Pool) reset() {
	p.sessions = make(map[int]Session)
	p.out = make(map[int]bool)
	p.avail = make(chan int)
	p.done = make(chan struct{})
	close(p.done)
}

// Limit returns the hardware-derived session cap.
func (p *Pool) Limit() int { return p.limit }

// EnsureSessions tears down existing sessions and creates min(count, limit)
// fresh ones, all immediately available. It returns the number created.
func (p *Pool) EnsureSessions(ctx context.Context, count int) (int, error) {
	if err := p.ShutdownAll(); err != nil {
		zap.L().Warn("session: teardown before resize failed", zap.Error(err))
	}

	n := min(max(count, 1), p.limit)

	created := make(map[int]Session, n)
	for slot := range n {
		s, err := p.factory(ctx, slot)
		if err != nil {
			for _, c := range created {
				_ = c.Close()
			}
			return 0, eris.Wrapf(err, "session: create slot %d", slot)
		}
		created[slot] = s
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = created
	p.out = make(map[int]bool, n)
	p.avail = make(chan int, n)
	p.done = make(chan struct{})
	for slot := range n {
		p.avail <- slot
	}

	zap.L().Debug("session: pool ready", zap.Int("sessions", n))
	return n, nil
}

// Acquire blocks until a slot is available and returns it. It fails when ctx
// ends or the pool is shut down.
func (p *Pool) Acquire(ctx context.Context) (int, error) {
	p.mu.Lock()
	avail, done := p.avail, p.done
	p.mu.Unlock()

	select {
	case slot := <-avail:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.avail != avail {
			// Pool was rebuilt while we waited; the slot belongs to a dead generation.
			return 0, ErrPoolClosed
		}
		p.out[slot] = true
		return slot, nil
	case <-done:
		return 0, ErrPoolClosed
	case <-ctx.Done():
		return 0, eris.Wrap(ctx.Err(), "session: acquire")
	}
}

// Session returns the session bound to slot, or nil if none exists.
func (p *Pool) Session(slot int) Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[slot]
}

// Release makes slot acquirable again. Releasing a slot that is not checked
// out is a no-op.
func (p *Pool) Release(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.out[slot] {
		return
	}
	delete(p.out, slot)
	p.avail <- slot // buffered to pool size, never blocks
}

// size returns the number of live sessions.
func (p *Pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// ShutdownAll closes every session and clears the pool. Waiting Acquire
// calls return ErrPoolClosed. Safe to call repeatedly.
func (p *Pool) ShutdownAll() error {
	p.mu.Lock()
	sessions := p.sessions
	done := p.done
	p.reset()
	p.mu.Unlock()

	select {
	case <-done:
	default:
		close(done)
	}

	var errs []error
	for slot, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, eris.Wrapf(err, "session: close slot %d", slot))
		}
	}
	if len(sessions) > 0 {
		zap.L().Debug("session: pool shut down", zap.Int("sessions", len(sessions)))
	}
	return errors.Join(errs...)
}
