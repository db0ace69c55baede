package client

import (
	"context"
	"sync"

	"github.com/aep/sdbp/transport"
	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
)

// Pool caches up to size idle Sessions for reuse across goroutines.
// Acquire never blocks on capacity: when no idle session is left a new one is
// opened, and Release closes it again if the pool is already full.
type Pool struct {
	size int

	mu          sync.Mutex
	cfg         Config
	dial        transport.Dialer
	idle        []*Session
	initialized bool
	closed      bool

	created atomic.Int64
	reused  atomic.Int64
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size}
}

// Init opens size sessions with cfg. It must be called exactly once;
// a second call fails with ErrPoolInitialized.
func (p *Pool) Init(ctx context.Context, cfg Config, dial transport.Dialer) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return ErrPoolInitialized
	}
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.initialized = true
	p.cfg = cfg
	p.dial = dial
	p.mu.Unlock()

	sessions := make([]*Session, 0, p.size)
	for range p.size {
		s, err := New(ctx, cfg, dial)
		if err != nil {
			for _, s := range sessions {
				s.Close()
			}
			p.mu.Lock()
			p.initialized = false
			p.mu.Unlock()
			return errors.Wrap(err, "init pool")
		}
		p.created.Inc()
		sessions = append(sessions, s)
	}

	p.mu.Lock()
	p.idle = append(p.idle, sessions...)
	p.mu.Unlock()
	log.Debug("[pool].Init:", "size", p.size, "nodes", cfg.Nodes)
	return nil
}

// Acquire takes an idle session or opens a new one.
func (p *Pool) Acquire(ctx context.Context) (*PooledSession, error) {
	p.mu.Lock()
	if !p.initialized {
		p.mu.Unlock()
		return nil, ErrPoolUninitialized
	}
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.reused.Inc()
		return &PooledSession{Session: s, pool: p}, nil
	}
	cfg, dial := p.cfg, p.dial
	p.mu.Unlock()

	s, err := New(ctx, cfg, dial)
	if err != nil {
		return nil, err
	}
	p.created.Inc()
	return &PooledSession{Session: s, pool: p}, nil
}

func (p *Pool) release(s *Session) error {
	if s.Closed() {
		return nil
	}
	s.reset()

	p.mu.Lock()
	if !p.closed && len(p.idle) < p.size {
		p.idle = append(p.idle, s)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	return s.Close()
}

// Close closes the idle sessions. Sessions released afterwards are closed too.
func (p *Pool) Close() error {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type PoolStats struct {
	Size    int
	Idle    int
	Created int64
	Reused  int64
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:    p.size,
		Idle:    len(p.idle),
		Created: p.created.Load(),
		Reused:  p.reused.Load(),
	}
}

// PooledSession is a Session on loan from a Pool.
type PooledSession struct {
	*Session
	pool *Pool
	once sync.Once
}

// Release submits queued writes, rolls back an unfinished transaction and
// returns the session to its pool. The submit error is returned; the
// session goes back to the pool either way.
func (ps *PooledSession) Release(ctx context.Context) error {
	var err error
	ps.once.Do(func() {
		s := ps.Session
		if !s.Closed() {
			if l := s.lease; l != nil && l.state == LeaseActive {
				err = errors.Join(err, l.Rollback(ctx))
			}
			err = errors.Join(err, s.Submit(ctx))
		}
		err = errors.Join(err, ps.pool.release(s))
	})
	return err
}

// Close is Release with a background context, for use with defer.
func (ps *PooledSession) Close() error {
	return ps.Release(context.Background())
}
