package binmemcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Pool hands out leases on connections to one server.
type Pool interface {
	// Acquire returns a lease. The caller must Release it.
	Acquire(ctx context.Context) (*Lease, error)

	// Reset closes every connection. The pool stays usable and reconnects
	// lazily.
	Reset() error

	// Close closes every connection and rejects further Acquire calls.
	Close() error

	// CloseIdle closes connections without leases that sat idle longer
	// than maxIdle or were opened longer than maxLifetime ago. A zero limit
	// is not checked. It returns the number of connections closed.
	CloseIdle(maxIdle, maxLifetime time.Duration) int

	// Stats returns a snapshot of the pool counters.
	Stats() PoolStats
}

func isStale(c *Connection, maxIdle, maxLifetime time.Duration) bool {
	if maxIdle > 0 && c.IdleDuration() > maxIdle {
		return true
	}
	return maxLifetime > 0 && time.Since(c.CreationTime()) > maxLifetime
}

// PoolFactory builds a pool around a connection constructor.
type PoolFactory func(dial func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error)

// Lease is a held reference on a connection.
type Lease struct {
	conn    *Connection
	release func(*Connection)
	once    sync.Once
}

func newLease(c *Connection, release func(*Connection)) *Lease {
	c.workers.Add(1)
	return &Lease{conn: c, release: release}
}

// Conn returns the leased connection.
func (l *Lease) Conn() *Connection {
	return l.conn
}

// Release returns the connection to its pool. Calling it again is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.conn.workers.Add(-1)
		if l.release != nil {
			l.release(l.conn)
		}
	})
}

// NewSlotPool returns the default pool: a ring of up to maxSize shared
// connections. Acquire prefers a connection nobody holds, then opens a new
// one while under maxSize, then cycles through the slots round-robin so
// requests multiplex on the existing connections.
func NewSlotPool(dial func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxConnections
	}
	p := &slotPool{
		dial:  dial,
		slots: make([]*slot, maxSize),
		stats: newPoolStatsCollector(),
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	return p, nil
}

type slotPool struct {
	dial  func(ctx context.Context) (*Connection, error)
	stats *poolStatsCollector

	mu      sync.Mutex
	slots   []*slot
	created int
	next    int
	closed  bool
}

type slot struct {
	mu   sync.Mutex // held while dialing
	conn atomic.Pointer[Connection]
}

func (s *slot) current() *Connection {
	c := s.conn.Load()
	if c == nil || c.IsClosed() {
		return nil
	}
	return c
}

func (p *slotPool) Acquire(ctx context.Context) (*Lease, error) {
	p.stats.recordAcquire()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stats.recordAcquireError()
		return nil, ErrPoolClosed
	}

	for _, s := range p.slots[:p.created] {
		if c := s.current(); c != nil && c.Workers() == 0 {
			lease := newLease(c, nil)
			p.mu.Unlock()
			return lease, nil
		}
	}

	var s *slot
	if p.created < len(p.slots) {
		s = p.slots[p.created]
		p.created++
	} else {
		s = p.slots[p.next]
		p.next = (p.next + 1) % len(p.slots)
		if c := s.current(); c != nil {
			lease := newLease(c, nil)
			p.mu.Unlock()
			return lease, nil
		}
	}
	p.mu.Unlock()

	c, err := p.fill(ctx, s)
	if err != nil {
		p.stats.recordAcquireError()
		return nil, err
	}
	return newLease(c, nil), nil
}

// fill dials a connection into s unless another caller already did.
func (p *slotPool) fill(ctx context.Context, s *slot) (*Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.current(); c != nil {
		return c, nil
	}

	c, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	p.stats.recordCreate()
	s.conn.Store(c)
	c.whenClosed(func() {
		s.conn.CompareAndSwap(c, nil)
		p.stats.recordDestroy()
	})

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		_ = c.Close()
		return nil, ErrPoolClosed
	}
	return c, nil
}

func (p *slotPool) Reset() error {
	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()

	var result *multierror.Error
	for _, s := range slots {
		if c := s.conn.Load(); c != nil {
			if err := c.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (p *slotPool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.Reset()
}

func (p *slotPool) CloseIdle(maxIdle, maxLifetime time.Duration) int {
	var stale []*Connection

	p.mu.Lock()
	for _, s := range p.slots {
		c := s.current()
		if c == nil || c.Workers() > 0 || !isStale(c, maxIdle, maxLifetime) {
			continue
		}
		if s.conn.CompareAndSwap(c, nil) {
			stale = append(stale, c)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		_ = c.Close()
	}
	return len(stale)
}

func (p *slotPool) Stats() PoolStats {
	stats := p.stats.snapshot()
	for _, s := range p.slots {
		if c := s.current(); c != nil {
			if c.Workers() > 0 {
				stats.ActiveConns++
			} else {
				stats.IdleConns++
			}
		}
	}
	return stats
}
