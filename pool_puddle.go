package binmemcache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

// NewPuddlePool creates a pool where each lease holds its connection
// exclusively, backed by puddle. Requests do not share sockets, which
// trades connection count for isolation.
func NewPuddlePool(dial func(ctx context.Context) (*Connection, error), maxSize int32) (Pool, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxConnections
	}
	p := &puddlePool{}

	pool, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := dial(ctx)
			if err == nil {
				p.createdConns.Add(1)
			}
			return conn, err
		},
		Destructor: func(c *Connection) {
			p.destroyedConns.Add(1)
			_ = c.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

type puddlePool struct {
	pool           *puddle.Pool[*Connection]
	createdConns   atomic.Uint64
	destroyedConns atomic.Uint64
	acquireErrors  atomic.Uint64
}

func (p *puddlePool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		res, err := p.pool.Acquire(ctx)
		if err != nil {
			p.acquireErrors.Add(1)
			if err == puddle.ErrClosedPool {
				return nil, ErrPoolClosed
			}
			return nil, err
		}

		conn := res.Value()
		if conn.IsClosed() {
			res.Destroy()
			continue
		}

		return newLease(conn, func(c *Connection) {
			if c.IsClosed() {
				res.Destroy()
			} else {
				res.Release()
			}
		}), nil
	}
}

func (p *puddlePool) Reset() error {
	p.pool.Reset()
	return nil
}

func (p *puddlePool) Close() error {
	p.pool.Close()
	return nil
}

func (p *puddlePool) CloseIdle(maxIdle, maxLifetime time.Duration) int {
	closed := 0
	for _, res := range p.pool.AcquireAllIdle() {
		if c := res.Value(); c.IsClosed() || isStale(c, maxIdle, maxLifetime) {
			res.Destroy()
			closed++
			continue
		}
		res.ReleaseUnused()
	}
	return closed
}

func (p *puddlePool) Stats() PoolStats {
	s := p.pool.Stat()

	return PoolStats{
		TotalConns:     s.TotalResources(),
		IdleConns:      s.IdleResources(),
		ActiveConns:    s.AcquiredResources(),
		AcquireCount:   uint64(s.AcquireCount()),
		AcquireErrors:  p.acquireErrors.Load(),
		CreatedConns:   p.createdConns.Load(),
		DestroyedConns: p.destroyedConns.Load(),
	}
}
