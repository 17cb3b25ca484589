package binmemcache

import (
	"context"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pior/binmemcache/codec"
	"github.com/pior/binmemcache/internal"
	"github.com/pior/binmemcache/protocol"
)

// engine runs queries: it groups keys by server, pipelines one packet train
// per server, correlates responses by opaque, and retries failed attempts.
type engine struct {
	router   Router
	failover *failover
	codec    codec.Codec
	opaque   *opaqueCounter
	buffers  *internal.BufferPool
	stats    *clientStatsCollector
	logger   *slog.Logger

	timeout        time.Duration
	connectTimeout time.Duration
	backoff        backoff
	disableQuiet   bool
}

// run executes q until it succeeds, fails permanently, or retries run out.
// The error of the last attempt is returned as is.
func (e *engine) run(ctx context.Context, q *query) (any, error) {
	e.stats.recordQuery()

	if q.empty() {
		return q.cmd.finalize(q, newAccumulator(e.codec)), nil
	}

	if err := q.cmd.encode(e.codec, q); err != nil {
		e.stats.recordError()
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		e.stats.recordAttempt(attempt > 0)

		result, err := e.attempt(ctx, q)
		if err == nil {
			return result, nil
		}

		if !isRetryable(err) || attempt >= e.backoff.retries || ctx.Err() != nil {
			e.stats.recordError()
			return nil, err
		}

		delay := e.backoff.forAttempt(attempt)
		e.logger.Debug("binmemcache: retrying query", "op", q.cmd.opcode().String(), "attempt", attempt+1, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.stats.recordError()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// attempt runs q once against the current routing. Every targeted server
// must answer for the attempt to succeed.
func (e *engine) attempt(ctx context.Context, q *query) (any, error) {
	var batches []serverBatch
	switch q.shape {
	case shapeEmpty:
		batches = groupAll(e.router)
	case shapeMap:
		batches = groupItems(e.router, q.items)
	default:
		batches = groupKeys(e.router, q.keys)
	}

	acc := newAccumulator(e.codec)

	if len(batches) == 1 {
		if err := e.dispatch(ctx, q, batches[0], acc); err != nil {
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, b := range batches {
			g.Go(func() error {
				return e.dispatch(gctx, q, b, acc)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	e.stats.recordOutcome(acc.hits, acc.misses, acc.exists)
	return q.cmd.finalize(q, acc), nil
}

// dispatch sends one server's batch and waits for its answers. Transport
// failures and timeouts are reported to the failover policy unless they
// come from ctx being cancelled by a sibling batch or the caller.
func (e *engine) dispatch(ctx context.Context, q *query, b serverBatch, acc *accumulator) error {
	err := e.exchange(ctx, q, b, acc)
	if err != nil && ctx.Err() == nil && shouldReportFailure(err) {
		if e.failover.report(b.server) {
			e.stats.recordFailover()
		}
	}
	return err
}

func (e *engine) exchange(ctx context.Context, q *query, b serverBatch, acc *accumulator) error {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.connectTimeout)
	lease, err := b.server.pool.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	defer lease.Release()
	conn := lease.Conn()

	box := newInbox()
	opaques, err := conn.register(box, len(b.keys), e.opaque)
	if err != nil {
		return err
	}
	defer conn.unregister(opaques)

	quietOp, quiet := q.cmd.opcode().Quiet()
	quiet = quiet && q.multiKey() && !q.cmd.verbose() && !e.disableQuiet

	keyOf := make(map[uint32]string, len(opaques))
	buf := e.buffers.Get()
	defer e.buffers.Put(buf)
	for i, key := range b.keys {
		p := q.cmd.request(q, key)
		p.Opaque = opaques[i]
		if quiet && i < len(b.keys)-1 {
			p.Opcode = quietOp
		}
		keyOf[p.Opaque] = key
		buf.Write(protocol.AppendPacket(buf.AvailableBuffer(), p))
	}

	// Quiet batches only promise an answer to the last key; the server
	// handles requests in order, so earlier errors arrive before it.
	waiting := make(map[uint32]bool, len(opaques))
	if quiet {
		waiting[opaques[len(opaques)-1]] = true
	} else {
		for _, op := range opaques {
			waiting[op] = true
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := conn.write(reqCtx, buf.Bytes()); err != nil {
		return err
	}

	for len(waiting) > 0 {
		closed := false
		select {
		case <-box.notify:
		case <-conn.Done():
			closed = true
		case <-reqCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrTimeout
		}

		for _, p := range box.drain() {
			key, ok := keyOf[p.Opaque]
			if !ok {
				continue
			}
			resolved, err := e.handle(q, acc, b.server, key, p)
			if err != nil {
				return err
			}
			if resolved {
				delete(waiting, p.Opaque)
			}
		}

		if closed && len(waiting) > 0 {
			return conn.Err()
		}
	}
	return nil
}

// handle classifies one response. resolved is false only for the body of a
// response stream.
func (e *engine) handle(q *query, acc *accumulator, s *Server, key string, p *protocol.Packet) (resolved bool, err error) {
	if p.Status == protocol.StatusOK {
		if q.cmd.sequence() {
			if len(p.Key) == 0 && len(p.Value) == 0 {
				return true, nil
			}
			return false, q.cmd.accumulate(acc, s, key, p)
		}
		if err := q.cmd.accumulate(acc, s, key, p); err != nil {
			if codec.IsDecodeError(err) {
				e.logger.Error("binmemcache: cannot decode value", "server", s.Hostname, "key", key, "err", err)
			}
			return true, err
		}
		return true, nil
	}

	switch q.cmd.classify(p.Status) {
	case outcomeMiss:
		acc.miss()
	case outcomeExists:
		acc.conflict()
	default:
		return true, &protocol.StatusError{Opcode: p.Opcode, Status: p.Status, Message: string(p.Value)}
	}
	return true, nil
}

// backoff is the retry schedule: attempt n waits delay*factor^n.
type backoff struct {
	retries int
	delay   time.Duration
	factor  float64
}

func (b backoff) forAttempt(attempt int) time.Duration {
	d := float64(b.delay)
	for range attempt {
		d *= b.factor
	}
	return time.Duration(d)
}

func newDialFunc(dialer *net.Dialer, s *Server, logger *slog.Logger) func(ctx context.Context) (*Connection, error) {
	return func(ctx context.Context) (*Connection, error) {
		return dialServer(ctx, dialer, s, logger)
	}
}
