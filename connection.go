package binmemcache

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pior/binmemcache/internal/coarsetime"
	"github.com/pior/binmemcache/protocol"
)

const readBufferSize = 32 * 1024

// Connection is one socket to a server, shared by every request that holds a
// lease on it. A single goroutine reads and decodes the stream and routes
// each packet to the request waiting on its opaque.
type Connection struct {
	nc     net.Conn
	dec    *protocol.Decoder
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]*inbox
	err     error
	onClose []func()

	done      chan struct{}
	closeOnce sync.Once

	workers   atomic.Int32
	createdAt time.Time
	lastUsed  atomic.Int64
}

// newConnection wraps an established socket and starts its read loop.
// dec may already hold bytes read during the handshake.
func newConnection(nc net.Conn, dec *protocol.Decoder, logger *slog.Logger) *Connection {
	if dec == nil {
		dec = protocol.NewDecoder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		nc:        nc,
		dec:       dec,
		logger:    logger,
		pending:   make(map[uint32]*inbox),
		done:      make(chan struct{}),
		createdAt: coarsetime.Now(),
	}
	c.touch()
	go c.readLoop()
	return c
}

// dialServer opens a connection to s and authenticates it when s has
// credentials.
func dialServer(ctx context.Context, dialer *net.Dialer, s *Server, logger *slog.Logger) (*Connection, error) {
	nc, err := dialer.DialContext(ctx, s.Network, s.Addr())
	if err != nil {
		return nil, errors.Wrapf(err, "binmemcache: dial %s", s.Hostname)
	}

	dec := protocol.NewDecoder()
	if s.Username != "" {
		if err := authenticate(ctx, nc, dec, s.Username, s.Password); err != nil {
			_ = nc.Close()
			logger.Warn("binmemcache: sasl authentication failed", "server", s.Hostname, "err", err)
			return nil, err
		}
	}
	return newConnection(nc, dec, logger), nil
}

// authenticate runs a SASL PLAIN exchange before the read loop owns the
// socket.
func authenticate(ctx context.Context, nc net.Conn, dec *protocol.Decoder, user, pass string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultConnectTimeout)
	}
	_ = nc.SetDeadline(deadline)
	defer nc.SetDeadline(time.Time{})

	req := protocol.Build(&protocol.Packet{
		Opcode: protocol.OpSASLAuth,
		Key:    []byte("PLAIN"),
		Value:  []byte("\x00" + user + "\x00" + pass),
	})
	if _, err := nc.Write(req); err != nil {
		return errors.Wrap(err, "binmemcache: sasl write")
	}

	resp, err := dec.ReadPacket(nc, make([]byte, 512))
	if err != nil {
		return errors.Wrap(err, "binmemcache: sasl read")
	}
	if resp.Status != protocol.StatusOK {
		return fmt.Errorf("%w: %w", ErrAuthFailed, &protocol.StatusError{Opcode: protocol.OpSASLAuth, Status: resp.Status, Message: string(resp.Value)})
	}
	return nil
}

func (c *Connection) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.touch()
			c.dec.Feed(buf[:n])
			for {
				p, perr := c.dec.Next()
				if perr != nil {
					c.teardown(perr)
					return
				}
				if p == nil {
					break
				}
				c.deliver(p)
			}
		}
		if err != nil {
			c.teardown(errors.Wrap(ErrConnectionClosed, err.Error()))
			return
		}
	}
}

func (c *Connection) deliver(p *protocol.Packet) {
	c.mu.Lock()
	box := c.pending[p.Opaque]
	c.mu.Unlock()

	if box == nil {
		// Late answer for a request that already gave up.
		return
	}
	box.push(p)
}

// register reserves n opaques for box. Tokens already outstanding on this
// connection are skipped so a wrapped counter never aliases a live request.
func (c *Connection) register(box *inbox, n int, counter *opaqueCounter) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	opaques := make([]uint32, n)
	for i := range opaques {
		op := counter.next()
		for c.pending[op] != nil {
			op = counter.next()
		}
		c.pending[op] = box
		opaques[i] = op
	}
	return opaques, nil
}

func (c *Connection) unregister(opaques []uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range opaques {
		delete(c.pending, op)
	}
}

// outstanding returns the number of registered opaques.
func (c *Connection) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// write sends b in one call, bounded by ctx's deadline.
func (c *Connection) write(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.Err(); err != nil {
		return err
	}

	deadline, _ := ctx.Deadline()
	_ = c.nc.SetWriteDeadline(deadline)

	if _, err := c.nc.Write(b); err != nil {
		c.teardown(errors.Wrap(ErrConnectionClosed, err.Error()))
		return c.Err()
	}
	c.touch()
	return nil
}

// teardown closes the socket once and records why.
func (c *Connection) teardown(err error) {
	c.closeOnce.Do(func() {
		_ = c.nc.Close()

		c.mu.Lock()
		c.err = err
		hooks := c.onClose
		c.onClose = nil
		c.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}

		close(c.done)
		c.logger.Debug("binmemcache: connection closed", "remote", c.nc.RemoteAddr().String(), "err", err)
	})
}

// whenClosed runs fn once the connection is torn down, immediately if it
// already is.
func (c *Connection) whenClosed(fn func()) {
	c.mu.Lock()
	if c.err == nil {
		c.onClose = append(c.onClose, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

func (c *Connection) touch() {
	c.lastUsed.Store(coarsetime.UnixNano())
}

// Err returns why the connection was closed, or nil while it is open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsClosed reports whether the connection was torn down.
func (c *Connection) IsClosed() bool {
	return c.Err() != nil
}

// Done is closed when the connection is torn down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Workers returns the number of leases currently held on the connection.
func (c *Connection) Workers() int {
	return int(c.workers.Load())
}

// IdleDuration returns the time since the connection last sent or received.
func (c *Connection) IdleDuration() time.Duration {
	return coarsetime.Since(c.lastUsed.Load())
}

// CreationTime returns when the connection was established.
func (c *Connection) CreationTime() time.Time {
	return c.createdAt
}

// Close sends quit when nothing is in flight and closes the socket.
func (c *Connection) Close() error {
	if c.IsClosed() {
		return nil
	}
	var err error
	if c.outstanding() == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err = c.write(ctx, protocol.Build(&protocol.Packet{Opcode: protocol.OpQuitQ}))
		cancel()
	}
	c.teardown(ErrConnectionClosed)
	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		return err
	}
	return nil
}

// inbox collects the packets of one attempt on one connection. push never
// blocks, so a slow reader cannot stall the read loop.
type inbox struct {
	mu      sync.Mutex
	packets []*protocol.Packet
	notify  chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) push(p *protocol.Packet) {
	b.mu.Lock()
	b.packets = append(b.packets, p)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) drain() []*protocol.Packet {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.packets
	b.packets = nil
	return out
}
