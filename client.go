package binmemcache

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/pior/binmemcache/codec"
	"github.com/pior/binmemcache/internal"
)

const (
	defaultExpiry         = 24 * time.Hour
	defaultMaxConnections = 10
	defaultConnectTimeout = time.Second
	defaultTimeout        = 500 * time.Millisecond
	defaultRetries        = 2
	defaultRetryDelay     = 100 * time.Millisecond
	defaultRetryFactor    = 2
	defaultMaxFailures    = 10
)

// NoExpiry stores an item without expiration.
const NoExpiry time.Duration = -1

// Config holds configuration for the client. Zero values select defaults.
type Config struct {
	// Expiry is the TTL used when a call passes zero.
	// Default: 24h.
	Expiry time.Duration

	// MaxConnections is the maximum number of connections per server.
	// Default: 10.
	MaxConnections int32

	// ConnectTimeout bounds dialing and authentication.
	// Default: 1s.
	ConnectTimeout time.Duration

	// Timeout bounds one attempt, from the write until every response
	// arrived. Default: 500ms.
	Timeout time.Duration

	// Retries is the number of attempts after the first one.
	// Default: 2. Negative disables retries.
	Retries int

	// RetryDelay is the wait before the first retry.
	// Default: 100ms.
	RetryDelay time.Duration

	// RetryFactor multiplies the delay after each retry.
	// Default: 2.
	RetryFactor float64

	// MaxFailures is the number of failures after which a server is
	// replaced by a standby. Only used with FailoverServers.
	// Default: 10.
	MaxFailures uint32

	// FailoverServers are standby addresses, used in order.
	FailoverServers []string

	// KeepAlive is the TCP keep-alive period of new connections.
	// Zero uses the net.Dialer default.
	KeepAlive time.Duration

	// Distribution picks the key router.
	// Default: DistributionKetama.
	Distribution Distribution

	// Hash picks the ring hash for DistributionKetama.
	// Default: HashMD5.
	Hash Hash

	// NewPool is the per-server connection pool factory.
	// Default: NewSlotPool. Use NewPuddlePool for exclusive connections.
	NewPool PoolFactory

	// Codec marshals values.
	// Default: codec.Default.
	Codec codec.Codec

	// DisableQuiet sends every key of a multi-key request with its verbose
	// opcode instead of pipelining behind quiet ones.
	DisableQuiet bool

	// MaxConnIdleTime closes connections idle for longer.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// MaxConnLifetime closes idle connections older than this.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// HealthCheckInterval is how often idle connections are checked against
	// MaxConnIdleTime and MaxConnLifetime. Zero disables the checks.
	HealthCheckInterval time.Duration

	// Dialer creates connections. If nil, one is built from ConnectTimeout
	// and KeepAlive.
	Dialer *net.Dialer

	// Logger receives client events. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Expiry == 0 {
		c.Expiry = defaultExpiry
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Retries == 0 {
		c.Retries = defaultRetries
	} else if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.RetryFactor <= 0 {
		c.RetryFactor = defaultRetryFactor
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = defaultMaxFailures
	}
	if c.NewPool == nil {
		c.NewPool = NewSlotPool
	}
	if c.Codec == nil {
		c.Codec = codec.Default
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.ConnectTimeout, KeepAlive: c.KeepAlive}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Client is a memcached binary protocol client over a set of servers.
// It is safe for concurrent use.
type Client struct {
	config   Config
	engine   *engine
	router   Router
	failover *failover
	servers  []*Server // routed and standby servers

	stats *clientStatsCollector

	mu              sync.Mutex
	closed          bool
	stopHealthCheck chan struct{}
}

// NewClient creates a client for the given addresses. Connections are
// opened lazily.
func NewClient(addrs []string, config Config) (*Client, error) {
	if len(addrs) == 0 {
		return nil, ErrNoServers
	}
	config = config.withDefaults()

	c := &Client{
		config:          config,
		stats:           newClientStatsCollector(),
		stopHealthCheck: make(chan struct{}),
	}

	routed, err := c.newServers(addrs)
	if err != nil {
		return nil, err
	}
	standbys, err := c.newServers(config.FailoverServers)
	if err != nil {
		return nil, err
	}

	c.router = newRouter(routed, config.Distribution, config.Hash)
	c.failover = newFailover(c.router, standbys, config.Logger)
	c.engine = &engine{
		router:         c.router,
		failover:       c.failover,
		codec:          config.Codec,
		opaque:         &opaqueCounter{},
		buffers:        internal.NewBufferPool(1024),
		stats:          c.stats,
		logger:         config.Logger,
		timeout:        config.Timeout,
		connectTimeout: config.ConnectTimeout,
		backoff: backoff{
			retries: config.Retries,
			delay:   config.RetryDelay,
			factor:  config.RetryFactor,
		},
		disableQuiet: config.DisableQuiet,
	}

	if config.HealthCheckInterval > 0 {
		go c.healthCheckLoop()
	}
	return c, nil
}

func (c *Client) newServers(addrs []string) ([]*Server, error) {
	servers := make([]*Server, 0, len(addrs))
	for _, a := range addrs {
		addr, err := ParseAddress(a)
		if err != nil {
			return nil, err
		}
		s := &Server{
			Address: addr,
			health:  newHealth(addr.Hostname, c.config.MaxFailures),
		}
		s.pool, err = c.config.NewPool(newDialFunc(c.config.Dialer, s, c.config.Logger), c.config.MaxConnections)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
		c.servers = append(c.servers, s)
	}
	return servers, nil
}

// query runs q unless the client is closed.
func (c *Client) query(ctx context.Context, q *query) (any, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClientClosed
	}
	return c.engine.run(ctx, q)
}

// expiry converts a TTL to its wire form. Zero selects the configured
// default; a negative TTL such as NoExpiry stores items without expiration.
func (c *Client) expiry(ttl time.Duration) uint32 {
	if ttl == 0 {
		ttl = c.config.Expiry
	}
	if ttl < 0 {
		return 0
	}
	secs := ttl / time.Second
	if secs == 0 {
		secs = 1
	}
	return uint32(secs)
}

// Servers returns the servers currently routed to.
func (c *Client) Servers() []*Server {
	return c.router.Servers()
}

// Standbys returns the failover queue, head first.
func (c *Client) Standbys() []*Server {
	return c.failover.standbys()
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// ServerStats returns a snapshot of every server, standbys included.
func (c *Client) ServerStats() []ServerStats {
	routed := map[*Server]bool{}
	for _, s := range c.router.Servers() {
		routed[s] = true
	}
	out := make([]ServerStats, len(c.servers))
	for i, s := range c.servers {
		out[i] = s.stats(routed[s])
	}
	return out
}

// Close sends quit on idle connections and closes every pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.config.HealthCheckInterval > 0 {
		close(c.stopHealthCheck)
	}

	var result *multierror.Error
	for _, s := range c.servers {
		if err := s.pool.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// healthCheckLoop periodically closes stale idle connections.
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			for _, s := range c.servers {
				s.pool.CloseIdle(c.config.MaxConnIdleTime, c.config.MaxConnLifetime)
			}
		}
	}
}
