package binmemcache

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pior/binmemcache/internal/testutils"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testConfig is a Config with short timers so failure paths stay fast.
func testConfig() Config {
	return Config{
		ConnectTimeout: 500 * time.Millisecond,
		Timeout:        500 * time.Millisecond,
		Retries:        -1,
		RetryDelay:     5 * time.Millisecond,
		Logger:         discardLogger,
	}
}

func newTestClient(t testing.TB, config Config, servers ...*testutils.FakeServer) *Client {
	t.Helper()

	addrs := make([]string, len(servers))
	for i, s := range servers {
		addrs[i] = s.Addr()
	}
	if config.Logger == nil {
		config.Logger = discardLogger
	}

	client, err := NewClient(addrs, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testServers builds servers without pools, for routing tests.
func testServers(t testing.TB, addrs ...string) []*Server {
	t.Helper()

	servers := make([]*Server, len(addrs))
	for i, a := range addrs {
		addr, err := ParseAddress(a)
		require.NoError(t, err)
		servers[i] = &Server{Address: addr, health: newHealth(addr.Hostname, 3)}
	}
	return servers
}

func testContext(t testing.TB) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
