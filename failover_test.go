package binmemcache

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/binmemcache/internal/testutils"
)

func hostnames(servers []*Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.Hostname
	}
	return out
}

func TestFailover_SwapsInStandby(t *testing.T) {
	primary := testutils.NewFakeServer(t)
	standby := testutils.NewFakeServer(t)
	primary.SetCloseOnRequest(true)

	config := testConfig()
	config.FailoverServers = []string{standby.Addr()}
	config.MaxFailures = 2
	client := newTestClient(t, config, primary)
	ctx := testContext(t)

	_, err := client.Set(ctx, "k", "v", 0)
	require.Error(t, err)
	assert.Equal(t, []string{primary.Addr()}, hostnames(client.Servers()))

	_, err = client.Set(ctx, "k", "v", 0)
	require.Error(t, err)
	assert.Equal(t, []string{standby.Addr()}, hostnames(client.Servers()))
	assert.Equal(t, []string{primary.Addr()}, hostnames(client.Standbys()))

	ok, err := client.Set(ctx, "k", "v", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, standby.Len())

	assert.Equal(t, uint64(1), client.Stats().Failovers)

	stats := client.ServerStats()
	require.Len(t, stats, 2)
	assert.Equal(t, primary.Addr(), stats[0].Hostname)
	assert.True(t, stats[0].Failed)
	assert.False(t, stats[0].Active)
	assert.Equal(t, uint32(2), stats[0].Failures)
	assert.Equal(t, standby.Addr(), stats[1].Hostname)
	assert.True(t, stats[1].Active)
	assert.False(t, stats[1].Failed)
}

func TestFailover_QueueRotates(t *testing.T) {
	a := testutils.NewFakeServer(t)
	b := testutils.NewFakeServer(t)
	c := testutils.NewFakeServer(t)
	a.SetCloseOnRequest(true)
	b.SetCloseOnRequest(true)

	config := testConfig()
	config.FailoverServers = []string{b.Addr(), c.Addr()}
	config.MaxFailures = 1
	client := newTestClient(t, config, a)
	ctx := testContext(t)

	_, err := client.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, []string{b.Addr()}, hostnames(client.Servers()))
	assert.Equal(t, []string{c.Addr(), a.Addr()}, hostnames(client.Standbys()))

	_, err = client.Get(ctx, "k")
	require.Error(t, err)
	assert.Equal(t, []string{c.Addr()}, hostnames(client.Servers()))
	assert.Equal(t, []string{a.Addr(), b.Addr()}, hostnames(client.Standbys()))

	// a stays failed while queued; it is revived when swapped back in.
	standbys := client.Standbys()
	assert.True(t, standbys[0].IsFailed())

	_, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), client.Stats().Failovers)
}

func TestFailover_KeepsOtherSlots(t *testing.T) {
	fakes := []*testutils.FakeServer{
		testutils.NewFakeServer(t),
		testutils.NewFakeServer(t),
		testutils.NewFakeServer(t),
	}
	standby := testutils.NewFakeServer(t)

	config := testConfig()
	config.FailoverServers = []string{standby.Addr()}
	config.MaxFailures = 1
	client := newTestClient(t, config, fakes...)
	ctx := testContext(t)

	before := map[string]string{}
	for i := range 100 {
		key := "key:" + strconv.Itoa(i)
		before[key] = client.router.Lookup(key).Hostname
	}

	fakes[1].SetCloseOnRequest(true)
	_, err := client.Noop(ctx)
	require.Error(t, err)
	require.Equal(t, uint64(1), client.Stats().Failovers)

	for key, host := range before {
		got := client.router.Lookup(key).Hostname
		if host == fakes[1].Addr() {
			assert.Equal(t, standby.Addr(), got)
		} else {
			assert.Equal(t, host, got)
		}
	}

	ok, err := client.Noop(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailover_NoStandbysNeverFails(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	fake.SetCloseOnRequest(true)
	config := testConfig()
	config.MaxFailures = 1
	client := newTestClient(t, config, fake)

	_, err := client.Get(testContext(t), "k")
	require.Error(t, err)

	stats := client.ServerStats()
	assert.False(t, stats[0].Failed)
	assert.Equal(t, uint32(0), stats[0].Failures)
}

func TestFailover_StatusErrorsDoNotCount(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	standby := testutils.NewFakeServer(t)
	config := testConfig()
	config.FailoverServers = []string{standby.Addr()}
	config.MaxFailures = 1
	client := newTestClient(t, config, fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "text", "abc", 0)
	require.NoError(t, err)
	_, _, err = client.Incr(ctx, "text", 0, 1, 0)
	require.Error(t, err)

	assert.Equal(t, []string{fake.Addr()}, hostnames(client.Servers()))
	assert.Equal(t, uint32(0), client.ServerStats()[0].Failures)
}

func TestFailover_ReportIgnoresFailedServer(t *testing.T) {
	servers := testServers(t, "s1", "standby")
	ring := NewRing(servers[:1], HashMD5)
	f := newFailover(ring, servers[1:], discardLogger)

	servers[0].health = newHealth("s1", 1)
	servers[0].pool = &nopPool{}
	servers[1].pool = &nopPool{}

	assert.True(t, f.report(servers[0]))
	assert.False(t, f.report(servers[0]), "already failed")
	assert.Equal(t, []*Server{servers[1]}, ring.Servers())
	assert.Equal(t, []*Server{servers[0]}, f.standbys())
}

type nopPool struct{ Pool }

func (*nopPool) Reset() error { return nil }

func TestFailover_ClosedPoolDoesNotCount(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	standby := testutils.NewFakeServer(t)
	config := testConfig()
	config.FailoverServers = []string{standby.Addr()}
	config.MaxFailures = 1
	config.Retries = 3
	client := newTestClient(t, config, fake)

	require.NoError(t, client.Servers()[0].Pool().Close())

	_, err := client.Get(testContext(t), "k")
	require.ErrorIs(t, err, ErrPoolClosed)

	assert.Equal(t, []string{fake.Addr()}, hostnames(client.Servers()))
	assert.Equal(t, uint32(0), client.ServerStats()[0].Failures)
	assert.Equal(t, uint64(1), client.Stats().Attempts)
	assert.Equal(t, uint64(0), client.Stats().Retries)
}
