package binmemcache

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/binmemcache/codec"
	"github.com/pior/binmemcache/internal/testutils"
)

func TestNewClient_NoServers(t *testing.T) {
	_, err := NewClient(nil, Config{})
	require.ErrorIs(t, err, ErrNoServers)
}

func TestNewClient_BadAddress(t *testing.T) {
	_, err := NewClient([]string{"host:nope"}, Config{})
	require.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewClient([]string{"127.0.0.1:11211"}, Config{FailoverServers: []string{":pw@host"}})
	require.ErrorIs(t, err, ErrInvalidAddress)
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()

	assert.Equal(t, defaultExpiry, c.Expiry)
	assert.Equal(t, int32(defaultMaxConnections), c.MaxConnections)
	assert.Equal(t, defaultConnectTimeout, c.ConnectTimeout)
	assert.Equal(t, defaultTimeout, c.Timeout)
	assert.Equal(t, defaultRetries, c.Retries)
	assert.Equal(t, defaultRetryDelay, c.RetryDelay)
	assert.Equal(t, float64(defaultRetryFactor), c.RetryFactor)
	assert.Equal(t, uint32(defaultMaxFailures), c.MaxFailures)
	assert.Equal(t, codec.Default, c.Codec)
	assert.NotNil(t, c.NewPool)
	assert.NotNil(t, c.Dialer)
	assert.NotNil(t, c.Logger)

	assert.Equal(t, 0, Config{Retries: -1}.withDefaults().Retries)
}

func TestClient_Expiry(t *testing.T) {
	c := &Client{config: Config{Expiry: time.Hour}}

	assert.Equal(t, uint32(3600), c.expiry(0))
	assert.Equal(t, uint32(0), c.expiry(NoExpiry))
	assert.Equal(t, uint32(1), c.expiry(10*time.Millisecond))
	assert.Equal(t, uint32(90), c.expiry(90*time.Second))

	c.config.Expiry = NoExpiry
	assert.Equal(t, uint32(0), c.expiry(0))
}

func TestClient_GetMiss(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	v, err := client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	vals, err := client.GetMulti(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Empty(t, vals)

	// The quiet get for "a" stays silent; only the last key reports its miss.
	stats := client.Stats()
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, uint64(0), stats.Errors)
}

func TestClient_SetGetTypes(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	when := time.UnixMilli(1700000000123)
	huge, _ := new(big.Int).SetString("123456789012345678901234567890", 10)

	values := map[string]any{
		"string": "hello",
		"bytes":  []byte{0, 1, 2, 255},
		"date":   when,
		"bigint": huge,
		"boxed":  codec.BoxedString("boxed"),
		"object": map[string]any{"name": "gopher", "age": float64(13)},
		"number": float64(42),
	}

	for key, value := range values {
		ok, err := client.Set(ctx, key, value, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	for key, want := range values {
		got, err := client.Get(ctx, key)
		require.NoError(t, err, key)
		switch w := want.(type) {
		case time.Time:
			require.IsType(t, time.Time{}, got)
			assert.True(t, w.Equal(got.(time.Time)), key)
		case *big.Int:
			require.IsType(t, &big.Int{}, got)
			assert.Equal(t, 0, w.Cmp(got.(*big.Int)), key)
		default:
			assert.Equal(t, want, got, key)
		}
	}

	_, flags, ok := fake.Item("string")
	require.True(t, ok)
	assert.Equal(t, codec.FlagString, flags)
}

func TestClient_AddReplaceDelete(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	ok, err := client.Replace(ctx, "k", "v0", 0)
	require.NoError(t, err)
	assert.False(t, ok, "replace of a missing key")

	ok, err = client.Add(ctx, "k", "v1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Add(ctx, "k", "v2", 0)
	require.NoError(t, err)
	assert.False(t, ok, "add of an existing key")

	ok, err = client.Replace(ctx, "k", "v3", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v3", v)

	ok, err = client.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Conflicts)
	assert.Equal(t, uint64(2), stats.Misses)
}

func TestClient_SetIsIdempotent(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	for range 3 {
		ok, err := client.Set(ctx, "k", "same", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, fake.Len())
}

func TestClient_CAS(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "k", "v1", 0)
	require.NoError(t, err)

	tokens, err := client.Gets(ctx, "k")
	require.NoError(t, err)
	require.Contains(t, tokens, "k")
	token := tokens["k"]
	require.NotZero(t, token)

	ok, err := client.CAS(ctx, "k", "v2", token, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.CAS(ctx, "k", "v3", token, 0)
	require.NoError(t, err)
	assert.False(t, ok, "stale token")

	got, err := client.GetsV(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got["k"].Value)
	assert.NotEqual(t, token, got["k"].CAS)

	ok, err = client.CAS(ctx, "missing", "v", 1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_MultiKeyOrder(t *testing.T) {
	for _, disableQuiet := range []bool{false, true} {
		t.Run("disableQuiet="+strconv.FormatBool(disableQuiet), func(t *testing.T) {
			fake := testutils.NewFakeServer(t)
			// Quiet batches rely on in-order answers; verbose ones are
			// matched by opaque whatever the order.
			fake.SetReverseResponses(disableQuiet)
			config := testConfig()
			config.DisableQuiet = disableQuiet
			client := newTestClient(t, config, fake)
			ctx := testContext(t)

			keys := make([]string, 20)
			for i := range keys {
				keys[i] = "key:" + strconv.Itoa(i)
			}
			ok, err := client.SetMulti(ctx, keys[:10], "x", 0)
			require.NoError(t, err)
			require.True(t, ok)
			for i := 10; i < 20; i += 2 {
				_, err := client.Set(ctx, keys[i], "v"+strconv.Itoa(i), 0)
				require.NoError(t, err)
			}

			vals, err := client.GetMulti(ctx, keys)
			require.NoError(t, err)

			var want []any
			for range 10 {
				want = append(want, "x")
			}
			for i := 10; i < 20; i += 2 {
				want = append(want, "v"+strconv.Itoa(i))
			}
			assert.Equal(t, want, vals)

			byKey, err := client.GetK(ctx, keys...)
			require.NoError(t, err)
			assert.Len(t, byKey, 15)
			assert.Equal(t, "v12", byKey["key:12"])
		})
	}
}

func TestClient_MultiServer(t *testing.T) {
	fakes := []*testutils.FakeServer{
		testutils.NewFakeServer(t),
		testutils.NewFakeServer(t),
		testutils.NewFakeServer(t),
	}
	client := newTestClient(t, testConfig(), fakes...)
	ctx := testContext(t)

	items := map[string]any{}
	var keys []string
	for i := range 60 {
		key := "item:" + strconv.Itoa(i)
		items[key] = i * 2
		keys = append(keys, key)
	}

	ok, err := client.SetK(ctx, items, 0)
	require.NoError(t, err)
	require.True(t, ok)

	total := 0
	for _, f := range fakes {
		assert.NotZero(t, f.Len(), "keys spread over every server")
		total += f.Len()
	}
	assert.Equal(t, 60, total)

	vals, err := client.GetMulti(ctx, keys)
	require.NoError(t, err)
	require.Len(t, vals, 60)
	for i, v := range vals {
		assert.Equal(t, float64(i*2), v)
	}
}

func TestClient_AddKPartial(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "taken", "old", 0)
	require.NoError(t, err)

	ok, err := client.AddK(ctx, map[string]any{"taken": "new", "free1": "a", "free2": "b"}, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := client.GetK(ctx, "taken", "free1", "free2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"taken": "old", "free1": "a", "free2": "b"}, got)
}

func TestClient_GetKScalarMiss(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)

	got, err := client.GetK(testContext(t), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClient_Counters(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	n, found, err := client.Incr(ctx, "hits", 10, 1, 0)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(10), n, "created with initial")

	n, _, err = client.Incr(ctx, "hits", 10, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(15), n)

	n, _, err = client.Decr(ctx, "hits", 0, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "decr stops at zero")

	values, err := client.IncrMulti(ctx, []string{"c1", "c2", "hits"}, 1, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 1, 3}, values)

	values, err = client.DecrMulti(ctx, []string{"c1", "c2"}, 0, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0, 0}, values)

	raw, _, ok := fake.Item("hits")
	require.True(t, ok)
	assert.Equal(t, "3", string(raw))
}

func TestClient_IncrNonNumeric(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "text", "abc", 0)
	require.NoError(t, err)

	_, _, err = client.Incr(ctx, "text", 0, 1, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "incr/decr on non-numeric value")
}

func TestClient_AppendPrepend(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	ok, err := client.Append(ctx, "missing", "x")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.Set(ctx, "s", "middle", 0)
	require.NoError(t, err)

	ok, err = client.Append(ctx, "s", "-end")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.Prepend(ctx, "s", "start-")
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := client.Get(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, "start-middle-end", v)

	_, err = client.Set(ctx, "t", "b", 0)
	require.NoError(t, err)
	ok, err = client.AppendK(ctx, map[string]string{"s": "!", "t": "c"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = client.PrependK(ctx, map[string]string{"t": "a", "nope": "z"})
	require.NoError(t, err)
	assert.False(t, ok)

	v, err = client.Get(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "abc", v)
}

func TestClient_TouchAndGAT(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "k", "v", time.Second)
	require.NoError(t, err)

	ok, err := client.Touch(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Touch(ctx, "missing", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := client.GAT(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	vals, err := client.GATMulti(ctx, []string{"k", "missing"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []any{"v"}, vals)

	ok, err = client.TouchMulti(ctx, []string{"k"}, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(1100 * time.Millisecond)
	v, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v, "touch extended the TTL")
}

func TestClient_DeleteMulti(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.SetMulti(ctx, []string{"a", "b"}, 1, 0)
	require.NoError(t, err)

	ok, err := client.DeleteMulti(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.False(t, ok, "c was not cached")
	assert.Equal(t, 0, fake.Len())
}

func TestClient_ClusterCommands(t *testing.T) {
	fakes := []*testutils.FakeServer{testutils.NewFakeServer(t), testutils.NewFakeServer(t)}
	client := newTestClient(t, testConfig(), fakes...)
	ctx := testContext(t)

	ok, err := client.Noop(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	versions, err := client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		fakes[0].Addr(): testutils.FakeVersion,
		fakes[1].Addr(): testutils.FakeVersion,
	}, versions)

	_, err = client.SetMulti(ctx, []string{"a", "b", "c", "d"}, "v", 0)
	require.NoError(t, err)

	stats, err := client.Stat(ctx, "")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	items := 0
	for _, f := range fakes {
		s := stats[f.Addr()]
		require.NotNil(t, s)
		assert.Equal(t, testutils.FakeVersion, s["version"])
		n, err := strconv.Atoi(s["curr_items"])
		require.NoError(t, err)
		items += n
	}
	assert.Equal(t, 4, items)

	grouped, err := client.Stat(ctx, "items")
	require.NoError(t, err)
	assert.Contains(t, grouped[fakes[0].Addr()], "items:1:number")

	require.NoError(t, client.Flush(ctx, 0))
	for _, f := range fakes {
		assert.Equal(t, 0, f.Len())
	}
}

func TestClient_FlushDelay(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "k", "v", NoExpiry)
	require.NoError(t, err)

	require.NoError(t, client.Flush(ctx, time.Second))
	assert.Equal(t, 1, fake.Len())

	require.Eventually(t, func() bool { return fake.Len() == 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestClient_UndecodableValue(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	config := testConfig()
	config.Retries = 3
	client := newTestClient(t, config, fake)
	ctx := testContext(t)

	// Counters are stored with zero flags, which no codec flag matches.
	_, _, err := client.Incr(ctx, "n", 1, 1, 0)
	require.NoError(t, err)

	_, err = client.Get(ctx, "n")
	require.Error(t, err)
	assert.True(t, codec.IsDecodeError(err))
	assert.Equal(t, uint64(0), client.Stats().Retries)
}

func TestClient_SerializeError(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)

	_, err := client.Set(testContext(t), "k", make(chan int), 0)
	require.Error(t, err)
	assert.Equal(t, int64(0), fake.Requests())
}

func TestClient_EmptyMultiKey(t *testing.T) {
	calls := []struct {
		name string
		call func(ctx context.Context, c *Client) (any, error)
		want any
	}{
		{"GetMulti", func(ctx context.Context, c *Client) (any, error) { return c.GetMulti(ctx, nil) }, []any{}},
		{"GATMulti", func(ctx context.Context, c *Client) (any, error) { return c.GATMulti(ctx, []string{}, time.Minute) }, []any{}},
		{"GetK", func(ctx context.Context, c *Client) (any, error) { return c.GetK(ctx) }, map[string]any{}},
		{"Gets", func(ctx context.Context, c *Client) (any, error) { return c.Gets(ctx) }, map[string]uint64{}},
		{"GetsV", func(ctx context.Context, c *Client) (any, error) { return c.GetsV(ctx) }, map[string]CASValue{}},
		{"SetMulti", func(ctx context.Context, c *Client) (any, error) { return c.SetMulti(ctx, nil, "v", 0) }, true},
		{"SetK", func(ctx context.Context, c *Client) (any, error) { return c.SetK(ctx, map[string]any{}, 0) }, true},
		{"SetK nil", func(ctx context.Context, c *Client) (any, error) { return c.SetK(ctx, nil, 0) }, true},
		{"AddMulti", func(ctx context.Context, c *Client) (any, error) { return c.AddMulti(ctx, nil, "v", 0) }, true},
		{"AddK", func(ctx context.Context, c *Client) (any, error) { return c.AddK(ctx, map[string]any{}, 0) }, true},
		{"ReplaceMulti", func(ctx context.Context, c *Client) (any, error) { return c.ReplaceMulti(ctx, nil, "v", 0) }, true},
		{"ReplaceK", func(ctx context.Context, c *Client) (any, error) { return c.ReplaceK(ctx, map[string]any{}, 0) }, true},
		{"CASMulti", func(ctx context.Context, c *Client) (any, error) { return c.CASMulti(ctx, nil, "v", 1, 0) }, true},
		{"AppendK", func(ctx context.Context, c *Client) (any, error) { return c.AppendK(ctx, map[string]string{}) }, true},
		{"PrependK", func(ctx context.Context, c *Client) (any, error) { return c.PrependK(ctx, nil) }, true},
		{"DeleteMulti", func(ctx context.Context, c *Client) (any, error) { return c.DeleteMulti(ctx, []string{}) }, true},
		{"TouchMulti", func(ctx context.Context, c *Client) (any, error) { return c.TouchMulti(ctx, nil, time.Minute) }, true},
		{"IncrMulti", func(ctx context.Context, c *Client) (any, error) { return c.IncrMulti(ctx, nil, 0, 1, 0) }, []uint64{}},
		{"DecrMulti", func(ctx context.Context, c *Client) (any, error) { return c.DecrMulti(ctx, []string{}, 0, 1, 0) }, []uint64{}},
	}

	for _, servers := range []int{1, 2} {
		fakes := make([]*testutils.FakeServer, servers)
		for i := range fakes {
			fakes[i] = testutils.NewFakeServer(t)
		}
		client := newTestClient(t, testConfig(), fakes...)

		for _, tt := range calls {
			t.Run(fmt.Sprintf("%s/%d", tt.name, servers), func(t *testing.T) {
				got, err := tt.call(testContext(t), client)
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}

		for _, f := range fakes {
			assert.Equal(t, int64(0), f.Requests())
		}
	}
}

func TestClient_AppendRejectsNonString(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.store(ctx, cmdAppend, []string{"k"}, 42, 0)
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = client.storeItems(ctx, cmdPrepend, map[string]any{"k": struct{}{}}, 0)
	require.ErrorIs(t, err, ErrInvalidPayload)

	assert.Equal(t, int64(0), fake.Requests())
}

func TestClient_Close(t *testing.T) {
	fake := testutils.NewFakeServer(t)
	client := newTestClient(t, testConfig(), fake)
	ctx := testContext(t)

	_, err := client.Set(ctx, "k", "v", 0)
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = client.Get(ctx, "k")
	require.ErrorIs(t, err, ErrClientClosed)
}

func TestClient_SASL(t *testing.T) {
	fake := testutils.NewAuthFakeServer(t, "app", "hunter2")
	ctx := testContext(t)

	client, err := NewClient([]string{"app:hunter2@" + fake.Addr()}, testConfig())
	require.NoError(t, err)
	defer client.Close()

	ok, err := client.Set(ctx, "k", "v", 0)
	require.NoError(t, err)
	assert.True(t, ok)
	v, err := client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	denied, err := NewClient([]string{"app:wrong@" + fake.Addr()}, testConfig())
	require.NoError(t, err)
	defer denied.Close()

	_, err = denied.Get(ctx, "k")
	require.ErrorIs(t, err, ErrAuthFailed)
}
