package binmemcache

import (
	"context"
	"time"
)

// Get returns the value of key, or nil when it is not cached.
func (c *Client) Get(ctx context.Context, key string) (any, error) {
	return c.query(ctx, &query{cmd: cmdGet, shape: shapeScalar, keys: []string{key}})
}

// GetMulti returns the values of the cached keys, in the order of keys.
// Missing keys are left out.
func (c *Client) GetMulti(ctx context.Context, keys []string) ([]any, error) {
	res, err := c.query(ctx, &query{cmd: cmdGet, shape: shapeList, keys: keys})
	if err != nil {
		return nil, err
	}
	return res.([]any), nil
}

// GetK returns the cached keys with their values.
func (c *Client) GetK(ctx context.Context, keys ...string) (map[string]any, error) {
	res, err := c.query(ctx, &query{cmd: cmdGetK, shape: listShape(keys), keys: keys})
	if err != nil {
		return nil, err
	}
	return res.(map[string]any), nil
}

// Gets returns the CAS token of each cached key.
func (c *Client) Gets(ctx context.Context, keys ...string) (map[string]uint64, error) {
	res, err := c.query(ctx, &query{cmd: cmdGets, shape: listShape(keys), keys: keys})
	if err != nil {
		return nil, err
	}
	return res.(map[string]uint64), nil
}

// GetsV returns the value and CAS token of each cached key.
func (c *Client) GetsV(ctx context.Context, keys ...string) (map[string]CASValue, error) {
	res, err := c.query(ctx, &query{cmd: cmdGetsV, shape: listShape(keys), keys: keys})
	if err != nil {
		return nil, err
	}
	return res.(map[string]CASValue), nil
}

// GAT returns the value of key and sets its TTL, or nil when not cached.
func (c *Client) GAT(ctx context.Context, key string, ttl time.Duration) (any, error) {
	return c.query(ctx, &query{cmd: cmdGAT, shape: shapeScalar, keys: []string{key}, expiry: c.expiry(ttl)})
}

// GATMulti is GAT over several keys. Missing keys are left out.
func (c *Client) GATMulti(ctx context.Context, keys []string, ttl time.Duration) ([]any, error) {
	res, err := c.query(ctx, &query{cmd: cmdGAT, shape: shapeList, keys: keys, expiry: c.expiry(ttl)})
	if err != nil {
		return nil, err
	}
	return res.([]any), nil
}

// Set stores value under key.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.store(ctx, cmdSet, []string{key}, value, ttl)
}

// SetMulti stores the same value under every key.
func (c *Client) SetMulti(ctx context.Context, keys []string, value any, ttl time.Duration) (bool, error) {
	return c.store(ctx, cmdSet, keys, value, ttl)
}

// SetK stores every item.
func (c *Client) SetK(ctx context.Context, items map[string]any, ttl time.Duration) (bool, error) {
	return c.storeItems(ctx, cmdSet, items, ttl)
}

// Add stores value unless key exists. It returns false when it did not store.
func (c *Client) Add(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.store(ctx, cmdAdd, []string{key}, value, ttl)
}

// AddMulti is Add for every key. It returns false if any key existed.
func (c *Client) AddMulti(ctx context.Context, keys []string, value any, ttl time.Duration) (bool, error) {
	return c.store(ctx, cmdAdd, keys, value, ttl)
}

// AddK is Add for every item. Items whose key is free are stored even when
// the result is false.
func (c *Client) AddK(ctx context.Context, items map[string]any, ttl time.Duration) (bool, error) {
	return c.storeItems(ctx, cmdAdd, items, ttl)
}

// Replace stores value only if key exists.
func (c *Client) Replace(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	return c.store(ctx, cmdReplace, []string{key}, value, ttl)
}

// ReplaceMulti is Replace for every key.
func (c *Client) ReplaceMulti(ctx context.Context, keys []string, value any, ttl time.Duration) (bool, error) {
	return c.store(ctx, cmdReplace, keys, value, ttl)
}

// ReplaceK is Replace for every item.
func (c *Client) ReplaceK(ctx context.Context, items map[string]any, ttl time.Duration) (bool, error) {
	return c.storeItems(ctx, cmdReplace, items, ttl)
}

// CAS stores value only if the item still has the given CAS token.
func (c *Client) CAS(ctx context.Context, key string, value any, cas uint64, ttl time.Duration) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdCAS, shape: shapeScalar, keys: []string{key}, value: value, cas: cas, expiry: c.expiry(ttl)})
}

// CASMulti is CAS with one token for every key.
func (c *Client) CASMulti(ctx context.Context, keys []string, value any, cas uint64, ttl time.Duration) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdCAS, shape: shapeList, keys: keys, value: value, cas: cas, expiry: c.expiry(ttl)})
}

// Append adds data after the value of an existing key.
func (c *Client) Append(ctx context.Context, key, data string) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdAppend, shape: shapeScalar, keys: []string{key}, value: data})
}

// AppendK appends each item's data to its key.
func (c *Client) AppendK(ctx context.Context, items map[string]string) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdAppend, shape: shapeMap, items: stringItems(items)})
}

// Prepend adds data before the value of an existing key.
func (c *Client) Prepend(ctx context.Context, key, data string) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdPrepend, shape: shapeScalar, keys: []string{key}, value: data})
}

// PrependK prepends each item's data to its key.
func (c *Client) PrependK(ctx context.Context, items map[string]string) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdPrepend, shape: shapeMap, items: stringItems(items)})
}

// Delete removes key. It returns false when key was not cached.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdDelete, shape: shapeScalar, keys: []string{key}})
}

// DeleteMulti removes every key. It returns false if any was not cached.
func (c *Client) DeleteMulti(ctx context.Context, keys []string) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdDelete, shape: shapeList, keys: keys})
}

// Touch sets the TTL of key.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdTouch, shape: shapeScalar, keys: []string{key}, expiry: c.expiry(ttl)})
}

// TouchMulti sets the TTL of every key.
func (c *Client) TouchMulti(ctx context.Context, keys []string, ttl time.Duration) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdTouch, shape: shapeList, keys: keys, expiry: c.expiry(ttl)})
}

// Incr adds delta to the counter at key. A missing counter is created with
// initial. found is false only when the server declined to create it.
func (c *Client) Incr(ctx context.Context, key string, initial, delta uint64, ttl time.Duration) (value uint64, found bool, err error) {
	return c.count(ctx, cmdIncr, key, initial, delta, ttl)
}

// Decr subtracts delta from the counter at key, stopping at zero.
func (c *Client) Decr(ctx context.Context, key string, initial, delta uint64, ttl time.Duration) (value uint64, found bool, err error) {
	return c.count(ctx, cmdDecr, key, initial, delta, ttl)
}

// IncrMulti is Incr over several keys. Values come back in key order.
func (c *Client) IncrMulti(ctx context.Context, keys []string, initial, delta uint64, ttl time.Duration) ([]uint64, error) {
	return c.countMulti(ctx, cmdIncr, keys, initial, delta, ttl)
}

// DecrMulti is Decr over several keys. Values come back in key order.
func (c *Client) DecrMulti(ctx context.Context, keys []string, initial, delta uint64, ttl time.Duration) ([]uint64, error) {
	return c.countMulti(ctx, cmdDecr, keys, initial, delta, ttl)
}

// Flush invalidates every item on every server, after delay when it is
// positive.
func (c *Client) Flush(ctx context.Context, delay time.Duration) error {
	var expiry uint32
	if delay > 0 {
		expiry = c.expiry(delay)
	}
	_, err := c.query(ctx, &query{cmd: cmdFlush, shape: shapeEmpty, expiry: expiry})
	return err
}

// Noop round-trips every server.
func (c *Client) Noop(ctx context.Context) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmdNoop, shape: shapeEmpty})
}

// Version returns the version of every server, by hostname.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	res, err := c.query(ctx, &query{cmd: cmdVersion, shape: shapeEmpty})
	if err != nil {
		return nil, err
	}
	return res.(map[string]string), nil
}

// Stat returns the statistics of every server, by hostname. group selects a
// statistics group such as "items" or "slabs"; empty means general stats.
func (c *Client) Stat(ctx context.Context, group string) (map[string]map[string]string, error) {
	res, err := c.query(ctx, &query{cmd: cmdStat, shape: shapeEmpty, group: group})
	if err != nil {
		return nil, err
	}
	return res.(map[string]map[string]string), nil
}

func (c *Client) store(ctx context.Context, cmd command, keys []string, value any, ttl time.Duration) (bool, error) {
	shape := shapeList
	if len(keys) == 1 {
		shape = shapeScalar
	}
	return c.mutate(ctx, &query{cmd: cmd, shape: shape, keys: keys, value: value, expiry: c.expiry(ttl)})
}

func (c *Client) storeItems(ctx context.Context, cmd command, items map[string]any, ttl time.Duration) (bool, error) {
	return c.mutate(ctx, &query{cmd: cmd, shape: shapeMap, items: items, expiry: c.expiry(ttl)})
}

func (c *Client) mutate(ctx context.Context, q *query) (bool, error) {
	res, err := c.query(ctx, q)
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (c *Client) count(ctx context.Context, cmd command, key string, initial, delta uint64, ttl time.Duration) (uint64, bool, error) {
	res, err := c.query(ctx, &query{cmd: cmd, shape: shapeScalar, keys: []string{key}, initial: initial, delta: delta, expiry: c.expiry(ttl)})
	if err != nil || res == nil {
		return 0, false, err
	}
	return res.(uint64), true, nil
}

func (c *Client) countMulti(ctx context.Context, cmd command, keys []string, initial, delta uint64, ttl time.Duration) ([]uint64, error) {
	res, err := c.query(ctx, &query{cmd: cmd, shape: shapeList, keys: keys, initial: initial, delta: delta, expiry: c.expiry(ttl)})
	if err != nil {
		return nil, err
	}
	return res.([]uint64), nil
}

// listShape treats a single key as scalar so its miss is reported as such.
func listShape(keys []string) keyShape {
	if len(keys) == 1 {
		return shapeScalar
	}
	return shapeList
}

func stringItems(items map[string]string) map[string]any {
	out := make(map[string]any, len(items))
	for k, v := range items {
		out[k] = v
	}
	return out
}
