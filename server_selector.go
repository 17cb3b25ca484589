package binmemcache

import (
	"slices"

	"github.com/pior/binmemcache/internal"
	"github.com/zeebo/xxh3"
)

// Distribution picks the Router built by NewClient.
type Distribution int

const (
	// DistributionKetama routes with a consistent hash Ring.
	DistributionKetama Distribution = iota
	// DistributionJump routes with jump consistent hashing over the slots.
	DistributionJump
)

// JumpRouter routes keys with xxh3 and jump hash. It needs no ring memory,
// but only slot replacement (failover) keeps keys in place; the slot count
// is fixed.
type JumpRouter struct {
	slots
}

// NewJumpRouter builds a jump-hash router over servers.
func NewJumpRouter(servers []*Server) *JumpRouter {
	r := &JumpRouter{}
	r.servers = slices.Clone(servers)
	return r
}

func (r *JumpRouter) Lookup(key string) *Server {
	if len(r.servers) == 0 {
		return nil
	}
	return r.at(internal.JumpHash(xxh3.HashString(key), len(r.servers)))
}

func newRouter(servers []*Server, dist Distribution, hash Hash) Router {
	if dist == DistributionJump {
		return NewJumpRouter(servers)
	}
	return NewRing(servers, hash)
}

// serverBatch is the keys of one query that a server owns, in query order.
type serverBatch struct {
	server *Server
	keys   []string
}

// groupKeys splits keys by owning server. Batches come out in order of first
// appearance and each keeps the caller's key order, so the last key of a
// batch is the last one sent.
func groupKeys(r Router, keys []string) []serverBatch {
	if len(keys) == 0 {
		return nil
	}
	servers := r.Servers()
	if len(servers) == 1 {
		return []serverBatch{{server: servers[0], keys: keys}}
	}

	var batches []serverBatch
	index := make(map[*Server]int, len(servers))
	for _, key := range keys {
		s := r.Lookup(key)
		i, ok := index[s]
		if !ok {
			i = len(batches)
			index[s] = i
			batches = append(batches, serverBatch{server: s})
		}
		batches[i].keys = append(batches[i].keys, key)
	}
	return batches
}

// groupItems splits a key/value map by owning server. Keys are sorted first
// so batches are deterministic.
func groupItems[V any](r Router, items map[string]V) []serverBatch {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return groupKeys(r, keys)
}

// groupAll addresses every routed server with the empty key, for commands
// that take no key.
func groupAll(r Router) []serverBatch {
	servers := r.Servers()
	batches := make([]serverBatch, len(servers))
	for i, s := range servers {
		batches[i] = serverBatch{server: s, keys: []string{""}}
	}
	return batches
}
