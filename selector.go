package binmemcache

import (
	"crypto/md5"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/zeebo/xxh3"
)

// Hash picks how ring points and keys are hashed.
type Hash int

const (
	// HashMD5 is the ketama scheme, compatible with other ketama clients.
	HashMD5 Hash = iota
	// HashXXH3 lays out the ring with xxh3 digests.
	HashXXH3
)

const (
	ketamaDigestsPerServer = 40
	xxh3DigestsPerServer   = 80
)

// Router maps keys to servers.
type Router interface {
	// Lookup returns the server owning key.
	Lookup(key string) *Server

	// Servers returns the servers currently routed to, in slot order.
	Servers() []*Server

	// Swap puts standby in the slot held by failed. Keys owned by other
	// slots are not affected. It returns false when failed is not routed.
	Swap(failed, standby *Server) bool
}

// slots is the swappable server table shared by the routers.
type slots struct {
	mu      sync.RWMutex
	servers []*Server
}

func (s *slots) at(i int) *Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.servers[i]
}

func (s *slots) Servers() []*Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.servers)
}

func (s *slots) Swap(failed, standby *Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.Index(s.servers, failed)
	if i < 0 {
		return false
	}
	s.servers[i] = standby
	return true
}

type ringPoint struct {
	hash uint32
	slot int
}

// Ring is a consistent hash ring with virtual points per server. The points
// are computed once from the initial servers; failover only changes which
// server a slot points to.
type Ring struct {
	slots
	hash   Hash
	points []ringPoint
}

// NewRing builds a ring over servers.
func NewRing(servers []*Server, hash Hash) *Ring {
	r := &Ring{hash: hash}
	r.servers = slices.Clone(servers)

	for slot, s := range servers {
		label := s.ringLabel()
		switch hash {
		case HashXXH3:
			for i := range xxh3DigestsPerServer {
				v := xxh3.HashString(label + "-" + strconv.Itoa(i))
				r.points = append(r.points, ringPoint{uint32(v), slot}, ringPoint{uint32(v >> 32), slot})
			}
		default:
			for i := range ketamaDigestsPerServer {
				d := md5.Sum([]byte(label + "-" + strconv.Itoa(i)))
				for h := range 4 {
					r.points = append(r.points, ringPoint{ketamaPoint(d[:], h), slot})
				}
			}
		}
	}

	sort.Slice(r.points, func(i, j int) bool {
		if r.points[i].hash == r.points[j].hash {
			return r.points[i].slot < r.points[j].slot
		}
		return r.points[i].hash < r.points[j].hash
	})
	return r
}

func ketamaPoint(d []byte, h int) uint32 {
	return uint32(d[3+h*4])<<24 | uint32(d[2+h*4])<<16 | uint32(d[1+h*4])<<8 | uint32(d[h*4])
}

func (r *Ring) keyHash(key string) uint32 {
	if r.hash == HashXXH3 {
		return uint32(xxh3.HashString(key))
	}
	d := md5.Sum([]byte(key))
	return ketamaPoint(d[:], 0)
}

// Lookup returns the server of the first point at or after the key's hash.
func (r *Ring) Lookup(key string) *Server {
	if len(r.points) == 0 {
		return nil
	}
	h := r.keyHash(key)
	i := sort.Search(len(r.points), func(i int) bool {
		return r.points[i].hash >= h
	})
	if i == len(r.points) {
		i = 0
	}
	return r.at(r.points[i].slot)
}
