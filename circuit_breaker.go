package binmemcache

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errServerFailure = errors.New("binmemcache: server failure")

// An open breaker never half-opens on its own: only failover revives a
// server.
const healthOpenTimeout = 100 * 365 * 24 * time.Hour

// health tracks consecutive failures of a server with a circuit breaker
// that trips at threshold and stays open until revived.
type health struct {
	name      string
	threshold uint32

	mu      sync.Mutex
	breaker *gobreaker.CircuitBreaker[struct{}]
	failed  bool
}

func newHealth(name string, threshold uint32) *health {
	if threshold == 0 {
		threshold = 1
	}
	h := &health{name: name, threshold: threshold}
	h.breaker = h.newBreaker()
	return h
}

func (h *health) newBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        h.name,
		MaxRequests: 1,
		Timeout:     healthOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= h.threshold
		},
	})
}

func (h *health) fail() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failed {
		return h.threshold
	}

	_, _ = h.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, errServerFailure
	})

	if h.breaker.State() == gobreaker.StateOpen {
		h.failed = true
		return h.threshold
	}
	return h.breaker.Counts().ConsecutiveFailures
}

func (h *health) failures() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failed {
		return h.threshold
	}
	return h.breaker.Counts().ConsecutiveFailures
}

func (h *health) isFailed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

func (h *health) revive() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failed = false
	h.breaker = h.newBreaker()
}

func (h *health) state() gobreaker.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.breaker.State()
}
