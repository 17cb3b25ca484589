package binmemcache

import (
	"log/slog"
	"sync"
)

// failover swaps standby servers into the router when a routed server keeps
// failing. Standbys are taken in FIFO order and a replaced server joins the
// back of the queue.
type failover struct {
	router Router
	logger *slog.Logger

	mu    sync.Mutex
	queue []*Server
}

func newFailover(router Router, standbys []*Server, logger *slog.Logger) *failover {
	return &failover{
		router: router,
		logger: logger,
		queue:  standbys,
	}
}

// report records a failure of s. It returns true when the failure caused a
// standby to replace s.
func (f *failover) report(s *Server) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.queue) == 0 || s.IsFailed() {
		return false
	}
	if s.Fail() < s.health.threshold {
		return false
	}

	standby := f.queue[0]
	if !f.router.Swap(s, standby) {
		return false
	}
	f.queue = append(f.queue[1:], s)
	standby.Revive()

	if err := s.pool.Reset(); err != nil {
		f.logger.Debug("binmemcache: closing connections of failed server", "server", s.Hostname, "err", err)
	}
	f.logger.Warn("binmemcache: server failed over", "server", s.Hostname, "standby", standby.Hostname, "failures", s.health.failures())
	return true
}

// standbys returns the queue, head first.
func (f *failover) standbys() []*Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Server(nil), f.queue...)
}
