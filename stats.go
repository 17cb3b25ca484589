package binmemcache

import (
	"sync/atomic"
)

// PoolStats contains statistics about a connection pool.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, CreatedConns, DestroyedConns, AcquireErrors
type PoolStats struct {
	AcquireCount   uint64 // Total acquire attempts
	CreatedConns   uint64 // Total connections created
	DestroyedConns uint64 // Total connections destroyed
	AcquireErrors  uint64 // Failed acquire attempts

	TotalConns  int32 // Open connections
	IdleConns   int32 // Open connections without a lease
	ActiveConns int32 // Open connections with at least one lease
}

// ClientStats contains statistics about client queries.
// All fields are safe for concurrent access.
type ClientStats struct {
	Queries   uint64 // Logical queries
	Attempts  uint64 // Attempts, first tries included
	Retries   uint64 // Attempts after the first
	Errors    uint64 // Queries that returned an error
	Failovers uint64 // Standby servers swapped into the ring
	Hits      uint64 // Keys answered with a value or success
	Misses    uint64 // Keys answered not-found or not-stored
	Conflicts uint64 // Keys answered exists
}

// poolStatsCollector provides internal methods for updating pool stats.
type poolStatsCollector struct {
	stats *PoolStats
}

func newPoolStatsCollector() *poolStatsCollector {
	return &poolStatsCollector{
		stats: &PoolStats{},
	}
}

func (c *poolStatsCollector) recordAcquire() {
	atomic.AddUint64(&c.stats.AcquireCount, 1)
}

func (c *poolStatsCollector) recordCreate() {
	atomic.AddUint64(&c.stats.CreatedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, 1)
}

func (c *poolStatsCollector) recordDestroy() {
	atomic.AddUint64(&c.stats.DestroyedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, -1)
}

func (c *poolStatsCollector) recordAcquireError() {
	atomic.AddUint64(&c.stats.AcquireErrors, 1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		TotalConns:     atomic.LoadInt32(&c.stats.TotalConns),
		AcquireCount:   atomic.LoadUint64(&c.stats.AcquireCount),
		CreatedConns:   atomic.LoadUint64(&c.stats.CreatedConns),
		DestroyedConns: atomic.LoadUint64(&c.stats.DestroyedConns),
		AcquireErrors:  atomic.LoadUint64(&c.stats.AcquireErrors),
	}
}

// clientStatsCollector provides internal methods for updating client stats.
type clientStatsCollector struct {
	stats *ClientStats
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{
		stats: &ClientStats{},
	}
}

func (c *clientStatsCollector) recordQuery() {
	atomic.AddUint64(&c.stats.Queries, 1)
}

func (c *clientStatsCollector) recordAttempt(retry bool) {
	atomic.AddUint64(&c.stats.Attempts, 1)
	if retry {
		atomic.AddUint64(&c.stats.Retries, 1)
	}
}

func (c *clientStatsCollector) recordError() {
	atomic.AddUint64(&c.stats.Errors, 1)
}

func (c *clientStatsCollector) recordFailover() {
	atomic.AddUint64(&c.stats.Failovers, 1)
}

func (c *clientStatsCollector) recordOutcome(hits, misses, conflicts int) {
	atomic.AddUint64(&c.stats.Hits, uint64(hits))
	atomic.AddUint64(&c.stats.Misses, uint64(misses))
	atomic.AddUint64(&c.stats.Conflicts, uint64(conflicts))
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		Queries:   atomic.LoadUint64(&c.stats.Queries),
		Attempts:  atomic.LoadUint64(&c.stats.Attempts),
		Retries:   atomic.LoadUint64(&c.stats.Retries),
		Errors:    atomic.LoadUint64(&c.stats.Errors),
		Failovers: atomic.LoadUint64(&c.stats.Failovers),
		Hits:      atomic.LoadUint64(&c.stats.Hits),
		Misses:    atomic.LoadUint64(&c.stats.Misses),
		Conflicts: atomic.LoadUint64(&c.stats.Conflicts),
	}
}
