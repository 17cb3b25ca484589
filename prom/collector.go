// Package prom exports client and pool statistics as Prometheus metrics.
//
//	registry.MustRegister(prom.NewCollector(client, "myapp"))
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pior/binmemcache"
)

// Source is what the collector reads on every scrape. *binmemcache.Client
// implements it.
type Source interface {
	Stats() binmemcache.ClientStats
	ServerStats() []binmemcache.ServerStats
}

// Collector is a prometheus.Collector reading snapshots from a Source.
type Collector struct {
	source Source

	queries   *prometheus.Desc
	attempts  *prometheus.Desc
	retries   *prometheus.Desc
	errors    *prometheus.Desc
	failovers *prometheus.Desc
	keys      *prometheus.Desc

	serverActive   *prometheus.Desc
	serverFailed   *prometheus.Desc
	serverFailures *prometheus.Desc

	poolConns     *prometheus.Desc
	poolAcquires  *prometheus.Desc
	poolCreated   *prometheus.Desc
	poolDestroyed *prometheus.Desc
	poolErrors    *prometheus.Desc
}

// NewCollector returns a collector for source. Metric names are prefixed
// with namespace and "memcache".
func NewCollector(source Source, namespace string) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "memcache", name), help, labels, nil)
	}

	return &Collector{
		source: source,

		queries:   desc("queries_total", "Logical queries run by the client."),
		attempts:  desc("attempts_total", "Query attempts, first tries included."),
		retries:   desc("retries_total", "Query attempts after the first."),
		errors:    desc("errors_total", "Queries that returned an error."),
		failovers: desc("failovers_total", "Standby servers swapped into the ring."),
		keys:      desc("keys_total", "Per-key outcomes of successful attempts.", "outcome"),

		serverActive:   desc("server_active", "1 when the server is routed to.", "server"),
		serverFailed:   desc("server_failed", "1 when the server crossed its failure threshold.", "server"),
		serverFailures: desc("server_failures", "Consecutive failures recorded for the server.", "server"),

		poolConns:     desc("pool_connections", "Open connections by state.", "server", "state"),
		poolAcquires:  desc("pool_acquires_total", "Connection acquire attempts.", "server"),
		poolCreated:   desc("pool_connections_created_total", "Connections created.", "server"),
		poolDestroyed: desc("pool_connections_destroyed_total", "Connections destroyed.", "server"),
		poolErrors:    desc("pool_acquire_errors_total", "Failed connection acquires.", "server"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queries, c.attempts, c.retries, c.errors, c.failovers, c.keys,
		c.serverActive, c.serverFailed, c.serverFailures,
		c.poolConns, c.poolAcquires, c.poolCreated, c.poolDestroyed, c.poolErrors,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	s := c.source.Stats()
	counter(c.queries, s.Queries)
	counter(c.attempts, s.Attempts)
	counter(c.retries, s.Retries)
	counter(c.errors, s.Errors)
	counter(c.failovers, s.Failovers)
	counter(c.keys, s.Hits, "hit")
	counter(c.keys, s.Misses, "miss")
	counter(c.keys, s.Conflicts, "conflict")

	for _, srv := range c.source.ServerStats() {
		host := srv.Hostname
		gauge(c.serverActive, boolValue(srv.Active), host)
		gauge(c.serverFailed, boolValue(srv.Failed), host)
		gauge(c.serverFailures, float64(srv.Failures), host)

		p := srv.Pool
		gauge(c.poolConns, float64(p.IdleConns), host, "idle")
		gauge(c.poolConns, float64(p.ActiveConns), host, "active")
		counter(c.poolAcquires, p.AcquireCount, host)
		counter(c.poolCreated, p.CreatedConns, host)
		counter(c.poolDestroyed, p.DestroyedConns, host)
		counter(c.poolErrors, p.AcquireErrors, host)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
