// Package metrics exports connection pool statistics to Prometheus.
package metrics

import (
	"net/http"
	"sync"

	"github.com/go-i2p/go-connpool"
	"github.com/go-i2p/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logger.GetGoI2PLogger()

const namespace = "connpool"

// StatsSource is anything that can report pool statistics
type StatsSource interface {
	Name() string
	Stats() connpool.Stats
}

// Collector is a prometheus.Collector reading Stats from every registered
// pool at scrape time.
type Collector struct {
	mu      sync.RWMutex
	sources map[string]StatsSource

	active       *prometheus.Desc
	idle         *prometheus.Desc
	inUse        *prometheus.Desc
	max          *prometheus.Desc
	waiters      *prometheus.Desc
	checkouts    *prometheus.Desc
	timeouts     *prometheus.Desc
	created      *prometheus.Desc
	createFailed *prometheus.Desc
	destroyed    *prometheus.Desc
	recycled     *prometheus.Desc
	waitSeconds  *prometheus.Desc

	registry *prometheus.Registry
}

// NewCollector creates a collector registered on its own registry
func NewCollector() *Collector {
	labels := []string{"pool"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	c := &Collector{
		sources:      make(map[string]StatsSource),
		active:       desc("connections_active", "Open connections including pending creations."),
		idle:         desc("connections_idle", "Connections ready for reuse."),
		inUse:        desc("connections_in_use", "Connections checked out by callers."),
		max:          desc("connections_max", "Maximum open connections (core size plus overflow)."),
		waiters:      desc("waiters", "Checkouts currently waiting for a connection."),
		checkouts:    desc("checkouts_total", "Connections handed out."),
		timeouts:     desc("checkout_timeouts_total", "Checkouts that timed out waiting."),
		created:      desc("connections_created_total", "Connections created by the factory."),
		createFailed: desc("connection_create_failures_total", "Factory calls that failed."),
		destroyed:    desc("connections_destroyed_total", "Connections closed by the pool."),
		recycled:     desc("connections_recycled_total", "Connections closed for exceeding their max lifetime."),
		waitSeconds:  desc("wait_seconds_total", "Total time checkouts spent waiting."),
		registry:     prometheus.NewRegistry(),
	}

	c.registry.MustRegister(c)
	return c
}

// Register adds a pool; a pool with the same name is replaced
func (c *Collector) Register(src StatsSource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sources[src.Name()] = src
	log.WithFields(logrus.Fields{
		"pool":  src.Name(),
		"pools": len(c.sources),
	}).Debug("registered pool for metrics")
}

// Unregister removes the pool with the given name
func (c *Collector) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, name)
}

// Registry returns the private registry the collector is registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the private registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.active, c.idle, c.inUse, c.max, c.waiters,
		c.checkouts, c.timeouts, c.created, c.createFailed,
		c.destroyed, c.recycled, c.waitSeconds,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	sources := make([]StatsSource, 0, len(c.sources))
	for _, src := range c.sources {
		sources = append(sources, src)
	}
	c.mu.RUnlock()

	for _, src := range sources {
		s := src.Stats()
		name := src.Name()

		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, name)
		}
		counter := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, name)
		}

		gauge(c.active, float64(s.Active))
		gauge(c.idle, float64(s.Idle))
		gauge(c.inUse, float64(s.InUse))
		gauge(c.max, float64(s.MaxOpen))
		gauge(c.waiters, float64(s.Waiting))

		counter(c.checkouts, float64(s.Checkouts))
		counter(c.timeouts, float64(s.Timeouts))
		counter(c.created, float64(s.Created))
		counter(c.createFailed, float64(s.CreateFailed))
		counter(c.destroyed, float64(s.Destroyed))
		counter(c.recycled, float64(s.Recycled))
		counter(c.waitSeconds, s.WaitDuration.Seconds())
	}
}
