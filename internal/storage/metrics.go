package storage

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"docstore/internal/storeerr"
)

const repoLabel = "repository"

// Metrics holds the collectors of every repository of a process. Cache
// gauges are refreshed from the live sessions at each scrape.
type Metrics struct {
	saves            *prometheus.CounterVec
	commits          *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	invalidationsOut *prometheus.CounterVec
	invalidationsIn  *prometheus.CounterVec
	connectionResets *prometheus.CounterVec
	concurrentUpdate *prometheus.CounterVec
	activeSessions   *prometheus.GaugeVec
	cacheRows        *prometheus.GaugeVec

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewMetrics creates the collectors and registers them on reg when not nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_session_saves_total",
			Help: "Count of session saves that wrote to the database",
		}, []string{repoLabel}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_session_commits_total",
			Help: "Count of committed session transactions",
		}, []string{repoLabel}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_session_rollbacks_total",
			Help: "Count of rolled back session transactions",
		}, []string{repoLabel}),
		invalidationsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_invalidations_sent_total",
			Help: "Count of row invalidations announced after commit",
		}, []string{repoLabel}),
		invalidationsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_invalidations_received_total",
			Help: "Count of row invalidations received from other cluster nodes",
		}, []string{repoLabel}),
		connectionResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_connection_resets_total",
			Help: "Count of operations failed by a connection reset",
		}, []string{repoLabel}),
		concurrentUpdate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docstore_concurrent_updates_total",
			Help: "Count of operations failed by a concurrent update",
		}, []string{repoLabel}),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docstore_active_sessions",
			Help: "Number of open sessions",
		}, []string{repoLabel}),
		cacheRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docstore_cache_rows",
			Help: "Rows cached by the open sessions",
		}, []string{repoLabel, "kind"}),
		repos: make(map[string]*Repository),
	}
	if reg != nil {
		reg.MustRegister(m)
	}
	return m
}

func (m *Metrics) vecs() []prometheus.Collector {
	return []prometheus.Collector{
		m.saves, m.commits, m.rollbacks,
		m.invalidationsOut, m.invalidationsIn,
		m.connectionResets, m.concurrentUpdate,
		m.activeSessions, m.cacheRows,
	}
}

// Describe implements prometheus.Collector
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.vecs() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.mu.Lock()
	for name, r := range m.repos {
		m.cacheRows.WithLabelValues(name, "pristine").Set(float64(r.CachePristineSize()))
		m.cacheRows.WithLabelValues(name, "selection").Set(float64(r.CacheSelectionSize()))
		m.cacheRows.WithLabelValues(name, "total").Set(float64(r.CacheSize()))
	}
	m.mu.Unlock()
	for _, c := range m.vecs() {
		c.Collect(ch)
	}
}

func (m *Metrics) track(r *Repository) {
	m.mu.Lock()
	m.repos[r.name] = r
	m.mu.Unlock()
}

func (m *Metrics) untrack(r *Repository) {
	m.mu.Lock()
	delete(m.repos, r.name)
	m.mu.Unlock()
}

// observeFailure counts the failures worth alerting on
func (m *Metrics) observeFailure(repo string, err error) {
	switch {
	case errors.Is(err, storeerr.ErrConnectionReset):
		m.connectionResets.WithLabelValues(repo).Inc()
	case errors.Is(err, storeerr.ErrConcurrentUpdate):
		m.concurrentUpdate.WithLabelValues(repo).Inc()
	}
}
