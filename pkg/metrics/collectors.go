package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// PoolStats снимок состояния пула соединений хранилища
type PoolStats struct {
	Acquired        int32
	Idle            int32
	Total           int32
	Max             int32
	AcquireCount    int64
	EmptyAcquire    int64
	AcquireDuration time.Duration
}

// PoolCollector отдаёт статистику пула pgx на каждый scrape
type PoolCollector struct {
	stats func() PoolStats

	acquired        *prometheus.Desc
	idle            *prometheus.Desc
	total           *prometheus.Desc
	max             *prometheus.Desc
	acquireCount    *prometheus.Desc
	emptyAcquire    *prometheus.Desc
	acquireDuration *prometheus.Desc
}

// NewPoolCollector создаёт коллектор поверх функции снимка пула
func NewPoolCollector(namespace, subsystem string, stats func() PoolStats) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, "store_pool_"+name), help, nil, nil)
	}
	return &PoolCollector{
		stats:           stats,
		acquired:        desc("acquired_conns", "Connections currently checked out of the store pool"),
		idle:            desc("idle_conns", "Idle connections in the store pool"),
		total:           desc("total_conns", "All connections owned by the store pool"),
		max:             desc("max_conns", "Configured maximum of store pool connections"),
		acquireCount:    desc("acquires_total", "Successful connection acquisitions"),
		emptyAcquire:    desc("empty_acquires_total", "Acquisitions that had to wait for a connection"),
		acquireDuration: desc("acquire_seconds_total", "Time spent waiting for connections"),
	}
}

// NewSQLStatsCollector статистика пула database/sql (go_sql_* с меткой db_name)
func NewSQLStatsCollector(db *sql.DB, name string) prometheus.Collector {
	return collectors.NewDBStatsCollector(db, name)
}

// Describe implements prometheus.Collector
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquired
	ch <- c.idle
	ch <- c.total
	ch <- c.max
	ch <- c.acquireCount
	ch <- c.emptyAcquire
	ch <- c.acquireDuration
}

// Collect implements prometheus.Collector
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()

	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.GaugeValue, float64(st.Acquired))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(st.Idle))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.GaugeValue, float64(st.Total))
	ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(st.Max))
	ch <- prometheus.MustNewConstMetric(c.acquireCount, prometheus.CounterValue, float64(st.AcquireCount))
	ch <- prometheus.MustNewConstMetric(c.emptyAcquire, prometheus.CounterValue, float64(st.EmptyAcquire))
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, st.AcquireDuration.Seconds())
}

// RequestTracker отслеживает активные запросы по ключу; ключ удаляется, когда запросов по нему нет
type RequestTracker struct {
	mu       sync.Mutex
	active   map[string]int
	inFlight prometheus.Gauge
}

// NewRequestTracker создаёт новый трекер запросов
func NewRequestTracker(inFlight prometheus.Gauge) *RequestTracker {
	return &RequestTracker{
		active:   make(map[string]int),
		inFlight: inFlight,
	}
}

// Start отмечает начало запроса
func (t *RequestTracker) Start(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[key]++
	t.inFlight.Inc()
}

// End отмечает завершение запроса
func (t *RequestTracker) End(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.active[key]
	if !ok {
		return
	}
	if n <= 1 {
		delete(t.active, key)
	} else {
		t.active[key] = n - 1
	}
	t.inFlight.Dec()
}

// Active возвращает число активных запросов по ключу
func (t *RequestTracker) Active(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.active[key]
}
