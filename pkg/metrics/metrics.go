// Package metrics 提供 Prometheus 指标封装，覆盖管道的计数器面。
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 估值管道指标集合。
// 所有递增方法对 nil 接收者安全，组件未接线指标时无需判空。
type Metrics struct {
	// 行情摄取
	TicksTotal       prometheus.Counter
	TicksRejected    prometheus.Counter
	EventsPublished  prometheus.Counter
	PublishFailures  prometheus.Counter
	BatchesProcessed prometheus.Counter

	// 重估
	RevaluationsAttempted prometheus.Counter
	RevaluationsSucceeded prometheus.Counter
	VersionConflicts      prometheus.Counter
	LockTimeouts          prometheus.Counter

	// 快照缓存
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	CacheStores prometheus.Counter
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "valuation",
			Subsystem: serviceName,
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		TicksTotal:            counter("ticks_total", "Total price ticks received"),
		TicksRejected:         counter("ticks_rejected_total", "Ticks rejected at the adapter boundary"),
		EventsPublished:       counter("events_published_total", "Domain events published"),
		PublishFailures:       counter("event_publish_failures_total", "Domain event publish failures"),
		BatchesProcessed:      counter("batches_processed_total", "Tick batches flushed"),
		RevaluationsAttempted: counter("revaluations_attempted_total", "Portfolio revaluations attempted"),
		RevaluationsSucceeded: counter("revaluations_succeeded_total", "Portfolio revaluations succeeded"),
		VersionConflicts:      counter("version_conflicts_total", "Optimistic concurrency conflicts on save"),
		LockTimeouts:          counter("lock_timeouts_total", "Portfolio lock wait budget expiries"),
		CacheHits:             counter("snapshot_cache_hits_total", "Snapshot cache hits"),
		CacheMisses:           counter("snapshot_cache_misses_total", "Snapshot cache misses"),
		CacheStores:           counter("snapshot_cache_stores_total", "Snapshot cache stores"),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.TicksTotal, m.TicksRejected, m.EventsPublished, m.PublishFailures,
		m.BatchesProcessed, m.RevaluationsAttempted, m.RevaluationsSucceeded,
		m.VersionConflicts, m.LockTimeouts,
		m.CacheHits, m.CacheMisses, m.CacheStores,
	}
	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) IncTicks() {
	if m != nil {
		m.TicksTotal.Inc()
	}
}

func (m *Metrics) IncTicksRejected() {
	if m != nil {
		m.TicksRejected.Inc()
	}
}

func (m *Metrics) IncEventsPublished() {
	if m != nil {
		m.EventsPublished.Inc()
	}
}

func (m *Metrics) IncPublishFailures() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

func (m *Metrics) IncBatchesProcessed() {
	if m != nil {
		m.BatchesProcessed.Inc()
	}
}

func (m *Metrics) IncRevaluationsAttempted() {
	if m != nil {
		m.RevaluationsAttempted.Inc()
	}
}

func (m *Metrics) IncRevaluationsSucceeded() {
	if m != nil {
		m.RevaluationsSucceeded.Inc()
	}
}

func (m *Metrics) IncVersionConflicts() {
	if m != nil {
		m.VersionConflicts.Inc()
	}
}

func (m *Metrics) IncLockTimeouts() {
	if m != nil {
		m.LockTimeouts.Inc()
	}
}

func (m *Metrics) IncCacheHits() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) IncCacheMisses() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) IncCacheStores() {
	if m != nil {
		m.CacheStores.Inc()
	}
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
	}()
}
