// Package metrics owns the Prometheus registry of the proxy. Every recorder
// method is safe on a nil *Metrics so components can run without metrics in
// tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "axolotl"

// 标签取值。
const (
	KindPack      = "pack"
	KindModFolder = "modfolder"

	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultDuplicate = "duplicate"
	ResultNotFound  = "not_found"
)

// Metrics 汇总缓存、上传、下载与清理相关的指标。
type Metrics struct {
	registry *prometheus.Registry

	lookups        *prometheus.CounterVec
	uploads        *prometheus.CounterVec
	downloads      *prometheus.CounterVec
	evictions      prometheus.Counter
	cleanupDeletes prometheus.Counter
	sweepDuration  prometheus.Histogram
}

// New 创建独立的 registry，并注册 Go 运行时与进程指标。
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by entry kind and hit/miss.",
		}, []string{"kind", "result"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Pack uploads by strategy and outcome.",
		}, []string{"strategy", "result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_downloads_total",
			Help:      "Downloads from the remote bucket by entry kind and outcome.",
		}, []string{"kind", "result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Cache files removed by the janitor.",
		}),
		cleanupDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_versions_deleted_total",
			Help:      "Superseded remote file versions deleted after an upload.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "janitor_sweep_seconds",
			Help:      "Duration of janitor sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(m.lookups, m.uploads, m.downloads, m.evictions, m.cleanupDeletes, m.sweepDuration)
	return m
}

// Registry 暴露底层 registry，供测试与额外的 collector 使用。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler 返回 Prometheus 文本格式的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveUpload(strategy, result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(strategy, result).Inc()
}

func (m *Metrics) ObserveDownload(kind, result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evictions.Add(float64(n))
}

func (m *Metrics) ObserveCleanup(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cleanupDeletes.Add(float64(n))
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}
