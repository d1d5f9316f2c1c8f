package core

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rustycawk/rs-filestore/internal/storage"
)

const statsTimeout = 10 * time.Second

var (
	fileCountDesc = prometheus.NewDesc(
		"api_file_count",
		"Number of objects in the storage directory.",
		nil, nil,
	)
	combinedSizeDesc = prometheus.NewDesc(
		"api_combined_size",
		"Combined on-disk size of all objects in bytes.",
		nil, nil,
	)
)

// storageCollector reports engine stats at scrape time. Both gauges come
// from a single directory scan.
type storageCollector struct {
	engine *storage.Engine
}

func (c storageCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- fileCountDesc
	ch <- combinedSizeDesc
}

func (c storageCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats, err := c.engine.Stats(ctx)
	if err != nil {
		slog.Error("Collect storage stats", "err", err)
		ch <- prometheus.NewInvalidMetric(fileCountDesc, err)
		ch <- prometheus.NewInvalidMetric(combinedSizeDesc, err)
		return
	}

	ch <- prometheus.MustNewConstMetric(fileCountDesc, prometheus.GaugeValue, float64(stats.Objects))
	ch <- prometheus.MustNewConstMetric(combinedSizeDesc, prometheus.GaugeValue, float64(stats.Bytes))
}

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newMetrics(registry *prometheus.Registry, engine *storage.Engine) (*metrics, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP requests served, by status code and method.",
	}, []string{"code", "method"})

	for _, c := range []prometheus.Collector{requests, storageCollector{engine: engine}} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &metrics{registry: registry, requests: requests}, nil
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.requests, next)
}
