package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts mirror traffic. Each server owns its registry so several
// mirrors can live in one process.
type Metrics struct {
	registry        *prometheus.Registry
	registrations   *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   *prometheus.CounterVec
	catalogRequests prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Firmware registrations by model",
		}, []string{"model"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Archives served by model",
		}, []string{"model"}),
		downloadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Archive bytes served by model",
		}, []string{"model"}),
		catalogRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "Catalog documents served",
		}),
	}
	m.registry.MustRegister(m.registrations, m.downloads, m.downloadBytes, m.catalogRequests)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncRegistrations(model string) {
	m.registrations.WithLabelValues(model).Inc()
}

func (m *Metrics) IncCatalogRequests() {
	m.catalogRequests.Inc()
}

func (m *Metrics) ObserveDownload(model string, size int) {
	m.downloads.WithLabelValues(model).Inc()
	m.downloadBytes.WithLabelValues(model).Add(float64(size))
}
