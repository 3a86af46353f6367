package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"txscan/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var scannerStatuses = []domain.ScannerStatus{
	domain.ScannerStatusStopped,
	domain.ScannerStatusRunning,
	domain.ScannerStatusErroring,
}

// Metrics exposes scanner progress and API traffic in the Prometheus format.
// It is also the scanner's observer.
type Metrics struct {
	registry *prometheus.Registry

	chainHeight    prometheus.Gauge
	lastBlock      prometheus.Gauge
	blocksScanned  prometheus.Counter
	txMatched      prometheus.Counter
	txInserted     prometheus.Counter
	cycleErrors    prometheus.Counter
	scannerStatus  *prometheus.GaugeVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{
		registry: registry,
		chainHeight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "txscan_chain_height",
			Help: "Latest chain height reported by the RPC node",
		}),
		lastBlock: factory.NewGauge(prometheus.GaugeOpts{
			Name: "txscan_last_scanned_block",
			Help: "Last block whose transactions are committed to the index",
		}),
		blocksScanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "txscan_blocks_scanned_total",
			Help: "Blocks committed since process start",
		}),
		txMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "txscan_transactions_matched_total",
			Help: "Transactions accepted by the classifier",
		}),
		txInserted: factory.NewCounter(prometheus.CounterOpts{
			Name: "txscan_transactions_indexed_total",
			Help: "Transactions newly inserted into the index",
		}),
		cycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "txscan_scan_errors_total",
			Help: "Scan cycles that failed and were retried",
		}),
		scannerStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "txscan_scanner_status",
			Help: "1 for the scanner's current status, 0 otherwise",
		}, []string{"status"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txscan_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		requestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "txscan_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.OnStatus(domain.ScannerStatusStopped)
	return m
}

func (m *Metrics) OnChainHeight(height uint64) {
	m.chainHeight.Set(float64(height))
}

func (m *Metrics) OnBlockCommitted(block uint64, matched, inserted int) {
	m.lastBlock.Set(float64(block))
	m.blocksScanned.Inc()
	m.txMatched.Add(float64(matched))
	m.txInserted.Add(float64(inserted))
}

func (m *Metrics) OnCycleError(err error) {
	m.cycleErrors.Inc()
}

func (m *Metrics) OnStatus(status domain.ScannerStatus) {
	for _, candidate := range scannerStatuses {
		value := 0.0
		if candidate == status {
			value = 1
		}
		m.scannerStatus.WithLabelValues(string(candidate)).Set(value)
	}
}

func (m *Metrics) observeRequest(route string, code int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.requestLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
