package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// FwMetrics wraps prometheus collectors for the firmware-update daemon.
type FwMetrics struct {
	registry *prometheus.Registry

	// Counters
	cloudQueriesTotal *prometheus.CounterVec
	downloadsTotal    *prometheus.CounterVec
	downloadBytes     prometheus.Counter
	retriesTotal      *prometheus.CounterVec
	fallbacksTotal    *prometheus.CounterVec
	flashTotal        *prometheus.CounterVec
	ipcRequestsTotal  *prometheus.CounterVec
	coalescedTotal    *prometheus.CounterVec

	// Histograms
	transferDuration *prometheus.HistogramVec

	// Gauges
	downloadState     prometheus.Gauge
	appMode           prometheus.Gauge
	registeredClients prometheus.Gauge
	uptime            prometheus.GaugeFunc
}

// Default histogram buckets for transfer duration (in seconds)
var defaultBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}

var fwMetrics *FwMetrics

// Init initializes the Prometheus metrics subsystem.
func Init(namespace string) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()

	m := &FwMetrics{
		registry: registry,

		cloudQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cloud_queries_total",
				Help:      "Total XCONF cloud queries by result",
			},
			[]string{"result"},
		),
		downloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Total firmware downloads by kind, transport and result",
			},
			[]string{"kind", "transport", "result"},
		),
		downloadBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "download_bytes_total",
				Help:      "Total bytes written to download sinks",
			},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Total transport retries by transport kind",
			},
			[]string{"transport"},
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallbacks_total",
				Help:      "Total transport fallbacks by direction",
			},
			[]string{"from", "to"},
		),
		flashTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flash_total",
				Help:      "Total image flash attempts by result",
			},
			[]string{"result"},
		),
		ipcRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipc_requests_total",
				Help:      "Total IPC requests by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		coalescedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_waiters_total",
				Help:      "Total tasks parked behind an in-flight operation",
			},
			[]string{"kind"},
		),
		transferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Duration of completed transfers",
				Buckets:   defaultBuckets,
			},
			[]string{"kind"},
		),
		downloadState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "download_state",
				Help:      "Current download state machine value",
			},
		),
		appMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "app_mode",
				Help:      "Current app mode (0=foreground, 1=background)",
			},
		),
		registeredClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registered_clients",
				Help:      "Currently registered IPC clients",
			},
		),
		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Daemon uptime",
			},
			func() float64 { return time.Since(start).Seconds() },
		),
	}

	registry.MustRegister(
		m.cloudQueriesTotal,
		m.downloadsTotal,
		m.downloadBytes,
		m.retriesTotal,
		m.fallbacksTotal,
		m.flashTotal,
		m.ipcRequestsTotal,
		m.coalescedTotal,
		m.transferDuration,
		m.downloadState,
		m.appMode,
		m.registeredClients,
		m.uptime,
	)

	fwMetrics = m
}

// Handler returns the /metrics HTTP handler, or nil when metrics are off.
func Handler() http.Handler {
	if fwMetrics == nil {
		return nil
	}
	return promhttp.HandlerFor(fwMetrics.registry, promhttp.HandlerOpts{})
}

// All recorders below are nil-safe so components never need to know whether
// metrics are enabled.

func CloudQuery(result string) {
	if fwMetrics != nil {
		fwMetrics.cloudQueriesTotal.WithLabelValues(result).Inc()
	}
}

func Download(kind, transport, result string) {
	if fwMetrics != nil {
		fwMetrics.downloadsTotal.WithLabelValues(kind, transport, result).Inc()
	}
}

func DownloadedBytes(n int64) {
	if fwMetrics != nil && n > 0 {
		fwMetrics.downloadBytes.Add(float64(n))
	}
}

func Retry(transport string) {
	if fwMetrics != nil {
		fwMetrics.retriesTotal.WithLabelValues(transport).Inc()
	}
}

func Fallback(from, to string) {
	if fwMetrics != nil {
		fwMetrics.fallbacksTotal.WithLabelValues(from, to).Inc()
	}
}

func Flash(result string) {
	if fwMetrics != nil {
		fwMetrics.flashTotal.WithLabelValues(result).Inc()
	}
}

func IPCRequest(method, outcome string) {
	if fwMetrics != nil {
		fwMetrics.ipcRequestsTotal.WithLabelValues(method, outcome).Inc()
	}
}

func CoalescedWaiter(kind string) {
	if fwMetrics != nil {
		fwMetrics.coalescedTotal.WithLabelValues(kind).Inc()
	}
}

func ObserveTransfer(kind string, d time.Duration) {
	if fwMetrics != nil {
		fwMetrics.transferDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

func SetDownloadState(v int) {
	if fwMetrics != nil {
		fwMetrics.downloadState.Set(float64(v))
	}
}

func SetAppMode(background bool) {
	if fwMetrics != nil {
		if background {
			fwMetrics.appMode.Set(1)
		} else {
			fwMetrics.appMode.Set(0)
		}
	}
}

func SetRegisteredClients(n int) {
	if fwMetrics != nil {
		fwMetrics.registeredClients.Set(float64(n))
	}
}
