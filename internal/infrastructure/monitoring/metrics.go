package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "skykernel"

// Metrics holds all Prometheus metrics on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Kernel metrics
	Messages        *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	QueriesOpened   prometheus.Counter
	QueriesClosed   *prometheus.CounterVec
	QueryDuration   prometheus.Histogram
	ModuleLoads     *prometheus.CounterVec
	ModuleLoadTime  prometheus.Histogram
	ContextsStarted prometheus.Counter
	ContextFaults   prometheus.Counter
	OpenQueries     prometheus.Gauge
	Modules         prometheus.Gauge
	ModulesLoading  prometheus.Gauge

	// Portal metrics
	PortalState *prometheus.GaugeVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for JSON API
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON stats endpoint
type Snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Messages          int64   `json:"messages"`
	Rejected          int64   `json:"rejected"`
	QueriesOpened     int64   `json:"queries_opened"`
	QueriesFailed     int64   `json:"queries_failed"`
	ModuleLoadErrors  int64   `json:"module_load_errors"`
	ContextFaults     int64   `json:"context_faults"`
	ActiveConnections int64   `json:"active_connections"`
	HTTPRequests      int64   `json:"http_requests"`
}

// NewMetrics creates a collector with its own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages received by the kernel",
			},
			[]string{"source", "method"},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_rejected_total",
				Help:      "Messages rejected by validation",
			},
			[]string{"kind"},
		),
		QueriesOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_opened_total",
				Help:      "Queries opened",
			},
		),
		QueriesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_closed_total",
				Help:      "Queries closed, by outcome",
			},
			[]string{"outcome"},
		),
		QueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Time from moduleCall to terminal response",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		ModuleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_loads_total",
				Help:      "Module resolutions, by outcome",
			},
			[]string{"outcome"},
		),
		ModuleLoadTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_load_duration_seconds",
				Help:      "Time to resolve a module, including downloads",
				Buckets:   []float64{.0001, .001, .01, .1, .5, 1, 2.5, 5, 10, 30},
			},
		),
		ContextsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "contexts_launched_total",
				Help:      "Module execution contexts launched",
			},
		),
		ContextFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "context_faults_total",
				Help:      "Module execution contexts that died on their own",
			},
		),
		OpenQueries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_queries",
				Help:      "Queries currently open",
			},
		),
		Modules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules",
				Help:      "Modules in the registry",
			},
		),
		ModulesLoading: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_loading",
				Help:      "Module downloads in flight",
			},
		),

		PortalState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "portal_breaker_state",
				Help:      "Portal circuit breaker state (0 closed, 1 half-open, 2 open)",
			},
			[]string{"portal"},
		),

		WSConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		WSMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction"},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.Messages, m.Rejected,
		m.QueriesOpened, m.QueriesClosed, m.QueryDuration,
		m.ModuleLoads, m.ModuleLoadTime,
		m.ContextsStarted, m.ContextFaults,
		m.OpenQueries, m.Modules, m.ModulesLoading,
		m.PortalState,
		m.WSConnections, m.WSMessages,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Kernel uptime in seconds",
		}, func() float64 { return time.Since(m.startTime).Seconds() }),
	)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.HTTPRequests++
	m.mu.Unlock()
}

// RecordMessage counts a message entering the kernel
func (m *Metrics) RecordMessage(source, method string) {
	m.Messages.WithLabelValues(source, method).Inc()
	m.mu.Lock()
	m.snapshot.Messages++
	m.mu.Unlock()
}

// RecordRejected counts a message that failed validation
func (m *Metrics) RecordRejected(kind string) {
	m.Rejected.WithLabelValues(kind).Inc()
	m.mu.Lock()
	m.snapshot.Rejected++
	m.mu.Unlock()
}

func (m *Metrics) RecordQueryOpened() {
	m.QueriesOpened.Inc()
	m.mu.Lock()
	m.snapshot.QueriesOpened++
	m.mu.Unlock()
}

func (m *Metrics) RecordQueryClosed(duration time.Duration, failed bool) {
	m.QueryDuration.Observe(duration.Seconds())
	if failed {
		m.QueriesClosed.WithLabelValues("error").Inc()
		m.mu.Lock()
		m.snapshot.QueriesFailed++
		m.mu.Unlock()
		return
	}
	m.QueriesClosed.WithLabelValues("ok").Inc()
}

func (m *Metrics) RecordModuleLoad(duration time.Duration, err error) {
	m.ModuleLoadTime.Observe(duration.Seconds())
	if err != nil {
		m.ModuleLoads.WithLabelValues("error").Inc()
		m.mu.Lock()
		m.snapshot.ModuleLoadErrors++
		m.mu.Unlock()
		return
	}
	m.ModuleLoads.WithLabelValues("ok").Inc()
}

func (m *Metrics) RecordContextLaunched() {
	m.ContextsStarted.Inc()
}

func (m *Metrics) RecordContextFault() {
	m.ContextFaults.Inc()
	m.mu.Lock()
	m.snapshot.ContextFaults++
	m.mu.Unlock()
}

// SetState updates the kernel state gauges
func (m *Metrics) SetState(openQueries, modules, loading int) {
	m.OpenQueries.Set(float64(openQueries))
	m.Modules.Set(float64(modules))
	m.ModulesLoading.Set(float64(loading))
}

// SetPortalState records a portal breaker transition
func (m *Metrics) SetPortalState(portal string, state int) {
	m.PortalState.WithLabelValues(portal).Set(float64(state))
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// RecordWSMessage counts a frame in direction "in" or "out"
func (m *Metrics) RecordWSMessage(direction string) {
	m.WSMessages.WithLabelValues(direction).Inc()
}

// Snapshot returns current values for the JSON API
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.snapshot
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
