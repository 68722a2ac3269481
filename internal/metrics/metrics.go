// Package metrics exposes the gateway's Prometheus instrumentation: cache
// hit/miss counters, per-backend request/error counters, latency
// histograms, and a backend-state gauge, all labeled by backend URL rather
// than the teacher's per-chain label set (spec.md §11).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	Namespace                   = "rpc_gateway"
	defaultReadHeaderTimeout    = 10 * time.Second
	systemStatsEmissionInterval = 60 * time.Second
)

var (
	ingressRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "ingress_requests_total",
			Help:      "Count of ingress HTTP requests, labeled by status code.",
		},
		[]string{"code"},
	)

	ingressRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "server",
			Name:      "ingress_request_duration_seconds",
			Help:      "Histogram of ingress HTTP request latencies.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"code"},
	)

	cacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Count of cache lookups served from the store.",
		},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Count of cache lookups that required an upstream call.",
		},
	)

	cacheEntriesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of entries held in the result cache.",
		},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Count of requests forwarded to a backend.",
		},
		[]string{"url", "method"},
	)

	upstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Count of failed requests to a backend (transport, HTTP, or decode error).",
		},
		[]string{"url", "method"},
	)

	upstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Latency of requests forwarded to a backend.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"url"},
	)

	probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "probe_duration_seconds",
			Help:      "Latency of eth_blockNumber health probes.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"url"},
	)

	probeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "health",
			Name:      "probe_errors_total",
			Help:      "Count of failed health probes.",
		},
		[]string{"url"},
	)

	backendStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "backend",
			Name:      "state",
			Help:      "Current backend state: 0=Down, 1=Degraded, 2=Healthy.",
		},
		[]string{"url"},
	)

	backendBlockHeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "backend",
			Name:      "latest_block",
			Help:      "Latest head block observed for a backend.",
		},
		[]string{"url"},
	)

	fileDescriptorsUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "file_descriptors_used",
			Help:      "Count of Unix file descriptors used.",
		},
	)
)

// RecordCacheHit/RecordCacheMiss/SetCacheEntries are called by the
// dispatcher to keep the cache counters current.
func RecordCacheHit()       { cacheHitsTotal.Inc() }
func RecordCacheMiss()      { cacheMissesTotal.Inc() }
func SetCacheEntries(n int) { cacheEntriesGauge.Set(float64(n)) }

// RecordUpstreamRequest/RecordUpstreamError/ObserveUpstreamLatency are
// called by the Upstream Manager for every attempt against a backend.
func RecordUpstreamRequest(url, method string) {
	upstreamRequestsTotal.WithLabelValues(url, method).Inc()
}

func RecordUpstreamError(url, method string) {
	upstreamErrorsTotal.WithLabelValues(url, method).Inc()
}

func ObserveUpstreamLatency(url string, seconds float64) {
	upstreamRequestDuration.WithLabelValues(url).Observe(seconds)
}

// ObserveProbeLatency/RecordProbeError are called by the Health Supervisor.
func ObserveProbeLatency(url string, seconds float64) {
	probeDuration.WithLabelValues(url).Observe(seconds)
}

func RecordProbeError(url string) {
	probeErrorsTotal.WithLabelValues(url).Inc()
}

// stateValue maps a backend state to the gauge's numeric encoding.
func stateValue(state string) float64 {
	switch state {
	case "Healthy":
		return 2
	case "Degraded":
		return 1
	default:
		return 0
	}
}

// SetBackendState/SetBackendBlockHeight are called after every sweep to
// keep the gauges reflecting the Upstream Manager's current snapshot.
func SetBackendState(url, state string) {
	backendStateGauge.WithLabelValues(url).Set(stateValue(state))
}

func SetBackendBlockHeight(url string, block uint64) {
	backendBlockHeight.WithLabelValues(url).Set(float64(block))
}

// Server serves /metrics on its own port, independent of the ingress
// server, per SPEC_FULL.md §11.
type Server struct {
	server          *http.Server
	shutdownChannel chan int
}

func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}

	return &Server{
		server:          server,
		shutdownChannel: make(chan int),
	}
}

func (s *Server) Start() error {
	s.startEmittingSystemStats()
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case s.shutdownChannel <- 1:
		zap.L().Debug("Metrics server is stopping.")
	default:
		zap.L().Debug("Metrics server has likely already shut down.")
	}

	return s.server.Shutdown(ctx)
}

func (s *Server) startEmittingSystemStats() {
	go func() {
		for {
			select {
			case <-s.shutdownChannel:
				return
			case <-time.After(systemStatsEmissionInterval):
				n, err := numFileDescriptors()
				if err != nil {
					zap.L().Error("Failed to get number of file descriptors.", zap.Error(err))
					continue
				}

				fileDescriptorsUsed.Set(float64(n))
			}
		}
	}()
}

func numFileDescriptors() (int, error) {
	pid := os.Getpid()

	fds, err := os.Open(fmt.Sprintf("/proc/%d/fd", pid))
	if err != nil {
		return 0, err
	}
	defer fds.Close()

	names, err := fds.Readdirnames(-1)
	if err != nil {
		return 0, err
	}

	return len(names), nil
}

// InstrumentHandler wraps handler with the ingress request counter and
// latency histogram, in the teacher's promhttp-middleware style.
func InstrumentHandler(handler http.Handler) http.Handler {
	withCounter := promhttp.InstrumentHandlerCounter(ingressRequestsTotal, handler)
	return promhttp.InstrumentHandlerDuration(ingressRequestDuration, withCounter)
}
