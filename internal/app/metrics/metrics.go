package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "evidence_layer"

// Registry holds the application-specific Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	httpInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})
	httpRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})
	// 5ms to ~5s
	httpDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "Duration of HTTP requests.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	submissions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evidence", Name: "submissions_total",
		Help: "Evidence submissions by outcome of the synchronous phase.",
	}, []string{"result"})
	registrations = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evidence", Name: "registrations_total",
		Help: "On-chain registrations by final status.",
	}, []string{"status"})
	// 0.5s to ~17m
	registrationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "evidence", Name: "registration_duration_seconds",
		Help:    "Time from processing start to final status.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"status"})
	verifications = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evidence", Name: "verifications_total",
		Help: "Verification requests by result.",
	}, []string{"valid"})
	staleSwept = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "evidence", Name: "stale_failed_total",
		Help: "Processing records moved to failed by the stale sweeper.",
	})

	auditDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "audit", Name: "dropped_total",
		Help: "Audit entries dropped or failed to persist.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records HTTP request metrics, labelling by route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordSubmission counts a submission ("accepted", "rejected" or "error").
func RecordSubmission(result string) {
	submissions.WithLabelValues(result).Inc()
}

// RecordRegistration records the final status of a background registration.
func RecordRegistration(status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	registrations.WithLabelValues(status).Inc()
	registrationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordVerification counts a verification outcome.
func RecordVerification(valid bool) {
	verifications.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

// RecordAuditDropped counts an audit entry that never reached storage.
func RecordAuditDropped() {
	auditDropped.Inc()
}

// RecordStaleFailed counts records failed by the stale sweeper.
func RecordStaleFailed(n int) {
	staleSwept.Add(float64(n))
}

// UpstreamStats are cumulative transport counters for one upstream service.
type UpstreamStats struct {
	Requests    int64
	Retries     int64
	Failures    int64
	CircuitOpen bool
}

var (
	upstreamMu   sync.Mutex
	upstreamSets = map[string][]prometheus.Collector{}
)

// RegisterUpstream exposes the counters returned by stats under the given
// upstream label. stats is read at scrape time. Registering a name again
// replaces the earlier source.
func RegisterUpstream(name string, stats func() UpstreamStats) error {
	labels := prometheus.Labels{"upstream": name}
	counter := func(metric, help string, read func(UpstreamStats) int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "upstream", Name: metric, Help: help, ConstLabels: labels,
		}, func() float64 { return float64(read(stats())) })
	}
	set := []prometheus.Collector{
		counter("requests_total", "Requests sent to the upstream.", func(s UpstreamStats) int64 { return s.Requests }),
		counter("retries_total", "Retried upstream attempts.", func(s UpstreamStats) int64 { return s.Retries }),
		counter("failures_total", "Upstream requests that failed after retries.", func(s UpstreamStats) int64 { return s.Failures }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "upstream", Name: "circuit_open",
			Help: "1 while the upstream circuit breaker is open.", ConstLabels: labels,
		}, func() float64 {
			if stats().CircuitOpen {
				return 1
			}
			return 0
		}),
	}

	upstreamMu.Lock()
	defer upstreamMu.Unlock()
	for _, c := range upstreamSets[name] {
		Registry.Unregister(c)
	}
	delete(upstreamSets, name)
	for i, c := range set {
		if err := Registry.Register(c); err != nil {
			for _, done := range set[:i] {
				Registry.Unregister(done)
			}
			return fmt.Errorf("register upstream %s: %w", name, err)
		}
	}
	upstreamSets[name] = set
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
