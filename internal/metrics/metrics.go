package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracegraph/internal/logger"
)

// Metrics instruments one analysis run. All methods are nil-safe so callers
// can skip instrumentation entirely.
type Metrics struct {
	reg *prometheus.Registry

	eventsTotal      prometheus.Counter
	seedsTotal       prometheus.Counter
	tracesTotal      prometheus.Counter
	detectionsTotal  prometheus.Counter
	incompleteTotal  prometheus.Counter
	backtrackSeconds prometheus.Histogram
}

// New creates a metrics set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		eventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracegraph_events_total",
			Help: "Normalized audit events loaded into the event store.",
		}),
		seedsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracegraph_seeds_total",
			Help: "Events flagged suspicious by the tag matcher.",
		}),
		tracesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracegraph_traces_total",
			Help: "Provenance traces reconstructed.",
		}),
		detectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracegraph_detections_total",
			Help: "Signature embeddings reported.",
		}),
		incompleteTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracegraph_matching_incomplete_total",
			Help: "Traces whose pattern matching exhausted its budget.",
		}),
		backtrackSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracegraph_backtrack_duration_seconds",
			Help:    "Wall time of one backtrack run.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// AddEvents counts loaded events.
func (m *Metrics) AddEvents(n int) {
	if m != nil {
		m.eventsTotal.Add(float64(n))
	}
}

// AddSeeds counts flagged seeds.
func (m *Metrics) AddSeeds(n int) {
	if m != nil {
		m.seedsTotal.Add(float64(n))
	}
}

// IncTraces counts one reconstructed trace.
func (m *Metrics) IncTraces() {
	if m != nil {
		m.tracesTotal.Inc()
	}
}

// AddDetections counts reported detections.
func (m *Metrics) AddDetections(n int) {
	if m != nil {
		m.detectionsTotal.Add(float64(n))
	}
}

// IncIncomplete counts one budget-exhausted matching pass.
func (m *Metrics) IncIncomplete() {
	if m != nil {
		m.incompleteTotal.Inc()
	}
}

// ObserveBacktrack records the duration of one backtrack run.
func (m *Metrics) ObserveBacktrack(d time.Duration) {
	if m != nil {
		m.backtrackSeconds.Observe(d.Seconds())
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled. Intended for runs
// long enough to be worth scraping; errors are logged, never fatal.
func (m *Metrics) Serve(ctx context.Context, addr string) {
	if m == nil || addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Infof("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()
}
