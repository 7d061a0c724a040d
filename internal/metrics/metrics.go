package metrics

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "perfrecord"

var (
	// Registry is a dedicated Prometheus registry for all perfrecord metrics.
	Registry = prometheus.NewRegistry()

	// SessionsTotal counts recording sessions by target kind and outcome.
	SessionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of recording sessions",
		},
		[]string{"target", "outcome"}, // local | remote; finished | crashed | failed
	)

	// SessionDuration measures the time from spawn to terminal event.
	SessionDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_ms",
			Help:      "Duration of recording sessions in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 300000},
		},
		[]string{"target"},
	)

	// RecordedBytesTotal accumulates profiler output written to sinks.
	RecordedBytesTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_bytes_total",
			Help:      "Cumulative bytes of profiler output written to disk",
		},
	)

	// ActiveSessions reports whether a recording is in progress.
	ActiveSessions = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of recording sessions currently running",
		},
	)

	// ProbeDuration measures capability probe latency, including cache hits.
	ProbeDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_ms",
			Help:      "Duration of capability probes in milliseconds",
			Buckets:   []float64{0.1, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"query"},
	)

	// ProbeTotal counts capability probes by cache outcome.
	ProbeTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_total",
			Help:      "Total number of capability probes",
		},
		[]string{"query", "outcome"}, // hit | miss | error
	)

	// AgentInfo exposes static information about the running binary.
	AgentInfo = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_info",
			Help:      "Static information about the recorder",
		},
		[]string{"os", "arch", "version"},
	)

	// Up is a liveness gauge.
	Up = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "1 if the recorder is running",
		},
	)
)

func init() {
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	Registry.MustRegister(prometheus.NewGoCollector())
	Up.Set(1)
}

// SetAgentInfo publishes a single info metric for the running binary.
func SetAgentInfo(version string) {
	if version == "" {
		version = "dev"
	}
	AgentInfo.WithLabelValues(runtime.GOOS, runtime.GOARCH, version).Set(1)
}

func millisSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

// SessionStarted marks a recording as active.
func SessionStarted() {
	ActiveSessions.Inc()
}

// ObserveSession records the outcome of a recording that reached Recording.
func ObserveSession(start time.Time, target, outcome string, written int64) {
	ActiveSessions.Dec()
	SessionDuration.WithLabelValues(target).Observe(millisSince(start))
	SessionsTotal.WithLabelValues(target, outcome).Inc()
	if written > 0 {
		RecordedBytesTotal.Add(float64(written))
	}
}

// ObserveRejected counts a session that failed before the profiler started.
func ObserveRejected(target string) {
	SessionsTotal.WithLabelValues(target, "failed").Inc()
}

// ObserveProbe captures timing and cache outcome of a capability probe.
func ObserveProbe(start time.Time, query, outcome string) {
	ProbeDuration.WithLabelValues(query).Observe(millisSince(start))
	ProbeTotal.WithLabelValues(query, outcome).Inc()
}

// Serve starts the /metrics HTTP endpoint on the provided address and blocks
// until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	srv := &http.Server{Addr: addr, Handler: mux}

	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	logger.Info("prometheus endpoint listening", zap.String("addr", addr))
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-idleClosed
		return nil
	}

	return err
}
