// Package metrics provides Prometheus instrumentation for posevol.
//
// # Basic Usage
//
//	// Count examined cache entries
//	metrics.CacheExamined.WithLabelValues("primary", "missing").Inc()
//
//	// Track volume build latency
//	timer := metrics.NewTimer("build_volume")
//	vol, err := builder.Build(ctx, req)
//	metrics.BuildLatency.WithLabelValues("image").Observe(timer.Stop().Seconds())
//
//	// Track generation throughput
//	tracker := metrics.NewThroughputTracker("cache")
//	for range samples {
//	    tracker.Increment(1)
//	}
//	perSec := tracker.GetAndReset()
//
// Vectors are registered on the default registry at init; Serve exposes them
// over HTTP.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// CacheExamined counts cache entries inspected by Examine.
	// Labels: namespace (primary/aux), result (present/missing/corrupt)
	CacheExamined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posevol_cache_examined_total",
			Help: "Cache entries inspected",
		},
		[]string{"namespace", "result"},
	)

	// CacheWrites counts files written into the cache
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posevol_cache_writes_total",
			Help: "Files written into the volume cache",
		},
		[]string{"namespace"},
	)

	// CacheBytes counts compressed bytes written into the cache
	CacheBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posevol_cache_bytes_total",
			Help: "Compressed bytes written into the volume cache",
		},
		[]string{"namespace"},
	)

	// BuildLatency tracks per-sample build time in seconds.
	// Labels: stage (image/target/silhouette)
	BuildLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "posevol_build_latency_seconds",
			Help:    "Per-sample volume build latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"stage"},
	)

	// ExcludedSamples counts samples dropped from the run by error type
	ExcludedSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posevol_excluded_samples_total",
			Help: "Samples excluded from the run",
		},
		[]string{"reason"},
	)

	// DegenerateCameras counts camera slices zero-filled because grid points
	// fell behind the camera
	DegenerateCameras = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "posevol_degenerate_camera_slices_total",
			Help: "Camera slices zero-filled due to points behind the camera",
		},
		[]string{"camera"},
	)

	// AugmentedSamples counts synthetic samples added to train
	AugmentedSamples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "posevol_augmented_samples_total",
			Help: "Synthetic COM-augmented samples added to train",
		},
	)

	// SplitSize reports the size of each partition of the last run
	SplitSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "posevol_split_samples",
			Help: "Samples per split",
		},
		[]string{"split"},
	)

	// Throughput tracks samples per second
	Throughput = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "posevol_throughput_samples_per_second",
			Help: "Current throughput in samples per second",
		},
		[]string{"stage"},
	)
)

// Timer measures an operation from creation
type Timer struct {
	start time.Time
	name  string
}

// NewTimer creates a new timer and starts timing immediately
func NewTimer(name string) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
	}
}

// Stop returns the elapsed duration since creation. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ThroughputTracker tracks samples per second over time windows.
// Safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	stage     string
}

// NewThroughputTracker creates a tracker reporting under stage
func NewThroughputTracker(stage string) *ThroughputTracker {
	return &ThroughputTracker{
		lastReset: time.Now(),
		stage:     stage,
	}
}

// Increment adds n to the sample count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns samples per second since the last reset, publishes it
// and starts a new window
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}
	throughput := float64(t.count) / elapsed

	t.count = 0
	t.lastReset = time.Now()
	Throughput.WithLabelValues(t.stage).Set(throughput)

	return throughput
}

// Serve exposes the default registry on addr until ctx is canceled
func Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
