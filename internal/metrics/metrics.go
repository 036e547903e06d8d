// internal/metrics/metrics.go
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github-star-mirror/internal/model"
)

const scrapeTimeout = 5 * time.Second

// Sync outcome labels for sync_operations_total.
const (
	OutcomeSuccess       = "success"
	OutcomeFailed        = "failed"
	OutcomeAlreadySynced = "already_synced"
)

// StatsSource supplies the values behind the scrape-time gauges.
type StatsSource interface {
	CountByStatus(ctx context.Context) (map[model.SyncStatus]int64, error)
	Ping(ctx context.Context) error
}

// Recorder owns the service's Prometheus collectors.
type Recorder struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	webhookRequests *prometheus.CounterVec
	syncOperations  *prometheus.CounterVec
	syncDuration    prometheus.Histogram
	activeSyncs     prometheus.Gauge

	active atomic.Int64
}

// NewRecorder registers all collectors on reg. src may be nil, in which case the
// repository and database gauges are not exported.
func NewRecorder(reg *prometheus.Registry, src StatsSource, logger *slog.Logger) *Recorder {
	factory := promauto.With(reg)
	r := &Recorder{
		registry: reg,
		logger:   logger,
		webhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Total webhook requests by event type and outcome",
		}, []string{"event_type", "status"}),
		syncOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_operations_total",
			Help: "Total repository sync operations by outcome",
		}, []string{"status"}),
		syncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Duration of repository sync operations in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		activeSyncs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_syncs",
			Help: "Number of syncs currently running",
		}),
	}

	if src != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "repository_count",
			Help: "Number of tracked repositories",
		}, func() float64 { return r.repositoryCount(src) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "database_health",
			Help: "1 when the database answers a ping, 0 otherwise",
		}, func() float64 { return r.databaseHealth(src) })
	}
	return r
}

// NewDefaultRegistry returns a registry preloaded with the Go and process collectors.
func NewDefaultRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) WebhookReceived(eventType, status string) {
	r.webhookRequests.WithLabelValues(eventType, status).Inc()
}

func (r *Recorder) SyncStarted() {
	r.active.Add(1)
	r.activeSyncs.Inc()
}

func (r *Recorder) SyncSucceeded(d time.Duration) {
	r.finish(OutcomeSuccess, d)
}

func (r *Recorder) SyncFailed(d time.Duration) {
	r.finish(OutcomeFailed, d)
}

func (r *Recorder) SyncAlreadySynced() {
	r.syncOperations.WithLabelValues(OutcomeAlreadySynced).Inc()
}

// ActiveSyncs is the current value of the active_syncs gauge.
func (r *Recorder) ActiveSyncs() int64 {
	return r.active.Load()
}

func (r *Recorder) finish(outcome string, d time.Duration) {
	r.active.Add(-1)
	r.activeSyncs.Dec()
	r.syncOperations.WithLabelValues(outcome).Inc()
	r.syncDuration.Observe(d.Seconds())
}

func (r *Recorder) repositoryCount(src StatsSource) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	counts, err := src.CountByStatus(ctx)
	if err != nil {
		r.logger.Warn("Failed to count repositories for metrics", "error", err)
		return 0
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	return float64(total)
}

func (r *Recorder) databaseHealth(src StatsSource) float64 {
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	if err := src.Ping(ctx); err != nil {
		return 0
	}
	return 1
}
