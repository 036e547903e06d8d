// internal/metrics/metrics_test.go
package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-star-mirror/internal/model"
)

type fakeStats struct {
	counts  map[model.SyncStatus]int64
	pingErr error
}

func (f *fakeStats) CountByStatus(context.Context) (map[model.SyncStatus]int64, error) {
	return f.counts, nil
}

func (f *fakeStats) Ping(context.Context) error { return f.pingErr }

func newTestRecorder(src StatsSource) (*Recorder, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return NewRecorder(reg, src, slog.New(slog.NewTextHandler(io.Discard, nil))), reg
}

func TestRecorder_SyncLifecycle(t *testing.T) {
	r, _ := newTestRecorder(nil)

	r.SyncStarted()
	r.SyncStarted()
	assert.Equal(t, int64(2), r.ActiveSyncs())
	assert.Equal(t, 2.0, testutil.ToFloat64(r.activeSyncs))

	r.SyncSucceeded(3 * time.Second)
	r.SyncFailed(time.Second)
	r.SyncAlreadySynced()

	assert.Equal(t, int64(0), r.ActiveSyncs())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.syncOperations.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.syncOperations.WithLabelValues(OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.syncOperations.WithLabelValues(OutcomeAlreadySynced)))
	assert.Equal(t, 2, testutil.CollectAndCount(r.syncDuration))
}

func TestRecorder_WebhookReceived(t *testing.T) {
	r, _ := newTestRecorder(nil)

	r.WebhookReceived("watch", "success")
	r.WebhookReceived("watch", "success")
	r.WebhookReceived("ping", "ignored")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.webhookRequests.WithLabelValues("watch", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.webhookRequests.WithLabelValues("ping", "ignored")))
}

func TestRecorder_ScrapeGauges(t *testing.T) {
	src := &fakeStats{counts: map[model.SyncStatus]int64{model.StatusCompleted: 3, model.StatusFailed: 1}}
	_, reg := newTestRecorder(src)

	expected := `
# HELP database_health 1 when the database answers a ping, 0 otherwise
# TYPE database_health gauge
database_health 1
# HELP repository_count Number of tracked repositories
# TYPE repository_count gauge
repository_count 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "database_health", "repository_count"))

	src.pingErr = errors.New("down")
	unhealthy := `
# HELP database_health 1 when the database answers a ping, 0 otherwise
# TYPE database_health gauge
database_health 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(unhealthy), "database_health"))
}

func TestRecorder_Handler(t *testing.T) {
	r, _ := newTestRecorder(nil)
	r.WebhookReceived("watch", "success")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `webhook_requests_total{event_type="watch",status="success"} 1`)
}
