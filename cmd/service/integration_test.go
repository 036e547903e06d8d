//go:build integration

// cmd/service/integration_test.go
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github-star-mirror/internal/api"
	"github-star-mirror/internal/github"
	"github-star-mirror/internal/ledger"
	"github-star-mirror/internal/metrics"
	"github-star-mirror/internal/model"
	"github-star-mirror/internal/retry"
	"github-star-mirror/internal/syncer"
	"github-star-mirror/internal/target"
	"github-star-mirror/internal/webhook"
)

const webhookSecret = "integration-secret"

func setupTestDatabase(ctx context.Context, t *testing.T) *ledger.PostgresStore {
	// Start a postgres container
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	// Get the connection string
	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Run migrations
	require.NoError(t, ledger.MigratePostgres(connStr))

	store, err := ledger.NewPostgresStore(ctx, connStr, ledger.PoolOptions{MaxConns: 5}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeOneDev accepts project creation and remembers the names it was asked for.
type fakeOneDev struct {
	mu      sync.Mutex
	created []string
}

func (f *fakeOneDev) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/api/projects" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	raw, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.created = append(f.created, body.Name)
	id := len(f.created)
	f.mu.Unlock()

	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(`{"id": ` + strconv.Itoa(id) + `, "name": "` + body.Name + `"}`))
}

// recordingTransferrer stands in for git; pushing needs a real OneDev.
type recordingTransferrer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTransferrer) Transfer(_ context.Context, sourceURL, _ string, _ string) (model.TransferStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sourceURL)
	return model.TransferStats{BytesTransferred: 4096, Duration: time.Millisecond}, nil
}

func newIntegrationSyncer(t *testing.T, store ledger.Ledger, onedevURL string, inspector syncer.Inspector, tr syncer.Transferrer, rec syncer.Metrics) *syncer.Syncer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	provisioner, err := target.NewClient(target.Options{APIURL: onedevURL, Token: "token", RepoPrefix: "github-"}, logger)
	require.NoError(t, err)
	return syncer.NewSyncer(store, provisioner, tr, logger, syncer.Options{
		MaxRetries: 3,
		Retry:      retry.Policy{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2},
		Inspector:  inspector,
		Metrics:    rec,
	})
}

func TestWebhookToMirror_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTestDatabase(ctx, t)

	onedev := &fakeOneDev{}
	onedevServer := httptest.NewServer(onedev)
	defer onedevServer.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.NewRecorder(prometheus.NewRegistry(), store, logger)
	tr := &recordingTransferrer{}
	appSyncer := newIntegrationSyncer(t, store, onedevServer.URL, nil, tr, recorder)
	router := api.NewRouter(store, webhook.NewValidator(webhookSecret), appSyncer, recorder, logger, api.Options{
		AppName: "star-mirror", Version: "test", Environment: "test", PrometheusEnabled: true,
	})

	body := []byte(`{
  "action": "started",
  "repository": {
    "id": 1296269, "name": "Hello-World", "full_name": "octocat/Hello-World",
    "owner": {"login": "octocat", "type": "User"},
    "html_url": "https://github.com/octocat/Hello-World",
    "clone_url": "https://github.com/octocat/Hello-World.git",
    "default_branch": "main", "private": false, "size": 108
  },
  "sender": {"login": "hubot"}
}`)
	send := func(delivery string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
		req.Header.Set("X-GitHub-Event", "watch")
		req.Header.Set("X-GitHub-Delivery", delivery)
		req.Header.Set("X-Hub-Signature-256", signBody(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// --- ACT ---
	first := send("delivery-1")
	second := send("delivery-2")

	// --- ASSERT ---
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	assert.Contains(t, first.Body.String(), `"status":"success"`)
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Contains(t, second.Body.String(), `"status":"already_synced"`)

	assert.Equal(t, []string{"github-octocat-hello-world"}, onedev.created)
	assert.Equal(t, []string{"https://github.com/octocat/Hello-World.git"}, tr.calls)

	rec, err := store.FindBySourceURL(ctx, "https://github.com/octocat/Hello-World.git")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	assert.Equal(t, onedevServer.URL+"/github-octocat-hello-world", rec.TargetURL())

	logs, err := store.ListLogs(ctx, rec.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(4096), logs[0].BytesTransferred)

	for _, id := range []string{"delivery-1", "delivery-2"} {
		hook, err := store.FindWebhook(ctx, id)
		require.NoError(t, err)
		assert.True(t, hook.Processed, id)
	}
}

func TestBackfill_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupTestDatabase(ctx, t)

	// Setup a mock GitHub API server
	ghServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/test-owner/test-repo":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"id": 123, "owner": {"login": "test-owner", "type": "User"}, "name": "test-repo",
				"full_name": "test-owner/test-repo", "clone_url": "https://github.com/test-owner/test-repo.git",
				"html_url": "https://github.com/test-owner/test-repo", "default_branch": "main", "size": 10}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ghServer.Close()

	onedevServer := httptest.NewServer(&fakeOneDev{})
	defer onedevServer.Close()

	gh, err := github.NewClient(github.Options{BaseURL: ghServer.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	appSyncer := newIntegrationSyncer(t, store, onedevServer.URL, gh, &recordingTransferrer{}, nil)

	results, err := appSyncer.SyncRepositories(ctx, []string{"test-owner/test-repo", "test-owner/missing"})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, results[0].Err)
	assert.Equal(t, syncer.StatusSuccess, results[0].Outcome.Status)
	assert.Error(t, results[1].Err)

	var out bytes.Buffer
	require.Error(t, printBackfill(&out, results))
	assert.Contains(t, out.String(), "test-owner/test-repo")

	out.Reset()
	require.NoError(t, printStatus(ctx, &out, store, 10))
	assert.Contains(t, out.String(), "completed")
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
