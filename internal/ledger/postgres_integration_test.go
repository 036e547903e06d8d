//go:build integration

// internal/ledger/postgres_integration_test.go
package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
)

func setupPostgresStore(ctx context.Context, t *testing.T) *PostgresStore {
	t.Helper()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mirror-test"),
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

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, MigratePostgres(connStr))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewPostgresStore(ctx, connStr, PoolOptions{MaxConns: 5}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store := setupPostgresStore(ctx, t)

	created, err := store.Create(ctx, newSync("https://github.com/octocat/hello-world"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)

	_, err = store.Create(ctx, newSync("https://github.com/octocat/hello-world"))
	assert.True(t, custom_errors.IsDuplicateKey(err))

	rec, err := store.Transition(ctx, created.ID, model.StatusCloning, TransitionFields{
		Target: &model.TargetLinkage{URL: "https://onedev.example/github-octocat-hello-world", RepoName: "github-octocat-hello-world", ProjectID: 3},
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Target)

	syncedAt := time.Now()
	rec, err = store.Transition(ctx, created.ID, model.StatusCompleted, TransitionFields{LastSyncedAt: &syncedAt})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.Status)
	require.NotNil(t, rec.LastSyncedAt)

	_, err = store.Transition(ctx, created.ID, model.StatusInProgress, TransitionFields{ExpectStatus: model.StatusFailed})
	assert.True(t, custom_errors.IsStaleTransition(err))
	reloaded, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, reloaded.Status)

	_, err = store.AppendLog(ctx, created.ID, model.NewSyncLogEntry{EventType: "star_sync", Status: model.LogSuccess, DurationSeconds: 3, BytesTransferred: 1024})
	require.NoError(t, err)
	logs, err := store.ListLogs(ctx, created.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(1024), logs[0].BytesTransferred)

	_, err = store.RecordWebhook(ctx, model.NewWebhookEvent{EventID: "d-1", EventType: "watch", Payload: []byte(`{"action":"started"}`), Signature: "sha256=abc"})
	require.NoError(t, err)
	_, err = store.RecordWebhook(ctx, model.NewWebhookEvent{EventID: "d-1", EventType: "watch", Payload: []byte(`{}`), Signature: "sha256=abc"})
	assert.True(t, custom_errors.IsDuplicateKey(err))

	require.NoError(t, store.MarkWebhookProcessed(ctx, "d-1", &created.ID, ""))
	wh, err := store.FindWebhook(ctx, "d-1")
	require.NoError(t, err)
	assert.True(t, wh.Processed)
	assert.Empty(t, wh.ProcessingError)

	counts, err := store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.StatusCompleted])

	list, err := store.List(ctx, ListFilter{Status: model.StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
