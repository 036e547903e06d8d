// internal/ledger/postgres.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github-star-mirror/internal/database"
	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
	"github-star-mirror/migrations"
)

const pgUniqueViolation = "23505"

// PostgresStore is the Ledger backed by PostgreSQL through pgxpool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// PoolOptions sizes the pgx connection pool.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPostgresStore opens a connection pool against dsn and pings it.
func NewPostgresStore(ctx context.Context, dsn string, opts PoolOptions, logger *slog.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewPostgresStoreFromPool(pool, logger), nil
}

// NewPostgresStoreFromPool wraps an existing pool. The store takes ownership of it.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger, now: defaultNow}
}

// MigratePostgres applies the embedded Postgres migrations to dbURL.
func MigratePostgres(dbURL string) error {
	src, err := iofs.New(migrations.FS, "postgres")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// inTx runs fn against a transaction-bound Querier and commits when fn succeeds.
func (s *PostgresStore) inTx(ctx context.Context, fn func(q database.Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(database.New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) queries() database.Querier {
	return database.New(s.pool)
}

func (s *PostgresStore) FindBySourceURL(ctx context.Context, sourceURL string) (*model.RepositorySync, error) {
	row, err := s.queries().GetRepositorySyncBySourceURL(ctx, sourceURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding repository sync by source url: %w", err)
	}
	return toModelSync(row), nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*model.RepositorySync, error) {
	row, err := s.queries().GetRepositorySync(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Entity: "repository sync", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting repository sync: %w", err)
	}
	return toModelSync(row), nil
}

func (s *PostgresStore) Create(ctx context.Context, rec model.NewRepositorySync) (*model.RepositorySync, error) {
	var created database.RepositorySync
	err := s.inTx(ctx, func(q database.Querier) error {
		var err error
		created, err = q.CreateRepositorySync(ctx, database.CreateRepositorySyncParams{
			SourceUrl:      rec.SourceURL,
			SourceOwner:    rec.SourceOwner,
			SourceName:     rec.SourceName,
			SourceFullName: rec.SourceFullName,
			SourceRepoID:   pgtype.Int8{Int64: rec.SourceRepoID, Valid: rec.SourceRepoID != 0},
			DefaultBranch:  pgText(rec.DefaultBranch),
			IsPrivate:      rec.IsPrivate,
			SizeKb:         pgtype.Int4{Int32: int32(rec.SizeKB), Valid: true},
			Status:         string(model.StatusPending),
			MaxRetries:     int32(rec.MaxRetries),
			CreatedAt:      pgTime(s.now()),
		})
		return err
	})
	if isPgUniqueViolation(err) {
		return nil, &custom_errors.ErrDuplicateKey{Entity: "repository sync", Key: rec.SourceURL}
	}
	if err != nil {
		return nil, fmt.Errorf("creating repository sync: %w", err)
	}
	return toModelSync(created), nil
}

func (s *PostgresStore) Transition(ctx context.Context, id int64, status model.SyncStatus, fields TransitionFields) (*model.RepositorySync, error) {
	var updated database.RepositorySync
	err := s.inTx(ctx, func(q database.Querier) error {
		row, err := q.GetRepositorySyncForUpdate(ctx, id)
		if errors.Is(err, pgx.ErrNoRows) {
			return &custom_errors.ErrNotFound{Entity: "repository sync", Key: strconv.FormatInt(id, 10)}
		}
		if err != nil {
			return err
		}

		rec := toModelSync(row)
		if err := applyTransition(rec, status, fields, s.now()); err != nil {
			return err
		}

		params := database.UpdateRepositorySyncParams{
			ID:           rec.ID,
			Status:       string(rec.Status),
			ErrorMessage: pgText(rec.ErrorMessage),
			RetryCount:   int32(rec.RetryCount),
			LastSyncedAt: pgTimePtr(rec.LastSyncedAt),
			NextRetryAt:  pgTimePtr(rec.NextRetryAt),
			UpdatedAt:    pgTime(rec.UpdatedAt),
		}
		if rec.Target != nil {
			params.TargetUrl = pgText(rec.Target.URL)
			params.TargetRepoName = pgText(rec.Target.RepoName)
			params.TargetProjectID = pgtype.Int8{Int64: rec.Target.ProjectID, Valid: true}
		}
		updated, err = q.UpdateRepositorySync(ctx, params)
		return err
	})
	if err != nil {
		if custom_errors.IsNotFound(err) || custom_errors.IsStaleTransition(err) {
			return nil, err
		}
		return nil, fmt.Errorf("transitioning repository sync %d to %s: %w", id, status, err)
	}
	s.logger.Debug("Repository sync transitioned", "repo_id", id, "status", status)
	return toModelSync(updated), nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, repositoryID int64, entry model.NewSyncLogEntry) (*model.SyncLogEntry, error) {
	var row database.SyncLog
	err := s.inTx(ctx, func(q database.Querier) error {
		var err error
		row, err = q.CreateSyncLog(ctx, database.CreateSyncLogParams{
			RepositoryID:     repositoryID,
			EventType:        entry.EventType,
			Status:           string(entry.Status),
			ErrorMessage:     pgText(entry.ErrorMessage),
			DurationSeconds:  pgtype.Int4{Int32: int32(entry.DurationSeconds), Valid: true},
			BytesTransferred: pgtype.Int8{Int64: entry.BytesTransferred, Valid: true},
			CreatedAt:        pgTime(s.now()),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("appending sync log: %w", err)
	}
	return toModelLog(row), nil
}

func (s *PostgresStore) RecordWebhook(ctx context.Context, ev model.NewWebhookEvent) (*model.WebhookEventRecord, error) {
	var row database.WebhookEvent
	err := s.inTx(ctx, func(q database.Querier) error {
		var err error
		row, err = q.CreateWebhookEvent(ctx, database.CreateWebhookEventParams{
			EventID:    ev.EventID,
			EventType:  ev.EventType,
			Payload:    ev.Payload,
			Signature:  ev.Signature,
			ReceivedAt: pgTime(s.now()),
		})
		return err
	})
	if isPgUniqueViolation(err) {
		return nil, &custom_errors.ErrDuplicateKey{Entity: "webhook event", Key: ev.EventID}
	}
	if err != nil {
		return nil, fmt.Errorf("recording webhook event: %w", err)
	}
	return toModelWebhook(row), nil
}

func (s *PostgresStore) FindWebhook(ctx context.Context, eventID string) (*model.WebhookEventRecord, error) {
	row, err := s.queries().GetWebhookEventByEventID(ctx, eventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Entity: "webhook event", Key: eventID}
	}
	if err != nil {
		return nil, fmt.Errorf("finding webhook event: %w", err)
	}
	return toModelWebhook(row), nil
}

func (s *PostgresStore) MarkWebhookProcessed(ctx context.Context, eventID string, repositoryID *int64, processingErr string) error {
	err := s.inTx(ctx, func(q database.Querier) error {
		params := database.MarkWebhookEventProcessedParams{
			EventID:         eventID,
			ProcessedAt:     pgTime(s.now()),
			ProcessingError: pgText(processingErr),
		}
		if repositoryID != nil {
			params.RepositoryID = pgtype.Int8{Int64: *repositoryID, Valid: true}
		}
		_, err := q.MarkWebhookEventProcessed(ctx, params)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return &custom_errors.ErrNotFound{Entity: "webhook event", Key: eventID}
	}
	if err != nil {
		return fmt.Errorf("marking webhook event processed: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]model.RepositorySync, error) {
	params := database.ListRepositorySyncsParams{Limit: int32(filter.limit())}
	if filter.Status != "" {
		params.Status = pgText(string(filter.Status))
	}
	rows, err := s.queries().ListRepositorySyncs(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("listing repository syncs: %w", err)
	}
	out := make([]model.RepositorySync, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toModelSync(r))
	}
	return out, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, repositoryID int64, limit int) ([]model.SyncLogEntry, error) {
	rows, err := s.queries().ListSyncLogsByRepository(ctx, database.ListSyncLogsByRepositoryParams{
		RepositoryID: repositoryID,
		Limit:        int32(clampLimit(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("listing sync logs: %w", err)
	}
	out := make([]model.SyncLogEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, *toModelLog(r))
	}
	return out, nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.SyncStatus]int64, error) {
	rows, err := s.queries().CountRepositorySyncsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting repository syncs: %w", err)
	}
	counts := make(map[model.SyncStatus]int64, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	for _, r := range rows {
		counts[model.SyncStatus(r.Status)] = r.Count
	}
	return counts, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func toModelSync(r database.RepositorySync) *model.RepositorySync {
	rec := &model.RepositorySync{
		ID:             r.ID,
		SourceURL:      r.SourceUrl,
		SourceOwner:    r.SourceOwner,
		SourceName:     r.SourceName,
		SourceFullName: r.SourceFullName,
		SourceRepoID:   r.SourceRepoID.Int64,
		DefaultBranch:  r.DefaultBranch.String,
		IsPrivate:      r.IsPrivate,
		SizeKB:         int(r.SizeKb.Int32),
		Status:         model.SyncStatus(r.Status),
		ErrorMessage:   r.ErrorMessage.String,
		RetryCount:     int(r.RetryCount),
		MaxRetries:     int(r.MaxRetries),
		CreatedAt:      r.CreatedAt.Time.UTC(),
		UpdatedAt:      r.UpdatedAt.Time.UTC(),
		LastSyncedAt:   timePtr(r.LastSyncedAt),
		NextRetryAt:    timePtr(r.NextRetryAt),
	}
	if r.TargetUrl.Valid {
		rec.Target = &model.TargetLinkage{
			URL:       r.TargetUrl.String,
			RepoName:  r.TargetRepoName.String,
			ProjectID: r.TargetProjectID.Int64,
		}
	}
	return rec
}

func toModelLog(r database.SyncLog) *model.SyncLogEntry {
	return &model.SyncLogEntry{
		ID:               r.ID,
		RepositoryID:     r.RepositoryID,
		EventType:        r.EventType,
		Status:           model.LogStatus(r.Status),
		ErrorMessage:     r.ErrorMessage.String,
		DurationSeconds:  int(r.DurationSeconds.Int32),
		BytesTransferred: r.BytesTransferred.Int64,
		CreatedAt:        r.CreatedAt.Time.UTC(),
	}
}

func toModelWebhook(r database.WebhookEvent) *model.WebhookEventRecord {
	rec := &model.WebhookEventRecord{
		ID:              r.ID,
		EventID:         r.EventID,
		EventType:       r.EventType,
		Payload:         r.Payload,
		Signature:       r.Signature,
		Processed:       r.Processed,
		ProcessingError: r.ProcessingError.String,
		ReceivedAt:      r.ReceivedAt.Time.UTC(),
		ProcessedAt:     timePtr(r.ProcessedAt),
	}
	if r.RepositoryID.Valid {
		id := r.RepositoryID.Int64
		rec.RepositoryID = &id
	}
	return rec
}

func pgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}

func pgTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

func pgTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgTime(*t)
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
