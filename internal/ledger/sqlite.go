// internal/ledger/sqlite.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
	"github-star-mirror/migrations"
)

// SQLiteStore is the Ledger backed by a local SQLite file, used for development
// and single-node deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens path (":memory:" for an in-memory database), applies the
// embedded migrations and returns the store.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if path == ":memory:" {
		// Every connection would get its own empty database otherwise.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	if err := MigrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite database: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: defaultNow}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
}

// MigrateSQLite applies the embedded SQLite migrations to db. The migrate
// instance is not closed because that would close db.
func MigrateSQLite(db *sql.DB) error {
	src, err := iofs.New(migrations.FS, "sqlite")
	if err != nil {
		return err
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const sqliteSyncColumns = `id, source_url, source_owner, source_name, source_full_name, source_repo_id,
    default_branch, is_private, size_kb, target_url, target_repo_name, target_project_id,
    status, error_message, retry_count, max_retries, created_at, updated_at, last_synced_at, next_retry_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSync(row rowScanner) (*model.RepositorySync, error) {
	var (
		rec           model.RepositorySync
		sourceRepoID  sql.NullInt64
		defaultBranch sql.NullString
		sizeKB        sql.NullInt64
		targetURL     sql.NullString
		targetName    sql.NullString
		targetProject sql.NullInt64
		errMsg        sql.NullString
		lastSynced    sql.NullTime
		nextRetry     sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.SourceURL, &rec.SourceOwner, &rec.SourceName, &rec.SourceFullName, &sourceRepoID,
		&defaultBranch, &rec.IsPrivate, &sizeKB, &targetURL, &targetName, &targetProject,
		&rec.Status, &errMsg, &rec.RetryCount, &rec.MaxRetries, &rec.CreatedAt, &rec.UpdatedAt, &lastSynced, &nextRetry,
	)
	if err != nil {
		return nil, err
	}
	rec.SourceRepoID = sourceRepoID.Int64
	rec.DefaultBranch = defaultBranch.String
	rec.SizeKB = int(sizeKB.Int64)
	rec.ErrorMessage = errMsg.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.LastSyncedAt = nullTimePtr(lastSynced)
	rec.NextRetryAt = nullTimePtr(nextRetry)
	if targetURL.Valid {
		rec.Target = &model.TargetLinkage{URL: targetURL.String, RepoName: targetName.String, ProjectID: targetProject.Int64}
	}
	return &rec, nil
}

func (s *SQLiteStore) FindBySourceURL(ctx context.Context, sourceURL string) (*model.RepositorySync, error) {
	rec, err := scanSQLiteSync(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSyncColumns+` FROM repository_syncs WHERE source_url = ?`, sourceURL))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding repository sync by source url: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.RepositorySync, error) {
	rec, err := scanSQLiteSync(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSyncColumns+` FROM repository_syncs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Entity: "repository sync", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("getting repository sync: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Create(ctx context.Context, rec model.NewRepositorySync) (*model.RepositorySync, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repository_syncs (
			source_url, source_owner, source_name, source_full_name, source_repo_id,
			default_branch, is_private, size_kb, status, max_retries, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SourceURL, rec.SourceOwner, rec.SourceName, rec.SourceFullName, nullInt64(rec.SourceRepoID),
		nullString(rec.DefaultBranch), rec.IsPrivate, rec.SizeKB, string(model.StatusPending), rec.MaxRetries, now, now,
	)
	if isSQLiteUniqueViolation(err) {
		return nil, &custom_errors.ErrDuplicateKey{Entity: "repository sync", Key: rec.SourceURL}
	}
	if err != nil {
		return nil, fmt.Errorf("creating repository sync: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading repository sync id: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Transition(ctx context.Context, id int64, status model.SyncStatus, fields TransitionFields) (*model.RepositorySync, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanSQLiteSync(tx.QueryRowContext(ctx,
		`SELECT `+sqliteSyncColumns+` FROM repository_syncs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Entity: "repository sync", Key: strconv.FormatInt(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("loading repository sync %d: %w", id, err)
	}
	if err := applyTransition(rec, status, fields, s.now()); err != nil {
		return nil, err
	}

	var targetURL, targetName sql.NullString
	var targetProject sql.NullInt64
	if rec.Target != nil {
		targetURL = sql.NullString{String: rec.Target.URL, Valid: true}
		targetName = sql.NullString{String: rec.Target.RepoName, Valid: true}
		targetProject = sql.NullInt64{Int64: rec.Target.ProjectID, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE repository_syncs
		SET status = ?, error_message = ?, target_url = ?, target_repo_name = ?, target_project_id = ?,
		    retry_count = ?, last_synced_at = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ?`,
		string(rec.Status), nullString(rec.ErrorMessage), targetURL, targetName, targetProject,
		rec.RetryCount, nullTime(rec.LastSyncedAt), nullTime(rec.NextRetryAt), rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("transitioning repository sync %d to %s: %w", id, status, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition of repository sync %d: %w", id, err)
	}
	s.logger.Debug("Repository sync transitioned", "repo_id", id, "status", status)
	return rec, nil
}

func (s *SQLiteStore) AppendLog(ctx context.Context, repositoryID int64, entry model.NewSyncLogEntry) (*model.SyncLogEntry, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (repository_id, event_type, status, error_message, duration_seconds, bytes_transferred, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		repositoryID, entry.EventType, string(entry.Status), nullString(entry.ErrorMessage),
		entry.DurationSeconds, entry.BytesTransferred, now,
	)
	if err != nil {
		return nil, fmt.Errorf("appending sync log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading sync log id: %w", err)
	}
	return &model.SyncLogEntry{
		ID:               id,
		RepositoryID:     repositoryID,
		EventType:        entry.EventType,
		Status:           entry.Status,
		ErrorMessage:     entry.ErrorMessage,
		DurationSeconds:  entry.DurationSeconds,
		BytesTransferred: entry.BytesTransferred,
		CreatedAt:        now,
	}, nil
}

func (s *SQLiteStore) RecordWebhook(ctx context.Context, ev model.NewWebhookEvent) (*model.WebhookEventRecord, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, payload, signature, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, string(ev.Payload), ev.Signature, now,
	)
	if isSQLiteUniqueViolation(err) {
		return nil, &custom_errors.ErrDuplicateKey{Entity: "webhook event", Key: ev.EventID}
	}
	if err != nil {
		return nil, fmt.Errorf("recording webhook event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading webhook event id: %w", err)
	}
	return &model.WebhookEventRecord{
		ID:         id,
		EventID:    ev.EventID,
		EventType:  ev.EventType,
		Payload:    ev.Payload,
		Signature:  ev.Signature,
		ReceivedAt: now,
	}, nil
}

func (s *SQLiteStore) FindWebhook(ctx context.Context, eventID string) (*model.WebhookEventRecord, error) {
	var (
		rec         model.WebhookEventRecord
		payload     string
		procErr     sql.NullString
		repoID      sql.NullInt64
		processedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, event_type, payload, signature, processed, processing_error,
		       repository_id, received_at, processed_at
		FROM webhook_events WHERE event_id = ?`, eventID,
	).Scan(&rec.ID, &rec.EventID, &rec.EventType, &payload, &rec.Signature, &rec.Processed, &procErr,
		&repoID, &rec.ReceivedAt, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &custom_errors.ErrNotFound{Entity: "webhook event", Key: eventID}
	}
	if err != nil {
		return nil, fmt.Errorf("finding webhook event: %w", err)
	}
	rec.Payload = []byte(payload)
	rec.ProcessingError = procErr.String
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	rec.ProcessedAt = nullTimePtr(processedAt)
	if repoID.Valid {
		id := repoID.Int64
		rec.RepositoryID = &id
	}
	return &rec, nil
}

func (s *SQLiteStore) MarkWebhookProcessed(ctx context.Context, eventID string, repositoryID *int64, processingErr string) error {
	var repoID sql.NullInt64
	if repositoryID != nil {
		repoID = sql.NullInt64{Int64: *repositoryID, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET processed = 1, processed_at = ?, repository_id = ?, processing_error = ?
		WHERE event_id = ?`,
		s.now(), repoID, nullString(processingErr), eventID,
	)
	if err != nil {
		return fmt.Errorf("marking webhook event processed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &custom_errors.ErrNotFound{Entity: "webhook event", Key: eventID}
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]model.RepositorySync, error) {
	query := `SELECT ` + sqliteSyncColumns + ` FROM repository_syncs`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing repository syncs: %w", err)
	}
	defer rows.Close()

	out := []model.RepositorySync{}
	for rows.Next() {
		rec, err := scanSQLiteSync(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning repository sync: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListLogs(ctx context.Context, repositoryID int64, limit int) ([]model.SyncLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repository_id, event_type, status, error_message, duration_seconds, bytes_transferred, created_at
		FROM sync_logs
		WHERE repository_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, repositoryID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing sync logs: %w", err)
	}
	defer rows.Close()

	out := []model.SyncLogEntry{}
	for rows.Next() {
		var (
			e        model.SyncLogEntry
			errMsg   sql.NullString
			duration sql.NullInt64
			bytes    sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.RepositoryID, &e.EventType, &e.Status, &errMsg, &duration, &bytes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning sync log: %w", err)
		}
		e.ErrorMessage = errMsg.String
		e.DurationSeconds = int(duration.Int64)
		e.BytesTransferred = bytes.Int64
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.SyncStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM repository_syncs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting repository syncs: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int64, len(model.AllStatuses))
	for _, st := range model.AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	u := t.Time.UTC()
	return &u
}
