// internal/database/sync_logs.sql.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const syncLogColumns = `id, repository_id, event_type, status, error_message, duration_seconds, bytes_transferred, created_at`

func scanSyncLog(row pgx.Row) (SyncLog, error) {
	var i SyncLog
	err := row.Scan(
		&i.ID,
		&i.RepositoryID,
		&i.EventType,
		&i.Status,
		&i.ErrorMessage,
		&i.DurationSeconds,
		&i.BytesTransferred,
		&i.CreatedAt,
	)
	return i, err
}

const createSyncLog = `-- name: CreateSyncLog :one
INSERT INTO sync_logs (
    repository_id, event_type, status, error_message, duration_seconds, bytes_transferred, created_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7
)
RETURNING ` + syncLogColumns

type CreateSyncLogParams struct {
	RepositoryID     int64
	EventType        string
	Status           string
	ErrorMessage     pgtype.Text
	DurationSeconds  pgtype.Int4
	BytesTransferred pgtype.Int8
	CreatedAt        pgtype.Timestamptz
}

func (q *Queries) CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (SyncLog, error) {
	row := q.db.QueryRow(ctx, createSyncLog,
		arg.RepositoryID,
		arg.EventType,
		arg.Status,
		arg.ErrorMessage,
		arg.DurationSeconds,
		arg.BytesTransferred,
		arg.CreatedAt,
	)
	return scanSyncLog(row)
}

const listSyncLogsByRepository = `-- name: ListSyncLogsByRepository :many
SELECT ` + syncLogColumns + `
FROM sync_logs
WHERE repository_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`

type ListSyncLogsByRepositoryParams struct {
	RepositoryID int64
	Limit        int32
}

func (q *Queries) ListSyncLogsByRepository(ctx context.Context, arg ListSyncLogsByRepositoryParams) ([]SyncLog, error) {
	rows, err := q.db.Query(ctx, listSyncLogsByRepository, arg.RepositoryID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []SyncLog
	for rows.Next() {
		i, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
