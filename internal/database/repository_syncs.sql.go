// internal/database/repository_syncs.sql.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const repositorySyncColumns = `id, source_url, source_owner, source_name, source_full_name, source_repo_id,
    default_branch, is_private, size_kb, target_url, target_repo_name, target_project_id,
    status, error_message, retry_count, max_retries, created_at, updated_at, last_synced_at, next_retry_at`

func scanRepositorySync(row pgx.Row) (RepositorySync, error) {
	var i RepositorySync
	err := row.Scan(
		&i.ID,
		&i.SourceUrl,
		&i.SourceOwner,
		&i.SourceName,
		&i.SourceFullName,
		&i.SourceRepoID,
		&i.DefaultBranch,
		&i.IsPrivate,
		&i.SizeKb,
		&i.TargetUrl,
		&i.TargetRepoName,
		&i.TargetProjectID,
		&i.Status,
		&i.ErrorMessage,
		&i.RetryCount,
		&i.MaxRetries,
		&i.CreatedAt,
		&i.UpdatedAt,
		&i.LastSyncedAt,
		&i.NextRetryAt,
	)
	return i, err
}

const countRepositorySyncsByStatus = `-- name: CountRepositorySyncsByStatus :many
SELECT status, COUNT(*) AS count
FROM repository_syncs
GROUP BY status
`

type CountRepositorySyncsByStatusRow struct {
	Status string
	Count  int64
}

func (q *Queries) CountRepositorySyncsByStatus(ctx context.Context) ([]CountRepositorySyncsByStatusRow, error) {
	rows, err := q.db.Query(ctx, countRepositorySyncsByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []CountRepositorySyncsByStatusRow
	for rows.Next() {
		var i CountRepositorySyncsByStatusRow
		if err := rows.Scan(&i.Status, &i.Count); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createRepositorySync = `-- name: CreateRepositorySync :one
INSERT INTO repository_syncs (
    source_url, source_owner, source_name, source_full_name, source_repo_id,
    default_branch, is_private, size_kb, status, max_retries, created_at, updated_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11
)
RETURNING ` + repositorySyncColumns

type CreateRepositorySyncParams struct {
	SourceUrl      string
	SourceOwner    string
	SourceName     string
	SourceFullName string
	SourceRepoID   pgtype.Int8
	DefaultBranch  pgtype.Text
	IsPrivate      bool
	SizeKb         pgtype.Int4
	Status         string
	MaxRetries     int32
	CreatedAt      pgtype.Timestamptz
}

func (q *Queries) CreateRepositorySync(ctx context.Context, arg CreateRepositorySyncParams) (RepositorySync, error) {
	row := q.db.QueryRow(ctx, createRepositorySync,
		arg.SourceUrl,
		arg.SourceOwner,
		arg.SourceName,
		arg.SourceFullName,
		arg.SourceRepoID,
		arg.DefaultBranch,
		arg.IsPrivate,
		arg.SizeKb,
		arg.Status,
		arg.MaxRetries,
		arg.CreatedAt,
	)
	return scanRepositorySync(row)
}

const getRepositorySync = `-- name: GetRepositorySync :one
SELECT ` + repositorySyncColumns + `
FROM repository_syncs
WHERE id = $1
`

func (q *Queries) GetRepositorySync(ctx context.Context, id int64) (RepositorySync, error) {
	return scanRepositorySync(q.db.QueryRow(ctx, getRepositorySync, id))
}

const getRepositorySyncBySourceURL = `-- name: GetRepositorySyncBySourceURL :one
SELECT ` + repositorySyncColumns + `
FROM repository_syncs
WHERE source_url = $1
`

func (q *Queries) GetRepositorySyncBySourceURL(ctx context.Context, sourceUrl string) (RepositorySync, error) {
	return scanRepositorySync(q.db.QueryRow(ctx, getRepositorySyncBySourceURL, sourceUrl))
}

const getRepositorySyncForUpdate = `-- name: GetRepositorySyncForUpdate :one
SELECT ` + repositorySyncColumns + `
FROM repository_syncs
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetRepositorySyncForUpdate(ctx context.Context, id int64) (RepositorySync, error) {
	return scanRepositorySync(q.db.QueryRow(ctx, getRepositorySyncForUpdate, id))
}

const listRepositorySyncs = `-- name: ListRepositorySyncs :many
SELECT ` + repositorySyncColumns + `
FROM repository_syncs
WHERE ($1::text IS NULL OR status = $1::text)
ORDER BY updated_at DESC, id DESC
LIMIT $2
`

type ListRepositorySyncsParams struct {
	Status pgtype.Text
	Limit  int32
}

func (q *Queries) ListRepositorySyncs(ctx context.Context, arg ListRepositorySyncsParams) ([]RepositorySync, error) {
	rows, err := q.db.Query(ctx, listRepositorySyncs, arg.Status, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []RepositorySync
	for rows.Next() {
		i, err := scanRepositorySync(rows)
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

const updateRepositorySync = `-- name: UpdateRepositorySync :one
UPDATE repository_syncs
SET status = $2,
    error_message = $3,
    target_url = $4,
    target_repo_name = $5,
    target_project_id = $6,
    retry_count = $7,
    last_synced_at = $8,
    next_retry_at = $9,
    updated_at = $10
WHERE id = $1
RETURNING ` + repositorySyncColumns

type UpdateRepositorySyncParams struct {
	ID              int64
	Status          string
	ErrorMessage    pgtype.Text
	TargetUrl       pgtype.Text
	TargetRepoName  pgtype.Text
	TargetProjectID pgtype.Int8
	RetryCount      int32
	LastSyncedAt    pgtype.Timestamptz
	NextRetryAt     pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
}

func (q *Queries) UpdateRepositorySync(ctx context.Context, arg UpdateRepositorySyncParams) (RepositorySync, error) {
	row := q.db.QueryRow(ctx, updateRepositorySync,
		arg.ID,
		arg.Status,
		arg.ErrorMessage,
		arg.TargetUrl,
		arg.TargetRepoName,
		arg.TargetProjectID,
		arg.RetryCount,
		arg.LastSyncedAt,
		arg.NextRetryAt,
		arg.UpdatedAt,
	)
	return scanRepositorySync(row)
}
