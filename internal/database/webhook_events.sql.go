// internal/database/webhook_events.sql.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const webhookEventColumns = `id, event_id, event_type, payload, signature, processed, processing_error,
    repository_id, received_at, processed_at`

func scanWebhookEvent(row pgx.Row) (WebhookEvent, error) {
	var i WebhookEvent
	err := row.Scan(
		&i.ID,
		&i.EventID,
		&i.EventType,
		&i.Payload,
		&i.Signature,
		&i.Processed,
		&i.ProcessingError,
		&i.RepositoryID,
		&i.ReceivedAt,
		&i.ProcessedAt,
	)
	return i, err
}

const createWebhookEvent = `-- name: CreateWebhookEvent :one
INSERT INTO webhook_events (
    event_id, event_type, payload, signature, received_at
) VALUES (
    $1, $2, $3, $4, $5
)
RETURNING ` + webhookEventColumns

type CreateWebhookEventParams struct {
	EventID    string
	EventType  string
	Payload    []byte
	Signature  string
	ReceivedAt pgtype.Timestamptz
}

func (q *Queries) CreateWebhookEvent(ctx context.Context, arg CreateWebhookEventParams) (WebhookEvent, error) {
	row := q.db.QueryRow(ctx, createWebhookEvent,
		arg.EventID,
		arg.EventType,
		arg.Payload,
		arg.Signature,
		arg.ReceivedAt,
	)
	return scanWebhookEvent(row)
}

const getWebhookEventByEventID = `-- name: GetWebhookEventByEventID :one
SELECT ` + webhookEventColumns + `
FROM webhook_events
WHERE event_id = $1
`

func (q *Queries) GetWebhookEventByEventID(ctx context.Context, eventID string) (WebhookEvent, error) {
	return scanWebhookEvent(q.db.QueryRow(ctx, getWebhookEventByEventID, eventID))
}

const markWebhookEventProcessed = `-- name: MarkWebhookEventProcessed :one
UPDATE webhook_events
SET processed = TRUE,
    processed_at = $2,
    repository_id = $3,
    processing_error = $4
WHERE event_id = $1
RETURNING ` + webhookEventColumns

type MarkWebhookEventProcessedParams struct {
	EventID         string
	ProcessedAt     pgtype.Timestamptz
	RepositoryID    pgtype.Int8
	ProcessingError pgtype.Text
}

func (q *Queries) MarkWebhookEventProcessed(ctx context.Context, arg MarkWebhookEventProcessedParams) (WebhookEvent, error) {
	row := q.db.QueryRow(ctx, markWebhookEventProcessed,
		arg.EventID,
		arg.ProcessedAt,
		arg.RepositoryID,
		arg.ProcessingError,
	)
	return scanWebhookEvent(row)
}
