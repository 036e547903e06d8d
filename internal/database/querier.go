// internal/database/querier.go
package database

import (
	"context"
)

type Querier interface {
	CountRepositorySyncsByStatus(ctx context.Context) ([]CountRepositorySyncsByStatusRow, error)
	CreateRepositorySync(ctx context.Context, arg CreateRepositorySyncParams) (RepositorySync, error)
	CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (SyncLog, error)
	CreateWebhookEvent(ctx context.Context, arg CreateWebhookEventParams) (WebhookEvent, error)
	GetRepositorySync(ctx context.Context, id int64) (RepositorySync, error)
	GetRepositorySyncBySourceURL(ctx context.Context, sourceUrl string) (RepositorySync, error)
	GetRepositorySyncForUpdate(ctx context.Context, id int64) (RepositorySync, error)
	GetWebhookEventByEventID(ctx context.Context, eventID string) (WebhookEvent, error)
	ListRepositorySyncs(ctx context.Context, arg ListRepositorySyncsParams) ([]RepositorySync, error)
	ListSyncLogsByRepository(ctx context.Context, arg ListSyncLogsByRepositoryParams) ([]SyncLog, error)
	MarkWebhookEventProcessed(ctx context.Context, arg MarkWebhookEventProcessedParams) (WebhookEvent, error)
	UpdateRepositorySync(ctx context.Context, arg UpdateRepositorySyncParams) (RepositorySync, error)
}

var _ Querier = (*Queries)(nil)
