// internal/database/models.go
package database

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type RepositorySync struct {
	ID              int64
	SourceUrl       string
	SourceOwner     string
	SourceName      string
	SourceFullName  string
	SourceRepoID    pgtype.Int8
	DefaultBranch   pgtype.Text
	IsPrivate       bool
	SizeKb          pgtype.Int4
	TargetUrl       pgtype.Text
	TargetRepoName  pgtype.Text
	TargetProjectID pgtype.Int8
	Status          string
	ErrorMessage    pgtype.Text
	RetryCount      int32
	MaxRetries      int32
	CreatedAt       pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
	LastSyncedAt    pgtype.Timestamptz
	NextRetryAt     pgtype.Timestamptz
}

type SyncLog struct {
	ID               int64
	RepositoryID     int64
	EventType        string
	Status           string
	ErrorMessage     pgtype.Text
	DurationSeconds  pgtype.Int4
	BytesTransferred pgtype.Int8
	CreatedAt        pgtype.Timestamptz
}

type WebhookEvent struct {
	ID              int64
	EventID         string
	EventType       string
	Payload         []byte
	Signature       string
	Processed       bool
	ProcessingError pgtype.Text
	RepositoryID    pgtype.Int8
	ReceivedAt      pgtype.Timestamptz
	ProcessedAt     pgtype.Timestamptz
}
