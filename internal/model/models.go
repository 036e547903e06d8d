// internal/model/models.go
package model

import (
	"time"
)

// SyncStatus is the lifecycle state of a RepositorySync.
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusInProgress SyncStatus = "in_progress"
	StatusCloning    SyncStatus = "cloning"
	StatusCompleted  SyncStatus = "completed"
	StatusFailed     SyncStatus = "failed"
)

// AllStatuses lists every SyncStatus in lifecycle order.
var AllStatuses = []SyncStatus{StatusPending, StatusInProgress, StatusCloning, StatusCompleted, StatusFailed}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// LogStatus is the outcome recorded by a SyncLogEntry.
type LogStatus string

const (
	LogSuccess LogStatus = "success"
	LogFailed  LogStatus = "failed"
)

// TargetLinkage points a RepositorySync at its mirror on the target host.
// The three fields are always set together.
type TargetLinkage struct {
	URL       string `json:"url"`
	RepoName  string `json:"repo_name"`
	ProjectID int64  `json:"project_id"`
}

// RepositorySync tracks the mirroring of one source repository, keyed by SourceURL.
type RepositorySync struct {
	ID             int64          `json:"id"`
	SourceURL      string         `json:"source_url"`
	SourceOwner    string         `json:"source_owner"`
	SourceName     string         `json:"source_name"`
	SourceFullName string         `json:"source_full_name"`
	SourceRepoID   int64          `json:"source_repo_id"`
	DefaultBranch  string         `json:"default_branch"`
	IsPrivate      bool           `json:"is_private"`
	SizeKB         int            `json:"size_kb"`
	Target         *TargetLinkage `json:"target,omitempty"`
	Status         SyncStatus     `json:"status"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastSyncedAt   *time.Time     `json:"last_synced_at,omitempty"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
}

// TargetURL returns the mirror URL, or "" before provisioning.
func (r *RepositorySync) TargetURL() string {
	if r.Target == nil {
		return ""
	}
	return r.Target.URL
}

// NewRepositorySync holds the fields captured when a repository is first seen.
type NewRepositorySync struct {
	SourceURL      string
	SourceOwner    string
	SourceName     string
	SourceFullName string
	SourceRepoID   int64
	DefaultBranch  string
	IsPrivate      bool
	SizeKB         int
	MaxRetries     int
}

// SyncLogEntry is one append-only audit record of a sync attempt outcome.
type SyncLogEntry struct {
	ID               int64     `json:"id"`
	RepositoryID     int64     `json:"repository_id"`
	EventType        string    `json:"event_type"`
	Status           LogStatus `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	DurationSeconds  int       `json:"duration_seconds"`
	BytesTransferred int64     `json:"bytes_transferred"`
	CreatedAt        time.Time `json:"created_at"`
}

type NewSyncLogEntry struct {
	EventType        string
	Status           LogStatus
	ErrorMessage     string
	DurationSeconds  int
	BytesTransferred int64
}

// WebhookEventRecord is the raw record of one webhook delivery.
type WebhookEventRecord struct {
	ID              int64      `json:"id"`
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"-"`
	Signature       string     `json:"signature"`
	Processed       bool       `json:"processed"`
	ProcessingError string     `json:"processing_error,omitempty"`
	RepositoryID    *int64     `json:"repository_id,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

type NewWebhookEvent struct {
	EventID   string
	EventType string
	Payload   []byte
	Signature string
}

// Delivery carries the transport-level facts of one webhook delivery.
type Delivery struct {
	ID        string
	EventType string
	Signature string
	Payload   []byte
}

// StarEvent is a validated "watch"/"started" webhook event.
type StarEvent struct {
	Action     string
	StarredAt  *time.Time
	Repository SourceRepository
	Sender     string
}

// SourceRepository is the metadata of a repository on the source host.
type SourceRepository struct {
	ID            int64
	Name          string
	FullName      string
	Owner         string
	OwnerType     string
	HTMLURL       string
	CloneURL      string
	DefaultBranch string
	Private       bool
	SizeKB        int
	Description   *string
	Language      *string
	StarsCount    int
	ForksCount    int
}

// TargetRepository is a repository on the target host. PushURL carries credentials
// and must never be persisted or logged.
type TargetRepository struct {
	ID       int64
	Name     string
	URL      string
	CloneURL string
	PushURL  string
}

// TransferStats describes a completed transfer.
type TransferStats struct {
	BytesTransferred int64
	Duration         time.Duration
}
