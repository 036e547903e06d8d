// internal/ledger/ledger.go
package ledger

import (
	"context"
	"fmt"
	"time"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
)

// Ledger is the durable record of repository syncs, their audit log and the
// webhook deliveries that triggered them. Every write is committed before the
// call returns.
type Ledger interface {
	FindBySourceURL(ctx context.Context, sourceURL string) (*model.RepositorySync, error)
	Get(ctx context.Context, id int64) (*model.RepositorySync, error)
	Create(ctx context.Context, rec model.NewRepositorySync) (*model.RepositorySync, error)
	Transition(ctx context.Context, id int64, status model.SyncStatus, fields TransitionFields) (*model.RepositorySync, error)
	AppendLog(ctx context.Context, repositoryID int64, entry model.NewSyncLogEntry) (*model.SyncLogEntry, error)

	RecordWebhook(ctx context.Context, ev model.NewWebhookEvent) (*model.WebhookEventRecord, error)
	FindWebhook(ctx context.Context, eventID string) (*model.WebhookEventRecord, error)
	MarkWebhookProcessed(ctx context.Context, eventID string, repositoryID *int64, processingErr string) error

	List(ctx context.Context, filter ListFilter) ([]model.RepositorySync, error)
	ListLogs(ctx context.Context, repositoryID int64, limit int) ([]model.SyncLogEntry, error)
	CountByStatus(ctx context.Context) (map[model.SyncStatus]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// TransitionFields are the optional changes applied together with a status change.
//
// ErrorMessage replaces the stored message, so an empty value clears it.
// NextRetryAt likewise replaces the stored value. Target and LastSyncedAt are
// only written when non-nil.
//
// ExpectStatus and ExpectRetryCount, when set, make the transition conditional
// on the stored row. The check runs under the row lock, and a mismatch returns
// ErrStaleTransition without writing.
type TransitionFields struct {
	ExpectStatus     model.SyncStatus
	ExpectRetryCount *int

	ErrorMessage   string
	Target         *model.TargetLinkage
	LastSyncedAt   *time.Time
	NextRetryAt    *time.Time
	IncrementRetry bool
}

// ListFilter narrows List. A zero Status matches every status.
type ListFilter struct {
	Status model.SyncStatus
	Limit  int
}

func (f ListFilter) limit() int {
	return clampLimit(f.Limit)
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	default:
		return n
	}
}

// applyTransition mutates rec in place. Both stores read the current row inside
// their transaction, call this, then write the whole row back.
func applyTransition(rec *model.RepositorySync, status model.SyncStatus, f TransitionFields, now time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("unknown sync status %q", status)
	}
	if err := checkExpected(rec, f); err != nil {
		return err
	}
	if f.Target != nil {
		if f.Target.URL == "" || f.Target.RepoName == "" {
			return fmt.Errorf("target linkage for repository %d is incomplete", rec.ID)
		}
		t := *f.Target
		rec.Target = &t
	}

	rec.Status = status
	rec.ErrorMessage = f.ErrorMessage
	rec.NextRetryAt = utcPtr(f.NextRetryAt)
	if f.LastSyncedAt != nil {
		rec.LastSyncedAt = utcPtr(f.LastSyncedAt)
	}
	if f.IncrementRetry {
		rec.RetryCount++
	}
	rec.UpdatedAt = now
	return nil
}

func checkExpected(rec *model.RepositorySync, f TransitionFields) error {
	statusOK := f.ExpectStatus == "" || rec.Status == f.ExpectStatus
	retryOK := f.ExpectRetryCount == nil || rec.RetryCount == *f.ExpectRetryCount
	if statusOK && retryOK {
		return nil
	}
	expected, actual := string(rec.Status), string(rec.Status)
	if f.ExpectStatus != "" {
		expected = string(f.ExpectStatus)
	}
	if f.ExpectRetryCount != nil {
		expected += fmt.Sprintf(" with retry_count %d", *f.ExpectRetryCount)
		actual += fmt.Sprintf(" with retry_count %d", rec.RetryCount)
	}
	return &custom_errors.ErrStaleTransition{ID: rec.ID, Expected: expected, Actual: actual}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func defaultNow() time.Time {
	return time.Now().UTC()
}
