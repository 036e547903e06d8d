// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/ledger"
	"github-star-mirror/internal/model"
	"github-star-mirror/internal/retry"
)

const (
	// Number of repositories to backfill in parallel
	defaultConcurrency = 5

	logEventType = "star"
)

// Outcome statuses reported to the webhook caller.
const (
	StatusSuccess       = "success"
	StatusAlreadySynced = "already_synced"
	StatusFailed        = "failed"
)

// Provisioner creates repositories on the target host.
type Provisioner interface {
	RepositoryName(owner, repo string) string
	EnsureRepository(ctx context.Context, name, description string) (*model.TargetRepository, error)
}

// Transferrer copies git history from the source to the target.
type Transferrer interface {
	Transfer(ctx context.Context, sourceURL, pushURL, branch string) (model.TransferStats, error)
}

// Inspector reads repository metadata from the source host.
type Inspector interface {
	GetRepository(ctx context.Context, owner, name string) (*model.SourceRepository, error)
}

// Metrics is notified at each point a sync attempt starts or ends.
type Metrics interface {
	SyncStarted()
	SyncSucceeded(d time.Duration)
	SyncFailed(d time.Duration)
	SyncAlreadySynced()
}

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

func (r RepoIdentifier) String() string {
	return r.Owner + "/" + r.Name
}

// Outcome is the result of processing one star event.
type Outcome struct {
	Status          string `json:"status"`
	RepositoryID    int64  `json:"repository_id,omitempty"`
	TargetURL       string `json:"target_url,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Error           string `json:"error,omitempty"`
}

// BackfillResult is the per-repository result of SyncRepositories.
type BackfillResult struct {
	Repo    RepoIdentifier
	Outcome *Outcome
	Err     error
}

// Options tunes the Syncer. Inspector and Metrics are optional.
type Options struct {
	// MaxRetries is stored on every new record and bounds how often a failed
	// record is resumed by later events.
	MaxRetries  int
	Retry       retry.Policy
	Concurrency int
	Inspector   Inspector
	Metrics     Metrics
}

// Syncer drives a repository through pending, in_progress, cloning and
// completed (or failed), committing each step to the ledger before the next.
type Syncer struct {
	ledger      ledger.Ledger
	provisioner Provisioner
	transferrer Transferrer
	inspector   Inspector
	metrics     Metrics
	policy      retry.Policy
	maxRetries  int
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(store ledger.Ledger, provisioner Provisioner, transferrer Transferrer, logger *slog.Logger, opts Options) *Syncer {
	policy := opts.Retry
	if policy.Retryable == nil {
		policy.Retryable = custom_errors.IsRetryable
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = policy.MaxAttempts
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Syncer{
		ledger:      store,
		provisioner: provisioner,
		transferrer: transferrer,
		inspector:   opts.Inspector,
		metrics:     metrics,
		policy:      policy,
		maxRetries:  maxRetries,
		concurrency: concurrency,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Process runs ProcessStarEvent under the retry policy. Only retryable failures
// re-run the event; the outcome of the last attempt is returned with its error.
func (s *Syncer) Process(ctx context.Context, ev *model.StarEvent, d model.Delivery) (*Outcome, error) {
	var out *Outcome
	err := s.policy.Do(ctx, "process_star_event", func(ctx context.Context) error {
		o, err := s.ProcessStarEvent(ctx, ev, d)
		if o != nil {
			out = o
		}
		return err
	})
	return out, err
}

// ProcessStarEvent mirrors the starred repository once. A repository already
// known to the ledger is reported as already_synced without side effects,
// unless its last attempt failed and it still has retries left, in which case
// the sync resumes from in_progress.
//
// Failures after the record exists are written to the ledger before returning.
// The returned Outcome is non-nil for every failure that was recorded.
func (s *Syncer) ProcessStarEvent(ctx context.Context, ev *model.StarEvent, d model.Delivery) (*Outcome, error) {
	start := s.now()
	src := ev.Repository
	logger := s.logger.With("repo", src.FullName, "delivery_id", d.ID)

	hook, err := s.recordDelivery(ctx, d)
	if err != nil {
		return nil, err
	}
	if hook.Processed && hook.ProcessingError == "" && hook.RepositoryID != nil {
		rec, err := s.ledger.Get(ctx, *hook.RepositoryID)
		if err != nil {
			return nil, fmt.Errorf("loading repository for delivery %s: %w", d.ID, err)
		}
		logger.Info("Delivery already processed", "repo_id", rec.ID)
		s.metrics.SyncAlreadySynced()
		return alreadySynced(rec), nil
	}

	rec, err := s.ledger.FindBySourceURL(ctx, src.CloneURL)
	if err != nil {
		return nil, err
	}
	switch {
	case rec != nil && !resumable(rec):
		return s.alreadySynced(ctx, logger, rec, d.ID)
	case rec != nil:
		logger.Info("Resuming failed sync", "repo_id", rec.ID, "retry_count", rec.RetryCount, "max_retries", rec.MaxRetries)
	default:
		rec, err = s.ledger.Create(ctx, s.newRecord(src))
		if custom_errors.IsDuplicateKey(err) {
			// Lost the race to a concurrent event for the same repository.
			existing, findErr := s.ledger.FindBySourceURL(ctx, src.CloneURL)
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil {
				return nil, err
			}
			return s.alreadySynced(ctx, logger, existing, d.ID)
		}
		if err != nil {
			return nil, err
		}
		logger.Info("Created repository sync record", "repo_id", rec.ID)
	}
	logger = logger.With("repo_id", rec.ID)

	if err := s.claim(ctx, rec); err != nil {
		if !custom_errors.IsStaleTransition(err) {
			return nil, fmt.Errorf("claiming repository %d: %w", rec.ID, err)
		}
		// Another event claimed the record after we read it.
		current, getErr := s.ledger.Get(ctx, rec.ID)
		if getErr != nil {
			return nil, getErr
		}
		return s.alreadySynced(ctx, logger, current, d.ID)
	}

	s.metrics.SyncStarted()
	targetURL, stats, err := s.mirror(ctx, logger, rec, src)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.metrics.SyncFailed(elapsed)
		return s.fail(ctx, logger, rec, d.ID, err, elapsed)
	}
	s.metrics.SyncSucceeded(elapsed)

	duration := int(elapsed.Seconds())
	if _, err := s.ledger.AppendLog(ctx, rec.ID, model.NewSyncLogEntry{
		EventType:        logEventType,
		Status:           model.LogSuccess,
		DurationSeconds:  duration,
		BytesTransferred: stats.BytesTransferred,
	}); err != nil {
		return nil, fmt.Errorf("appending success log for repository %d: %w", rec.ID, err)
	}
	if err := s.ledger.MarkWebhookProcessed(ctx, d.ID, &rec.ID, ""); err != nil {
		return nil, fmt.Errorf("marking delivery %s processed: %w", d.ID, err)
	}

	logger.Info("Successfully synced repository", "target_url", targetURL, "duration", duration, "bytes", stats.BytesTransferred)
	return &Outcome{
		Status:          StatusSuccess,
		RepositoryID:    rec.ID,
		TargetURL:       targetURL,
		DurationSeconds: duration,
	}, nil
}

// claim moves rec to in_progress only if it is still in the state this event
// read. Of two events that saw the same record, one gets ErrStaleTransition.
func (s *Syncer) claim(ctx context.Context, rec *model.RepositorySync) error {
	retries := rec.RetryCount
	_, err := s.ledger.Transition(ctx, rec.ID, model.StatusInProgress, ledger.TransitionFields{
		ExpectStatus:     rec.Status,
		ExpectRetryCount: &retries,
	})
	return err
}

// mirror runs the provisioning, cloning and completed steps of a claimed record.
func (s *Syncer) mirror(ctx context.Context, logger *slog.Logger, rec *model.RepositorySync, src model.SourceRepository) (string, model.TransferStats, error) {
	name := s.provisioner.RepositoryName(src.Owner, src.Name)
	logger.Info("Provisioning target repository", "target_name", name)
	target, err := s.provisioner.EnsureRepository(ctx, name, "Synced from GitHub: "+src.FullName)
	if err != nil {
		return "", model.TransferStats{}, err
	}
	linkage := &model.TargetLinkage{URL: target.URL, RepoName: target.Name, ProjectID: target.ID}
	if _, err := s.ledger.Transition(ctx, rec.ID, model.StatusCloning, ledger.TransitionFields{Target: linkage}); err != nil {
		return "", model.TransferStats{}, err
	}

	stats, err := s.transferrer.Transfer(ctx, src.CloneURL, target.PushURL, src.DefaultBranch)
	if err != nil {
		return "", model.TransferStats{}, err
	}

	syncedAt := s.now()
	if _, err := s.ledger.Transition(ctx, rec.ID, model.StatusCompleted, ledger.TransitionFields{LastSyncedAt: &syncedAt}); err != nil {
		return "", model.TransferStats{}, err
	}
	return target.URL, stats, nil
}

// fail records cause against rec. Retryable causes also get a failed log entry
// and close out the delivery; anything else leaves the delivery unprocessed.
func (s *Syncer) fail(ctx context.Context, logger *slog.Logger, rec *model.RepositorySync, deliveryID string, cause error, elapsed time.Duration) (*Outcome, error) {
	msg := cause.Error()
	retryable := custom_errors.IsRetryable(cause)

	fields := ledger.TransitionFields{ErrorMessage: msg, IncrementRetry: true}
	if retryable {
		next := s.now().Add(s.policy.Delay(rec.RetryCount + 1))
		fields.NextRetryAt = &next
	}
	if _, err := s.ledger.Transition(ctx, rec.ID, model.StatusFailed, fields); err != nil {
		logger.Error("Failed to record sync failure", "error", err, "cause", msg)
		return nil, fmt.Errorf("recording failure of repository %d: %w", rec.ID, err)
	}

	out := &Outcome{
		Status:          StatusFailed,
		RepositoryID:    rec.ID,
		DurationSeconds: int(elapsed.Seconds()),
		Error:           msg,
	}
	if !retryable {
		logger.Error("Sync failed with a non-retryable error", "error", cause)
		return out, cause
	}

	logger.Error("Sync failed", "error", cause)
	if _, err := s.ledger.AppendLog(ctx, rec.ID, model.NewSyncLogEntry{
		EventType:       logEventType,
		Status:          model.LogFailed,
		ErrorMessage:    msg,
		DurationSeconds: out.DurationSeconds,
	}); err != nil {
		return nil, fmt.Errorf("appending failure log for repository %d: %w", rec.ID, err)
	}
	if err := s.ledger.MarkWebhookProcessed(ctx, deliveryID, &rec.ID, msg); err != nil {
		return nil, fmt.Errorf("marking delivery %s processed: %w", deliveryID, err)
	}
	return out, cause
}

func (s *Syncer) alreadySynced(ctx context.Context, logger *slog.Logger, rec *model.RepositorySync, deliveryID string) (*Outcome, error) {
	logger.Info("Repository already synced", "repo_id", rec.ID, "status", rec.Status)
	if err := s.ledger.MarkWebhookProcessed(ctx, deliveryID, &rec.ID, ""); err != nil {
		return nil, fmt.Errorf("marking delivery %s processed: %w", deliveryID, err)
	}
	s.metrics.SyncAlreadySynced()
	return alreadySynced(rec), nil
}

// recordDelivery stores the raw delivery, returning the existing record when the
// delivery id has been seen before.
func (s *Syncer) recordDelivery(ctx context.Context, d model.Delivery) (*model.WebhookEventRecord, error) {
	hook, err := s.ledger.RecordWebhook(ctx, model.NewWebhookEvent{
		EventID:   d.ID,
		EventType: d.EventType,
		Payload:   d.Payload,
		Signature: d.Signature,
	})
	if custom_errors.IsDuplicateKey(err) {
		return s.ledger.FindWebhook(ctx, d.ID)
	}
	return hook, err
}

func (s *Syncer) newRecord(src model.SourceRepository) model.NewRepositorySync {
	return model.NewRepositorySync{
		SourceURL:      src.CloneURL,
		SourceOwner:    src.Owner,
		SourceName:     src.Name,
		SourceFullName: src.FullName,
		SourceRepoID:   src.ID,
		DefaultBranch:  src.DefaultBranch,
		IsPrivate:      src.Private,
		SizeKB:         src.SizeKB,
		MaxRetries:     s.maxRetries,
	}
}

func resumable(rec *model.RepositorySync) bool {
	return rec.Status == model.StatusFailed && rec.RetryCount < rec.MaxRetries
}

func alreadySynced(rec *model.RepositorySync) *Outcome {
	return &Outcome{Status: StatusAlreadySynced, RepositoryID: rec.ID, TargetURL: rec.TargetURL()}
}

// SyncRepository mirrors a repository that was starred before the webhook was
// installed. Metadata comes from the Inspector and the sync runs through the
// same path as a webhook delivery.
func (s *Syncer) SyncRepository(ctx context.Context, id RepoIdentifier) (*Outcome, error) {
	if s.inspector == nil {
		return nil, errors.New("backfill requires a source inspector")
	}
	logger := s.logger.With("owner", id.Owner, "repo", id.Name)
	logger.Info("Backfilling repository")

	src, err := s.inspector.GetRepository(ctx, id.Owner, id.Name)
	if err != nil {
		return nil, err
	}
	ev := &model.StarEvent{Action: "started", Repository: *src, Sender: "backfill"}
	payload, err := json.Marshal(backfillPayload{Action: ev.Action, Repository: src.FullName, CloneURL: src.CloneURL})
	if err != nil {
		return nil, fmt.Errorf("encoding backfill payload: %w", err)
	}
	return s.Process(ctx, ev, model.Delivery{
		ID:        "backfill-" + uuid.NewString(),
		EventType: "watch",
		Signature: "backfill",
		Payload:   payload,
	})
}

type backfillPayload struct {
	Action     string `json:"action"`
	Repository string `json:"repository"`
	CloneURL   string `json:"clone_url"`
}

// SyncRepositories backfills every repository concurrently. Per-repository
// failures are reported in the results, never as an overall error.
func (s *Syncer) SyncRepositories(ctx context.Context, repos []string) ([]BackfillResult, error) {
	ids, err := ParseRepoIdentifiers(repos)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Starting backfill", "repositories", len(ids), "concurrency", s.concurrency)
	results := make([]BackfillResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i, id := range ids {
		g.Go(func() error {
			results[i].Repo = id
			if gctx.Err() != nil {
				results[i].Err = gctx.Err()
				return nil
			}
			out, err := s.SyncRepository(gctx, id)
			results[i].Outcome = out
			results[i].Err = err
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Failed to backfill repository", "owner", id.Owner, "repo", id.Name, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Backfill finished with an error", "error", err)
		return results, err
	}
	s.logger.Info("Backfill finished")
	return results, nil
}

// ParseRepoIdentifiers parses "owner/name" strings.
func ParseRepoIdentifiers(repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		parts := strings.Split(r, "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}

type noopMetrics struct{}

func (noopMetrics) SyncStarted()                {}
func (noopMetrics) SyncSucceeded(time.Duration) {}
func (noopMetrics) SyncFailed(time.Duration)    {}
func (noopMetrics) SyncAlreadySynced()          {}
