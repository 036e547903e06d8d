// internal/errors/errors.go
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrInvalidRepoFormat is returned when a repository string is not in 'owner/name' format.
type ErrInvalidRepoFormat struct {
	Repo string
}

func (e *ErrInvalidRepoFormat) Error() string {
	return fmt.Sprintf("invalid repository format: %q, expected 'owner/name'", e.Repo)
}

// ErrSignatureInvalid is returned when a webhook signature is absent, malformed or does not match.
type ErrSignatureInvalid struct {
	Reason string
}

func (e *ErrSignatureInvalid) Error() string {
	return "invalid webhook signature: " + e.Reason
}

// ErrPayloadInvalid is returned when a webhook body is not JSON or does not have the star-event shape.
type ErrPayloadInvalid struct {
	Reason string
}

func (e *ErrPayloadInvalid) Error() string {
	return "invalid webhook payload: " + e.Reason
}

// ErrSourceAPI wraps any failure talking to the source Git host.
type ErrSourceAPI struct {
	Op  string
	Err error
}

func (e *ErrSourceAPI) Error() string {
	return fmt.Sprintf("source API %s: %v", e.Op, e.Err)
}

func (e *ErrSourceAPI) Unwrap() error { return e.Err }

// ErrTargetAPI wraps a non-success response or transport failure from the target Git host.
// StatusCode is zero when no response was received.
type ErrTargetAPI struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ErrTargetAPI) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("target API %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("target API %s: %v", e.Op, e.Err)
}

func (e *ErrTargetAPI) Unwrap() error { return e.Err }

// ErrTargetConflict is returned when the target repository already exists and the
// conflict strategy is "fail".
type ErrTargetConflict struct {
	Name string
}

func (e *ErrTargetConflict) Error() string {
	return fmt.Sprintf("target repository %q already exists", e.Name)
}

// ErrTransfer wraps a failed or timed out clone/push.
type ErrTransfer struct {
	Stage string // "prepare", "clone" or "push"
	Err   error
}

func (e *ErrTransfer) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *ErrTransfer) Unwrap() error { return e.Err }

// ErrDuplicateKey is returned by the ledger when a unique key is already present.
type ErrDuplicateKey struct {
	Entity string
	Key    string
}

func (e *ErrDuplicateKey) Error() string {
	return fmt.Sprintf("%s with key %q already exists", e.Entity, e.Key)
}

// ErrNotFound is returned by the ledger when a record does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

// ErrStaleTransition is returned by the ledger when a conditional transition finds
// the record no longer in the expected state, because another event moved it first.
type ErrStaleTransition struct {
	ID       int64
	Expected string
	Actual   string
}

func (e *ErrStaleTransition) Error() string {
	return fmt.Sprintf("repository sync %d is %s, expected %s", e.ID, e.Actual, e.Expected)
}

// IsRetryable reports whether err represents a transient external fault that the
// outer retry policy may re-run.
func IsRetryable(err error) bool {
	var (
		src *ErrSourceAPI
		tgt *ErrTargetAPI
		trf *ErrTransfer
	)
	return stderrors.As(err, &src) || stderrors.As(err, &tgt) || stderrors.As(err, &trf)
}

// IsDomainFailure reports whether err is an expected sync failure that has been
// durably recorded: a retryable kind or a target conflict.
func IsDomainFailure(err error) bool {
	var conflict *ErrTargetConflict
	return IsRetryable(err) || stderrors.As(err, &conflict)
}

// IsDuplicateKey reports whether err is an ErrDuplicateKey.
func IsDuplicateKey(err error) bool {
	var dup *ErrDuplicateKey
	return stderrors.As(err, &dup)
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return stderrors.As(err, &nf)
}

// IsStaleTransition reports whether err is an ErrStaleTransition.
func IsStaleTransition(err error) bool {
	var stale *ErrStaleTransition
	return stderrors.As(err, &stale)
}
