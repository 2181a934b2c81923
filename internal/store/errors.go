package store

import "errors"

// Error taxonomy for the orchestration core.
//
// StaleAttempt and AlreadyClaimed are expected under at-least-once
// delivery and handled locally by the caller aborting. CommitConflict,
// MaxAttempts and GrantViolation are surfaced to operator-visible
// monitoring and must not fail silently.
var (
	// ErrStaleAttempt means the caller's (attempt, lease_token) no
	// longer match the stored values. Always a signal to abort; never
	// retried by the caller itself.
	ErrStaleAttempt = errors.New("stale attempt: lease fencing check failed")

	// ErrAlreadyClaimed means another valid lease exists for the task.
	ErrAlreadyClaimed = errors.New("task already claimed")

	// ErrTaskCanceled means the task was cooperatively canceled; the
	// worker must stop without committing outputs.
	ErrTaskCanceled = errors.New("task canceled")

	// ErrCommitConflict means a replace commit found the target scope
	// already advanced by a newer attempt.
	ErrCommitConflict = errors.New("commit conflict: scope advanced by newer attempt")

	// ErrMaxAttempts means the task exhausted its retry budget and is
	// terminally failed.
	ErrMaxAttempts = errors.New("max attempts exceeded")

	// ErrMalformedOutput means a staged output failed structural
	// validation at commit time; nothing is committed.
	ErrMalformedOutput = errors.New("malformed output")

	// ErrBackpressure means the job's bound on outstanding queued
	// tasks is reached; the caller should retry later.
	ErrBackpressure = errors.New("too many queued tasks for job")

	// ErrNotFound is returned for lookups of unknown rows.
	ErrNotFound = errors.New("not found")
)
