package types

import "errors"

// Failure taxonomy. Transient failures self-heal through reassignment or
// retry; the rest are surfaced to callers or the operator.
var (
	// ErrInvalidSubmission is a structural rejection counted against the
	// node's rejection tally.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrAlreadySubmitted rejects the loser of a submission race. The unit
	// keeps the first valid submission.
	ErrAlreadySubmitted = errors.New("unit already submitted")

	// ErrPublishTransient is retried with bounded backoff.
	ErrPublishTransient = errors.New("transient publish failure")

	// ErrPublishFatal marks the window publish_failed for operator
	// inspection; the next window is unaffected.
	ErrPublishFatal = errors.New("fatal publish failure")

	// ErrNodeNotRegistered is returned for operations naming an unknown node.
	ErrNodeNotRegistered = errors.New("node not registered")

	// ErrNodeBanned rejects any interaction from a banned node.
	ErrNodeBanned = errors.New("node is banned")

	// ErrUnitNotFound is returned for operations naming an unknown unit.
	ErrUnitNotFound = errors.New("work unit not found")

	// ErrWindowSealed rejects attribution of submissions to a window that
	// has already passed its close timestamp.
	ErrWindowSealed = errors.New("score window sealed")

	// ErrNoEligibleNodes means assignment found no active node under its
	// concurrency cap.
	ErrNoEligibleNodes = errors.New("no eligible nodes")
)
