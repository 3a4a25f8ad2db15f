package task

import "errors"

var (
	// ErrForbidden means the actor lacks the rights for the transition
	// or action. Never retried, always surfaced.
	ErrForbidden = errors.New("forbidden")

	// ErrCommentRequired means a send-back-to-rework transition was
	// attempted without a comment. Checked before any mutation.
	ErrCommentRequired = errors.New("comment required")

	// ErrUnsupportedTransition means the target status is not a valid
	// transition target at all.
	ErrUnsupportedTransition = errors.New("unsupported transition")
)
