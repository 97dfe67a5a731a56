package notifications

import "errors"

// Repository errors.
var (
	ErrQueueItemNotFound = errors.New("queue item not found")
	ErrTemplateNotFound  = errors.New("template not found")
)

// State errors.
var (
	ErrInvalidTransition = errors.New("invalid queue status transition")
	ErrNotCancellable    = errors.New("only pending or scheduled notifications can be cancelled")
	ErrNotRequeueable    = errors.New("only failed notifications can be requeued")
)

// Validation errors.
var (
	ErrInvalidChannel  = errors.New("unknown channel")
	ErrEmptyContent    = errors.New("body or template key is required")
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
	ErrInvalidTemplate = errors.New("template data must be a JSON object")
	ErrEmptyRecipient  = errors.New("recipient is required")
	ErrInvalidMaxRetry = errors.New("max retries must not be negative")
)

// errNoSender is the failure reason recorded when no sender handles a channel.
const errNoSender = "No sender available"
