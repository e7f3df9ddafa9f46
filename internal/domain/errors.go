package domain

import "errors"

// Sentinel errors used throughout the application.
// Handlers translate these to HTTP status codes via a single mapError function.
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict: delivery record already exists")
	ErrInvalidChannel    = errors.New("invalid channel: must be sms, email, push, webhook, or social")
	ErrInvalidRecipient  = errors.New("recipient must not be empty")
	ErrInvalidMessage    = errors.New("message must be between 1 and 4096 characters")
	ErrInvalidTransition = errors.New("delivery status transition not allowed")
	ErrInvalidDisaster   = errors.New("disaster id and job type are required")
	ErrInvalidAgent      = errors.New("agent name and task are required")
	ErrBatchEmpty        = errors.New("batch must contain at least one notification")
	ErrBatchTooLarge     = errors.New("batch exceeds maximum size of 1000")
)
