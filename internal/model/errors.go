package model

import "errors"

var (
	ErrQueueFull           = errors.New("node queue is full")
	ErrInvalidDryRunToken  = errors.New("dry-run token missing, expired or already consumed")
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	ErrJobNotFound         = errors.New("job not found")
	ErrNodeNotFound        = errors.New("unknown node")
	ErrAuthFailure         = errors.New("invalid API key")
)
