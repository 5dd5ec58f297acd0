package model

import "errors"

var (
	// ErrStoreUnavailable means a store query or persist failed.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrChannelUnavailable means a realtime subscribe or publish failed.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrNotFound means no conversation was found and none could be created.
	ErrNotFound = errors.New("not found")
	// ErrInvalidParticipants is returned for empty or identical participant ids.
	ErrInvalidParticipants = errors.New("invalid participants")
	// ErrHandleClosed is returned by operations on a closed conversation handle.
	ErrHandleClosed = errors.New("handle closed")
	// ErrNotRetryable is returned when retrying a message that is not in the failed state.
	ErrNotRetryable = errors.New("message is not retryable")
)
