package player

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned for a chunk index or seek time outside the
	// manifest bounds. It is rejected locally and causes no state change.
	ErrOutOfRange = errors.New("out of range")

	// ErrFetchFailed is returned when the fetch client could not deliver a
	// chunk. The chunk stays unloaded and is retried by a later buffer pass.
	ErrFetchFailed = errors.New("chunk fetch failed")

	// ErrMutationFailed is returned when the sink rejected an append or remove.
	ErrMutationFailed = errors.New("buffer mutation failed")

	// ErrUnsupportedFormat is fatal for a session.
	ErrUnsupportedFormat = errors.New("unsupported media format")

	// ErrCancelled marks work superseded by a seek, quality switch or close.
	// It is an expected outcome, not a failure.
	ErrCancelled = errors.New("cancelled")

	// ErrSinkBusy is returned when a mutation starts while the sink is still
	// processing a previous one.
	ErrSinkBusy = errors.New("sink is busy")

	// ErrQueueClosed is returned for mutations enqueued on, or still queued
	// in, a closed MutationQueue.
	ErrQueueClosed = errors.New("mutation queue closed")

	// ErrNotReady is returned by session operations that need an initialized,
	// non-failed session.
	ErrNotReady = errors.New("session not ready")

	// ErrUnknownQuality is returned when a quality is not in the manifest.
	ErrUnknownQuality = errors.New("unknown quality")
)

// FetchError is a non-success response from the chunk origin.
type FetchError struct {
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: status %d", ErrFetchFailed, e.Status)
}

// Unwrap lets errors.Is(err, ErrFetchFailed) match.
func (e *FetchError) Unwrap() error {
	return ErrFetchFailed
}
