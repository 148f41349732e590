package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	registrystore "github.com/chirino/chat-service/internal/registry/store"
)

// Reasons reported to clients in turn-error events.
const (
	ReasonUnauthorized      = "unauthorized"
	ReasonChatNotFound      = "chat not found"
	ReasonEmptyMessage      = "empty message"
	ReasonStorageError      = "storage error"
	ReasonGenerationTimeout = "generation timeout"
	ReasonGenerationFailed  = "generation failed"
	ReasonQueueTimeout      = "queue timeout"
	ReasonBusy              = "too many pending messages"
)

// ErrBusy rejects a message because its connection already has the maximum
// number of turns in flight.
var ErrBusy = errors.New("too many pending messages")

// QueueTimeoutError is a turn that gave up waiting for earlier turns of the
// same chat. Nothing was written.
type QueueTimeoutError struct {
	Waited time.Duration
	Err    error
}

func (e *QueueTimeoutError) Error() string {
	return fmt.Sprintf("gave up after waiting %s for earlier messages of the chat: %v", e.Waited, e.Err)
}

func (e *QueueTimeoutError) Unwrap() error { return e.Err }

// StorageError is a failed required write or read of the conversation store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// GenerationError is a failed or timed out call to the generation backend.
type GenerationError struct {
	Timeout bool
	Err     error
}

func (e *GenerationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("generation timed out: %v", e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Reason maps a pipeline error to the reason sent to the client.
func Reason(err error) string {
	var (
		notFound   *registrystore.NotFoundError
		forbidden  *registrystore.ForbiddenError
		validation *registrystore.ValidationError
		generation *GenerationError
		queued     *QueueTimeoutError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBusy):
		return ReasonBusy
	case errors.As(err, &queued):
		return ReasonQueueTimeout
	case errors.As(err, &forbidden):
		return ReasonUnauthorized
	case errors.As(err, &notFound):
		return ReasonChatNotFound
	case errors.As(err, &validation):
		return ReasonEmptyMessage
	case errors.As(err, &generation):
		if generation.Timeout {
			return ReasonGenerationTimeout
		}
		return ReasonGenerationFailed
	default:
		return ReasonStorageError
	}
}

// clientError reports errors caused by the request rather than a backend.
func clientError(err error) bool {
	var (
		notFound   *registrystore.NotFoundError
		forbidden  *registrystore.ForbiddenError
		validation *registrystore.ValidationError
	)
	return errors.As(err, &notFound) || errors.As(err, &forbidden) || errors.As(err, &validation) || errors.Is(err, ErrBusy)
}

// storageError passes client errors through and wraps everything else.
func storageError(op string, err error) error {
	if clientError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
