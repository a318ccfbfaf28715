// Package chat defines the platform-neutral surface the bot presents to
// a chat service: a dashboard message with controls, log threads, and
// inbound command events. Platform packages (discord, slack) implement
// these interfaces; the rest of the bot never imports a platform SDK.
package chat

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrForbidden indicates the platform rejected an operation for lack of
// permission. Callers treat it as non-retryable.
var ErrForbidden = errors.New("chat: forbidden")

// ErrNotFound indicates a referenced message or thread no longer exists.
var ErrNotFound = errors.New("chat: not found")

// RateLimitedError reports a platform rate limit with the wait the
// platform asked for.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("chat: rate limited, retry after %s", e.RetryAfter)
}

// ThreadRef identifies a log thread on the platform.
type ThreadRef struct {
	ID   string
	Name string
}

// ThreadTransport is the slice of a platform adapter the log pipeline
// needs: create and address threads, and post text into them.
type ThreadTransport interface {
	// CreateThread opens a new log thread with the given name and
	// returns its reference.
	CreateThread(ctx context.Context, name string) (ThreadRef, error)

	// FetchThread resolves an existing thread by ID. Returns
	// ErrNotFound if it was deleted or archived out of reach.
	FetchThread(ctx context.Context, id string) (ThreadRef, error)

	// PostChunk sends one message into the thread. The text is already
	// sized to fit a single platform message.
	PostChunk(ctx context.Context, threadID, text string) error
}
