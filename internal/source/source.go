package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhle/gh-notifier/internal/model"
)

// AuthError indicates that authentication has failed or expired for the
// notification source. It is returned by clients on a 401 response.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Source defines the contract the notification provider integration
// must implement. The provider is an opaque paginated list-with-metadata
// API; mark-read and unsubscribe are idempotent from the caller's side.
type Source interface {
	// ValidateConnection verifies credentials and connectivity.
	// Returns a human-readable identity string on success.
	ValidateConnection(ctx context.Context) (string, error)

	// FetchNotifications retrieves and normalizes the current
	// notification list. It returns httpcache.ErrNotModified (wrapped)
	// when the provider reports no changes since the last fetch, so the
	// caller can reuse its last-known-good data.
	FetchNotifications(ctx context.Context) ([]model.Notification, error)

	// MarkRead tells the provider a single thread has been read.
	MarkRead(ctx context.Context, id string) error

	// MarkAllRead tells the provider every thread up to lastReadAt has
	// been read.
	MarkAllRead(ctx context.Context, lastReadAt time.Time) error

	// Unsubscribe stops future notifications for a thread.
	Unsubscribe(ctx context.Context, id string) error
}
