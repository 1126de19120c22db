package github

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nhle/gh-notifier/internal/httpcache"
	"github.com/nhle/gh-notifier/internal/model"
)

// maxPages bounds a single fetch so a pathological inbox cannot pin the
// background process.
const maxPages = 10

// Adapter implements source.Source for the GitHub notifications API.
// It normalizes provider records and filters out phantom unread
// entries whose read state is inconsistent with their activity
// timestamps.
type Adapter struct {
	client   *Client
	pageSize int
}

// NewAdapter creates a new adapter. The cache may be nil to disable
// conditional fetching.
func NewAdapter(baseURL, token string, pageSize int, cache *httpcache.Cache) *Adapter {
	if pageSize < 1 {
		pageSize = 50
	}
	return &Adapter{
		client:   NewClient(baseURL, token, cache),
		pageSize: pageSize,
	}
}

// ValidateConnection verifies credentials by fetching the authenticated
// user and returns their login.
func (a *Adapter) ValidateConnection(ctx context.Context) (string, error) {
	user, err := a.client.GetUser(ctx)
	if err != nil {
		return "", fmt.Errorf("validating connection: %w", err)
	}
	if user.Login == "" {
		return "", fmt.Errorf("user endpoint returned empty login; token may be invalid")
	}
	return user.Login, nil
}

// FetchNotifications retrieves all pages of the notification list,
// normalizes the records, and drops phantom unread entries. When the
// provider reports the first page unchanged it returns
// httpcache.ErrNotModified (wrapped) without touching later pages.
func (a *Adapter) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	var all []Thread

	for page := 1; page <= maxPages; page++ {
		threads, err := a.client.ListNotifications(ctx, page, a.pageSize)
		if err != nil {
			if errors.Is(err, httpcache.ErrNotModified) {
				return nil, err
			}
			return nil, fmt.Errorf("fetching notifications: %w", err)
		}

		all = append(all, threads...)
		if len(threads) < a.pageSize {
			break
		}
	}

	notifications := make([]model.Notification, 0, len(all))
	for _, thread := range all {
		if !KeepThread(thread) {
			continue
		}
		notifications = append(notifications, Normalize(thread))
	}

	return notifications, nil
}

// MarkRead tells the provider a single thread has been read.
func (a *Adapter) MarkRead(ctx context.Context, id string) error {
	return a.client.MarkThreadRead(ctx, id)
}

// MarkAllRead tells the provider every thread up to lastReadAt has been read.
func (a *Adapter) MarkAllRead(ctx context.Context, lastReadAt time.Time) error {
	return a.client.MarkAllNotificationsRead(ctx, lastReadAt)
}

// Unsubscribe stops future notifications for a thread.
func (a *Adapter) Unsubscribe(ctx context.Context, id string) error {
	return a.client.UnsubscribeThread(ctx, id)
}

// KeepThread decides whether a raw thread survives phantom-unread
// filtering. Explicit unread signals are trusted unconditionally; a
// read thread is dropped only when its read timestamp proves there has
// been no activity since the read event.
func KeepThread(t Thread) bool {
	if t.Unread {
		return true
	}
	if t.LastReadAt == nil {
		// Should not happen when unread is false, but dropping data on a
		// provider inconsistency is worse than showing it.
		return true
	}
	return t.UpdatedAt.After(*t.LastReadAt)
}

// Normalize converts a raw thread into the local notification model.
func Normalize(t Thread) model.Notification {
	return model.Notification{
		ID:    t.ID,
		Title: t.Subject.Title,
		Type:  subjectType(t.Subject.Type),
		Repository: model.Repository{
			ID:        t.Repository.ID,
			FullName:  t.Repository.FullName,
			Owner:     t.Repository.Owner.Login,
			AvatarURL: t.Repository.Owner.AvatarURL,
			HTMLURL:   t.Repository.HTMLURL,
		},
		Reason:     model.Reason(t.Reason),
		Unread:     t.Unread,
		UpdatedAt:  t.UpdatedAt,
		LastReadAt: t.LastReadAt,
		APIURL:     t.URL,
		HTMLURL:    subjectWebURL(t),
	}
}

// subjectType maps the provider's subject type to the closed local set,
// defaulting to issue for anything unrecognized.
func subjectType(raw string) model.SubjectType {
	switch raw {
	case "Issue":
		return model.SubjectIssue
	case "PullRequest":
		return model.SubjectPullRequest
	case "Release":
		return model.SubjectRelease
	case "Discussion":
		return model.SubjectDiscussion
	case "Commit":
		return model.SubjectCommit
	}
	return model.SubjectIssue
}

// subjectWebURL derives the canonical web URL for a thread's subject
// from its API URL. Subjects without an API URL (e.g. discussions) fall
// back to the repository page.
func subjectWebURL(t Thread) string {
	apiURL := t.Subject.URL
	if apiURL == "" {
		if t.Subject.Type == "Discussion" && t.Repository.HTMLURL != "" {
			return t.Repository.HTMLURL + "/discussions"
		}
		return t.Repository.HTMLURL
	}

	web := strings.Replace(apiURL, "api.github.com/repos/", "github.com/", 1)
	web = strings.Replace(web, "/pulls/", "/pull/", 1)
	web = strings.Replace(web, "/commits/", "/commit/", 1)
	return web
}
