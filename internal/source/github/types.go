package github

import "time"

// Thread is a raw notification record as returned by the provider's
// list endpoint.
type Thread struct {
	ID         string     `json:"id"`
	Unread     bool       `json:"unread"`
	Reason     string     `json:"reason"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastReadAt *time.Time `json:"last_read_at"`
	Subject    Subject    `json:"subject"`
	Repository Repo       `json:"repository"`
	URL        string     `json:"url"`
}

// Subject describes the item the thread is about.
type Subject struct {
	Title            string `json:"title"`
	URL              string `json:"url"`
	LatestCommentURL string `json:"latest_comment_url"`
	Type             string `json:"type"`
}

// Repo is the raw repository descriptor embedded in a thread.
type Repo struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
	HTMLURL  string `json:"html_url"`
	Owner    Owner  `json:"owner"`
}

// Owner is the account owning a repository.
type Owner struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// User is the authenticated principal, used for connection validation.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name"`
}

// apiError is the provider's error response envelope.
type apiError struct {
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url"`
}
