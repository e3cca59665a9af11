// Package model defines domain entities exchanged with the backend and cached locally.
package model

import (
	"time"
)

// Tokens collects an issued access token and its expiry.
type Tokens struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// TokenRead is the wire shape returned by /api/auth/login and /api/auth/token.
type TokenRead struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

// Topic is a node of the hierarchical topic tree.
type Topic struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	ParentID      *int64  `json:"parent_id"`
	ChildrenCount int     `json:"children_count"`
	EntriesCount  int     `json:"entries_count"`
	Children      []Topic `json:"children,omitempty"`
}

// IsRoot reports whether the topic has no parent.
func (t Topic) IsRoot() bool { return t.ParentID == nil }

// TopicCreate is the payload of POST /api/topics/.
type TopicCreate struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id"`
}

// TopicUpdate is the payload of PUT /api/topics/{id}. Nil fields are left unchanged.
type TopicUpdate struct {
	Name     *string `json:"name,omitempty"`
	ParentID *int64  `json:"parent_id,omitempty"`
}

// Entry is a user-authored note attached to exactly one topic.
type Entry struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	TopicID     int64  `json:"topic_id"`
	Topic       *Topic `json:"topic,omitempty"`
}

// EntryCreate is the payload of POST /api/entries/.
type EntryCreate struct {
	Description string `json:"description"`
	TopicID     int64  `json:"topic_id"`
}

// EntryUpdate is the payload of PUT /api/entries/{id}. Nil fields are left unchanged.
type EntryUpdate struct {
	Description *string `json:"description,omitempty"`
	TopicID     *int64  `json:"topic_id,omitempty"`
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }

// String returns a pointer to v.
func String(v string) *string { return &v }
