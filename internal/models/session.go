package models

import (
	"time"

	"github.com/google/uuid"
)

// Session groups an ordered message history under one conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// MessageCount is derived by counting owned messages, never stored.
	MessageCount int64 `json:"message_count"`
}

// NewID returns a fresh opaque identifier for sessions and messages.
func NewID() string {
	return uuid.NewString()
}
