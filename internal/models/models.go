package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is only ever sent on the wire, never persisted.
	RoleSystem Role = "system"
)

// Message is a single committed conversation turn.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Images    []string  `json:"images,omitempty"`
}

// Conversation is an ordered, append-only list of messages.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds msg at the end of the conversation and bumps UpdatedAt,
// never letting it fall behind CreatedAt.
func (c *Conversation) Append(msg Message, now time.Time) {
	c.Messages = append(c.Messages, msg)
	c.Touch(now)
}

func (c *Conversation) Touch(now time.Time) {
	if now.Before(c.CreatedAt) {
		now = c.CreatedAt
	}
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
}

// Clone returns a copy whose message slice can be appended to without
// aliasing the receiver.
func (c Conversation) Clone() Conversation {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	c.Messages = msgs
	return c
}

func (c Conversation) ImageCount() int {
	n := 0
	for _, m := range c.Messages {
		n += len(m.Images)
	}
	return n
}
