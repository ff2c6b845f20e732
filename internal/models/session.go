package models

import "time"

// Session is a caller-scoped conversation: an ordered transcript plus activity times.
type Session struct {
	ID           string     `json:"id"`
	Messages     []*Message `json:"messages"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// Clone returns a deep copy of s, transcript included.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = CloneMessages(s.Messages)
	return &c
}
