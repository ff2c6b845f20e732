package store

import (
	"context"
	"time"

	"chatrouter/internal/models"
)

// Mirror is an optional write-through copy of the store. The store calls it
// while holding the session lock, so calls for one session are ordered.
// Mirror failures never fail the in-memory operation.
type Mirror interface {
	Kind() string
	// Put records a freshly created session.
	Put(ctx context.Context, session *models.Session) error
	// Append records messages appended at the given activity time.
	Append(ctx context.Context, id string, msgs []*models.Message, at time.Time) error
	// Load returns ErrNotFound when the mirror has no such session.
	Load(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
}
