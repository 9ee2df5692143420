// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when no record exists for the key.
var ErrNotFound = errors.New("not found")

type ReadingStore interface {
	// Put persists the reading and returns the stored copy, whose timestamp
	// may have been nudged forward to resolve a (sensor, timestamp) collision.
	Put(ctx context.Context, reading *Reading) (*Reading, error)
	Get(ctx context.Context, sessionID SessionID, sensorID string, ts time.Time) (*Reading, error)
	ListSensor(ctx context.Context, sessionID SessionID, sensorID string) ([]*Reading, error)
	List(ctx context.Context, sessionID SessionID) ([]*Reading, error)
}

type ConsolidatedStore interface {
	Append(ctx context.Context, sessionID SessionID, reading *Reading) error
	GetAll(ctx context.Context, sessionID SessionID, sensorID string) ([]*Reading, error)
	GetSession(ctx context.Context, sessionID SessionID) (*ConsolidatedIndex, error)
	// Replace overwrites the whole session index in one durable write,
	// merging in any entries appended since the caller's snapshot.
	// Used by the reconciler's single end-of-pass persist.
	Replace(ctx context.Context, sessionID SessionID, index *ConsolidatedIndex) error
	Exists(sessionID SessionID) bool
}

type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id SessionID) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Update(ctx context.Context, session *Session) error
	Delete(ctx context.Context, id SessionID) error
}

type SubscriptionStore interface {
	Add(ctx context.Context, sub *SensorSubscription) error
	Remove(ctx context.Context, id SubscriptionID) error
	List(ctx context.Context) ([]*SensorSubscription, error)
}
