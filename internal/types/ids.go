// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type SubscriptionID string

// Handle identifies one router subscription and is returned by Subscribe so
// the caller can later Unsubscribe exactly that registration.
type Handle string

// UnassignedSession is the reserved bucket for readings captured outside any
// active session. The session store refuses to create a session with this id.
const UnassignedSession SessionID = "unassigned"

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New().String())
}

func NewHandle() Handle {
	return Handle(uuid.New().String())
}
