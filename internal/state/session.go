package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// SessionStore is a JSON-file-backed session store. Session records live in
// sessions/sessions.json; each session's readings and consolidated index
// live under sessions/<sessionID>/.
type SessionStore struct {
	root string
	mu   sync.RWMutex
}

// NewSessionStore creates a file-backed SessionStore rooted at the given
// data directory.
func NewSessionStore(root string) *SessionStore {
	return &SessionStore{root: root}
}

func (s *SessionStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "sessions.json")
}

func (s *SessionStore) sessionDir(id types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(id))
}

// loadIndex reads sessions.json and returns a map keyed by session id.
func (s *SessionStore) loadIndex() (map[types.SessionID]*types.Session, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.SessionID]*types.Session), nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}

	var sessions []*types.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal session index: %w", err)
	}

	index := make(map[types.SessionID]*types.Session, len(sessions))
	for _, sess := range sessions {
		index[sess.ID] = sess
	}
	return index, nil
}

// saveIndex converts the map to a slice, marshals with indentation, and
// writes atomically.
func (s *SessionStore) saveIndex(index map[types.SessionID]*types.Session) error {
	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session index: %w", err)
	}
	return writeFileAtomic(s.indexPath(), data)
}

// Create persists a new session record and its directory. The reserved
// session-less bucket id is rejected.
func (s *SessionStore) Create(ctx context.Context, session *types.Session) error {
	if session.ID == "" || session.ID == types.UnassignedSession {
		return fmt.Errorf("invalid session id %q", session.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[session.ID]; ok {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now
	index[session.ID] = session

	if err := s.saveIndex(index); err != nil {
		return err
	}
	if err := os.MkdirAll(s.sessionDir(session.ID), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	return nil
}

// Get returns the session with the given id, or types.ErrNotFound.
func (s *SessionStore) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sess, ok := index[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	return sess, nil
}

// List returns all sessions.
func (s *SessionStore) List(ctx context.Context) ([]*types.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	sessions := make([]*types.Session, 0, len(index))
	for _, sess := range index {
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Update persists changes to the given session, setting UpdatedAt to now.
func (s *SessionStore) Update(ctx context.Context, session *types.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, types.ErrNotFound)
	}

	session.UpdatedAt = time.Now().UTC()
	index[session.ID] = session
	return s.saveIndex(index)
}

// Delete removes the session record and its whole directory, readings and
// consolidated index included.
func (s *SessionStore) Delete(ctx context.Context, id types.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := index[id]; !ok {
		return fmt.Errorf("session %s: %w", id, types.ErrNotFound)
	}
	delete(index, id)

	if err := s.saveIndex(index); err != nil {
		return err
	}
	if err := os.RemoveAll(s.sessionDir(id)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	return nil
}
