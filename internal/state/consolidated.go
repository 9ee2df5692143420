package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// ConsolidatedStore maintains one aggregate index document per session at
// sessions/<sessionID>/consolidated.json. Every write is read-merge-write
// under a per-session lock, including the reconciler's Replace, so an append
// landing during a reconcile pass is never lost.
type ConsolidatedStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewConsolidatedStore creates a file-backed ConsolidatedStore rooted at the
// given data directory.
func NewConsolidatedStore(root string) *ConsolidatedStore {
	return &ConsolidatedStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

func (s *ConsolidatedStore) getLock(sessionID types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func (s *ConsolidatedStore) indexPath(sessionID types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(bucket(sessionID)), "consolidated.json")
}

// load reads the session index. Caller must hold the session lock.
func (s *ConsolidatedStore) load(sessionID types.SessionID) (*types.ConsolidatedIndex, error) {
	data, err := os.ReadFile(s.indexPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("read consolidated index: %w", err)
	}
	var index types.ConsolidatedIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("unmarshal consolidated index: %w", err)
	}
	if index.Sensors == nil {
		index.Sensors = make(map[string][]*types.Reading)
	}
	return &index, nil
}

// save writes the session index atomically. Caller must hold the session lock.
func (s *ConsolidatedStore) save(sessionID types.SessionID, index *types.ConsolidatedIndex) error {
	index.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal consolidated index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(sessionID), data); err != nil {
		return fmt.Errorf("write consolidated index: %w", err)
	}
	return nil
}

// Append merges the reading into the session index in timestamp order.
// Timestamps are normalized to UTC microsecond precision to match the
// per-reading file keys. Re-appending an existing (sensor, timestamp) pair
// is a no-op.
func (s *ConsolidatedStore) Append(ctx context.Context, sessionID types.SessionID, reading *types.Reading) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID = bucket(sessionID)

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.load(sessionID)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		index = types.NewConsolidatedIndex(sessionID)
	}

	cp := reading.Clone()
	cp.Timestamp = cp.Timestamp.UTC().Truncate(time.Microsecond)
	if !index.Insert(cp) {
		return nil
	}
	return s.save(sessionID, index)
}

// GetAll returns the session's readings for one sensor in timestamp order.
func (s *ConsolidatedStore) GetAll(ctx context.Context, sessionID types.SessionID, sensorID string) ([]*types.Reading, error) {
	index, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return index.Sensors[sensorID], nil
}

// GetSession returns a deep, independent copy of the whole session index;
// callers (export packaging included) cannot mutate the stored state through
// the result.
func (s *ConsolidatedStore) GetSession(ctx context.Context, sessionID types.SessionID) (*types.ConsolidatedIndex, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sessionID = bucket(sessionID)

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	return index.Clone(), nil
}

// Replace persists a repaired session index in one durable write. Reserved
// for the reconciler's single end-of-pass persist. Appends may have landed
// since the caller took its snapshot, so the current on-disk document is
// merged in under the session lock first; entries are keyed by
// (sensor, timestamp), so the union loses nothing from either side.
func (s *ConsolidatedStore) Replace(ctx context.Context, sessionID types.SessionID, index *types.ConsolidatedIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID = bucket(sessionID)

	lock := s.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.load(sessionID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	if current != nil {
		for _, readings := range current.Sensors {
			for _, r := range readings {
				index.Insert(r)
			}
		}
	}
	return s.save(sessionID, index)
}

// Exists reports whether a consolidated document exists for the session.
func (s *ConsolidatedStore) Exists(sessionID types.SessionID) bool {
	_, err := os.Stat(s.indexPath(bucket(sessionID)))
	return err == nil
}
