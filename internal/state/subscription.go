package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/sensorhub/internal/types"
)

// SubscriptionStore persists registered sensor subscriptions in
// subscriptions.json so the router can replay the filter set on startup.
type SubscriptionStore struct {
	root string
	mu   sync.RWMutex
}

func NewSubscriptionStore(root string) *SubscriptionStore {
	return &SubscriptionStore{root: root}
}

func (s *SubscriptionStore) path() string {
	return filepath.Join(s.root, "subscriptions.json")
}

func (s *SubscriptionStore) load() ([]*types.SensorSubscription, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	var subs []*types.SensorSubscription
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("unmarshal subscriptions: %w", err)
	}
	return subs, nil
}

func (s *SubscriptionStore) save(subs []*types.SensorSubscription) error {
	data, err := json.MarshalIndent(subs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriptions: %w", err)
	}
	return writeFileAtomic(s.path(), data)
}

func (s *SubscriptionStore) Add(ctx context.Context, sub *types.SensorSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sub.TopicFilter == "" {
		return fmt.Errorf("empty topic filter")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range subs {
		if existing.ID == sub.ID {
			return fmt.Errorf("subscription already exists: %s", sub.ID)
		}
	}
	return s.save(append(subs, sub))
}

func (s *SubscriptionStore) Remove(ctx context.Context, id types.SubscriptionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	subs, err := s.load()
	if err != nil {
		return err
	}
	kept := subs[:0]
	found := false
	for _, sub := range subs {
		if sub.ID == id {
			found = true
			continue
		}
		kept = append(kept, sub)
	}
	if !found {
		return fmt.Errorf("subscription %s: %w", id, types.ErrNotFound)
	}
	return s.save(kept)
}

func (s *SubscriptionStore) List(ctx context.Context) ([]*types.SensorSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load()
}
