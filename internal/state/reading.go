package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// maxCollisionProbes bounds the +1µs disambiguation walk in Put.
const maxCollisionProbes = 1000

// ReadingStore persists each reading as one individually addressable JSON
// file at sessions/<sessionID>/readings/<sensorID>/<timestamp>.json. The
// two-level bucketing keeps any single directory's fan-out proportional to
// one sensor's readings.
type ReadingStore struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewReadingStore creates a file-backed ReadingStore rooted at the given
// data directory.
func NewReadingStore(root string) *ReadingStore {
	return &ReadingStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// getLock returns the per-(session, sensor) mutex, creating it on first use.
// Writes for the same key are serialized; unrelated sensors never contend.
func (s *ReadingStore) getLock(sessionID types.SessionID, sensorID string) *sync.Mutex {
	key := string(bucket(sessionID)) + "/" + sensorID
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func (s *ReadingStore) sensorDir(sessionID types.SessionID, sensorID string) string {
	return filepath.Join(s.root, "sessions", string(bucket(sessionID)), "readings", sensorID)
}

func (s *ReadingStore) readingPath(sessionID types.SessionID, sensorID string, ts time.Time) string {
	return filepath.Join(s.sensorDir(sessionID, sensorID), tsKey(ts)+".json")
}

// Put persists the reading atomically and returns the stored copy. If a
// record already exists at the reading's (sensor, timestamp), the timestamp
// is advanced in 1µs steps until a free slot is found, so two observations in
// the same microsecond both survive. A stored reading is never overwritten.
func (s *ReadingStore) Put(ctx context.Context, reading *types.Reading) (*types.Reading, error) {
	if reading.SensorID == "" {
		return nil, fmt.Errorf("put reading: empty sensor id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.getLock(reading.SessionID, reading.SensorID)
	lock.Lock()
	defer lock.Unlock()

	stored := reading.Clone()
	stored.SessionID = bucket(reading.SessionID)
	stored.Timestamp = stored.Timestamp.UTC().Truncate(time.Microsecond)

	path := s.readingPath(stored.SessionID, stored.SensorID, stored.Timestamp)
	probes := 0
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		probes++
		if probes >= maxCollisionProbes {
			return nil, fmt.Errorf("put reading %s/%s: no free timestamp slot after %d probes",
				stored.SessionID, stored.SensorID, probes)
		}
		stored.Timestamp = stored.Timestamp.Add(time.Microsecond)
		path = s.readingPath(stored.SessionID, stored.SensorID, stored.Timestamp)
	}

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal reading: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("write reading %s/%s: %w", stored.SessionID, stored.SensorID, err)
	}
	return stored, nil
}

// Get returns the reading at exactly (sessionID, sensorID, ts), or
// types.ErrNotFound.
func (s *ReadingStore) Get(ctx context.Context, sessionID types.SessionID, sensorID string, ts time.Time) (*types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.readingPath(sessionID, sensorID, ts))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("read reading: %w", err)
	}
	var reading types.Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		return nil, fmt.Errorf("unmarshal reading: %w", err)
	}
	return &reading, nil
}

// ListSensor returns all readings for one sensor in the session, in
// timestamp order. A missing directory is an empty result, not an error.
func (s *ReadingStore) ListSensor(ctx context.Context, sessionID types.SessionID, sensorID string) ([]*types.Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.sensorDir(sessionID, sensorID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list readings: %w", err)
	}

	readings := make([]*types.Reading, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		if _, err := parseTSKey(name[:len(name)-len(".json")]); err != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.sensorDir(sessionID, sensorID), name))
		if err != nil {
			return nil, fmt.Errorf("read reading %s: %w", name, err)
		}
		var reading types.Reading
		if err := json.Unmarshal(data, &reading); err != nil {
			return nil, fmt.Errorf("unmarshal reading %s: %w", name, err)
		}
		readings = append(readings, &reading)
	}

	sort.Slice(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	return readings, nil
}

// List returns every reading in the session across all sensors.
func (s *ReadingStore) List(ctx context.Context, sessionID types.SessionID) ([]*types.Reading, error) {
	base := filepath.Join(s.root, "sessions", string(bucket(sessionID)), "readings")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list session readings: %w", err)
	}

	var all []*types.Reading
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		readings, err := s.ListSensor(ctx, sessionID, entry.Name())
		if err != nil {
			return nil, err
		}
		all = append(all, readings...)
	}
	return all, nil
}
