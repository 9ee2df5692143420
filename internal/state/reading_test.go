package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/sensorhub/internal/types"
)

func testReading(session types.SessionID, sensor string, ts time.Time) *types.Reading {
	return &types.Reading{
		SensorID:   sensor,
		SessionID:  session,
		Timestamp:  ts,
		Value:      1,
		Battery:    90,
		RawPayload: []byte(`{"contact":true}`),
	}
}

func TestReadingPutGet(t *testing.T) {
	store := NewReadingStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 30, 0, 123456000, time.UTC)

	stored, err := store.Put(ctx, testReading("sess1", "door", ts))
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Timestamp.Equal(ts) {
		t.Errorf("timestamp changed without collision: %v vs %v", stored.Timestamp, ts)
	}

	got, err := store.Get(ctx, "sess1", "door", ts)
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 1 || got.Battery != 90 || got.SensorID != "door" {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	_, err = store.Get(ctx, "sess1", "door", ts.Add(time.Second))
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadingCollisionDisambiguation(t *testing.T) {
	store := NewReadingStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	first, err := store.Put(ctx, testReading("sess1", "door", ts))
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.Put(ctx, testReading("sess1", "door", ts))
	if err != nil {
		t.Fatal(err)
	}

	if !second.Timestamp.Equal(first.Timestamp.Add(time.Microsecond)) {
		t.Errorf("expected +1µs disambiguation, got %v then %v", first.Timestamp, second.Timestamp)
	}

	// Both records must exist independently.
	if _, err := store.Get(ctx, "sess1", "door", first.Timestamp); err != nil {
		t.Errorf("first record lost: %v", err)
	}
	if _, err := store.Get(ctx, "sess1", "door", second.Timestamp); err != nil {
		t.Errorf("second record lost: %v", err)
	}
}

func TestReadingUnassignedBucket(t *testing.T) {
	dir := t.TempDir()
	store := NewReadingStore(dir)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	stored, err := store.Put(ctx, testReading("", "door", ts))
	if err != nil {
		t.Fatal(err)
	}
	if stored.SessionID != types.UnassignedSession {
		t.Errorf("expected unassigned bucket, got %q", stored.SessionID)
	}

	sensorDir := filepath.Join(dir, "sessions", "unassigned", "readings", "door")
	entries, err := os.ReadDir(sensorDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 record file, got %d", len(entries))
	}
}

func TestReadingListSensorOrdered(t *testing.T) {
	store := NewReadingStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	// Write out of order.
	for _, offset := range []int{5, 1, 3, 2, 4} {
		if _, err := store.Put(ctx, testReading("sess1", "door", base.Add(time.Duration(offset)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}

	readings, err := store.ListSensor(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 5 {
		t.Fatalf("expected 5 readings, got %d", len(readings))
	}
	for i := 1; i < len(readings); i++ {
		if readings[i].Timestamp.Before(readings[i-1].Timestamp) {
			t.Errorf("readings out of order at %d", i)
		}
	}
}

func TestReadingListAcrossSensors(t *testing.T) {
	store := NewReadingStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	for _, sensor := range []string{"door", "window", "motion"} {
		if _, err := store.Put(ctx, testReading("sess1", sensor, ts)); err != nil {
			t.Fatal(err)
		}
	}

	all, err := store.List(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 readings across sensors, got %d", len(all))
	}

	empty, err := store.List(ctx, "no-such-session")
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty list for unknown session, got %d", len(empty))
	}
}

func TestReadingNoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewReadingStore(dir)
	ctx := context.Background()

	if _, err := store.Put(ctx, testReading("sess1", "door", time.Now())); err != nil {
		t.Fatal(err)
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if filepath.Ext(path) == ".tmp" {
			t.Errorf("leftover temp file: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
