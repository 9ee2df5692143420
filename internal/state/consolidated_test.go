package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/sensorhub/internal/types"
)

func TestConsolidatedAppendOrdersByTimestamp(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	// Network jitter: arrival order is not chronological order.
	for _, offset := range []int{4, 1, 5, 2, 3} {
		r := testReading("sess1", "door", base.Add(time.Duration(offset)*time.Second))
		if err := store.Append(ctx, "sess1", r); err != nil {
			t.Fatal(err)
		}
	}

	readings, err := store.GetAll(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 5 {
		t.Fatalf("expected 5 readings, got %d", len(readings))
	}
	for i := 1; i < len(readings); i++ {
		if readings[i].Timestamp.Before(readings[i-1].Timestamp) {
			t.Errorf("consolidated sequence out of order at %d", i)
		}
	}
}

func TestConsolidatedDuplicateAppendIsNoop(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	r := testReading("sess1", "door", ts)
	if err := store.Append(ctx, "sess1", r); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(ctx, "sess1", r); err != nil {
		t.Fatal(err)
	}

	readings, err := store.GetAll(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 {
		t.Errorf("duplicate append created %d entries", len(readings))
	}
}

func TestConsolidatedGetSessionIsDeepCopy(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, "sess1", testReading("sess1", "door", ts)); err != nil {
		t.Fatal(err)
	}

	index, err := store.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	index.Sensors["door"][0].Value = 99
	index.Sensors["injected"] = []*types.Reading{testReading("sess1", "injected", ts)}

	fresh, err := store.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.Sensors["door"][0].Value == 99 {
		t.Error("mutation through GetSession result leaked into the store")
	}
	if _, ok := fresh.Sensors["injected"]; ok {
		t.Error("injected sensor leaked into the store")
	}
}

func TestConsolidatedMissingSession(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()

	if store.Exists("nope") {
		t.Error("Exists must be false for a session never written")
	}
	_, err := store.GetSession(ctx, "nope")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConsolidatedReplace(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	index := types.NewConsolidatedIndex("sess1")
	index.Insert(testReading("sess1", "door", ts))
	index.Insert(testReading("sess1", "door", ts.Add(time.Second)))

	if err := store.Replace(ctx, "sess1", index); err != nil {
		t.Fatal(err)
	}
	if !store.Exists("sess1") {
		t.Fatal("Replace must create the document")
	}

	readings, err := store.GetAll(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 2 {
		t.Errorf("expected 2 readings after Replace, got %d", len(readings))
	}
}

func TestConsolidatedReplaceMergesLaterAppends(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, "sess1", testReading("sess1", "door", base)); err != nil {
		t.Fatal(err)
	}

	snapshot, err := store.GetSession(ctx, "sess1")
	if err != nil {
		t.Fatal(err)
	}

	// A dual write lands between the snapshot and the persist.
	racer := testReading("sess1", "door", base.Add(2*time.Second))
	if err := store.Append(ctx, "sess1", racer); err != nil {
		t.Fatal(err)
	}

	snapshot.Insert(testReading("sess1", "window", base.Add(time.Second)))
	if err := store.Replace(ctx, "sess1", snapshot); err != nil {
		t.Fatal(err)
	}

	door, err := store.GetAll(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(door) != 2 {
		t.Fatalf("append landing after the snapshot was lost: %d door readings", len(door))
	}
	if !door[1].Timestamp.Equal(racer.Timestamp) {
		t.Errorf("racer timestamp missing from merged index")
	}
	window, err := store.GetAll(ctx, "sess1", "window")
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 1 {
		t.Errorf("repair entry dropped by merge: %d window readings", len(window))
	}
}

func TestConsolidatedAppendNormalizesTimestamps(t *testing.T) {
	store := NewConsolidatedStore(t.TempDir())
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 123456789, time.UTC)

	if err := store.Append(ctx, "sess1", testReading("sess1", "door", ts)); err != nil {
		t.Fatal(err)
	}

	readings, err := store.GetAll(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(readings))
	}
	want := ts.Truncate(time.Microsecond)
	if !readings[0].Timestamp.Equal(want) {
		t.Errorf("timestamp not truncated to microseconds: %v", readings[0].Timestamp)
	}

	// The microsecond-truncated equivalent is the same entry, not a new one.
	if err := store.Append(ctx, "sess1", testReading("sess1", "door", want)); err != nil {
		t.Fatal(err)
	}
	readings, err = store.GetAll(ctx, "sess1", "door")
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 {
		t.Errorf("nanosecond and truncated appends diverged into %d entries", len(readings))
	}
}

func TestIndexInsertBinarySearch(t *testing.T) {
	index := types.NewConsolidatedIndex("s")
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	for _, offset := range []int{10, 2, 7, 2, 5} {
		index.Insert(testReading("s", "door", base.Add(time.Duration(offset)*time.Second)))
	}

	readings := index.Sensors["door"]
	if len(readings) != 4 {
		t.Fatalf("expected duplicate suppressed, got %d entries", len(readings))
	}
	if !index.Has("door", base.Add(7*time.Second)) {
		t.Error("Has missed a present pair")
	}
	if index.Has("door", base.Add(3*time.Second)) {
		t.Error("Has reported an absent pair")
	}
}
