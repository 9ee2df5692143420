package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/sensorhub/internal/broker"
	"github.com/user/sensorhub/internal/router"
	"github.com/user/sensorhub/internal/state"
	"github.com/user/sensorhub/internal/types"
)

// flakyBroker accepts subscribes but fails every wire unsubscribe.
type flakyBroker struct {
	unsubErr error
}

func (b *flakyBroker) Connect(ctx context.Context) error { return nil }

func (b *flakyBroker) Subscribe(filter string, qos byte, handler broker.MessageHandler) error {
	return nil
}

func (b *flakyBroker) Unsubscribe(filter string) error { return b.unsubErr }

func (b *flakyBroker) Disconnect() {}

func (b *flakyBroker) Connected() bool { return true }

func (b *flakyBroker) OnReconnect(fn func()) {}

func TestDeregisterSucceedsWhenWireUnsubscribeFails(t *testing.T) {
	dir := t.TempDir()
	subs := state.NewSubscriptionStore(dir)
	readings := state.NewReadingStore(dir)
	consolidated := state.NewConsolidatedStore(dir)

	pipeline := New(readings, consolidated, &stubAttributor{owned: map[string]types.SessionID{}}, 2)
	pipeline.Start(context.Background())
	t.Cleanup(pipeline.Stop)

	rt := router.New(&flakyBroker{unsubErr: errors.New("broker gone")}, 1)
	reg := NewRegistry(subs, rt, pipeline)

	sub, err := reg.Register(context.Background(), "zigbee2mqtt/+", types.DeviceContact)
	if err != nil {
		t.Fatal(err)
	}

	if err := reg.Deregister(context.Background(), sub.ID); err != nil {
		t.Fatalf("deregister must succeed once the record is removed: %v", err)
	}

	left, err := subs.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("subscription record still present after deregister")
	}

	// The handler is unwired even though the wire unsubscribe failed.
	rt.Dispatch("zigbee2mqtt/door", []byte(`{"contact":true}`))
	if !pipeline.WaitIdle(time.Second) {
		t.Fatal("pipeline did not drain")
	}
	if s := pipeline.Stats(); s.Processed != 0 {
		t.Errorf("handler still live after deregister: processed=%d", s.Processed)
	}
}
