package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sensorhub/internal/router"
	"github.com/user/sensorhub/internal/types"
)

// Registry ties sensor registration together: it persists subscriptions,
// wires them into the topic router with the pipeline handler for their
// device class, and tears both down on removal.
type Registry struct {
	store    types.SubscriptionStore
	router   *router.Router
	pipeline *Pipeline

	mu      sync.Mutex
	handles map[types.SubscriptionID]types.Handle
}

func NewRegistry(store types.SubscriptionStore, rt *router.Router, pipeline *Pipeline) *Registry {
	return &Registry{
		store:    store,
		router:   rt,
		pipeline: pipeline,
		handles:  make(map[types.SubscriptionID]types.Handle),
	}
}

// LoadAll wires every persisted subscription into the router. Called once on
// startup, after the broker is connected.
func (g *Registry) LoadAll(ctx context.Context) error {
	subs, err := g.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	for _, sub := range subs {
		handle, err := g.router.Subscribe(sub.TopicFilter, g.pipeline.HandlerFor(sub.DeviceClass))
		if err != nil {
			return fmt.Errorf("wire subscription %s (%s): %w", sub.ID, sub.TopicFilter, err)
		}
		g.mu.Lock()
		g.handles[sub.ID] = handle
		g.mu.Unlock()
		slog.Info("sensor subscription wired", "filter", sub.TopicFilter, "device_class", string(sub.DeviceClass))
	}
	return nil
}

// Register persists a new subscription and wires it live. The router
// validates the filter before anything is stored.
func (g *Registry) Register(ctx context.Context, filter string, class types.DeviceClass) (*types.SensorSubscription, error) {
	sub := &types.SensorSubscription{
		ID:          types.NewSubscriptionID(),
		TopicFilter: filter,
		DeviceClass: class,
		CreatedAt:   time.Now().UTC(),
	}

	handle, err := g.router.Subscribe(filter, g.pipeline.HandlerFor(class))
	if err != nil {
		return nil, err
	}
	if err := g.store.Add(ctx, sub); err != nil {
		_ = g.router.Unsubscribe(handle)
		return nil, err
	}

	g.mu.Lock()
	g.handles[sub.ID] = handle
	g.mu.Unlock()
	return sub, nil
}

// Deregister removes the subscription from the store and the router. Once
// the store record is gone the removal is reported successful; a wire-level
// unsubscribe failure leaves only a stale broker subscription that the next
// reconnect's replay drops, so it is logged, not surfaced.
func (g *Registry) Deregister(ctx context.Context, id types.SubscriptionID) error {
	if err := g.store.Remove(ctx, id); err != nil {
		return err
	}

	g.mu.Lock()
	handle, ok := g.handles[id]
	delete(g.handles, id)
	g.mu.Unlock()
	if !ok {
		return nil
	}
	if err := g.router.Unsubscribe(handle); err != nil {
		slog.Warn("router unsubscribe after deregister", "subscription_id", string(id), "error", err)
	}
	return nil
}
