// Package router maintains topic-filter subscriptions and fans incoming
// broker messages out to every matching handler.
package router

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/sensorhub/internal/broker"
	"github.com/user/sensorhub/internal/types"
)

// Handler processes one message delivered on a matching topic.
type Handler func(topic string, payload []byte)

type subscription struct {
	filter  string
	handler Handler
}

// Router owns the subscription table. Broker-level SUBSCRIBEs are issued once
// per distinct filter (refcounted), so registering two handlers on the same
// filter costs a single wire subscription. The table survives connection loss;
// Resubscribe replays it after reconnect.
type Router struct {
	client broker.Client
	qos    byte

	mu   sync.RWMutex
	subs map[types.Handle]*subscription
	refs map[string]int
}

// New creates a Router over the given broker client. The client may be nil
// for offline operation (dispatch-only, e.g. tests or replay tooling).
func New(client broker.Client, qos byte) *Router {
	return &Router{
		client: client,
		qos:    qos,
		subs:   make(map[types.Handle]*subscription),
		refs:   make(map[string]int),
	}
}

// Subscribe registers a handler for the filter and, for the first
// registration of a distinct filter, issues the broker-level SUBSCRIBE.
func (r *Router) Subscribe(filter string, handler Handler) (types.Handle, error) {
	if err := ValidateFilter(filter); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.refs[filter] == 0 && r.client != nil {
		f := filter
		err := r.client.Subscribe(filter, r.qos, func(topic string, payload []byte) {
			r.dispatchFilter(f, topic, payload)
		})
		if err != nil {
			// Keep the registration: the filter set lives here, not at the
			// broker, and Resubscribe replays it once the link is back.
			slog.Warn("broker subscribe deferred", "filter", filter, "error", err)
		}
	}
	r.refs[filter]++

	handle := types.NewHandle()
	r.subs[handle] = &subscription{filter: filter, handler: handler}
	return handle, nil
}

// Unsubscribe removes a registration; the broker-level UNSUBSCRIBE goes out
// only when the last handler for that filter is gone.
func (r *Router) Unsubscribe(handle types.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[handle]
	if !ok {
		return fmt.Errorf("unknown subscription handle %s", handle)
	}
	delete(r.subs, handle)

	r.refs[sub.filter]--
	if r.refs[sub.filter] <= 0 {
		delete(r.refs, sub.filter)
		if r.client != nil {
			if err := r.client.Unsubscribe(sub.filter); err != nil {
				return fmt.Errorf("broker unsubscribe: %w", err)
			}
		}
	}
	return nil
}

// Resubscribe replays every active filter to the broker. Called after a
// reconnect; replaying an already-active filter is harmless on the broker
// side, so this is idempotent.
func (r *Router) Resubscribe() {
	r.mu.RLock()
	filters := make([]string, 0, len(r.refs))
	for filter := range r.refs {
		filters = append(filters, filter)
	}
	r.mu.RUnlock()

	for _, filter := range filters {
		f := filter
		err := r.client.Subscribe(filter, r.qos, func(topic string, payload []byte) {
			r.dispatchFilter(f, topic, payload)
		})
		if err != nil {
			slog.Error("resubscribe failed", "filter", filter, "error", err)
			continue
		}
		slog.Debug("resubscribed", "filter", filter)
	}
}

// Dispatch invokes every registered handler whose filter matches the topic.
// Used directly when a single delivery stream carries all messages.
func (r *Router) Dispatch(topic string, payload []byte) {
	r.invoke(topic, payload, func(s *subscription) bool {
		return Match(s.filter, topic)
	})
}

// dispatchFilter invokes only the handlers registered under the filter the
// broker delivered on. The broker hands over one copy per wire subscription,
// so scoping here keeps each handler at exactly one invocation per message.
func (r *Router) dispatchFilter(filter, topic string, payload []byte) {
	r.invoke(topic, payload, func(s *subscription) bool {
		return s.filter == filter
	})
}

func (r *Router) invoke(topic string, payload []byte, want func(*subscription) bool) {
	r.mu.RLock()
	matched := make([]*subscription, 0, 4)
	for _, sub := range r.subs {
		if want(sub) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range matched {
		r.safeInvoke(sub, topic, payload)
	}
}

// safeInvoke isolates handlers: one panicking handler never aborts dispatch
// to the others.
func (r *Router) safeInvoke(sub *subscription, topic string, payload []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("handler panic", "filter", sub.filter, "topic", topic, "panic", rec)
		}
	}()
	sub.handler(topic, payload)
}
