// Package ingest is the persistence half of the message path: per-sensor
// write lanes, bounded retries, and the dual write into the per-reading and
// consolidated stores.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/user/sensorhub/internal/normalize"
	"github.com/user/sensorhub/internal/router"
	"github.com/user/sensorhub/internal/types"
)

// Attributor decides which active session, if any, owns a sensor at the
// moment a reading arrives. Implemented by the session lifecycle controller.
type Attributor interface {
	ActiveSessionFor(sensorID string) (types.SessionID, bool)
}

// Stats are cumulative ingestion counters, exposed on the health endpoint.
type Stats struct {
	Processed uint64 `json:"processed"`
	Skipped   uint64 `json:"skipped"`
	Failed    uint64 `json:"failed"`
}

// Pipeline normalizes incoming messages, resolves session attribution at
// arrival time, and performs the dual write. One bad write never halts
// ingestion; failures are logged with full context and counted.
type Pipeline struct {
	readings     types.ReadingStore
	consolidated types.ConsolidatedStore
	attributor   Attributor
	queue        *Queue
	retry        *RetryPolicy

	ctx       context.Context
	processed atomic.Uint64
	skipped   atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Pipeline with the given store-write concurrency.
func New(readings types.ReadingStore, consolidated types.ConsolidatedStore, attributor Attributor, maxConcurrent int64) *Pipeline {
	p := &Pipeline{
		readings:     readings,
		consolidated: consolidated,
		attributor:   attributor,
		queue:        NewQueue(maxConcurrent),
		retry:        DefaultRetryPolicy(),
	}
	p.queue.SetProcessor(p.persist)
	return p
}

// Start begins draining the write lanes.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx = ctx
	p.queue.Start(ctx)
}

// Stop drains and stops the write lanes.
func (p *Pipeline) Stop() {
	p.queue.Stop()
}

// WaitIdle blocks until every enqueued reading has been written or the
// timeout expires.
func (p *Pipeline) WaitIdle(timeout time.Duration) bool {
	return p.queue.WaitIdle(timeout)
}

// HandlerFor returns the router handler for one device class: normalize,
// attribute, enqueue. Normalization is CPU-light and runs inline on the
// dispatch goroutine; store I/O happens on the lane workers.
func (p *Pipeline) HandlerFor(class types.DeviceClass) router.Handler {
	return func(topic string, payload []byte) {
		reading, err := normalize.Normalize(topic, payload, class)
		if err != nil {
			// Only the system-topic sentinel reaches here; skip quietly.
			p.skipped.Add(1)
			return
		}

		if sessionID, ok := p.attributor.ActiveSessionFor(reading.SensorID); ok {
			reading.SessionID = sessionID
		} else {
			reading.SessionID = types.UnassignedSession
		}

		if err := p.queue.Enqueue(reading); err != nil {
			p.failed.Add(1)
			slog.Error("reading dropped at enqueue", "topic", topic, "sensor_id", reading.SensorID, "error", err)
		}
	}
}

// persist performs the dual write for one reading, each half under the retry
// policy. The per-reading file goes first; the reconciler repairs the window
// between the two writes if the process dies in it.
func (p *Pipeline) persist(reading *types.Reading) error {
	var stored *types.Reading
	err := p.retry.Execute(func() error {
		var putErr error
		stored, putErr = p.readings.Put(p.ctx, reading)
		return putErr
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("individual write: %w", err)
	}

	err = p.retry.Execute(func() error {
		return p.consolidated.Append(p.ctx, stored.SessionID, stored)
	})
	if err != nil {
		p.failed.Add(1)
		return fmt.Errorf("consolidated write (individual record %s persisted): %w", stored.Timestamp, err)
	}

	p.processed.Add(1)
	return nil
}

// Stats returns a snapshot of the cumulative counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Skipped:   p.skipped.Load(),
		Failed:    p.failed.Load(),
	}
}
