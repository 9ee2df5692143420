package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/sensorhub/internal/types"
)

// laneBuffer is the per-sensor queue depth; beyond it Enqueue rejects.
const laneBuffer = 256

// Queue manages per-sensor lanes with a global concurrency semaphore. Each
// sensor gets its own FIFO channel so that readings for one sensor persist in
// arrival order, while the semaphore bounds total store-write concurrency.
// Separate lanes mean a slow write for one sensor never blocks dispatch for
// unrelated sensors.
type Queue struct {
	lanes     map[string]chan *types.Reading
	semaphore *semaphore.Weighted
	processor func(*types.Reading) error
	// pending counts readings from accepted-by-Enqueue until fully
	// processed, so WaitIdle never misses one in the handoff between a
	// lane channel and its worker.
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
}

// NewQueue creates a Queue that allows up to maxConcurrent writes to execute
// simultaneously across all sensor lanes.
func NewQueue(maxConcurrent int64) *Queue {
	return &Queue{
		lanes:     make(map[string]chan *types.Reading),
		semaphore: semaphore.NewWeighted(maxConcurrent),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context, closes all lanes, and waits for in-flight
// writes to finish. Readings still buffered when the workers bail are
// dropped and accounted for, so WaitIdle settles after shutdown.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Lock()
	lanes := q.lanes
	q.lanes = make(map[string]chan *types.Reading)
	for _, lane := range lanes {
		close(lane)
	}
	q.mu.Unlock()
	q.wg.Wait()

	for _, lane := range lanes {
		for range lane {
			q.pending.Add(-1)
		}
	}
}

// SetProcessor sets the function invoked for each dequeued reading.
func (q *Queue) SetProcessor(fn func(*types.Reading) error) {
	q.processor = fn
}

// Enqueue adds a reading to its sensor's lane, creating the lane (and its
// goroutine) on first use. Returns an error if the lane's buffer is full.
func (q *Queue) Enqueue(reading *types.Reading) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane, exists := q.lanes[reading.SensorID]
	if !exists {
		lane = make(chan *types.Reading, laneBuffer)
		q.lanes[reading.SensorID] = lane
		q.wg.Add(1)
		go q.processLane(reading.SensorID, lane)
	}

	select {
	case lane <- reading:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("ingest queue full for sensor %s", reading.SensorID)
	}
}

// processLane drains a single sensor lane, acquiring a semaphore slot before
// running the processor synchronously. This keeps strict FIFO ordering per
// sensor while the semaphore limits cross-sensor parallelism.
func (q *Queue) processLane(sensorID string, lane chan *types.Reading) {
	defer q.wg.Done()
	for {
		select {
		case reading, ok := <-lane:
			if !ok {
				return
			}
			if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
				q.pending.Add(-1)
				return
			}
			if q.processor != nil {
				if err := q.processor(reading); err != nil {
					slog.Error("reading persist failed",
						"sensor_id", sensorID,
						"session_id", string(reading.SessionID),
						"timestamp", reading.Timestamp,
						"error", err)
				}
			}
			q.semaphore.Release(1)
			q.pending.Add(-1)
		case <-q.ctx.Done():
			return
		}
	}
}

// WaitIdle blocks until every accepted reading has been fully processed, or
// the timeout expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
