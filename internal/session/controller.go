// Package session owns the capture-session lifecycle: pending -> active ->
// completed, with completed terminal. It is the only writer of session
// records and the authority the pipeline consults for attribution.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sensorhub/internal/camera"
	"github.com/user/sensorhub/internal/types"
)

var (
	// ErrSessionConflict is returned when activation would double-attribute
	// a sensor already owned by another active session.
	ErrSessionConflict = errors.New("sensor already captured by an active session")
	// ErrSessionCompleted is returned for transitions out of the terminal state.
	ErrSessionCompleted = errors.New("session is completed")
	// ErrSessionActive guards deletion of a session still capturing.
	ErrSessionActive = errors.New("session is active")
)

// Reconciler is the slice of the reconciliation service the controller needs
// for the mandatory pass before a completion is reported.
type Reconciler interface {
	Reconcile(ctx context.Context, sessionID types.SessionID) (*types.ReconciliationReport, error)
}

// Controller gates ingestion attribution by session state and coordinates
// start/stop with the external camera recorder.
type Controller struct {
	sessions types.SessionStore
	camera   camera.Controller
	rec      Reconciler

	mu             sync.RWMutex
	activeBySensor map[string]types.SessionID
	reconciles     map[types.SessionID]context.CancelFunc
}

// New builds a Controller and rebuilds the in-memory sensor ownership map
// from the store, so attribution survives a daemon restart.
func New(ctx context.Context, sessions types.SessionStore, cam camera.Controller, rec Reconciler) (*Controller, error) {
	c := &Controller{
		sessions:       sessions,
		camera:         cam,
		rec:            rec,
		activeBySensor: make(map[string]types.SessionID),
		reconciles:     make(map[types.SessionID]context.CancelFunc),
	}

	existing, err := sessions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("rebuild session state: %w", err)
	}
	for _, sess := range existing {
		if sess.Status != types.SessionActive {
			continue
		}
		for _, sensorID := range sess.SensorIDs {
			c.activeBySensor[sensorID] = sess.ID
		}
	}
	return c, nil
}

// Create registers a new pending session over the given sensors.
func (c *Controller) Create(ctx context.Context, name string, sensorIDs []string) (*types.Session, error) {
	if len(sensorIDs) == 0 {
		return nil, fmt.Errorf("session needs at least one sensor")
	}
	sess := &types.Session{
		ID:        types.NewSessionID(),
		Name:      name,
		Status:    types.SessionPending,
		SensorIDs: sensorIDs,
	}
	if err := c.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Activate starts camera recording and then opens attribution for the
// session's sensors. Overlap with another active session's sensor set is a
// conflict; nothing is partially activated.
func (c *Controller) Activate(ctx context.Context, id types.SessionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case types.SessionCompleted:
		return fmt.Errorf("activate %s: %w", id, ErrSessionCompleted)
	case types.SessionActive:
		return fmt.Errorf("session %s already active", id)
	}

	for _, sensorID := range sess.SensorIDs {
		if owner, ok := c.activeBySensor[sensorID]; ok {
			return fmt.Errorf("sensor %s held by session %s: %w", sensorID, owner, ErrSessionConflict)
		}
	}

	// Camera first: readings must not be attributed before frames flow.
	if err := c.camera.StartRecording(ctx, id); err != nil {
		return fmt.Errorf("start camera recording: %w", err)
	}

	now := time.Now().UTC()
	sess.Status = types.SessionActive
	sess.StartTime = &now
	if err := c.sessions.Update(ctx, sess); err != nil {
		if stopErr := c.camera.StopRecording(ctx, id); stopErr != nil {
			slog.Error("camera stop after failed activation", "session_id", string(id), "error", stopErr)
		}
		return fmt.Errorf("persist activation: %w", err)
	}

	for _, sensorID := range sess.SensorIDs {
		c.activeBySensor[sensorID] = id
	}
	slog.Info("session activated", "session_id", string(id), "sensors", len(sess.SensorIDs), "start_time", now)
	return nil
}

// Complete freezes attribution immediately, stops the camera, runs the
// mandatory final reconcile, and only then reports the session completed.
// Readings arriving after EndTime land in the session-less bucket.
func (c *Controller) Complete(ctx context.Context, id types.SessionID) (*types.ReconciliationReport, error) {
	c.mu.Lock()
	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if sess.Status == types.SessionCompleted {
		c.mu.Unlock()
		return nil, fmt.Errorf("complete %s: %w", id, ErrSessionCompleted)
	}
	if sess.Status != types.SessionActive {
		c.mu.Unlock()
		return nil, fmt.Errorf("complete %s: session not active", id)
	}
	if _, inflight := c.reconciles[id]; inflight {
		c.mu.Unlock()
		return nil, fmt.Errorf("complete %s: completion already in progress", id)
	}

	// Freeze attribution before any I/O so no reading slips in mid-teardown.
	for _, sensorID := range sess.SensorIDs {
		if c.activeBySensor[sensorID] == id {
			delete(c.activeBySensor, sensorID)
		}
	}
	if sess.EndTime == nil {
		now := time.Now().UTC()
		sess.EndTime = &now
		if err := c.sessions.Update(ctx, sess); err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("persist end time: %w", err)
		}
	}

	rctx, cancel := context.WithCancel(ctx)
	c.reconciles[id] = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.reconciles, id)
		c.mu.Unlock()
		cancel()
	}()

	if err := c.camera.StopRecording(ctx, id); err != nil {
		slog.Error("camera stop failed", "session_id", string(id), "error", err)
	}

	report, err := c.rec.Reconcile(rctx, id)
	if err != nil {
		return nil, fmt.Errorf("final reconcile: %w", err)
	}

	sess.Status = types.SessionCompleted
	if err := c.sessions.Update(ctx, sess); err != nil {
		return nil, fmt.Errorf("persist completion: %w", err)
	}
	slog.Info("session completed",
		"session_id", string(id),
		"end_time", sess.EndTime,
		"reconcile_repaired", report.Repaired)
	return report, nil
}

// ActiveSessionFor implements ingest.Attributor.
func (c *Controller) ActiveSessionFor(sensorID string) (types.SessionID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.activeBySensor[sensorID]
	return id, ok
}

// Delete removes a non-active session and everything under it, cancelling
// any in-flight reconcile pass first so no repair commits against a session
// being torn down.
func (c *Controller) Delete(ctx context.Context, id types.SessionID) error {
	c.mu.Lock()
	sess, err := c.sessions.Get(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if sess.Status == types.SessionActive {
		c.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrSessionActive)
	}
	if cancel, ok := c.reconciles[id]; ok {
		cancel()
	}
	c.mu.Unlock()

	return c.sessions.Delete(ctx, id)
}

// Get and List pass through to the store for the API layer.
func (c *Controller) Get(ctx context.Context, id types.SessionID) (*types.Session, error) {
	return c.sessions.Get(ctx, id)
}

func (c *Controller) List(ctx context.Context) ([]*types.Session, error) {
	return c.sessions.List(ctx)
}
