// internal/types/models.go
package types

import (
	"encoding/json"
	"sort"
	"time"
)

// DeviceClass selects which normalization rules apply to a sensor's payloads.
type DeviceClass string

const (
	DeviceContact DeviceClass = "contact"
	DeviceMotion  DeviceClass = "motion"
	DeviceGeneric DeviceClass = "generic"
)

// SessionStatus is the lifecycle state of a capture session.
// Completed is terminal; a new capture is always a new session id.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Reading is one normalized sensor observation. A Reading is immutable once
// persisted; corrections are appended as new readings, never edits.
type Reading struct {
	SensorID    string          `json:"sensor_id"`
	SessionID   SessionID       `json:"session_id,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Value       int             `json:"value"`
	Battery     int             `json:"battery"`
	LinkQuality int             `json:"link_quality"`
	RawPayload  json.RawMessage `json:"raw_payload,omitempty"`
}

// Clone returns an independent copy, including the raw payload bytes.
func (r *Reading) Clone() *Reading {
	c := *r
	if r.RawPayload != nil {
		c.RawPayload = append(json.RawMessage(nil), r.RawPayload...)
	}
	return &c
}

// SensorSubscription binds a broker topic filter to a normalization profile.
type SensorSubscription struct {
	ID          SubscriptionID `json:"id"`
	TopicFilter string         `json:"topic_filter"`
	DeviceClass DeviceClass    `json:"device_class"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Session is the unit of synchronized capture alongside camera recordings.
type Session struct {
	ID        SessionID     `json:"id"`
	Name      string        `json:"name,omitempty"`
	Status    SessionStatus `json:"status"`
	StartTime *time.Time    `json:"start_time,omitempty"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	SensorIDs []string      `json:"sensor_ids"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// OwnsSensor reports whether the sensor is in the session's capture scope.
func (s *Session) OwnsSensor(sensorID string) bool {
	for _, id := range s.SensorIDs {
		if id == sensorID {
			return true
		}
	}
	return false
}

// ConsolidatedIndex is the per-session aggregate of all readings, keyed by
// sensor and kept in timestamp order.
type ConsolidatedIndex struct {
	SessionID SessionID             `json:"session_id"`
	Sensors   map[string][]*Reading `json:"sensors"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// NewConsolidatedIndex returns an empty index for the session.
func NewConsolidatedIndex(id SessionID) *ConsolidatedIndex {
	return &ConsolidatedIndex{SessionID: id, Sensors: make(map[string][]*Reading)}
}

// Insert places the reading into its sensor's sequence in timestamp order;
// arrival order is not chronological order, so this is a binary-search
// insert, not an append. Inserting a (sensor, timestamp) pair that is
// already present is a no-op; Insert reports whether the index changed.
func (ci *ConsolidatedIndex) Insert(r *Reading) bool {
	readings := ci.Sensors[r.SensorID]
	i := sort.Search(len(readings), func(i int) bool {
		return !readings[i].Timestamp.Before(r.Timestamp)
	})
	if i < len(readings) && readings[i].Timestamp.Equal(r.Timestamp) {
		return false
	}
	readings = append(readings, nil)
	copy(readings[i+1:], readings[i:])
	readings[i] = r
	ci.Sensors[r.SensorID] = readings
	return true
}

// Has reports whether the (sensor, timestamp) pair is present.
func (ci *ConsolidatedIndex) Has(sensorID string, ts time.Time) bool {
	readings := ci.Sensors[sensorID]
	i := sort.Search(len(readings), func(i int) bool {
		return !readings[i].Timestamp.Before(ts)
	})
	return i < len(readings) && readings[i].Timestamp.Equal(ts)
}

// Clone returns a deep copy; callers holding the result cannot mutate the
// live index.
func (ci *ConsolidatedIndex) Clone() *ConsolidatedIndex {
	c := &ConsolidatedIndex{
		SessionID: ci.SessionID,
		Sensors:   make(map[string][]*Reading, len(ci.Sensors)),
		UpdatedAt: ci.UpdatedAt,
	}
	for sensor, readings := range ci.Sensors {
		cp := make([]*Reading, len(readings))
		for i, r := range readings {
			cp[i] = r.Clone()
		}
		c.Sensors[sensor] = cp
	}
	return c
}

// InconsistencyType classifies one divergence between the two stores.
type InconsistencyType string

const (
	MissingInConsolidated    InconsistencyType = "missing_in_consolidated"
	MissingIndividualFile    InconsistencyType = "missing_individual_file"
	MissingConsolidatedIndex InconsistencyType = "missing_consolidated_index"
)

// Inconsistency is one divergence found (and repaired) by a reconcile pass.
type Inconsistency struct {
	Type      InconsistencyType `json:"type"`
	SensorID  string            `json:"sensor_id"`
	Timestamp time.Time         `json:"timestamp"`
}

// ReconciliationReport is the result of one audit pass over a session.
type ReconciliationReport struct {
	SessionID            SessionID       `json:"session_id"`
	InconsistenciesFound int             `json:"inconsistencies_found"`
	Repaired             int             `json:"repaired"`
	Details              []Inconsistency `json:"details"`
}
