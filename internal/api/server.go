// Package api is the session-management HTTP surface: the same layer that
// the camera-side tooling and the export packager call into.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/user/sensorhub/internal/ingest"
	"github.com/user/sensorhub/internal/session"
	"github.com/user/sensorhub/internal/types"
)

// BrokerStatus reports connectivity for the health endpoint.
type BrokerStatus func() bool

// Server is a lightweight HTTP handler over the controller, the stores, and
// the reconciler.
type Server struct {
	ctrl         *session.Controller
	readings     types.ReadingStore
	consolidated types.ConsolidatedStore
	registry     *ingest.Registry
	subs         types.SubscriptionStore
	rec          session.Reconciler
	pipeline     *ingest.Pipeline
	brokerUp     BrokerStatus
	mux          *http.ServeMux
}

// NewServer wires all routes. Any dependency may matter per-route; nil
// brokerUp reads as "no broker configured".
func NewServer(
	ctrl *session.Controller,
	readings types.ReadingStore,
	consolidated types.ConsolidatedStore,
	registry *ingest.Registry,
	subs types.SubscriptionStore,
	rec session.Reconciler,
	pipeline *ingest.Pipeline,
	brokerUp BrokerStatus,
) *Server {
	s := &Server{
		ctrl:         ctrl,
		readings:     readings,
		consolidated: consolidated,
		registry:     registry,
		subs:         subs,
		rec:          rec,
		pipeline:     pipeline,
		brokerUp:     brokerUp,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/activate", s.handleActivate)
	s.mux.HandleFunc("POST /api/sessions/{id}/complete", s.handleComplete)
	s.mux.HandleFunc("POST /api/sessions/{id}/reconcile", s.handleReconcile)
	s.mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExport)
	s.mux.HandleFunc("GET /api/sessions/{id}/sensors/{sensor}/readings", s.handleSensorReadings)
	s.mux.HandleFunc("GET /api/sensors", s.handleListSensors)
	s.mux.HandleFunc("POST /api/sensors", s.handleAddSensor)
	s.mux.HandleFunc("DELETE /api/sensors/{id}", s.handleRemoveSensor)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	up := false
	if s.brokerUp != nil {
		up = s.brokerUp()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"broker_connected": up,
		"ingest":           s.pipeline.Stats(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.ctrl.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Name      string   `json:"name"`
	SensorIDs []string `json:"sensor_ids"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	sess, err := s.ctrl.Create(r.Context(), req.Name, req.SensorIDs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Get(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Delete(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.Activate(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "active"})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	report, err := s.ctrl.Complete(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "reconciliation": report})
}

// handleReconcile is the on-demand audit: it blocks until the pass finishes
// and returns the report.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.rec.Reconcile(r.Context(), types.SessionID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleExport reconciles first, then serves the deep-copied consolidated
// view. The ZIP packager consumes this; it never sees unreconciled data.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	if _, err := s.rec.Reconcile(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	index, err := s.consolidated.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			// A session with no readings exports an empty index.
			writeJSON(w, http.StatusOK, types.NewConsolidatedIndex(id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, index)
}

func (s *Server) handleSensorReadings(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	sensor := r.PathValue("sensor")
	readings, err := s.consolidated.GetAll(r.Context(), id, sensor)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusOK, []*types.Reading{})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	subs, err := s.subs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if subs == nil {
		subs = []*types.SensorSubscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

type addSensorRequest struct {
	TopicFilter string            `json:"topic_filter"`
	DeviceClass types.DeviceClass `json:"device_class"`
}

func (s *Server) handleAddSensor(w http.ResponseWriter, r *http.Request) {
	var req addSensorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.DeviceClass == "" {
		req.DeviceClass = types.DeviceGeneric
	}
	sub, err := s.registry.Register(r.Context(), req.TopicFilter, req.DeviceClass)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleRemoveSensor(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Deregister(r.Context(), types.SubscriptionID(r.PathValue("id")))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps domain errors to HTTP codes: conflicts are 409, missing
// records 404, the rest 400.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionConflict), errors.Is(err, session.ErrSessionActive):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
