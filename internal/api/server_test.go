package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/user/sensorhub/internal/camera"
	"github.com/user/sensorhub/internal/ingest"
	"github.com/user/sensorhub/internal/reconcile"
	"github.com/user/sensorhub/internal/router"
	"github.com/user/sensorhub/internal/session"
	"github.com/user/sensorhub/internal/state"
	"github.com/user/sensorhub/internal/types"
)

type fixture struct {
	server   *Server
	ctrl     *session.Controller
	readings *state.ReadingStore
	router   *router.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	readings := state.NewReadingStore(dir)
	consolidated := state.NewConsolidatedStore(dir)
	sessions := state.NewSessionStore(dir)
	subs := state.NewSubscriptionStore(dir)

	rec := reconcile.New(readings, consolidated)
	ctrl, err := session.New(context.Background(), sessions, camera.Noop{}, rec)
	if err != nil {
		t.Fatal(err)
	}

	pipeline := ingest.New(readings, consolidated, ctrl, 2)
	pipeline.Start(context.Background())
	t.Cleanup(pipeline.Stop)

	rt := router.New(nil, 1)
	registry := ingest.NewRegistry(subs, rt, pipeline)

	server := NewServer(ctrl, readings, consolidated, registry, subs, rec, pipeline, func() bool { return true })
	return &fixture{server: server, ctrl: ctrl, readings: readings, router: rt}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	f.server.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["broker_connected"] != true {
		t.Errorf("expected broker_connected true: %v", resp)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/sessions", map[string]any{
		"name":       "night",
		"sensor_ids": []string{"door"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d body %s", w.Code, w.Body.String())
	}
	var sess types.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatal(err)
	}

	w = f.do(t, "POST", fmt.Sprintf("/api/sessions/%s/activate", sess.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate: status %d body %s", w.Code, w.Body.String())
	}

	w = f.do(t, "GET", fmt.Sprintf("/api/sessions/%s", sess.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	var got types.Session
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != types.SessionActive {
		t.Errorf("expected active, got %s", got.Status)
	}

	w = f.do(t, "POST", fmt.Sprintf("/api/sessions/%s/complete", sess.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status %d body %s", w.Code, w.Body.String())
	}

	w = f.do(t, "GET", "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
}

func TestActivateConflictReturns409(t *testing.T) {
	f := newFixture(t)

	var a, b types.Session
	w := f.do(t, "POST", "/api/sessions", map[string]any{"sensor_ids": []string{"door"}})
	json.Unmarshal(w.Body.Bytes(), &a)
	w = f.do(t, "POST", "/api/sessions", map[string]any{"sensor_ids": []string{"door"}})
	json.Unmarshal(w.Body.Bytes(), &b)

	if w := f.do(t, "POST", fmt.Sprintf("/api/sessions/%s/activate", a.ID), nil); w.Code != http.StatusOK {
		t.Fatalf("first activate: %d", w.Code)
	}
	if w := f.do(t, "POST", fmt.Sprintf("/api/sessions/%s/activate", b.ID), nil); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for overlapping activation, got %d", w.Code)
	}
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	f := newFixture(t)
	if w := f.do(t, "GET", "/api/sessions/ghost", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestReconcileAndExportEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	// Seed an orphaned individual record; export must repair and include it.
	if _, err := f.readings.Put(ctx, &types.Reading{
		SensorID: "door", SessionID: "sess1", Timestamp: ts, Value: 1,
	}); err != nil {
		t.Fatal(err)
	}

	w := f.do(t, "POST", "/api/sessions/sess1/reconcile", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reconcile: status %d body %s", w.Code, w.Body.String())
	}
	var report types.ReconciliationReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Repaired != 1 {
		t.Errorf("expected 1 repair, got %d", report.Repaired)
	}

	w = f.do(t, "GET", "/api/sessions/sess1/export", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d", w.Code)
	}
	var index types.ConsolidatedIndex
	if err := json.Unmarshal(w.Body.Bytes(), &index); err != nil {
		t.Fatal(err)
	}
	if len(index.Sensors["door"]) != 1 {
		t.Errorf("export missing repaired reading: %+v", index.Sensors)
	}

	w = f.do(t, "GET", "/api/sessions/sess1/sensors/door/readings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("readings: status %d", w.Code)
	}
}

func TestSensorEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, "POST", "/api/sensors", map[string]any{
		"topic_filter": "zigbee2mqtt/+",
		"device_class": "contact",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add sensor: status %d body %s", w.Code, w.Body.String())
	}
	var sub types.SensorSubscription
	if err := json.Unmarshal(w.Body.Bytes(), &sub); err != nil {
		t.Fatal(err)
	}

	if w := f.do(t, "POST", "/api/sensors", map[string]any{"topic_filter": "a/#/b"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid filter, got %d", w.Code)
	}

	w = f.do(t, "GET", "/api/sensors", nil)
	var subs []*types.SensorSubscription
	if err := json.Unmarshal(w.Body.Bytes(), &subs); err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}

	if w := f.do(t, "DELETE", fmt.Sprintf("/api/sensors/%s", sub.ID), nil); w.Code != http.StatusNoContent {
		t.Errorf("remove sensor: status %d", w.Code)
	}
	if w := f.do(t, "DELETE", fmt.Sprintf("/api/sensors/%s", sub.ID), nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}
