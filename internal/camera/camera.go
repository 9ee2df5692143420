// Package camera is the boundary to the external video-recording service.
// Session activation and completion call through it so the first captured
// frame and the first attributed reading stay within sub-second skew.
package camera

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// Controller starts and stops camera recordings for a session.
type Controller interface {
	StartRecording(ctx context.Context, sessionID types.SessionID) error
	StopRecording(ctx context.Context, sessionID types.SessionID) error
}

// HTTP talks to the recorder service's REST surface.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates a client for the recorder service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTP) StartRecording(ctx context.Context, sessionID types.SessionID) error {
	return h.post(ctx, "/recordings/start", sessionID)
}

func (h *HTTP) StopRecording(ctx context.Context, sessionID types.SessionID) error {
	return h.post(ctx, "/recordings/stop", sessionID)
}

func (h *HTTP) post(ctx context.Context, path string, sessionID types.SessionID) error {
	body, err := json.Marshal(map[string]string{"session_id": string(sessionID)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build recorder request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("recorder %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("recorder %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// Noop satisfies Controller when no recorder service is configured.
type Noop struct{}

func (Noop) StartRecording(_ context.Context, sessionID types.SessionID) error {
	slog.Debug("no recorder configured, skipping start", "session_id", string(sessionID))
	return nil
}

func (Noop) StopRecording(_ context.Context, sessionID types.SessionID) error {
	slog.Debug("no recorder configured, skipping stop", "session_id", string(sessionID))
	return nil
}
