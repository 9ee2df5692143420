// Package normalize converts heterogeneous device payloads into canonical
// readings. Value polarity is decided here, once: 1 = active/open,
// 0 = inactive/closed. Nothing downstream re-interprets it.
package normalize

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// ErrSkipTopic marks system/bridge traffic that must never become a Reading.
var ErrSkipTopic = errors.New("system topic, not a sensor message")

// IsSystemTopic reports whether the topic carries broker or bridge chatter
// ($SYS tree, zigbee2mqtt bridge status) rather than device telemetry.
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, "$SYS/") ||
		strings.HasPrefix(topic, "bridge/") ||
		strings.HasSuffix(topic, "/bridge") ||
		strings.Contains(topic, "/bridge/")
}

// Normalize converts one raw broker message into a Reading. System topics
// return ErrSkipTopic. Malformed or ambiguous payloads never fail: non-JSON
// bodies are wrapped as {"raw": ...} and ambiguous shapes default to value 0
// with a logged warning. Session attribution is left to the caller.
func Normalize(topic string, payload []byte, class types.DeviceClass) (*types.Reading, error) {
	if IsSystemTopic(topic) {
		return nil, ErrSkipTopic
	}

	reading := &types.Reading{
		SensorID:  sensorIDFromTopic(topic),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		// Raw-text payload: preserve it verbatim inside a JSON wrapper.
		wrapped, _ := json.Marshal(map[string]string{"raw": string(payload)})
		reading.RawPayload = wrapped
		reading.Value = 0
		slog.Warn("non-JSON payload", "topic", topic, "bytes", len(payload))
		return reading, nil
	}

	reading.RawPayload = append(json.RawMessage(nil), payload...)
	reading.Value = resolveValue(topic, fields, class)
	reading.Battery = intField(fields, "battery", "battery_level")
	reading.LinkQuality = intField(fields, "linkquality", "link_quality")
	return reading, nil
}

// resolveValue applies the polarity decision table in strict precedence
// order; the first matching rule wins.
func resolveValue(topic string, fields map[string]any, class types.DeviceClass) int {
	if class == types.DeviceMotion {
		if occ, ok := fields["occupancy"].(bool); ok {
			if occ {
				return 1
			}
			return 0
		}
	}

	if contact, present := fields["contact"]; present {
		switch v := contact.(type) {
		case bool:
			if v {
				return 1
			}
			return 0
		case string:
			switch strings.ToLower(v) {
			case "true", "open":
				return 1
			case "false", "closed":
				return 0
			}
		case float64:
			// Upstream wire convention: numeric 0 means open.
			if v == 0 {
				return 1
			}
			return 0
		}
	}

	switch state := fields["state"].(type) {
	case string:
		switch strings.ToUpper(state) {
		case "ON":
			return 1
		case "OFF":
			return 0
		}
	case map[string]any:
		// Some device families nest the real fields one level down.
		return resolveValue(topic, state, class)
	}

	slog.Warn("ambiguous payload, defaulting value to 0", "topic", topic)
	return 0
}

// intField returns the first present numeric field among the key aliases,
// or 0. Missing telemetry is never an error.
func intField(fields map[string]any, keys ...string) int {
	for _, key := range keys {
		if v, ok := fields[key].(float64); ok {
			return int(v)
		}
	}
	return 0
}

// sensorIDFromTopic derives the stable device identifier from the topic's
// final level (zigbee2mqtt publishes per-device topics like
// zigbee2mqtt/<friendly_name>).
func sensorIDFromTopic(topic string) string {
	levels := strings.Split(topic, "/")
	return levels[len(levels)-1]
}
