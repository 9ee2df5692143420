// Package state holds the file-backed stores: session records, sensor
// subscriptions, per-reading records, and the per-session consolidated index.
// Every durable write is temp-then-rename so a crash never leaves a
// half-written file.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// tsLayout is the on-disk timestamp key: RFC 3339 at microsecond precision
// with colons swapped for dashes so it is a valid file name everywhere.
const tsLayout = "2006-01-02T15-04-05.000000Z"

func tsKey(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTSKey(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

// bucket maps the empty session id to the reserved session-less bucket.
func bucket(id types.SessionID) types.SessionID {
	if id == "" {
		return types.UnassignedSession
	}
	return id
}

// writeFileAtomic writes data to path via a temp file and rename, creating
// parent directories as needed.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
