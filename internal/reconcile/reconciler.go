// Package reconcile audits the per-reading store against the consolidated
// store and repairs divergence in both directions. It owns no data: it only
// reads the two stores and writes repairs through them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/sensorhub/internal/types"
)

// Reconciler runs audit passes over one session at a time. Passes are
// idempotent: a pass over agreeing stores finds nothing.
type Reconciler struct {
	readings     types.ReadingStore
	consolidated types.ConsolidatedStore
}

func New(readings types.ReadingStore, consolidated types.ConsolidatedStore) *Reconciler {
	return &Reconciler{readings: readings, consolidated: consolidated}
}

// Reconcile audits the session and repairs any divergence. Repairs are
// computed first and committed at the end: missing individual files are
// recreated, then the repaired consolidated index is persisted exactly once.
// An error or cancellation before that persist leaves the consolidated
// document untouched; cancellation is honored only at repair-unit
// boundaries, never mid-write.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID types.SessionID) (*types.ReconciliationReport, error) {
	started := time.Now()
	report := &types.ReconciliationReport{SessionID: sessionID, Details: []types.Inconsistency{}}

	individual, err := r.readings.List(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("enumerate individual readings: %w", err)
	}

	// If the consolidated document is gone entirely, rebuild it from the
	// individual files before the pairwise comparison.
	var index *types.ConsolidatedIndex
	indexDirty := false
	if !r.consolidated.Exists(sessionID) {
		index = types.NewConsolidatedIndex(sessionID)
		for _, reading := range individual {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if index.Insert(reading.Clone()) {
				indexDirty = true
				report.Details = append(report.Details, types.Inconsistency{
					Type:      types.MissingConsolidatedIndex,
					SensorID:  reading.SensorID,
					Timestamp: reading.Timestamp,
				})
			}
		}
	} else {
		// GetSession hands back a deep copy, so mutating it here is
		// invisible until the final Replace.
		index, err = r.consolidated.GetSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load consolidated index: %w", err)
		}
	}

	// Individual -> consolidated: insert pairs the index is missing.
	for _, reading := range individual {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if index.Has(reading.SensorID, reading.Timestamp) {
			continue
		}
		index.Insert(reading.Clone())
		indexDirty = true
		report.Details = append(report.Details, types.Inconsistency{
			Type:      types.MissingInConsolidated,
			SensorID:  reading.SensorID,
			Timestamp: reading.Timestamp,
		})
	}

	// Consolidated -> individual: recreate files the reading store lost.
	var recreate []*types.Reading
	for sensorID, readings := range index.Sensors {
		for _, reading := range readings {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			_, err := r.readings.Get(ctx, sessionID, sensorID, reading.Timestamp)
			if err == nil {
				continue
			}
			if !errors.Is(err, types.ErrNotFound) {
				return nil, fmt.Errorf("probe individual reading: %w", err)
			}
			recreate = append(recreate, reading)
			report.Details = append(report.Details, types.Inconsistency{
				Type:      types.MissingIndividualFile,
				SensorID:  sensorID,
				Timestamp: reading.Timestamp,
			})
		}
	}

	report.InconsistenciesFound = len(report.Details)

	// Commit phase. File recreation is idempotent, so a failure here can be
	// retried by a later pass without harm; the consolidated index is
	// persisted exactly once, at the very end.
	for _, reading := range recreate {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cp := reading.Clone()
		cp.SessionID = sessionID
		if _, err := r.readings.Put(ctx, cp); err != nil {
			return nil, fmt.Errorf("recreate reading %s/%s: %w", cp.SensorID, cp.Timestamp.Format(time.RFC3339Nano), err)
		}
		report.Repaired++
	}

	if indexDirty {
		if err := r.consolidated.Replace(ctx, sessionID, index); err != nil {
			return nil, fmt.Errorf("persist repaired index: %w", err)
		}
		for _, d := range report.Details {
			if d.Type != types.MissingIndividualFile {
				report.Repaired++
			}
		}
	}

	if report.InconsistenciesFound > 0 {
		slog.Info("reconcile repaired divergence",
			"session_id", sessionID,
			"found", report.InconsistenciesFound,
			"repaired", report.Repaired,
			"elapsed", time.Since(started))
	}
	return report, nil
}
