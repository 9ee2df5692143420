package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/user/sensorhub/internal/reconcile"
	"github.com/user/sensorhub/internal/state"
	"github.com/user/sensorhub/internal/types"
)

var reconcileOffline bool

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileOffline, "offline", false,
		"repair the data directory directly instead of going through the daemon")
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <session-id>",
	Short: "Verify and repair a session's two storage representations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		var report types.ReconciliationReport
		if reconcileOffline {
			// Only safe while the daemon is stopped; both paths write the
			// same files.
			readings := state.NewReadingStore(cfg.DataDir)
			consolidated := state.NewConsolidatedStore(cfg.DataDir)
			rec := reconcile.New(readings, consolidated)

			r, err := rec.Reconcile(context.Background(), types.SessionID(args[0]))
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			report = *r
		} else {
			url := apiBase(cfg) + "/api/sessions/" + args[0] + "/reconcile"
			if err := doJSON("POST", url, nil, &report); err != nil {
				return err
			}
		}

		fmt.Printf("Session %s: %d inconsistencies found, %d repaired\n",
			report.SessionID, report.InconsistenciesFound, report.Repaired)
		for _, d := range report.Details {
			fmt.Printf("  %s  %s  %s\n", d.Type, d.SensorID, d.Timestamp.Format("2006-01-02 15:04:05.000000"))
		}
		return nil
	},
}
