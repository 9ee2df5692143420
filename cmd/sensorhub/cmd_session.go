package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/sensorhub/internal/state"
	"github.com/user/sensorhub/internal/types"
)

var sessionSensors []string

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionCreateCmd, sessionActivateCmd,
		sessionCompleteCmd, sessionDeleteCmd, sessionExportCmd)
	sessionCreateCmd.Flags().StringArrayVar(&sessionSensors, "sensor", nil,
		"sensor ID to attribute to this session (repeatable)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage capture sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		list, err := sessions.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSENSORS\tCREATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.ID,
				s.Name,
				s.Status,
				strings.Join(s.SensorIDs, ","),
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a pending session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		req := map[string]any{"name": args[0], "sensor_ids": sessionSensors}
		var sess types.Session
		if err := doJSON("POST", apiBase(cfg)+"/api/sessions", req, &sess); err != nil {
			return err
		}
		fmt.Printf("Created session %s (%s)\n", sess.ID, sess.Status)
		return nil
	},
}

var sessionActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Start recording and begin attributing readings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		url := apiBase(cfg) + "/api/sessions/" + args[0] + "/activate"
		if err := doJSON("POST", url, nil, nil); err != nil {
			return err
		}
		fmt.Printf("Session %s active.\n", args[0])
		return nil
	},
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <id>",
	Short: "Stop recording, reconcile, and close the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		url := apiBase(cfg) + "/api/sessions/" + args[0] + "/complete"
		if err := doJSON("POST", url, nil, nil); err != nil {
			return err
		}
		fmt.Printf("Session %s completed.\n", args[0])
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session and its stored readings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		url := apiBase(cfg) + "/api/sessions/" + args[0]
		if err := doJSON("DELETE", url, nil, nil); err != nil {
			return err
		}
		fmt.Printf("Session %s deleted.\n", args[0])
		return nil
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Print the session's consolidated readings as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		var index types.ConsolidatedIndex
		url := apiBase(cfg) + "/api/sessions/" + args[0] + "/export"
		if err := doJSON("GET", url, nil, &index); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(&index)
	},
}
