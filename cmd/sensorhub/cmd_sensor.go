package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/sensorhub/internal/state"
	"github.com/user/sensorhub/internal/types"
)

var sensorClass string

func init() {
	rootCmd.AddCommand(sensorCmd)
	sensorCmd.AddCommand(sensorListCmd, sensorAddCmd, sensorRemoveCmd)
	sensorAddCmd.Flags().StringVar(&sensorClass, "class", string(types.DeviceGeneric),
		"device class: contact, motion, or generic")
}

var sensorCmd = &cobra.Command{
	Use:   "sensor",
	Short: "Manage sensor topic subscriptions",
}

var sensorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sensor subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		subs := state.NewSubscriptionStore(cfg.DataDir)

		list, err := subs.List(context.Background())
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No sensors registered.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILTER\tCLASS\tCREATED")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				s.ID,
				s.TopicFilter,
				s.DeviceClass,
				s.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sensorAddCmd = &cobra.Command{
	Use:   "add <topic-filter>",
	Short: "Subscribe to a topic filter and start ingesting its readings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()

		req := map[string]any{"topic_filter": args[0], "device_class": sensorClass}
		var sub types.SensorSubscription
		if err := doJSON("POST", apiBase(cfg)+"/api/sensors", req, &sub); err != nil {
			return err
		}
		fmt.Printf("Subscribed %s as %s (%s)\n", sub.TopicFilter, sub.ID, sub.DeviceClass)
		return nil
	},
}

var sensorRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a sensor subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if err := doJSON("DELETE", apiBase(cfg)+"/api/sensors/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Sensor %s removed.\n", args[0])
		return nil
	},
}
