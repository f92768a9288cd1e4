package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func deviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Query devices",
	}
	cmd.AddCommand(deviceListCmd())
	cmd.AddCommand(deviceShowCmd())
	cmd.AddCommand(deviceReportCmd())
	return cmd
}

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var devices []deviceView
			if err := client.getJSON(cmd.Context(), "/devices", &devices); err != nil {
				return fmt.Errorf("list devices: %w", err)
			}
			out, err := formatDevices(devices, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func deviceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse device id %q: %w", args[0], err)
			}
			var dev deviceView
			if err := client.getJSON(cmd.Context(), fmt.Sprintf("/devices/%d", id), &dev); err != nil {
				return fmt.Errorf("get device %d: %w", id, err)
			}
			out, err := formatDevice(dev, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func deviceReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report <id>",
		Short: "Show a device's recent events, time-in-state, and action count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse device id %q: %w", args[0], err)
			}
			var report reportView
			if err := client.getJSON(cmd.Context(), fmt.Sprintf("/devices/%d/report", id), &report); err != nil {
				return fmt.Errorf("get device report %d: %w", id, err)
			}
			out, err := formatReport(report, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
