package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func areaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "area",
		Short: "Query areas",
	}
	cmd.AddCommand(areaListCmd())
	cmd.AddCommand(areaShowCmd())
	return cmd
}

func areaListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all areas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var areas []areaView
			if err := client.getJSON(cmd.Context(), "/areas", &areas); err != nil {
				return fmt.Errorf("list areas: %w", err)
			}
			out, err := formatAreas(areas, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func areaShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one area and its devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("parse area id %q: %w", args[0], err)
			}
			var area areaDetailView
			if err := client.getJSON(cmd.Context(), fmt.Sprintf("/areas/%d", id), &area); err != nil {
				return fmt.Errorf("get area %d: %w", id, err)
			}
			out, err := formatAreaDetail(area, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
