package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/courtyard-app/courtyard/internal/log"
	"github.com/courtyard-app/courtyard/internal/model"
	"github.com/courtyard-app/courtyard/internal/service"
)

var (
	flagJSON   bool
	flagMinAge string
)

func init() {
	versionsCmd.Flags().BoolVar(&flagJSON, "json", false, "print versions as JSON")
	sweepCmd.Flags().StringVar(&flagMinAge, "min-age", "", "ISO8601 duration, younger staging directories are kept, default is sweep.min_age from config")
}

var versionsCmd = &cobra.Command{
	Use:   "versions <project>",
	Short: "list dataset versions of a project, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sup := service.NewSupervisor(cmd.Context(), config)
		defer sup.Close()
		versions, err := sup.Versions(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		if flagJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(versions)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tCREATED\tTRAIN\tVALID")
		for _, v := range versions {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", v.ID, v.Created, v.TrainCount, v.ValidCount)
		}
		return tw.Flush()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "remove staging directories left behind by crashed runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := log.ContextAttrs(cmd.Context(), slog.Group("courtyard",
			slog.String("cmd", "sweep"),
			slog.Int("pid", os.Getpid()),
		))
		minAge, err := config.SweepMinAge()
		if flagMinAge != "" {
			minAge, err = model.ParseISODuration(flagMinAge)
		}
		if err != nil {
			return fmt.Errorf("parsing min age: %w", err)
		}

		sup := service.NewSupervisor(ctx, config)
		defer sup.Close()
		roots, err := sup.DatasetRoots()
		if err != nil {
			return err
		}
		for _, root := range roots {
			removed, err := sup.Outputs().Sweep(ctx, root, minAge)
			for _, dir := range removed {
				fmt.Println(dir)
			}
			if err != nil {
				slog.WarnContext(ctx, "sweep", "root", root, "error", err)
			}
		}
		return nil
	},
}
