package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/alimk/fieldwatch/pkg/ingest"
)

var (
	syncWindow      time.Duration
	duplicatesSince time.Duration
	duplicatesJSON  bool
)

var syncPestCmd = &cobra.Command{
	Use:   "sync-pest",
	Short: "Copy the latest detection count onto recent environmental readings",
	Long: `Applies the latest detection event's total_detections to the latest environmental
reading and to every reading stamped within --window of now. Rows already
carrying that count are left alone.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		window := syncWindow
		if !cmd.Flags().Changed("window") {
			window = cfg.Sync.ResyncWindow
		}

		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := ingest.NewSynchronizer(st, nowUTC, logger).Resync(cmd.Context(), window)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "updated %d environmental readings (window %s)\n", n, window)
		return nil
	},
}

var duplicatesCmd = &cobra.Command{
	Use:   "duplicates",
	Short: "Report environmental readings duplicated within the same second",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := openStore(cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()

		groups, err := ingest.FindDuplicates(cmd.Context(), st, nowUTC().Add(-duplicatesSince))
		if err != nil {
			return err
		}
		if duplicatesJSON {
			return printDuplicatesJSON(cmd.OutOrStdout(), groups)
		}
		printDuplicates(cmd.OutOrStdout(), groups)
		return nil
	},
}

func init() {
	syncPestCmd.Flags().DurationVar(&syncWindow, "window", time.Hour, "how far back to rewrite readings (default sync.resync_window)")
	duplicatesCmd.Flags().DurationVar(&duplicatesSince, "since", 24*time.Hour, "how far back to scan")
	duplicatesCmd.Flags().BoolVar(&duplicatesJSON, "json", false, "print groups as JSON")
	rootCmd.AddCommand(syncPestCmd, duplicatesCmd)
}

func printDuplicates(w io.Writer, groups []ingest.DuplicateGroup) {
	extra := 0
	for _, g := range groups {
		first := g.Readings[0]
		fmt.Fprintf(w, "%s  ids=%v  temperature=%s humidity=%s rainfall=%s thunder=%d pest_count=%d\n",
			g.Second.Format(time.RFC3339),
			g.IDs(),
			formatOptional(first.Temperature),
			formatOptional(first.Humidity),
			formatOptional(first.Rainfall),
			first.Thunder,
			first.PestCount,
		)
		extra += len(g.Readings) - 1
	}
	fmt.Fprintf(w, "%d duplicate groups, %d redundant readings\n", len(groups), extra)
}

func printDuplicatesJSON(w io.Writer, groups []ingest.DuplicateGroup) error {
	if groups == nil {
		groups = []ingest.DuplicateGroup{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(groups)
}

func formatOptional(v *float64) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%g", *v)
}
