package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"dispatch-tracker/internal/dispatch"
	"dispatch-tracker/internal/state"
)

var snapshotFormat string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Fetch the dispatch data once and print it",
	Long: `Fetch GET /api/dispatch-data/, apply it to a fresh store and print the
normalized result. Formats: summary (default), json, yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := setup()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
		defer cancel()

		snap, err := e.apiClient().FetchDispatchData(ctx)
		if err != nil {
			return err
		}
		st := state.New(e.logger)
		st.ApplySnapshot(snap)
		return printSnapshot(os.Stdout, st.Snapshot(), snapshotFormat)
	},
}

func printSnapshot(w io.Writer, snap dispatch.Snapshot, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		// Go through JSON so timestamps and ids use their wire form.
		b, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	case "", "summary":
		return printSummary(w, snap)
	}
	return fmt.Errorf("unknown format %q (summary, json, yaml)", format)
}

func printSummary(w io.Writer, snap dispatch.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUCKET\tTASKS")
	for _, st := range dispatch.Categories {
		fmt.Fprintf(tw, "%s\t%d\n", st, len(*snap.Bucket(st)))
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "TECHNICIAN\tNAME\tSTATUS\tTASKS\tPOSITION")
	for _, t := range snap.Technicians {
		pos := "-"
		if p := t.Position(); p.Valid() {
			pos = fmt.Sprintf("%.5f,%.5f", p.Lat, p.Lon)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.Status, len(t.Tasks), pos)
	}
	if len(snap.Teams) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TEAM\tDRIVERS\tACTIVE\tUNASSIGNED")
		for _, t := range snap.Teams {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", t.Name, t.TotalDrivers, t.ActiveDrivers, t.UnassignedTasks)
		}
	}
	return tw.Flush()
}

func init() {
	snapshotCmd.Flags().StringVarP(&snapshotFormat, "output", "o", "summary", "output format: summary, json or yaml")
	rootCmd.AddCommand(snapshotCmd)
}
