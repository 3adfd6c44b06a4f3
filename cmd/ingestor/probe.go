package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/datasync-ingestor/internal/app"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	probeLimits   []int
	probePageSize int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check how the API caps page sizes and what its cursors look like",
	Long: `Request one page per --limits value and report how many events were
served, then walk the first two pages of the stream with --page-size events
each and report overlap, ordering and whether the cursor carries an expiry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		probeCfg := *cfg
		probeCfg.Ingest.BatchSize = probePageSize

		c, err := app.NewClient(&probeCfg, nil)
		if err != nil {
			return err
		}

		report, err := app.Probe(cmd.Context(), c, probeLimits)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			data, err := json.MarshalIndent(probeJSON(report), "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintln(out, "--- Limits ---")
		for _, l := range report.Limits {
			if l.Err != nil {
				fmt.Fprintf(out, "limit %6d -> error: %v\n", l.Requested, l.Err)
				continue
			}
			capped := ""
			if l.Capped() {
				capped = " (capped)"
			}
			fmt.Fprintf(out, "limit %6d -> served %6d in %s%s\n", l.Requested, l.Served, l.Duration.Round(time.Millisecond), capped)
		}

		fmt.Fprintln(out, "--- Pagination ---")
		fmt.Fprintf(out, "pages walked: %d, events: %d, overlap: %d, ordered: %t\n",
			report.Pages, report.Events, report.Overlap, report.Ordered)
		switch {
		case report.Cursor == "":
			fmt.Fprintln(out, "cursor: none")
		case report.Expiry.IsZero():
			fmt.Fprintf(out, "cursor: %s (opaque=%t, no expiry)\n", logging.Abbrev(report.Cursor), !report.Structured)
		default:
			fmt.Fprintf(out, "cursor: %s (expires %s, in %s)\n", logging.Abbrev(report.Cursor),
				report.Expiry.UTC().Format(time.RFC3339), time.Until(report.Expiry).Round(time.Second))
		}
		return nil
	},
}

func probeJSON(r *app.ProbeReport) map[string]any {
	limits := make([]map[string]any, 0, len(r.Limits))
	for _, l := range r.Limits {
		entry := map[string]any{
			"requested":   l.Requested,
			"served":      l.Served,
			"capped":      l.Capped(),
			"duration_ms": l.Duration.Milliseconds(),
		}
		if l.Err != nil {
			entry["error"] = l.Err.Error()
		}
		limits = append(limits, entry)
	}
	view := map[string]any{
		"limits":     limits,
		"pages":      r.Pages,
		"events":     r.Events,
		"overlap":    r.Overlap,
		"ordered":    r.Ordered,
		"cursor":     logging.Abbrev(r.Cursor),
		"structured": r.Structured,
	}
	if !r.Expiry.IsZero() {
		view["cursor_expires_at"] = r.Expiry.UTC()
	}
	return view
}

func init() {
	probeCmd.Flags().IntSliceVar(&probeLimits, "limits", app.DefaultProbeLimits, "page sizes to request")
	probeCmd.Flags().IntVar(&probePageSize, "page-size", 10, "page size for the pagination walk")
}
