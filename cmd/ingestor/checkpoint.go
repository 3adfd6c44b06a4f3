package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/datasync-ingestor/internal/app"
	"github.com/Sternrassler/datasync-ingestor/pkg/checkpoint"
	"github.com/Sternrassler/datasync-ingestor/pkg/cursor"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	showFullCursor bool
	resetConfirmed bool
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect or reset the stored checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := app.OpenBackends(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		store, err := b.CheckpointStore()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		cp, err := store.Load(cmd.Context())
		if errors.Is(err, checkpoint.ErrNotFound) {
			fmt.Fprintf(out, "No checkpoint stored for %s\n", cfg.Ingest.ServiceID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}

		shown := cp.Cursor
		if !showFullCursor {
			shown = logging.Abbrev(cp.Cursor)
		}
		expiry, hasExpiry := cursor.Expiry(cp.Cursor)

		if jsonOutput {
			view := map[string]any{
				"service_id":   cfg.Ingest.ServiceID,
				"backend":      cfg.Checkpoint.Backend,
				"cursor":       shown,
				"total_events": cp.TotalEvents,
				"updated_at":   cp.UpdatedAt,
				"legacy":       cp.Legacy,
			}
			if hasExpiry {
				view["cursor_expires_at"] = expiry
			}
			data, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling JSON: %w", err)
			}
			fmt.Fprintln(out, string(data))
			return nil
		}

		fmt.Fprintf(out, "Service:      %s (%s)\n", cfg.Ingest.ServiceID, cfg.Checkpoint.Backend)
		fmt.Fprintf(out, "Cursor:       %s\n", shown)
		fmt.Fprintf(out, "Total events: %d\n", cp.TotalEvents)
		fmt.Fprintf(out, "Updated at:   %s\n", cp.UpdatedAt.Format(time.RFC3339))
		if hasExpiry {
			fmt.Fprintf(out, "Cursor exp:   %s\n", expiry.UTC().Format(time.RFC3339))
		}
		if cp.Legacy {
			fmt.Fprintln(out, "Format:       legacy (bare cursor)")
		}
		return nil
	},
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the stored checkpoint so the next run starts from the beginning",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirmed {
			return fmt.Errorf("refusing to reset without --yes")
		}

		b, err := app.OpenBackends(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		store, err := b.CheckpointStore()
		if err != nil {
			return err
		}
		resetter, ok := store.(checkpoint.Resetter)
		if !ok {
			return fmt.Errorf("checkpoint backend %q cannot be reset", cfg.Checkpoint.Backend)
		}
		if err := resetter.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("reset checkpoint: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint for %s reset\n", cfg.Ingest.ServiceID)
		return nil
	},
}

func init() {
	checkpointShowCmd.Flags().BoolVar(&showFullCursor, "full", false, "print the cursor unabbreviated")
	checkpointResetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm the reset")

	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointResetCmd)
}
