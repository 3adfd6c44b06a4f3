package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/datasync-ingestor/internal/app"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion loop",
	Long: `Run the ingestion loop until the stream ends, the target event count is
reached or the process receives SIGINT/SIGTERM. A signal lets the batch in
flight finish and its checkpoint be written before the process exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("api", cfg.API.BaseURL).
			Str("mode", cfg.API.Mode).
			Str("sink", cfg.Sink.Backend).
			Str("checkpoint", cfg.Checkpoint.Backend).
			Int("batch_size", cfg.Ingest.BatchSize).
			Msg("Starting ingestor")

		a, err := app.New(ctx, cfg)
		if err != nil {
			return err
		}
		runErr := a.Run(ctx)
		if err := a.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close backends")
		}
		return runErr
	},
}
