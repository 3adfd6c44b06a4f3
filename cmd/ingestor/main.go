// Command ingestor copies the DataSync event stream into a local sink,
// resuming from its checkpoint after every restart.
package main

import (
	"fmt"
	"os"

	"github.com/Sternrassler/datasync-ingestor/internal/config"
	"github.com/Sternrassler/datasync-ingestor/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	configFile string
	jsonOutput bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ingestor <command>",
	Short:         "Resumable DataSync event ingestion",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded

		logCfg := logging.DefaultConfig()
		logCfg.Level = logging.LogLevel(cfg.Logging.Level)
		logCfg.Pretty = cfg.Logging.Pretty
		logCfg.Output = cmd.ErrOrStderr()
		logging.Setup(logCfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (environment variables take precedence)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
