// Package cli implements aptctl, the offline command-line front end to the
// analysis pipeline.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lvonguyen/aptforge/internal/config"
	"github.com/lvonguyen/aptforge/internal/observability"
)

// These will be set by build scripts
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	cfgFile  string
	output   string
	logLevel string
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aptctl",
		Short: "Map network logs to ATT&CK techniques and likely threat actors",
		Long: `aptctl runs the aptforge pipeline from the command line.

It describes logs with a local language model, extracts candidate techniques,
matches them against the ATT&CK corpus by embedding similarity, and ranks
threat actors by how well their known techniques explain the evidence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/config.yaml", "config file")
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn, error")

	cmd.AddCommand(newAnalyzeCmd(), newMatchCmd(), newAttributeCmd(), newSearchCmd())
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.SetVersionTemplate(fmt.Sprintf("aptctl version %s (commit %s)\n", version, gitCommit))
	return cmd
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func validateOutput() error {
	switch output {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want text or json)", output)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = "console"
	// Traces are not worth exporting for a single CLI run.
	cfg.Telemetry.TracingEnabled = false
	return cfg, nil
}

func newTelemetry(cfg *config.Config) (*observability.Telemetry, error) {
	return observability.New(cfg.Observability(version))
}

// readInput reads a file argument, or stdin when the argument is "-" or
// absent.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	return data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
