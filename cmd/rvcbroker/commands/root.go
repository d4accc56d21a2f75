package commands

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/rvcbroker/internal/config"
	"github.com/ekisa-team/rvcbroker/internal/env"
	"github.com/ekisa-team/rvcbroker/internal/fault"
	"github.com/ekisa-team/rvcbroker/internal/logger"
)

// version is set at build time with -ldflags "-X ...commands.version=...".
var version = "dev"

var (
	// Global flags
	cfgFile    string
	schemaFile string
	logToFile  bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "rvcbroker",
	Short: "Local voice conversion and speech synthesis broker",
	Long: `rvcbroker - a local inference broker for voice conversion and text to speech.

It keeps at most one voice model resident, converts audio files with it,
and produces speech through edge-tts. Run it as a service with 'serve' or
use the one-shot commands.

Configuration is read from ` + defaultConfigFile() + `
and may be overridden with RVCBROKER_* environment variables.

Examples:
  # Run the service
  rvcbroker serve

  # Convert a file with the "alice" model one semitone up
  rvcbroker convert --input song.wav --model alice --pitch 1

  # List installed models
  rvcbroker models
`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogger()
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile(), "config file")
	rootCmd.PersistentFlags().StringVar(&schemaFile, "schema", "", "config schema file (default is the embedded schema)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-file", false, "also write logs to logs/rvcbroker.log")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(synthesizeCmd)
	rootCmd.AddCommand(modelsCmd)
}

func defaultConfigFile() string {
	return filepath.Join(config.DefaultConfigPath(), "config.yaml")
}

func initLogger() {
	opts := []logger.Option{logger.WithLogToFile(logToFile)}
	if verbose {
		opts = append(opts, logger.WithLevel(slog.LevelDebug))
	}

	slog.SetDefault(logger.New(env.FromEnv(), opts...))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile, schemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// kindError prefixes err with its fault kind for one-shot commands.
func kindError(err error) error {
	return fmt.Errorf("%s: %w", fault.KindOf(err), err)
}
