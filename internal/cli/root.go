// Package cli implements the wasmgate command line interface.
package cli

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wasmgate/wasmgate/internal/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "wasmgate",
	Short: "A multi-tenant WebAssembly function host",
	Long: `Wasmgate hosts WebAssembly functions behind subdomain routing:
deploy a wasm module as "echo" and it serves HTTP on echo.<base-domain>.

Functions run in memory- and time-bounded sandboxes with warm instance
pooling and per-function concurrency limits.

Start the server:
  wasmgate serve

Deploy a function:
  curl -X PUT --data-binary @echo.wasm http://localhost:8081/functions/echo`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./wasmgate.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
}

// setupLogging configures the global zerolog logger from config, with
// the verbose flag forcing debug level.
func setupLogging(cfg *config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stderr}
		log.Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

// loadConfig reads the config file (if any), applies environment
// overrides, and validates the result.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFromFile(cfgFile)
	}
	return config.LoadWithDefaults()
}
