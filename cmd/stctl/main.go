// stctl drives a remote sound trigger module from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ggoodman/soundtrigger-go/protocol"
	"github.com/ggoodman/soundtrigger-go/soundtrigger"
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	logLevel  string
	transport string
	address   string
)

var rootCmd = &cobra.Command{
	Use:   "stctl",
	Short: "stctl - sound trigger module client",
	Long: `stctl loads sound models into a remote detection module and reports
what it hears.

  stctl run -c session.yaml              Load, start and print detections
  stctl run -c session.yaml --watch      Reload when the session file changes
  stctl schema                           Print the session file JSON Schema
  stctl version                          Print module versions
  stctl params set KEY=VALUE             Set module parameters

Transport settings come from the environment (QSTHW_TRANSPORT,
PULSE_DBUS_SERVER, QSTHW_REDIS_ADDR, ...) and may be overridden by flags.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "", "Transport override (dbus, redis)")
	rootCmd.PersistentFlags().StringVar(&address, "address", "", "D-Bus server address override")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", logLevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// openModule initialises the primary module from the environment and the
// global flags.
func openModule(ctx context.Context) (*soundtrigger.Module, *slog.Logger, error) {
	log, err := newLogger()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := soundtrigger.ConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if transport != "" {
		cfg.Transport = transport
	}
	if address != "" {
		cfg.Address = address
	}
	m, err := soundtrigger.Init(ctx, protocol.ModulePrimary, soundtrigger.WithConfig(cfg), soundtrigger.WithLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("init module: %w", err)
	}
	return m, log, nil
}
