package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/casualjim/triggerbus"
	"github.com/casualjim/triggerbus/broker"
	"github.com/casualjim/triggerbus/config"
	"github.com/casualjim/triggerbus/pkg/slogx"
	"github.com/fatih/color"
	_ "github.com/joho/godotenv/autoload"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

var logLevel = new(slog.LevelVar)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: logLevel}),
	))
}

// connect opens the broker for a command, replaced in tests.
var connect = func(cfg config.Config) (broker.Connection, error) {
	return cfg.Connect()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "triggerbus",
		Short: "Publish and subscribe to broker-backed triggers",
		Long: "triggerbus publishes named events through a broker exchange and streams the events of one\n" +
			"or more triggers. The broker is configured with --config or TRIGGERBUS_* variables.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				logLevel.Set(slog.LevelDebug)
			}
			if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
				color.NoColor = true
			}
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to a triggerbus.yaml file")
	root.PersistentFlags().Bool("verbose", false, "Enable debug logging")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("triggerbus version %s\n", version))

	root.AddCommand(newPublishCmd())
	root.AddCommand(newSubscribeCmd())
	return root
}

// openEngine loads the configuration named by --config and starts an engine on it.
// The returned func closes both.
func openEngine(cmd *cobra.Command) (*triggerbus.Engine, func(), error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	conn, err := connect(cfg)
	if err != nil {
		return nil, nil, err
	}

	engine, err := triggerbus.New(conn, cfg.EngineOptions()...)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	slog.Debug("connected", slog.String("broker", cfg.Broker.Kind), slog.String("exchange", cfg.Exchange.Name))

	closer := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Close(ctx); err != nil {
			slog.Warn("failed to close engine", slogx.Error(err))
		}
		if err := conn.Close(); err != nil {
			slog.Warn("failed to close broker connection", slogx.Error(err))
		}
	}
	return engine, closer, nil
}
