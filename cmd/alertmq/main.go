package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"

	"github.com/glimte/alertmq/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// app carries what every command needs once flags are parsed.
type app struct {
	configPath string
	url        string
	queue      string
	verbose    bool

	cfg    *config.Config
	logger *slog.Logger
	closer io.Closer
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "alertmq",
		Short: "Publish, consume and manage security alerts on RabbitMQ",
		Long: `alertmq moves security alerts through RabbitMQ with publisher confirms,
delayed retries and a dead-letter queue per work queue.
It can publish alerts, run consumers and inspect, drain, purge or replay dead letters.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.closer != nil {
				_ = a.closer.Close()
			}
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	flags.StringVarP(&a.url, "url", "u", "", "RabbitMQ connection URL (overrides the config)")
	flags.StringVarP(&a.queue, "queue", "q", "", "Work queue name (overrides the config)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPublishCmd(a),
		newConsumeCmd(a),
		newStatsCmd(a),
		newPurgeDLQCmd(a),
		newReplayDLQCmd(a),
		newDrainDLQCmd(a),
		newWatchCmd(a),
	)
	return rootCmd
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("url") {
		cfg.Broker.URL = a.url
	}
	if cmd.Flags().Changed("queue") {
		cfg.Consumer.Queue = a.queue
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closer, err := cfg.Logging.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.cfg, a.logger, a.closer = cfg, logger, closer
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
