package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/alertmq/health"
	"github.com/glimte/alertmq/interceptors"
	"github.com/glimte/alertmq/messaging"
	"github.com/glimte/alertmq/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// connectedConsumer returns a consumer used for dead-letter management.
func (a *app) connectedConsumer(ctx context.Context) (*messaging.Consumer, error) {
	c := messaging.NewConsumer(a.cfg.NewConnection(a.logger), a.cfg.Consumer.Queue, a.cfg.ConsumerOptions(a.logger, nil)...)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func newPublishCmd(a *app) *cobra.Command {
	var (
		routingKey string
		alertType  string
		priority   int
		file       string
		retries    int
	)

	cmd := &cobra.Command{
		Use:   "publish [json-body]",
		Short: "Publish an alert",
		Long: `Publish one JSON alert. The body is read from the argument, from --file,
or from stdin when neither is given. With --alert-type the priority is derived
from the alert type.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			raw, err := readBody(args, file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("alert body must be a JSON object: %w", err)
			}

			if routingKey == "" {
				routingKey = a.cfg.Consumer.Queue
			}

			p := messaging.NewPublisher(a.cfg.NewConnection(a.logger), a.cfg.PublisherOptions(a.logger, nil)...)
			if err := p.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer p.Close()

			var id string
			switch {
			case alertType != "":
				id, err = p.PublishPriorityAlert(ctx, routingKey, body, alertType)
			case retries > 0:
				id, err = p.PublishWithRetry(ctx, routingKey, body, retries, time.Second, messaging.WithPriority(priority))
			default:
				id, err = p.Publish(ctx, routingKey, body, messaging.WithPriority(priority))
			}
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			if !p.WaitForConfirms(ctx, a.cfg.Publisher.ConfirmTimeout) {
				return fmt.Errorf("message %s was not confirmed within %s", id, a.cfg.Publisher.ConfirmTimeout)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVarP(&routingKey, "routing-key", "r", "", "Routing key (defaults to the work queue)")
	cmd.Flags().StringVarP(&alertType, "alert-type", "t", "", "Alert severity (critical, high, medium, low, info) that sets the priority")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "Message priority (0-10)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the body from a file")
	cmd.Flags().IntVar(&retries, "retries", 0, "Publish attempts before giving up")
	return cmd
}

func readBody(args []string, file string, stdin io.Reader) ([]byte, error) {
	switch {
	case len(args) == 1:
		return []byte(args[0]), nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
}

func newConsumeCmd(a *app) *cobra.Command {
	var (
		workers     int
		batch       bool
		metricsAddr string
		minSeverity string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume alerts and print them as JSON lines",
		Long: `Consume alerts from the work queue and write each one to stdout as a JSON line.
Failed deliveries are retried with backoff and dead-lettered once retries are used up.
Prometheus metrics and health endpoints are served while consuming.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if !cmd.Flags().Changed("workers") {
				workers = a.cfg.Consumer.Workers
			}
			if !cmd.Flags().Changed("metrics-addr") {
				metricsAddr = a.cfg.Metrics.Address
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			collector, err := metrics.New(reg)
			if err != nil {
				return fmt.Errorf("failed to register metrics: %w", err)
			}

			// a separate connection reports queue depth and broker health
			monitorConn := a.cfg.NewConnection(a.logger)
			monitor := messaging.NewConsumer(monitorConn, a.cfg.Consumer.Queue, a.cfg.ConsumerOptions(a.logger, nil)...)
			if err := monitor.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer monitor.Close()

			out := newLineWriter(cmd.OutOrStdout())
			eg, egCtx := errgroup.WithContext(ctx)

			if batch {
				for i := 0; i < workers; i++ {
					c := messaging.NewBatchConsumer(a.cfg.NewConnection(a.logger), a.cfg.Consumer.Queue,
						a.cfg.ConsumerOptions(a.logger, collector)...)
					if err := c.Connect(ctx); err != nil {
						return fmt.Errorf("failed to connect: %w", err)
					}
					defer c.Close()
					eg.Go(func() error {
						return c.Consume(egCtx, func(ctx context.Context, alerts []map[string]any) error {
							for _, alert := range alerts {
								if err := out.write(alert); err != nil {
									return err
								}
							}
							return nil
						}, nil)
					})
				}
			} else {
				group := messaging.NewConsumerGroup(func() messaging.Connector {
					return a.cfg.NewConnection(a.logger)
				}, a.cfg.Consumer.Queue, workers, a.cfg.ConsumerOptions(a.logger, collector)...)
				chain := interceptors.NewChain(interceptors.NewLoggingInterceptor(a.logger))
				if minSeverity != "" {
					chain.Add(interceptors.NewFilteringInterceptor(
						interceptors.NewSeverityFilter("severity", minSeverity), interceptors.SkipWithLog, a.logger))
				}
				handler := chain.Then(func(ctx context.Context, alert map[string]any) error {
					return out.write(alert)
				})
				eg.Go(func() error {
					return group.Run(egCtx, handler, nil)
				})
			}

			if a.cfg.Metrics.Enabled && metricsAddr != "" {
				registry := health.NewRegistry(health.WithLogger(a.logger))
				registry.SetMetadata("version", version)
				registry.Register(health.NewBrokerChecker(monitorConn))
				registry.RegisterAdvisory(health.NewQueueChecker(a.cfg.Consumer.Queue, monitor,
					a.cfg.Health.QueueThreshold, a.cfg.Health.DLQThreshold))

				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
				mux.Handle("/healthz", health.NewHandler(registry, 5*time.Second))
				mux.Handle("/livez", health.LivenessHandler())

				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				eg.Go(func() error {
					a.logger.Info("serving metrics and health", "address", metricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return fmt.Errorf("metrics server failed: %w", err)
					}
					return nil
				})
				eg.Go(func() error {
					<-egCtx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			return eg.Wait()
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Number of consumers, each on its own connection")
	cmd.Flags().BoolVar(&batch, "batch", false, "Consume in batches using the batch settings")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address for /metrics, /healthz and /livez")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Acknowledge and skip alerts below this severity")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show work queue and dead-letter queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := a.connectedConsumer(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			stats, err := c.QueueStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to get queue stats: %w", err)
			}

			if asJSON {
				return newLineWriter(cmd.OutOrStdout()).write(stats)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print stats as JSON")
	return cmd
}

func newPurgeDLQCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge-dlq",
		Short: "Delete every message in the dead-letter queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if !yes && !confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
				fmt.Sprintf("Purge all messages from %s.dlq?", a.cfg.Consumer.Queue)) {
				return errors.New("aborted")
			}

			c, err := a.connectedConsumer(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.PurgeDLQ(ctx)
			if err != nil {
				return fmt.Errorf("failed to purge dead-letter queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d messages from %s\n", n, c.DLQ())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	answer, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

func newReplayDLQCmd(a *app) *cobra.Command {
	var maxMessages int

	cmd := &cobra.Command{
		Use:   "replay-dlq",
		Short: "Move dead-lettered messages back to the work queue",
		Long: `Move up to --max messages from the dead-letter queue back to the work queue.
Replayed messages start with a fresh retry budget.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := a.connectedConsumer(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			n, err := c.ReplayDLQ(ctx, maxMessages)
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d messages from %s to %s\n", n, c.DLQ(), c.Queue())
			if err != nil {
				return fmt.Errorf("replay stopped: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxMessages, "max", "m", messaging.DefaultReplayLimit, "Maximum number of messages to replay")
	return cmd
}

func newDrainDLQCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drain-dlq",
		Short: "Print and remove dead-lettered messages as JSON lines",
		Long: `Consume the dead-letter queue and write each message to stdout as a JSON line,
including its retry metadata. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := a.connectedConsumer(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			out := newLineWriter(cmd.OutOrStdout())
			return c.ConsumeDLQ(ctx, func(ctx context.Context, alert map[string]any) error {
				return out.write(alert)
			})
		},
	}
	return cmd
}
