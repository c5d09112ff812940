package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/alertmq/health"
	"github.com/glimte/alertmq/messaging"
)

// queueWatcher prints queue depth at a fixed interval.
type queueWatcher struct {
	source   health.StatsSource
	interval time.Duration
	out      io.Writer
	now      func() time.Time

	last     messaging.QueueStats
	lastSeen time.Time
}

func newQueueWatcher(source health.StatsSource, interval time.Duration, out io.Writer) *queueWatcher {
	return &queueWatcher{source: source, interval: interval, out: out, now: time.Now}
}

// Watch prints until ctx is done. A failed poll is printed and skipped.
func (w *queueWatcher) Watch(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if err := w.poll(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.poll(ctx); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
			}
		}
	}
}

func (w *queueWatcher) poll(ctx context.Context) error {
	stats, err := w.source.QueueStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	now := w.now()
	var rate, dlqRate float64
	if !w.lastSeen.IsZero() {
		elapsed := now.Sub(w.lastSeen).Seconds()
		if elapsed > 0 {
			rate = float64(stats.MessageCount-w.last.MessageCount) / elapsed
			dlqRate = float64(stats.DLQMessageCount-w.last.DLQMessageCount) / elapsed
		}
	}
	w.last, w.lastSeen = stats, now

	fmt.Fprintf(w.out, "Queue Monitor - %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintln(w.out, strings.Repeat("=", 74))
	fmt.Fprintf(w.out, "%-40s %10s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS", "DELTA/S")
	fmt.Fprintln(w.out, strings.Repeat("-", 74))
	fmt.Fprintf(w.out, "%-40s %10d %10d %+10.2f\n", truncate(stats.Queue, 40), stats.MessageCount, stats.ConsumerCount, rate)
	fmt.Fprintf(w.out, "%-40s %10d %10s %+10.2f\n", truncate(stats.DLQ, 40), stats.DLQMessageCount, "-", dlqRate)
	fmt.Fprintln(w.out)
	return nil
}

func newWatchCmd(a *app) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch work queue and dead-letter queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			c, err := a.connectedConsumer(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Starting queue monitoring... Press Ctrl+C to stop")
			return newQueueWatcher(c, interval, cmd.OutOrStdout()).Watch(ctx)
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", 2*time.Second, "Update interval")
	return cmd
}
