package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/glimte/alertmq/messaging"
)

// lineWriter writes one JSON document per line; consumers share it.
type lineWriter struct {
	mu  sync.Mutex
	out io.Writer
}

func newLineWriter(out io.Writer) *lineWriter {
	return &lineWriter{out: out}
}

func (w *lineWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = fmt.Fprintf(w.out, "%s\n", data)
	return err
}

func printStats(out io.Writer, s messaging.QueueStats) {
	fmt.Fprintf(out, "%-40s %10s %10s\n", "QUEUE", "MESSAGES", "CONSUMERS")
	fmt.Fprintln(out, strings.Repeat("-", 62))
	fmt.Fprintf(out, "%-40s %10d %10d\n", truncate(s.Queue, 40), s.MessageCount, s.ConsumerCount)
	fmt.Fprintf(out, "%-40s %10d %10s\n", truncate(s.DLQ, 40), s.DLQMessageCount, "-")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
