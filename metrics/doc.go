// Package metrics exports messaging events to Prometheus.
package metrics
