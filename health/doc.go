// Package health aggregates readiness checks for alertmq processes: broker
// connectivity and work/dead-letter queue depth. Queue checks are usually
// registered as advisory so a dead-letter backlog degrades the report without
// failing the probe. Handler serves the report as JSON.
package health
