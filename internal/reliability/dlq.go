package reliability

import (
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Death is one entry of the x-death header the broker maintains when it
// dead-letters a message.
type Death struct {
	Queue       string
	Reason      string
	Exchange    string
	Count       int
	RoutingKeys []string
	Time        time.Time
}

// Deaths decodes the x-death header, most recent entry first.
func Deaths(headers amqp.Table) []Death {
	raw, ok := headers["x-death"].([]interface{})
	if !ok {
		return nil
	}

	deaths := make([]Death, 0, len(raw))
	for _, entry := range raw {
		table, ok := entry.(amqp.Table)
		if !ok {
			continue
		}
		d := Death{
			Queue:    HeaderString(table, "queue"),
			Reason:   HeaderString(table, "reason"),
			Exchange: HeaderString(table, "exchange"),
			Count:    HeaderInt(table, "count"),
		}
		if keys, ok := table["routing-keys"].([]interface{}); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					d.RoutingKeys = append(d.RoutingKeys, s)
				}
			}
		}
		if ts, ok := table["time"].(time.Time); ok {
			d.Time = ts
		}
		deaths = append(deaths, d)
	}
	return deaths
}

// DeathCount sums the counts of the x-death entries accepted by match.
func DeathCount(headers amqp.Table, match func(Death) bool) int {
	total := 0
	for _, d := range Deaths(headers) {
		if match == nil || match(d) {
			total += d.Count
		}
	}
	return total
}

// HeaderString safely extracts a string from headers
func HeaderString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	switch val := headers[key].(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}

// HeaderInt safely extracts an int from headers
func HeaderInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, _ := strconv.Atoi(val)
		return n
	}
	return 0
}
