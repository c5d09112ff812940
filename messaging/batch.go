package messaging

import "context"

// BatchMessage is one entry of a batch publish. Options override the
// batch-wide defaults.
type BatchMessage struct {
	Body    any
	Options []PublishOption
}

// BatchResult reports a batch publish.
type BatchResult struct {
	SuccessCount int
	FailureCount int
	// MessageIDs holds the id of every message that was published.
	MessageIDs []string
	// Errors holds one entry per failed message, in input order.
	Errors []error
}

// PublishBatch publishes each message independently to routingKey. A failure
// never stops the rest of the batch, and nothing is rolled back.
func (p *Publisher) PublishBatch(ctx context.Context, messages []BatchMessage, routingKey string, options ...PublishOption) BatchResult {
	result := BatchResult{MessageIDs: make([]string, 0, len(messages))}

	for _, m := range messages {
		id, err := p.Publish(ctx, routingKey, m.Body, append(append([]PublishOption{}, options...), m.Options...)...)
		if err != nil {
			result.FailureCount++
			result.Errors = append(result.Errors, err)
			continue
		}
		result.SuccessCount++
		result.MessageIDs = append(result.MessageIDs, id)
	}

	p.logger.Info("published batch",
		"routingKey", routingKey,
		"succeeded", result.SuccessCount,
		"failed", result.FailureCount)

	return result
}
