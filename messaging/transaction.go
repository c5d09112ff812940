package messaging

import (
	"context"
	"sync"
)

// txState tracks AMQP transaction mode on a publisher channel. Once a channel
// is transactional every publish on it needs a commit, so publishes outside
// an explicit transaction are committed one by one.
type txState struct {
	mu       sync.Mutex
	selected Channel
	open     bool
}

func (t *txState) beforePublish(ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open && ch != t.selected {
		return &Error{Kind: KindTransaction, Op: "publish", Err: ErrChannelReplaced}
	}
	return nil
}

func (t *txState) afterPublish(ch Channel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open || ch != t.selected {
		return nil
	}
	if err := ch.TxCommit(); err != nil {
		return &Error{Kind: KindTransaction, Op: "commit", Err: err}
	}
	return nil
}

// TransactionalPublisher is a Publisher whose publishes can be grouped into
// broker transactions: a committed group becomes visible at once and a
// rolled-back group never does. Confirm mode is disabled because AMQP does
// not allow it on a transactional channel.
type TransactionalPublisher struct {
	*Publisher
}

// NewTransactionalPublisher creates a transactional publisher over conn.
func NewTransactionalPublisher(conn Connector, options ...PublisherOption) *TransactionalPublisher {
	p := NewPublisher(conn, append(options, WithConfirms(false))...)
	p.tx = &txState{}
	return &TransactionalPublisher{Publisher: p}
}

// InTransaction reports whether a transaction is open.
func (t *TransactionalPublisher) InTransaction() bool {
	t.tx.mu.Lock()
	defer t.tx.mu.Unlock()
	return t.tx.open
}

// BeginTransaction opens a transaction. Only one may be open at a time.
func (t *TransactionalPublisher) BeginTransaction(ctx context.Context) error {
	ch, _, err := t.channel()
	if err != nil {
		return err
	}

	t.tx.mu.Lock()
	defer t.tx.mu.Unlock()

	if t.tx.open {
		return &Error{Kind: KindTransaction, Op: "begin", Err: ErrTransactionOpen}
	}
	if ch != t.tx.selected {
		if err := ch.Tx(); err != nil {
			return &Error{Kind: KindTransaction, Op: "begin", Err: err}
		}
		t.tx.selected = ch
	}
	t.tx.open = true

	t.logger.Debug("transaction started")
	return nil
}

// CommitTransaction makes every publish since BeginTransaction visible.
func (t *TransactionalPublisher) CommitTransaction() error {
	t.tx.mu.Lock()
	defer t.tx.mu.Unlock()

	if !t.tx.open {
		return &Error{Kind: KindTransaction, Op: "commit", Err: ErrNoTransaction}
	}
	t.tx.open = false

	if err := t.tx.selected.TxCommit(); err != nil {
		t.logger.Error("failed to commit transaction", "error", err)
		return &Error{Kind: KindTransaction, Op: "commit", Err: err}
	}

	t.logger.Debug("transaction committed")
	return nil
}

// RollbackTransaction discards every publish since BeginTransaction.
func (t *TransactionalPublisher) RollbackTransaction() error {
	t.tx.mu.Lock()
	defer t.tx.mu.Unlock()

	if !t.tx.open {
		return &Error{Kind: KindTransaction, Op: "rollback", Err: ErrNoTransaction}
	}
	t.tx.open = false

	if err := t.tx.selected.TxRollback(); err != nil {
		t.logger.Error("failed to roll back transaction", "error", err)
		return &Error{Kind: KindTransaction, Op: "rollback", Err: err}
	}

	t.logger.Debug("transaction rolled back")
	return nil
}

// PublishInTransaction publishes every message inside one transaction. Any
// failure rolls the whole group back.
func (t *TransactionalPublisher) PublishInTransaction(ctx context.Context, messages []BatchMessage, routingKey string, options ...PublishOption) error {
	if err := t.BeginTransaction(ctx); err != nil {
		return err
	}

	for i, m := range messages {
		_, err := t.Publish(ctx, routingKey, m.Body, append(append([]PublishOption{}, options...), m.Options...)...)
		if err == nil {
			continue
		}

		if rbErr := t.RollbackTransaction(); rbErr != nil {
			t.logger.Error("rollback after failed publish also failed", "error", rbErr)
		}
		t.logger.Error("transactional publish rolled back",
			"routingKey", routingKey,
			"failedIndex", i,
			"size", len(messages),
			"error", err)
		return &Error{Kind: KindTransaction, Op: "publish_in_transaction", Err: err}
	}

	if err := t.CommitTransaction(); err != nil {
		return err
	}

	t.logger.Info("transaction published",
		"routingKey", routingKey,
		"size", len(messages))
	return nil
}

// Close commits an open transaction, then closes the connection.
func (t *TransactionalPublisher) Close() error {
	if t.InTransaction() {
		if err := t.CommitTransaction(); err != nil {
			t.logger.Error("failed to commit open transaction on close", "error", err)
		}
	}
	return t.Publisher.Close()
}
