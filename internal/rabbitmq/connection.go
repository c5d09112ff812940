package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/alertmq/internal/reliability"
)

const dialTimeout = 30 * time.Second

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns one broker connection and the single channel opened
// on it, and re-establishes both when the broker drops them.
type ConnectionManager struct {
	url             string
	dial            Dialer
	conn            Connection
	ch              Channel
	mu              sync.RWMutex
	reconnectDelay  time.Duration
	maxRetries      int
	connectAttempts int
	logger          *slog.Logger
	notifyClose     chan *amqp.Error
	isConnected     bool
	done            chan struct{}
	stateListeners  []ConnectionStateListener
	listenersMu     sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts (-1 for unlimited)
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectAttempts sets how many times Connect dials before giving up
func WithConnectAttempts(attempts int) ConnectionOption {
	return func(cm *ConnectionManager) {
		if attempts > 0 {
			cm.connectAttempts = attempts
		}
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:             url,
		dial:            DialAMQP,
		reconnectDelay:  5 * time.Second,
		maxRetries:      -1,
		connectAttempts: 3,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

func (cm *ConnectionManager) backoffPolicy(attempts int) reliability.Policy {
	return reliability.Policy{
		MaxAttempts:     attempts,
		InitialInterval: cm.reconnectDelay,
		MaxInterval:     5 * time.Minute,
		Multiplier:      2.0,
		Jitter:          0.25,
	}
}

// Connect establishes the connection and opens the channel. It is a no-op
// when already connected.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	attempts := 0
	err := reliability.Retry(ctx, "connect", cm.backoffPolicy(cm.connectAttempts), func(int) error {
		attempts++
		conn, err := cm.dialWithTimeout(ctx)
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
		}
		cm.attach(conn, ch)
		return nil
	}, func(attempt int, err error, next time.Duration) {
		cm.logger.Warn("connect attempt failed",
			"url", SanitizeURL(cm.url),
			"attempt", attempt,
			"nextRetryIn", next,
			"error", err)
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.done = make(chan struct{})
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect(cm.notifyClose, cm.done)

	return nil
}

// dialWithTimeout bounds a single dial attempt.
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		resCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		return res.conn, res.err
	case <-connCtx.Done():
		go func() {
			// Release a connection that completes after we gave up on it.
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}

// attach installs a fresh connection and channel. Callers hold cm.mu.
func (cm *ConnectionManager) attach(conn Connection, ch Channel) {
	cm.conn = conn
	cm.ch = ch
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Channel returns the instance channel, reopening it when a channel-level
// exception closed it but the connection is still alive.
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	if !cm.isConnected || cm.conn == nil {
		cm.mu.RUnlock()
		return nil, ErrConnectionNotReady
	}
	if cm.ch != nil && !cm.ch.IsClosed() {
		ch := cm.ch
		cm.mu.RUnlock()
		return ch, nil
	}
	cm.mu.RUnlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.ch != nil && !cm.ch.IsClosed() {
		return cm.ch, nil
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "reopen", Err: err, Timestamp: time.Now()}
	}
	cm.ch = ch
	cm.logger.Warn("reopened closed channel", "url", SanitizeURL(cm.url))
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the channel and the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.done != nil {
		select {
		case <-cm.done:
		default:
			close(cm.done)
		}
	}

	if !cm.isConnected {
		return nil
	}
	cm.isConnected = false

	if cm.ch != nil {
		_ = cm.ch.Close()
		cm.ch = nil
	}
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}

	return nil
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect(notifyClose chan *amqp.Error, done chan struct{}) {
	for {
		select {
		case err, ok := <-notifyClose:
			if !ok && err == nil {
				// Graceful close from our side closes the notify channel.
				select {
				case <-done:
					return
				default:
				}
			}
			if err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.ch = nil
			cm.mu.Unlock()

			var cause error
			if err != nil {
				cause = err
			} else {
				cause = ErrConnectionClosed
			}
			cm.notifyDisconnected(cause)

			next, ok := cm.reconnect(done)
			if !ok {
				return
			}
			notifyClose = next

		case <-done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect redials until it succeeds, runs out of attempts or done closes.
// It returns the close-notification channel of the new connection.
func (cm *ConnectionManager) reconnect(done chan struct{}) (chan *amqp.Error, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	startTime := time.Now()
	attempts := 0
	var notifyClose chan *amqp.Error

	err := reliability.Retry(ctx, "reconnect", cm.backoffPolicy(cm.maxRetries), func(attempt int) error {
		attempts = attempt + 1
		cm.logger.Info("attempting to reconnect",
			"attempt", attempts,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempts)

		conn, err := cm.dialWithTimeout(ctx)
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return err
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		select {
		case <-done:
			_ = ch.Close()
			_ = conn.Close()
			return reliability.Permanent(ErrConnectionClosed)
		default:
		}
		cm.attach(conn, ch)
		notifyClose = cm.notifyClose
		return nil
	}, func(attempt int, err error, next time.Duration) {
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt,
			"nextRetryIn", next)
	})

	if err != nil {
		select {
		case <-done:
			return nil, false
		default:
		}
		cm.logger.Error("max reconnection attempts reached",
			"attempts", attempts,
			"duration", time.Since(startTime))
		cm.notifyDisconnected(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: time.Now(),
			Attempts:  attempts,
		})
		return nil, false
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(startTime))
	cm.notifyConnected()
	return notifyClose, true
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnReconnecting(attempt)
	}
}
