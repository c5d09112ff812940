package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/alertmq/internal/rabbitmq"
)

// Kind classifies a messaging failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConnection: the broker could not be reached or the channel is gone.
	KindConnection
	// KindSerialization: an outgoing body could not be encoded.
	KindSerialization
	// KindMalformedMessage: an incoming body is not a JSON object.
	KindMalformedMessage
	// KindHandler: user code failed while processing a message.
	KindHandler
	// KindTransaction: a transaction was misused or could not complete.
	KindTransaction
	// KindPublish: the broker rejected or never confirmed a publish.
	KindPublish
)

var (
	ErrConnection       = errors.New("messaging: connection error")
	ErrSerialization    = errors.New("messaging: serialization error")
	ErrMalformedMessage = errors.New("messaging: malformed message")
	ErrHandler          = errors.New("messaging: handler error")
	ErrTransaction      = errors.New("messaging: transaction error")
	ErrPublish          = errors.New("messaging: publish error")

	ErrNotConnected       = errors.New("messaging: not connected")
	ErrClosed             = errors.New("messaging: closed")
	ErrConfirmTimeout     = errors.New("messaging: publish confirmation timed out")
	ErrPublishNacked      = errors.New("messaging: publish nacked by broker")
	ErrConfirmLost        = errors.New("messaging: channel closed before the publish was confirmed")
	ErrTransactionOpen    = errors.New("messaging: transaction already open")
	ErrNoTransaction      = errors.New("messaging: no open transaction")
	ErrNotObject          = errors.New("messaging: body is not a JSON object")
	ErrHandlerPanic       = errors.New("messaging: handler panicked")
	ErrNoHandler          = errors.New("messaging: handler is required")
	ErrChannelReplaced    = errors.New("messaging: channel replaced during transaction")
	ErrInvalidRetryPolicy = errors.New("messaging: invalid retry policy")
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindSerialization:
		return "serialization"
	case KindMalformedMessage:
		return "malformed message"
	case KindHandler:
		return "handler"
	case KindTransaction:
		return "transaction"
	case KindPublish:
		return "publish"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindSerialization:
		return ErrSerialization
	case KindMalformedMessage:
		return ErrMalformedMessage
	case KindHandler:
		return ErrHandler
	case KindTransaction:
		return ErrTransaction
	case KindPublish:
		return ErrPublish
	default:
		return nil
	}
}

// Error is the tagged error every messaging operation returns.
// errors.Is(err, ErrSerialization) and friends match on Kind.
type Error struct {
	Kind      Kind
	Op        string
	MessageID string
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("messaging %s error", e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.MessageID != "" {
		msg += " (message " + e.MessageID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether repeating the failed operation may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindConnection, KindPublish, KindHandler:
		return true
	case KindSerialization, KindMalformedMessage, KindTransaction:
		return false
	case KindUnknown:
		return rabbitmq.IsRetryable(err)
	}
	return false
}

func connectionError(op string, err error) error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}
