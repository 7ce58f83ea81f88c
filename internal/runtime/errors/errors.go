package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired        = sterrors.New("courier: service is required")
	ErrConfigRequired         = sterrors.New("courier: configuration is required")
	ErrLoggerRequired         = sterrors.New("courier: logger is required")
	ErrHandlerRequired        = sterrors.New("courier: handler function is required")
	ErrTypeNameRequired       = sterrors.New("courier: message type name is required")
	ErrTopicRequired          = sterrors.New("courier: topic is required")
	ErrCodecRequired          = sterrors.New("courier: codec is required")
	ErrMessageRequired        = sterrors.New("courier: message is required")
	ErrMessageTypeRequired    = sterrors.New("courier: message type is required")
	ErrMessagePointerRequired = sterrors.New("courier: message type must be a pointer")
	ErrProducerRequired       = sterrors.New("courier: producer is required")
	ErrConsumerRequired       = sterrors.New("courier: consumer is required")
	ErrStoreRequired          = sterrors.New("courier: durable store is required")
	ErrTypeAlreadyRegistered  = sterrors.New("courier: message type already registered")
	ErrUnknownType            = sterrors.New("courier: unknown message type")
	ErrCircuitOpen            = sterrors.New("courier: circuit breaker is open")
	ErrDedupUnavailable       = sterrors.New("courier: dedup store unavailable")
	ErrAlreadyProcessed       = sterrors.New("courier: delivery already recorded in the inbox")
	ErrLostRace               = sterrors.New("courier: outbound record already delivered by another worker")
	ErrNotLeader              = sterrors.New("courier: lease is held by another node")
	ErrChannelClosed          = sterrors.New("courier: channel is closed")
	ErrLoopStopped            = sterrors.New("courier: poll loop is stopped")
	ErrServiceStarted         = sterrors.New("courier: service already started")
	ErrUnknownStoreDriver     = sterrors.New("courier: unknown store driver")
	ErrNilMessage             = sterrors.New("courier: message is nil")
	ErrMessageTooLarge        = sterrors.New("courier: message exceeds the transport size limit")
)

// ConfigValidationError wraps the joined validation errors of a configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("courier: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnprocessableEventError marks payloads that can never be processed, for
// example because they fail to decode. Such records are dropped and committed
// instead of being retried.
type UnprocessableEventError struct {
	TypeName string
	Payload  []byte
	Err      error
}

func (e *UnprocessableEventError) Error() string {
	return fmt.Sprintf("courier: unprocessable %s event: %v", e.TypeName, e.Err)
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.Err
}

// IsUnprocessable reports whether err carries an UnprocessableEventError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableEventError
	return sterrors.As(err, &target)
}
