package errors

import sterrors "errors"

var (
	ErrServiceRequired      = sterrors.New("matchwatch: event service is required")
	ErrHandlerRequired      = sterrors.New("matchwatch: handler function is required")
	ErrConsumeQueueRequired = sterrors.New("matchwatch: consume queue is required")
	ErrHandlerNameRequired  = sterrors.New("matchwatch: handler name is required")
	ErrMessageTypeRequired  = sterrors.New("matchwatch: message type is required")
	ErrMessagePointerNeeded = sterrors.New("matchwatch: message type must be a pointer")
	ErrPublisherRequired    = sterrors.New("matchwatch: publisher is required")
	ErrTopicRequired        = sterrors.New("matchwatch: topic is required")
	ErrConfigRequired       = sterrors.New("matchwatch: configuration is required")
	ErrLoggerRequired       = sterrors.New("matchwatch: logger is required")
	ErrEventPayloadRequired = sterrors.New("matchwatch: event payload is required")
)

// ConfigValidationError reports a configuration that cannot start the process.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "matchwatch: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// UnprocessableEventError marks a message whose payload can never be handled,
// such as malformed JSON. The poison queue middleware keys off this type.
type UnprocessableEventError struct {
	Payload string
	Err     error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.Err.Error()
}

func (e *UnprocessableEventError) Unwrap() error {
	return e.Err
}

// NewUnprocessableEventError wraps err with the offending payload.
func NewUnprocessableEventError(payload []byte, err error) error {
	return &UnprocessableEventError{Payload: string(payload), Err: err}
}
