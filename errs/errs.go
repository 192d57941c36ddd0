// Package errs provides structured error types and helpers for the
// notification delivery service.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a delivery-failure category.
type Code string

const (
	// CodeTransient indicates a failure that is expected to clear on retry,
	// such as an unreachable channel or an offline recipient.
	CodeTransient Code = "transient"
	// CodePermanent indicates a failure that will never succeed on retry,
	// such as a nonexistent mailbox or a banned nick.
	CodePermanent Code = "permanent"
	// CodeStoreUnavailable indicates the preference store could not be
	// queried; the owning message must be retried, not dropped.
	CodeStoreUnavailable Code = "store_unavailable"
	// CodeFormatter indicates notification rendering failed. Formatting
	// failures are data defects and are never retried.
	CodeFormatter Code = "formatter"
	// CodeBusProtocol indicates the broker connection cannot make progress.
	// These errors are fatal to the process.
	CodeBusProtocol Code = "bus_protocol"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid"
	// CodeUnavailable indicates a component is shut down or not yet started.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the delivery stack.
type E struct {
	Component string
	Code      Code
	Channel   string
	MessageID string
	Message   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component and error code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithChannel records the delivery channel kind the error relates to.
func WithChannel(channel string) Option {
	trimmed := strings.TrimSpace(channel)
	return func(e *E) {
		e.Channel = trimmed
	}
}

// WithMessageID records the bus message id the error relates to.
func WithMessageID(id string) Option {
	trimmed := strings.TrimSpace(id)
	return func(e *E) {
		e.MessageID = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := strings.TrimSpace(e.Component)
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Channel != "" {
		parts = append(parts, "channel="+e.Channel)
	}
	if e.MessageID != "" {
		parts = append(parts, "message_id="+e.MessageID)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the failure code from err, walking the error chain.
// Errors outside the envelope type report CodeTransient: when the
// classification is ambiguous the service prefers redundant delivery over
// silent loss.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return CodeOf(err) == CodeTransient
}

// IsPermanent reports whether err is a terminal delivery failure.
func IsPermanent(err error) bool {
	code := CodeOf(err)
	return code == CodePermanent || code == CodeFormatter
}

// IsStoreUnavailable reports whether err indicates the preference store
// could not be reached.
func IsStoreUnavailable(err error) bool {
	return CodeOf(err) == CodeStoreUnavailable
}

// IsBusProtocol reports whether err is fatal to the consumption loop.
func IsBusProtocol(err error) bool {
	return CodeOf(err) == CodeBusProtocol
}
