// Package channel defines the uniform delivery contract implemented by each
// delivery medium. Adding a channel kind means adding an Adapter
// implementation; the dispatcher never changes.
package channel

import (
	"context"

	"github.com/jeremycline/fedora-notifications/internal/schema"
)

// Status classifies the result of a single delivery attempt.
type Status int

const (
	// StatusDelivered means the notification was handed to the medium.
	StatusDelivered Status = iota
	// StatusTransient means the attempt failed but a later retry may
	// succeed (recipient offline, server unreachable, 4xx SMTP reply).
	StatusTransient
	// StatusPermanent means retrying can never succeed (mailbox does not
	// exist, nick banned, 5xx SMTP reply).
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Outcome is the result of one adapter send.
type Outcome struct {
	Status Status
	Reason string
}

// Delivered reports a successful attempt.
func Delivered() Outcome { return Outcome{Status: StatusDelivered} }

// TransientFailure reports a retriable failure.
func TransientFailure(reason string) Outcome {
	return Outcome{Status: StatusTransient, Reason: reason}
}

// PermanentFailure reports a failure that must not be retried.
func PermanentFailure(reason string) Outcome {
	return Outcome{Status: StatusPermanent, Reason: reason}
}

// Adapter delivers rendered notifications over one medium. Send must be safe
// for concurrent use across different tasks; the dispatcher guarantees a
// given task id is only ever inside one Send call at a time.
type Adapter interface {
	Kind() schema.ChannelKind
	Send(ctx context.Context, task *schema.DeliveryTask) Outcome
}
