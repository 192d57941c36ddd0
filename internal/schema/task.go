package schema

import (
	"time"

	"github.com/google/uuid"
)

// taskNamespace seeds deterministic task id derivation. Changing it
// invalidates every dedup record, so it is fixed for the life of the schema.
var taskNamespace = uuid.MustParse("8c9ef2a4-52f3-4ae1-9d70-cf20c3b07c43")

// TaskState tracks a delivery task through the dispatcher's state machine.
type TaskState string

const (
	TaskPending             TaskState = "pending"
	TaskInFlight            TaskState = "in_flight"
	TaskRetryScheduled      TaskState = "retry_scheduled"
	TaskDelivered           TaskState = "delivered"
	TaskPermanentlyFailed   TaskState = "permanently_failed"
	TaskSuppressedDuplicate TaskState = "suppressed_duplicate"
)

// Terminal reports whether the state ends a task's lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskDelivered, TaskPermanentlyFailed, TaskSuppressedDuplicate:
		return true
	default:
		return false
	}
}

// Rendered is a notification payload prepared for one channel kind.
type Rendered struct {
	// Subject is only set for email delivery.
	Subject string
	Body    string
	Headers map[string]string
}

// DeliveryTask is the unit of work representing "send this rendered
// notification to this subscriber over this channel". Tasks are owned
// exclusively by the dispatcher and destroyed once terminal.
type DeliveryTask struct {
	ID          uuid.UUID
	MessageID   string
	Topic       string
	Subscriber  string
	Kind        ChannelKind
	Address     string
	Payload     Rendered
	Attempts    int
	State       TaskState
	NextAttempt time.Time
	FailReason  string
}

// TaskID derives the deterministic task identifier for a (message,
// subscriber, channel address) tuple. Re-deriving the id for a redelivered
// message yields the same value, which is what makes dedup lookups work.
func TaskID(messageID, subscriber string, kind ChannelKind, address string) uuid.UUID {
	name := messageID + "\x00" + subscriber + "\x00" + string(kind) + "\x00" + address
	return uuid.NewSHA1(taskNamespace, []byte(name))
}

// NewDeliveryTask builds a pending task for the given message and channel
// preference.
func NewDeliveryTask(msg BusMessage, subscriber string, pref ChannelPreference, payload Rendered) *DeliveryTask {
	return &DeliveryTask{
		ID:         TaskID(msg.ID, subscriber, pref.Kind, pref.Address),
		MessageID:  msg.ID,
		Topic:      msg.Topic,
		Subscriber: subscriber,
		Kind:       pref.Kind,
		Address:    pref.Address,
		Payload:    payload,
		State:      TaskPending,
	}
}
