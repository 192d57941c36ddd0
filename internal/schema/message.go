// Package schema defines the bus message, subscriber, and delivery task
// types shared across the delivery service.
package schema

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jeremycline/fedora-notifications/errs"
)

// Severity orders messages from least to most important. The broker stamps
// each message with a severity header; rules carry a minimum severity below
// which a subscriber does not want to be notified.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

// ParseSeverity maps the wire representation of a severity header to its
// ordered value. Unknown or missing values default to info, matching the
// broker's default for unstamped messages.
func ParseSeverity(value string) Severity {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return SeverityDebug
	case "warning":
		return SeverityWarning
	case "error":
		return SeverityError
	default:
		return SeverityInfo
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// BusMessage is an immutable event delivered from the broker. The dispatcher
// owns it transiently for the duration of processing and never mutates it.
type BusMessage struct {
	ID       string
	Topic    string
	Headers  map[string]any
	Body     []byte
	Received time.Time
}

// Validate checks that the message carries the fields the matcher depends on.
func (m BusMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("message id required"))
	}
	if strings.TrimSpace(m.Topic) == "" {
		return errs.New("schema/message", errs.CodeInvalid, errs.WithMessage("message topic required"), errs.WithMessageID(m.ID))
	}
	return nil
}

// Severity extracts the severity header stamped on the message.
func (m BusMessage) Severity() Severity {
	if raw, ok := m.Headers["fedora_messaging_severity"]; ok {
		if text, ok := raw.(string); ok {
			return ParseSeverity(text)
		}
	}
	return SeverityInfo
}

// DecodeBody unmarshals the structured message body.
func (m BusMessage) DecodeBody() (map[string]any, error) {
	if len(m.Body) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(m.Body, &out); err != nil {
		return nil, errs.New("schema/message", errs.CodeInvalid,
			errs.WithMessage("malformed message body"), errs.WithMessageID(m.ID), errs.WithCause(err))
	}
	return out, nil
}

// Summary produces the short human-readable line used by the formatter.
// Messages published with an explicit summary field use it; otherwise the
// topic stands in.
func (m BusMessage) Summary() string {
	body, err := m.DecodeBody()
	if err == nil {
		if summary, ok := body["summary"].(string); ok && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
	}
	return m.Topic
}

// Owners lists the usernames a message concerns, drawn from the body fields
// the publishers stamp (owner, user, agent, usernames). Used to resolve
// "mine" rules.
func (m BusMessage) Owners() []string {
	body, err := m.DecodeBody()
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var owners []string
	add := func(name string) {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return
		}
		if _, ok := seen[trimmed]; ok {
			return
		}
		seen[trimmed] = struct{}{}
		owners = append(owners, trimmed)
	}

	for _, field := range []string{"owner", "user", "agent"} {
		if name, ok := body[field].(string); ok {
			add(name)
		}
	}
	if list, ok := body["usernames"].([]any); ok {
		for _, entry := range list {
			if name, ok := entry.(string); ok {
				add(name)
			}
		}
	}
	return owners
}
