// Package matcher maps bus messages onto the delivery tasks owed to
// interested subscribers. Matching is pure: no I/O, deterministic for a
// fixed preference snapshot.
package matcher

import (
	"strings"

	"github.com/jeremycline/fedora-notifications/internal/formatter"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

// Matcher derives delivery tasks from a message and a preference snapshot.
type Matcher struct {
	renderer formatter.Renderer
}

// New constructs a Matcher with the given payload renderer.
func New(renderer formatter.Renderer) *Matcher {
	return &Matcher{renderer: renderer}
}

// Match returns one task per enabled channel preference of every interested
// subscriber, in snapshot order. A subscriber with zero enabled channels
// contributes no tasks. Rendering failures mark the affected task
// permanently failed rather than dropping it, so the failure stays visible
// in delivery accounting.
func (m *Matcher) Match(msg schema.BusMessage, subscribers []schema.Subscriber) []*schema.DeliveryTask {
	severity := msg.Severity()
	owners := msg.Owners()

	var tasks []*schema.DeliveryTask
	for _, sub := range subscribers {
		if !Interested(sub, msg.Topic, severity, owners) {
			continue
		}
		for _, pref := range sub.EnabledChannels() {
			payload, err := m.renderer.Render(msg, pref.Kind, pref.Address)
			task := schema.NewDeliveryTask(msg, sub.Name, pref, payload)
			if err != nil {
				task.State = schema.TaskPermanentlyFailed
				task.FailReason = err.Error()
			}
			tasks = append(tasks, task)
		}
	}
	return tasks
}

// Interested reports whether any of the subscriber's rules match the topic
// at the given severity.
func Interested(sub schema.Subscriber, topic string, severity schema.Severity, owners []string) bool {
	for _, rule := range sub.Rules {
		if severity < rule.MinSeverity {
			continue
		}
		if rule.Mine {
			for _, owner := range owners {
				if owner == sub.Name {
					return true
				}
			}
			continue
		}
		if TopicMatches(rule.Topic, topic) {
			return true
		}
	}
	return false
}

// TopicMatches evaluates an AMQP topic pattern against a dotted topic.
// `*` matches exactly one word and `#` matches zero or more words, the same
// grammar the broker applies to queue bindings.
func TopicMatches(pattern, topic string) bool {
	pattern = strings.TrimSpace(pattern)
	topic = strings.TrimSpace(topic)
	if pattern == "" || topic == "" {
		return false
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(topic, "."))
}

func matchWords(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			// Try consuming zero or more words for the hash.
			for skip := 0; skip <= len(words); skip++ {
				if matchWords(pattern[1:], words[skip:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || words[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		words = words[1:]
	}
	return len(words) == 0
}
