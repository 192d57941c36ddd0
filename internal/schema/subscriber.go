package schema

import "strings"

// ChannelKind identifies a delivery medium.
type ChannelKind string

const (
	ChannelIRC   ChannelKind = "irc"
	ChannelEmail ChannelKind = "email"
)

// Valid reports whether the kind names a known delivery medium.
func (k ChannelKind) Valid() bool {
	switch k {
	case ChannelIRC, ChannelEmail:
		return true
	default:
		return false
	}
}

// ChannelPreference is one delivery address for a subscriber: an IRC nick or
// an email address, plus whether the subscriber currently wants delivery
// through it.
type ChannelPreference struct {
	Kind    ChannelKind
	Address string
	Enabled bool
}

// Rule is one topic-match rule in a subscriber's preferences. A rule matches
// when the message topic matches the AMQP-style pattern (`*` matches one
// word, `#` matches zero or more), or, for mine rules, when the message body
// names the subscriber. MinSeverity suppresses matches below the threshold.
type Rule struct {
	Topic       string
	MinSeverity Severity
	Mine        bool
}

// Subscriber is a read-only snapshot of one user's delivery preferences.
// The preference store owns the authoritative state; the dispatcher holds
// snapshots that may go stale between refreshes.
type Subscriber struct {
	Name     string
	Channels []ChannelPreference
	Rules    []Rule
}

// EnabledChannels returns the subscriber's active channel preferences in
// stored order.
func (s Subscriber) EnabledChannels() []ChannelPreference {
	var out []ChannelPreference
	for _, pref := range s.Channels {
		if !pref.Enabled {
			continue
		}
		if !pref.Kind.Valid() || strings.TrimSpace(pref.Address) == "" {
			continue
		}
		out = append(out, pref)
	}
	return out
}
