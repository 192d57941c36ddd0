// Package formatter renders bus messages into channel-specific payloads.
package formatter

import (
	"fmt"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"

	"github.com/jeremycline/fedora-notifications/errs"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

const (
	// ircLineLimit keeps a PRIVMSG within one 512-byte IRC protocol line
	// after the command prefix and target are accounted for.
	ircLineLimit = 400
	// maxEmailPayload guards against publishers with runaway string
	// representations; larger bodies are replaced with a notice.
	maxEmailPayload = 500000
)

// Renderer produces a delivery payload for one channel kind.
type Renderer interface {
	Render(msg schema.BusMessage, kind schema.ChannelKind, address string) (schema.Rendered, error)
}

// Formatter renders plain-text notifications for IRC and email.
type Formatter struct {
	fromAddress string
}

// New constructs a Formatter. fromAddress is stamped on outgoing email.
func New(fromAddress string) *Formatter {
	return &Formatter{fromAddress: strings.TrimSpace(fromAddress)}
}

// Render implements Renderer. Failures are formatter errors: the task fails
// permanently and is never retried.
func (f *Formatter) Render(msg schema.BusMessage, kind schema.ChannelKind, address string) (schema.Rendered, error) {
	switch kind {
	case schema.ChannelIRC:
		return f.renderIRC(msg)
	case schema.ChannelEmail:
		return f.renderEmail(msg, address)
	default:
		return schema.Rendered{}, errs.New("formatter", errs.CodeFormatter,
			errs.WithMessage(fmt.Sprintf("unknown channel kind %q", kind)), errs.WithMessageID(msg.ID))
	}
}

const ircEllipsis = "…"

func (f *Formatter) renderIRC(msg schema.BusMessage) (schema.Rendered, error) {
	line := msg.Topic + ": " + msg.Summary()
	if len(line) > ircLineLimit {
		// Trim at a rune boundary so the cut never emits a broken UTF-8
		// sequence, leaving room for the ellipsis within the limit.
		cut := ircLineLimit - len(ircEllipsis)
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		line = line[:cut] + ircEllipsis
	}
	return schema.Rendered{Body: line}, nil
}

func (f *Formatter) renderEmail(msg schema.BusMessage, address string) (schema.Rendered, error) {
	body, err := msg.DecodeBody()
	if err != nil {
		return schema.Rendered{}, errs.New("formatter", errs.CodeFormatter,
			errs.WithMessage("message body is not renderable"), errs.WithMessageID(msg.ID), errs.WithCause(err))
	}

	pretty, err := json.MarshalIndent(body, "", "    ")
	if err != nil {
		return schema.Rendered{}, errs.New("formatter", errs.CodeFormatter,
			errs.WithMessage("serialise message body"), errs.WithMessageID(msg.ID), errs.WithCause(err))
	}

	payload := fmt.Sprintf("Notification time: %s\nTopic: %s\n\n%s\n", msg.Received.UTC().Format("2006-01-02 15:04:05 UTC"), msg.Topic, pretty)
	if len(payload) >= maxEmailPayload {
		payload = fmt.Sprintf("Message %s was too large to be sent!\n", msg.ID)
	}

	return schema.Rendered{
		Subject: msg.Summary(),
		Body:    payload,
		Headers: f.emailHeaders(address),
	}, nil
}

// emailHeaders marks the mail as auto-generated. Precedence is non-standard
// and discouraged by RFC 2076, but some old clients ignore RFC 3834 and
// auto-respond unless it is set.
func (f *Formatter) emailHeaders(address string) map[string]string {
	return map[string]string{
		"Precedence":     "Bulk",
		"Auto-Submitted": "auto-generated",
		"From":           f.fromAddress,
		"To":             address,
	}
}
