// Package email delivers notifications over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/wneessen/go-mail"

	"github.com/jeremycline/fedora-notifications/internal/channel"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

// Adapter is the SMTP delivery channel. Each send is a full submission; the
// mail server owns queueing and retry beyond the initial handoff.
type Adapter struct {
	cfg    config.EmailConfig
	client *mail.Client
}

// New builds an email adapter from configuration.
func New(cfg config.EmailConfig) (*Adapter, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTimeout(cfg.Timeout),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.RequireTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return &Adapter{cfg: cfg, client: client}, nil
}

// Kind implements channel.Adapter.
func (a *Adapter) Kind() schema.ChannelKind { return schema.ChannelEmail }

// Send implements channel.Adapter.
func (a *Adapter) Send(ctx context.Context, task *schema.DeliveryTask) channel.Outcome {
	msg, err := a.buildMessage(task)
	if err != nil {
		// Address or header problems never fix themselves on retry.
		return channel.PermanentFailure(err.Error())
	}
	if err := a.client.DialAndSendWithContext(ctx, msg); err != nil {
		return classify(err)
	}
	return channel.Delivered()
}

func (a *Adapter) buildMessage(task *schema.DeliveryTask) (*mail.Msg, error) {
	msg := mail.NewMsg()

	from := task.Payload.Headers["From"]
	if from == "" {
		from = a.cfg.FromAddress
	}
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("from address %q: %w", from, err)
	}
	if err := msg.To(task.Address); err != nil {
		return nil, fmt.Errorf("recipient address %q: %w", task.Address, err)
	}
	msg.Subject(task.Payload.Subject)

	for key, value := range task.Payload.Headers {
		switch key {
		case "From", "To", "Subject":
			continue
		}
		msg.SetGenHeader(mail.Header(key), value)
	}
	msg.SetBodyString(mail.TypeTextPlain, task.Payload.Body)
	return msg, nil
}

// classify maps an SMTP submission failure onto a retry decision. Connection
// problems and 4xx replies are retried; 5xx replies are not.
func classify(err error) channel.Outcome {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return channel.TransientFailure(err.Error())
	}

	var sendErr *mail.SendError
	if errors.As(err, &sendErr) {
		switch {
		case sendErr.Reason == mail.ErrConnCheck:
			return channel.TransientFailure(sendErr.Error())
		case sendErr.IsTemp():
			return channel.TransientFailure(sendErr.Error())
		default:
			return channel.PermanentFailure(sendErr.Error())
		}
	}

	// Unknown failure shape: retrying risks a duplicate, giving up risks a
	// lost notification. Retry.
	return channel.TransientFailure(err.Error())
}
