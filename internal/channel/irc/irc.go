// Package irc delivers notifications as IRC private messages over a single
// persistent client connection.
package irc

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
	irc "gopkg.in/irc.v4"

	"github.com/jeremycline/fedora-notifications/internal/channel"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/observability"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

const (
	// defaultVerdictWait bounds how long a send waits for the server to
	// reject the target nick before the attempt counts as delivered. IRC
	// has no positive delivery acknowledgement.
	defaultVerdictWait = 2 * time.Second

	helpReply = "I am the Fedora notification bot. Manage your subscriptions " +
		"at https://notifications.fedoraproject.org"
)

// failure is an asynchronous server rejection attributed to a target nick.
type failure struct {
	permanent bool
	reason    string
}

// Adapter is the IRC delivery channel. Run owns the connection lifecycle;
// Send writes over whatever connection is currently registered.
type Adapter struct {
	cfg         config.IRCConfig
	limiter     *rate.Limiter
	verdictWait time.Duration

	mu        sync.Mutex
	client    *irc.Client
	connected bool
	banned    bool
	watchers  map[string][]chan failure
}

// New builds an IRC adapter from configuration. Run must be started before
// sends can succeed.
func New(cfg config.IRCConfig) *Adapter {
	return &Adapter{
		cfg:         cfg,
		limiter:     rate.NewLimiter(rate.Every(cfg.LineRate), 1),
		verdictWait: defaultVerdictWait,
		watchers:    make(map[string][]chan failure),
	}
}

// Kind implements channel.Adapter.
func (a *Adapter) Kind() schema.ChannelKind { return schema.ChannelIRC }

// Run connects to the configured server and keeps the connection alive,
// reconnecting with exponential backoff until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = a.cfg.ReconnectMaxInterval

	for {
		err := a.runOnce(ctx, policy)
		a.setConnected(nil, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := policy.NextBackOff()
		observability.Log().Warn("irc connection lost",
			observability.Err(err),
			observability.String("server", a.cfg.Server),
			observability.String("retry_in", wait.String()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (a *Adapter) runOnce(ctx context.Context, policy *backoff.ExponentialBackOff) error {
	conn, err := a.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", a.cfg.Server, err)
	}
	defer func() { _ = conn.Close() }()

	client := irc.NewClient(conn, irc.ClientConfig{
		Nick: a.cfg.Nick,
		User: a.cfg.Nick,
		Name: a.cfg.Realname,
		Handler: irc.HandlerFunc(func(c *irc.Client, m *irc.Message) {
			a.handle(c, m, policy)
		}),
	})
	return client.RunContext(ctx)
}

func (a *Adapter) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	if a.cfg.TLS {
		return (&tls.Dialer{NetDialer: dialer}).DialContext(ctx, "tcp", a.cfg.Server)
	}
	return dialer.DialContext(ctx, "tcp", a.cfg.Server)
}

func (a *Adapter) handle(c *irc.Client, m *irc.Message, policy *backoff.ExponentialBackOff) {
	switch m.Command {
	case "001":
		a.setConnected(c, true)
		policy.Reset()
		observability.Log().Info("irc connected",
			observability.String("server", a.cfg.Server),
			observability.String("nick", c.CurrentNick()))
		if a.cfg.NickServPassword != "" {
			_ = c.WriteMessage(&irc.Message{
				Command: "PRIVMSG",
				Params:  []string{"NickServ", "IDENTIFY " + a.cfg.NickServPassword},
			})
		}
	case "401":
		// ERR_NOSUCHNICK: the recipient is offline right now. The
		// message may still land on a later attempt.
		if len(m.Params) >= 2 {
			a.fail(m.Params[1], failure{reason: "no such nick " + m.Params[1]})
		}
	case "404":
		// ERR_CANNOTSENDTOCHAN, typically a moderated channel.
		if len(m.Params) >= 2 {
			a.fail(m.Params[1], failure{reason: "cannot send to " + m.Params[1]})
		}
	case "465":
		// ERR_YOUREBANNEDCREEP applies to the bot itself. Nothing will
		// deliver until an operator intervenes.
		a.mu.Lock()
		a.banned = true
		a.mu.Unlock()
		observability.Log().Error("irc server banned this client",
			observability.String("server", a.cfg.Server))
	case "PRIVMSG":
		if len(m.Params) > 0 && m.Params[0] == c.CurrentNick() && m.Prefix != nil {
			_ = c.WriteMessage(&irc.Message{
				Command: "PRIVMSG",
				Params:  []string{m.Prefix.Name, helpReply},
			})
		}
	}
}

// Send implements channel.Adapter. The notification body is written line by
// line under the configured rate limit; the attempt then waits briefly for a
// server rejection naming the target before counting as delivered.
func (a *Adapter) Send(ctx context.Context, task *schema.DeliveryTask) channel.Outcome {
	a.mu.Lock()
	client, connected, banned := a.client, a.connected, a.banned
	a.mu.Unlock()

	if banned {
		return channel.PermanentFailure("banned from irc server")
	}
	if !connected || client == nil {
		return channel.TransientFailure("not connected to irc server")
	}

	verdict := a.watch(task.Address)
	defer a.unwatch(task.Address, verdict)

	for _, line := range strings.Split(task.Payload.Body, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := a.limiter.Wait(ctx); err != nil {
			return channel.TransientFailure("send interrupted")
		}
		err := client.WriteMessage(&irc.Message{
			Command: "PRIVMSG",
			Params:  []string{task.Address, line},
		})
		if err != nil {
			return channel.TransientFailure(fmt.Sprintf("write to %s: %v", task.Address, err))
		}
	}

	select {
	case f := <-verdict:
		if f.permanent {
			return channel.PermanentFailure(f.reason)
		}
		return channel.TransientFailure(f.reason)
	case <-time.After(a.verdictWait):
		return channel.Delivered()
	case <-ctx.Done():
		return channel.TransientFailure("send interrupted")
	}
}

func (a *Adapter) setConnected(client *irc.Client, connected bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = client
	a.connected = connected
}

// watch registers a verdict channel for the nick. Several tasks may target
// the same nick concurrently, so each registration is kept until its own
// unwatch.
func (a *Adapter) watch(nick string) chan failure {
	ch := make(chan failure, 1)
	key := strings.ToLower(nick)
	a.mu.Lock()
	a.watchers[key] = append(a.watchers[key], ch)
	a.mu.Unlock()
	return ch
}

func (a *Adapter) unwatch(nick string, ch chan failure) {
	key := strings.ToLower(nick)
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.watchers[key]
	for i, candidate := range list {
		if candidate == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(a.watchers, key)
		return
	}
	a.watchers[key] = list
}

// fail delivers a server rejection to every task currently watching the
// nick. The server does not attribute the numeric to one message, so all
// in-flight sends to that nick share the verdict.
func (a *Adapter) fail(nick string, f failure) {
	a.mu.Lock()
	list := append([]chan failure(nil), a.watchers[strings.ToLower(nick)]...)
	a.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- f:
		default:
		}
	}
}
