package irc

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	irc "gopkg.in/irc.v4"

	"github.com/jeremycline/fedora-notifications/internal/channel"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

func testConfig() config.IRCConfig {
	return config.IRCConfig{
		Enabled:  true,
		Server:   "irc.example.test:6667",
		Nick:     "fedora-notif",
		LineRate: time.Millisecond,
		Workers:  1,
	}
}

func testTask(address, body string) *schema.DeliveryTask {
	return &schema.DeliveryTask{
		ID:         schema.TaskID("m1", "alice", schema.ChannelIRC, address),
		MessageID:  "m1",
		Topic:      "org.fedoraproject.prod.bodhi.update.comment",
		Subscriber: "alice",
		Kind:       schema.ChannelIRC,
		Address:    address,
		Payload:    schema.Rendered{Body: body},
		State:      schema.TaskPending,
	}
}

// pipedAdapter returns an adapter wired to an in-memory connection plus a
// channel of raw lines the "server" receives.
func pipedAdapter(t *testing.T) (*Adapter, <-chan string) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	lines := make(chan string, 16)
	go func() {
		reader := bufio.NewReader(serverConn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(line, "\r\n")
		}
	}()

	adapter := New(testConfig())
	adapter.verdictWait = 25 * time.Millisecond
	adapter.setConnected(irc.NewClient(clientConn, irc.ClientConfig{Nick: "fedora-notif"}), true)
	return adapter, lines
}

func TestSendNotConnected(t *testing.T) {
	adapter := New(testConfig())
	outcome := adapter.Send(context.Background(), testTask("alice", "hello"))
	if outcome.Status != channel.StatusTransient {
		t.Fatalf("Send() status = %v, want transient", outcome.Status)
	}
}

func TestSendBanned(t *testing.T) {
	adapter, _ := pipedAdapter(t)
	adapter.mu.Lock()
	adapter.banned = true
	adapter.mu.Unlock()

	outcome := adapter.Send(context.Background(), testTask("alice", "hello"))
	if outcome.Status != channel.StatusPermanent {
		t.Fatalf("Send() status = %v, want permanent", outcome.Status)
	}
}

func TestSendWritesEachLine(t *testing.T) {
	adapter, lines := pipedAdapter(t)

	task := testTask("alice", "bodhi: update commented\nsecond line")
	outcome := adapter.Send(context.Background(), task)
	if outcome.Status != channel.StatusDelivered {
		t.Fatalf("Send() status = %v (%s), want delivered", outcome.Status, outcome.Reason)
	}

	want := []string{
		"PRIVMSG alice :bodhi: update commented",
		"PRIVMSG alice :second line",
	}
	for _, expected := range want {
		select {
		case got := <-lines:
			if got != expected {
				t.Errorf("line = %q, want %q", got, expected)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for line")
		}
	}
}

func TestSendSkipsBlankLines(t *testing.T) {
	adapter, lines := pipedAdapter(t)

	outcome := adapter.Send(context.Background(), testTask("alice", "only line\n\n  \n"))
	if outcome.Status != channel.StatusDelivered {
		t.Fatalf("Send() status = %v, want delivered", outcome.Status)
	}

	select {
	case got := <-lines:
		if got != "PRIVMSG alice :only line" {
			t.Errorf("line = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for line")
	}
	select {
	case got := <-lines:
		t.Errorf("unexpected extra line %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendNickRejection(t *testing.T) {
	adapter, lines := pipedAdapter(t)

	done := make(chan channel.Outcome, 1)
	go func() {
		done <- adapter.Send(context.Background(), testTask("ghost", "hello"))
	}()

	select {
	case <-lines:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for privmsg")
	}
	adapter.fail("Ghost", failure{reason: "no such nick ghost"})

	outcome := <-done
	if outcome.Status != channel.StatusTransient {
		t.Fatalf("Send() status = %v, want transient", outcome.Status)
	}
	if !strings.Contains(outcome.Reason, "no such nick") {
		t.Errorf("reason = %q", outcome.Reason)
	}
}

func TestConcurrentSendsToSameNickShareRejection(t *testing.T) {
	adapter, lines := pipedAdapter(t)

	outcomes := make(chan channel.Outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			outcomes <- adapter.Send(context.Background(), testTask("ghost", "hello"))
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-lines:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for privmsg")
		}
	}
	adapter.fail("Ghost", failure{reason: "no such nick ghost"})

	for i := 0; i < 2; i++ {
		outcome := <-outcomes
		if outcome.Status != channel.StatusTransient {
			t.Fatalf("Send() status = %v, want transient", outcome.Status)
		}
	}
}

func TestUnwatchKeepsSiblingWatcher(t *testing.T) {
	adapter := New(testConfig())
	first := adapter.watch("ghost")
	second := adapter.watch("ghost")
	adapter.unwatch("ghost", first)

	adapter.fail("Ghost", failure{reason: "no such nick ghost"})
	select {
	case <-second:
	default:
		t.Fatal("surviving watcher did not receive the rejection")
	}
	select {
	case f := <-first:
		t.Errorf("removed watcher received %q", f.reason)
	default:
	}
}

func TestFailWithoutWatcherIsIgnored(t *testing.T) {
	adapter := New(testConfig())
	// Must not panic or block.
	adapter.fail("nobody", failure{reason: "no such nick nobody"})
}
