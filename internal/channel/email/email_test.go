package email

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/jeremycline/fedora-notifications/internal/channel"
	"github.com/jeremycline/fedora-notifications/internal/config"
	"github.com/jeremycline/fedora-notifications/internal/schema"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := New(config.EmailConfig{
		Enabled:     true,
		SMTPHost:    "smtp.example.test",
		SMTPPort:    25,
		FromAddress: "notifications@fedoraproject.org",
		Timeout:     time.Second,
		Workers:     1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return adapter
}

func testTask(address string) *schema.DeliveryTask {
	return &schema.DeliveryTask{
		ID:         schema.TaskID("m1", "alice", schema.ChannelEmail, address),
		MessageID:  "m1",
		Topic:      "org.fedoraproject.prod.bodhi.update.comment",
		Subscriber: "alice",
		Kind:       schema.ChannelEmail,
		Address:    address,
		Payload: schema.Rendered{
			Subject: "Notification on org.fedoraproject.prod.bodhi.update.comment",
			Body:    "Notification time: 2024-03-01T12:00:00Z\nTopic: org.fedoraproject.prod.bodhi.update.comment",
			Headers: map[string]string{
				"From":           "notifications@fedoraproject.org",
				"To":             address,
				"Precedence":     "Bulk",
				"Auto-Submitted": "auto-generated",
			},
		},
		State: schema.TaskPending,
	}
}

func TestBuildMessageHeaders(t *testing.T) {
	adapter := testAdapter(t)

	msg, err := adapter.buildMessage(testTask("alice@example.test"))
	if err != nil {
		t.Fatalf("buildMessage() error = %v", err)
	}

	if got := msg.GetGenHeader(mail.Header("Precedence")); len(got) != 1 || got[0] != "Bulk" {
		t.Errorf("Precedence header = %v", got)
	}
	if got := msg.GetGenHeader(mail.Header("Auto-Submitted")); len(got) != 1 || got[0] != "auto-generated" {
		t.Errorf("Auto-Submitted header = %v", got)
	}
	if got := msg.GetAddrHeaderString(mail.HeaderFrom); len(got) != 1 || got[0] != "<notifications@fedoraproject.org>" {
		t.Errorf("From header = %v", got)
	}
	if got := msg.GetAddrHeaderString(mail.HeaderTo); len(got) != 1 || got[0] != "<alice@example.test>" {
		t.Errorf("To header = %v", got)
	}
}

func TestBuildMessageDefaultsFromAddress(t *testing.T) {
	adapter := testAdapter(t)

	task := testTask("alice@example.test")
	task.Payload.Headers = nil
	msg, err := adapter.buildMessage(task)
	if err != nil {
		t.Fatalf("buildMessage() error = %v", err)
	}
	if got := msg.GetAddrHeaderString(mail.HeaderFrom); len(got) != 1 || got[0] != "<notifications@fedoraproject.org>" {
		t.Errorf("From header = %v", got)
	}
}

func TestSendInvalidRecipientIsPermanent(t *testing.T) {
	adapter := testAdapter(t)

	outcome := adapter.Send(context.Background(), testTask("not an address"))
	if outcome.Status != channel.StatusPermanent {
		t.Fatalf("Send() status = %v (%s), want permanent", outcome.Status, outcome.Reason)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want channel.Status
	}{
		{
			name: "connection refused",
			err:  &mail.SendError{Reason: mail.ErrConnCheck},
			want: channel.StatusTransient,
		},
		{
			name: "rejected recipient",
			err:  &mail.SendError{Reason: mail.ErrSMTPRcptTo},
			want: channel.StatusPermanent,
		},
		{
			name: "rejected sender",
			err:  &mail.SendError{Reason: mail.ErrSMTPMailFrom},
			want: channel.StatusPermanent,
		},
		{
			name: "unknown error",
			err:  errors.New("connection reset by peer"),
			want: channel.StatusTransient,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got.Status != tc.want {
				t.Errorf("classify() = %v, want %v", got.Status, tc.want)
			}
		})
	}
}
