package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorStringIncludesComponentAndCode(t *testing.T) {
	err := New("channel/irc", CodeTransient, WithMessage("nick offline"), WithChannel("irc"))

	text := err.Error()
	for _, want := range []string{"component=channel/irc", "code=transient", "channel=irc", `message="nick offline"`} {
		if !strings.Contains(text, want) {
			t.Errorf("error string missing %q: %s", want, text)
		}
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Errorf("expected <nil>, got %q", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := New("bus/amqp", CodeBusProtocol, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
}

func TestCodeOfWalksWrappedChain(t *testing.T) {
	inner := New("store/postgres", CodeStoreUnavailable, WithMessage("dial timeout"))
	wrapped := fmt.Errorf("refresh snapshot: %w", inner)

	if CodeOf(wrapped) != CodeStoreUnavailable {
		t.Errorf("expected store_unavailable, got %s", CodeOf(wrapped))
	}
	if !IsStoreUnavailable(wrapped) {
		t.Error("expected IsStoreUnavailable")
	}
}

func TestAmbiguousErrorsClassifyTransient(t *testing.T) {
	plain := errors.New("something broke")
	if !IsTransient(plain) {
		t.Error("plain errors must classify as transient")
	}
}

func TestIsPermanentCoversFormatter(t *testing.T) {
	if !IsPermanent(New("formatter", CodeFormatter)) {
		t.Error("formatter failures are permanent")
	}
	if !IsPermanent(New("channel/email", CodePermanent)) {
		t.Error("permanent failures are permanent")
	}
	if IsPermanent(New("channel/email", CodeTransient)) {
		t.Error("transient failures are not permanent")
	}
}
