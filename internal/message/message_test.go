package message_test

import (
	"testing"
	"time"

	"github.com/quillhq/quill/internal/message"
)

func TestParseType(t *testing.T) {
	t.Parallel()

	cases := map[string]message.Type{
		"text":      message.TypeText,
		"  Image ":  message.TypeImage,
		"RICH_TEXT": message.TypeRichText,
		"card":      message.TypeCard,
		"sticker":   message.TypeUnknown,
		"":          message.TypeUnknown,
	}
	for raw, want := range cases {
		if got := message.ParseType(raw); got != want {
			t.Fatalf("ParseType(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC()
	msg := message.New("telegram", "user-1", "hello")
	if msg.ID == "" {
		t.Fatal("expected generated id")
	}
	if msg.Type != message.TypeText {
		t.Fatalf("expected text type, got %q", msg.Type)
	}
	if msg.Platform != "telegram" || msg.SenderID != "user-1" || msg.Content != "hello" {
		t.Fatalf("unexpected fields: %+v", msg)
	}
	if msg.Timestamp.Before(before) {
		t.Fatalf("timestamp %v before %v", msg.Timestamp, before)
	}
}

func TestNewOptions(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 2, 14, 8, 0, 0, 0, time.UTC)
	msg := message.New("wecom", "u1", "pic",
		message.WithID("fixed-id"),
		message.WithType(message.TypeImage),
		message.WithReceiver("u2"),
		message.WithMetadata(map[string]string{"k": "v"}),
		message.WithTimestamp(ts),
	)
	if msg.ID != "fixed-id" {
		t.Fatalf("expected fixed id, got %q", msg.ID)
	}
	if msg.Type != message.TypeImage || msg.ReceiverID != "u2" {
		t.Fatalf("unexpected fields: %+v", msg)
	}
	if msg.Metadata["k"] != "v" {
		t.Fatalf("metadata not applied: %+v", msg.Metadata)
	}
	if !msg.Timestamp.Equal(ts) {
		t.Fatalf("timestamp not applied: %v", msg.Timestamp)
	}
}

func TestNewBlankIDRegenerated(t *testing.T) {
	t.Parallel()

	msg := message.New("discord", "u1", "x", message.WithID(""))
	if msg.ID == "" {
		t.Fatal("blank id should be replaced with a generated one")
	}
}

func TestResultConstructors(t *testing.T) {
	t.Parallel()

	ok := message.Sent("m1")
	if !ok.Success || ok.MessageID != "m1" || ok.ShouldRetry {
		t.Fatalf("unexpected success result: %+v", ok)
	}

	fail := message.Failure("m2", "RATE_LIMITED", "slow down", true)
	if fail.Success || !fail.ShouldRetry || fail.ErrorCode != "RATE_LIMITED" {
		t.Fatalf("unexpected failure result: %+v", fail)
	}
}
