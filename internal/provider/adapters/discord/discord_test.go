package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
)

type fakeSender struct {
	sent    []string
	targets []string
	err     error
}

func (s *fakeSender) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	s.targets = append(s.targets, channelID)
	s.sent = append(s.sent, content)
	if s.err != nil {
		return nil, s.err
	}
	return &discordgo.Message{ID: "sent-1"}, nil
}

func newTestProvider(sender messageSender) *Provider {
	p := New(Config{BotToken: "token", Enabled: true}, nil)
	p.sender = sender
	return p
}

func TestParseMessage(t *testing.T) {
	t.Parallel()

	p := New(Config{Enabled: true}, nil)
	raw := []byte(`{
		"id": "m-1",
		"channel_id": "chan-1",
		"guild_id": "guild-1",
		"content": "hello there",
		"author": {"id": "user-1", "bot": false}
	}`)

	msg, err := p.ParseMessage(context.Background(), raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.SenderID != "user-1" || msg.Content != "hello there" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Metadata["channel_id"] != "chan-1" || msg.Metadata["guild_id"] != "guild-1" {
		t.Fatalf("unexpected metadata: %+v", msg.Metadata)
	}
}

func TestParseMessageSkipsBots(t *testing.T) {
	t.Parallel()

	p := New(Config{Enabled: true}, nil)
	raw := []byte(`{"id":"m","channel_id":"c","content":"x","author":{"id":"b","bot":true}}`)
	msg, err := p.ParseMessage(context.Background(), raw)
	if err != nil || msg != nil {
		t.Fatalf("expected nil, nil, got %v, %v", msg, err)
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestProvider(sender)
	result, err := p.SendMessage(context.Background(), message.New(PlatformID, "u", "hi", message.WithID("m-1")), "chan-9")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success || result.MessageID != "m-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(sender.targets) != 1 || sender.targets[0] != "chan-9" {
		t.Fatalf("unexpected targets: %v", sender.targets)
	}
}

func TestSendMessageDegrades(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestProvider(sender)
	msg := message.New(PlatformID, "u", "notes.pdf", message.WithType(message.TypeFile))
	if _, err := p.SendMessage(context.Background(), msg, "chan-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.sent[0] != "[file] notes.pdf" {
		t.Fatalf("expected degraded content, got %q", sender.sent[0])
	}
}

func TestSendMessageTruncates(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	p := newTestProvider(sender)
	long := strings.Repeat("x", maxMessageLength+100)
	if _, err := p.SendMessage(context.Background(), message.New(PlatformID, "u", long), "chan-1"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sender.sent[0]) != maxMessageLength {
		t.Fatalf("expected truncation to %d, got %d", maxMessageLength, len(sender.sent[0]))
	}
}

func TestSendMessageRetryClassification(t *testing.T) {
	t.Parallel()

	rateLimited := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	forbidden := &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}

	cases := []struct {
		name  string
		err   error
		retry bool
	}{
		{"rate limited", rateLimited, true},
		{"forbidden", forbidden, false},
		{"transport", errors.New("connection reset"), true},
	}
	for _, tc := range cases {
		p := newTestProvider(&fakeSender{err: tc.err})
		result, err := p.SendMessage(context.Background(), message.New(PlatformID, "u", "x"), "chan-1")
		if err != nil {
			t.Fatalf("%s: send: %v", tc.name, err)
		}
		if result.Success {
			t.Fatalf("%s: expected failure", tc.name)
		}
		if result.ShouldRetry != tc.retry {
			t.Fatalf("%s: ShouldRetry = %v, want %v", tc.name, result.ShouldRetry, tc.retry)
		}
	}
}

func TestSendWithoutSession(t *testing.T) {
	t.Parallel()

	p := New(Config{Enabled: true}, nil)
	result, err := p.SendMessage(context.Background(), message.New(PlatformID, "u", "x"), "chan-1")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Success || result.ErrorCode != "NOT_INITIALIZED" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestConfigWatcher(t *testing.T) {
	t.Parallel()

	p := New(Config{BotToken: "orig", Enabled: true}, nil)
	if err := p.ApplyConfig(map[string]any{"enabled": false}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Enabled() || p.ConfigSource() != provider.SourceDatabase {
		t.Fatal("apply should disable and mark database source")
	}
	p.ResetToDefaults()
	if !p.Enabled() || p.ConfigSource() != provider.SourceEnvironment {
		t.Fatal("reset should restore defaults")
	}
}
