package provider_test

import (
	"context"
	"sync"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
)

// fakeProvider is a minimal Provider for registry and defaults tests.
type fakeProvider struct {
	mu       sync.Mutex
	id       string
	name     string
	enabled  bool
	types    []message.Type
	sent     []message.ChatMessage
	sendFunc func(msg message.ChatMessage) (message.SendResult, error)
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{
		id:      id,
		name:    id,
		enabled: true,
		types:   []message.Type{message.TypeText},
	}
}

func (f *fakeProvider) PlatformID() string   { return f.id }
func (f *fakeProvider) DisplayName() string  { return f.name }
func (f *fakeProvider) Enabled() bool        { return f.enabled }
func (f *fakeProvider) Init(context.Context) error     { return nil }
func (f *fakeProvider) Shutdown(context.Context) error { return nil }

func (f *fakeProvider) ParseMessage(context.Context, []byte) (*message.ChatMessage, error) {
	return nil, nil
}

func (f *fakeProvider) SendMessage(_ context.Context, msg message.ChatMessage, _ string) (message.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	if f.sendFunc != nil {
		return f.sendFunc(msg)
	}
	return message.Sent(msg.ID), nil
}

func (f *fakeProvider) SendMessages(ctx context.Context, msgs []message.ChatMessage, target string) ([]message.SendResult, error) {
	return provider.SendSequential(ctx, f, msgs, target, 0)
}

func (f *fakeProvider) ValidateWebhook(context.Context, provider.WebhookRequest) (provider.WebhookValidation, error) {
	return provider.WebhookValidation{Valid: true}, nil
}

func (f *fakeProvider) SupportedTypes() []message.Type { return f.types }

func (f *fakeProvider) sentMessages() []message.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.ChatMessage, len(f.sent))
	copy(out, f.sent)
	return out
}
