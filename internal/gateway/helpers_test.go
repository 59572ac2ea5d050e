package gateway_test

import (
	"context"
	"sync"

	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/queue"
)

type fakeProvider struct {
	mu        sync.Mutex
	id        string
	enabled   bool
	sent      []message.ChatMessage
	sendFunc  func(msg message.ChatMessage) (message.SendResult, error)
	batchFunc func(msgs []message.ChatMessage) ([]message.SendResult, error)
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{id: id, enabled: true}
}

func (f *fakeProvider) PlatformID() string  { return f.id }
func (f *fakeProvider) DisplayName() string { return f.id }
func (f *fakeProvider) Enabled() bool       { return f.enabled }

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
	if f.batchFunc != nil {
		f.mu.Lock()
		f.sent = append(f.sent, msgs...)
		f.mu.Unlock()
		return f.batchFunc(msgs)
	}
	return provider.SendSequential(ctx, f, msgs, target, 0)
}

func (f *fakeProvider) ValidateWebhook(context.Context, provider.WebhookRequest) (provider.WebhookValidation, error) {
	return provider.WebhookValidation{Valid: true}, nil
}

func (f *fakeProvider) SupportedTypes() []message.Type {
	return []message.Type{message.TypeText}
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	items []message.QueuedMessage
	err   error
}

var _ queue.Enqueuer = (*fakeEnqueuer)(nil)

func (f *fakeEnqueuer) Enqueue(_ context.Context, item message.QueuedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

func (f *fakeEnqueuer) all() []message.QueuedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]message.QueuedMessage, len(f.items))
	copy(out, f.items)
	return out
}

type fixture struct {
	registry *provider.Registry
	enqueuer *fakeEnqueuer
	status   *gateway.StatusCache
	provider *fakeProvider
}

func newFixture(platform string, opts gateway.Options) (*fixture, *gateway.DeliveryManager) {
	f := &fixture{
		registry: provider.NewRegistry(),
		enqueuer: &fakeEnqueuer{},
		status:   gateway.NewStatusCache(),
		provider: newFakeProvider(platform),
	}
	f.registry.MustRegister(f.provider)
	return f, gateway.NewDeliveryManager(f.registry, f.enqueuer, f.status, opts, nil)
}

func (f *fixture) newRouter() *gateway.Router {
	return gateway.NewRouter(f.registry,
		func() queue.Enqueuer { return f.enqueuer },
		func() *gateway.DeliveryManager {
			return gateway.NewDeliveryManager(f.registry, f.enqueuer, f.status, gateway.Options{}, nil)
		},
		nil,
	)
}
