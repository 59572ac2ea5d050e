package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/queue"
)

type stubProvider struct {
	mu       sync.Mutex
	id       string
	enabled  bool
	sent     []message.ChatMessage
	sendFunc func(msg message.ChatMessage) (message.SendResult, error)
}

func (s *stubProvider) PlatformID() string  { return s.id }
func (s *stubProvider) DisplayName() string { return s.id }
func (s *stubProvider) Enabled() bool       { return s.enabled }

func (s *stubProvider) Init(context.Context) error     { return nil }
func (s *stubProvider) Shutdown(context.Context) error { return nil }

func (s *stubProvider) ParseMessage(context.Context, []byte) (*message.ChatMessage, error) {
	return nil, nil
}

func (s *stubProvider) SendMessage(_ context.Context, msg message.ChatMessage, _ string) (message.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	if s.sendFunc != nil {
		return s.sendFunc(msg)
	}
	return message.Sent(msg.ID), nil
}

func (s *stubProvider) SendMessages(ctx context.Context, msgs []message.ChatMessage, target string) ([]message.SendResult, error) {
	return provider.SendSequential(ctx, s, msgs, target, 0)
}

func (s *stubProvider) ValidateWebhook(context.Context, provider.WebhookRequest) (provider.WebhookValidation, error) {
	return provider.WebhookValidation{Valid: true}, nil
}

func (s *stubProvider) SupportedTypes() []message.Type {
	return []message.Type{message.TypeText}
}

type stubEnqueuer struct {
	mu    sync.Mutex
	items []message.QueuedMessage
}

func (s *stubEnqueuer) Enqueue(_ context.Context, item message.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

func (s *stubEnqueuer) all() []message.QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.QueuedMessage, len(s.items))
	copy(out, s.items)
	return out
}

type testEnv struct {
	registry *provider.Registry
	enqueuer *stubEnqueuer
	status   *gateway.StatusCache
	provider *stubProvider
	router   *gateway.Router
	delivery gateway.DeliveryFactory
}

func newTestEnv(platform string) *testEnv {
	env := &testEnv{
		registry: provider.NewRegistry(),
		enqueuer: &stubEnqueuer{},
		status:   gateway.NewStatusCache(),
		provider: &stubProvider{id: platform, enabled: true},
	}
	env.registry.MustRegister(env.provider)
	env.delivery = func() *gateway.DeliveryManager {
		return gateway.NewDeliveryManager(env.registry, env.enqueuer, env.status, gateway.Options{}, nil)
	}
	env.router = gateway.NewRouter(env.registry,
		func() queue.Enqueuer { return env.enqueuer },
		env.delivery,
		nil,
	)
	return env
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// authenticate places a parsed JWT in the context the way the middleware
// would after verification.
func authenticate(c echo.Context, userID string) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": userID})
	token.Valid = true
	c.Set("user", token)
}

func newJSONContext(e *echo.Echo, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}
