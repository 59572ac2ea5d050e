// Package provider defines the contract every messaging platform adapter
// implements, plus the registry that holds the live adapters.
package provider

import (
	"context"
	"net/http"
	"net/url"

	"github.com/quillhq/quill/internal/message"
)

// WebhookRequest carries the platform-agnostic parts of an inbound webhook
// call, so providers can validate without seeing the HTTP framework.
type WebhookRequest struct {
	Method string
	Query  url.Values
	Body   []byte
	Header http.Header
}

// WebhookValidation is the outcome of a webhook validation. Challenge is
// non-empty when the platform expects an echo response (URL verification
// handshakes).
type WebhookValidation struct {
	Valid        bool
	Challenge    string
	ErrorMessage string
}

// Provider is the contract between the gateway and a messaging platform.
// Implementations must be safe for concurrent use once Init returns.
type Provider interface {
	// PlatformID returns the stable lower-case platform identifier.
	PlatformID() string
	// DisplayName returns a human-readable platform name.
	DisplayName() string
	// Enabled reports whether the provider currently accepts traffic.
	// It is re-checked before every dispatch, not cached.
	Enabled() bool

	Init(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// ParseMessage converts a raw platform payload into a ChatMessage.
	// A (nil, nil) return means the payload carried no user message, which
	// is not an error.
	ParseMessage(ctx context.Context, raw []byte) (*message.ChatMessage, error)

	// SendMessage delivers one message to the target user. Platform
	// failures are reported through the SendResult; the error return is
	// for infrastructure faults only.
	SendMessage(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error)

	// SendMessages delivers a batch in input order. Results match the
	// inputs attempted; a terminal failure may stop the batch early and
	// return fewer results. Callers that need one result per input pad
	// the tail themselves.
	SendMessages(ctx context.Context, msgs []message.ChatMessage, targetUserID string) ([]message.SendResult, error)

	ValidateWebhook(ctx context.Context, req WebhookRequest) (WebhookValidation, error)

	// SupportedTypes lists the content types the platform renders natively.
	SupportedTypes() []message.Type
}

// Source identifies where a provider's active configuration came from.
type Source string

const (
	SourceDatabase    Source = "database"
	SourceEnvironment Source = "environment"
)

// ConfigWatcher is an optional interface for providers that accept
// configuration changes at runtime.
type ConfigWatcher interface {
	ApplyConfig(config map[string]any) error
	ResetToDefaults()
	ConfigSource() Source
}

// Supports reports whether the provider renders the given type natively.
func Supports(p Provider, t message.Type) bool {
	for _, supported := range p.SupportedTypes() {
		if supported == t {
			return true
		}
	}
	return false
}
