// Package discord implements the Discord bot provider.
package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
)

// PlatformID is the registry key for this provider.
const PlatformID = "discord"

const maxMessageLength = 2000

// messageSender is the slice of discordgo.Session the send path uses,
// extracted so tests can fake it.
type messageSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds the bot credentials.
type Config struct {
	BotToken   string
	Enabled    bool
	BatchDelay time.Duration
}

// Provider sends messages through a Discord bot session.
type Provider struct {
	logger     *slog.Logger
	defaults   Config
	batchDelay time.Duration

	mu      sync.RWMutex
	cfg     Config
	session *discordgo.Session
	sender  messageSender
	source  provider.Source
	enabled atomic.Bool
}

var _ provider.Provider = (*Provider)(nil)
var _ provider.ConfigWatcher = (*Provider)(nil)

// New creates the provider from its config section.
func New(cfg Config, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{
		logger:     log.With(slog.String("adapter", PlatformID)),
		defaults:   cfg,
		batchDelay: cfg.BatchDelay,
		cfg:        cfg,
		source:     provider.SourceEnvironment,
	}
	p.enabled.Store(cfg.Enabled)
	return p
}

func (p *Provider) PlatformID() string  { return PlatformID }
func (p *Provider) DisplayName() string { return "Discord" }
func (p *Provider) Enabled() bool       { return p.enabled.Load() }

// Init opens the gateway session. A missing token leaves the provider
// constructed but disabled.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(p.cfg.BotToken) == "" {
		p.enabled.Store(false)
		p.logger.Warn("bot token missing, provider disabled")
		return nil
	}
	session, err := discordgo.New("Bot " + p.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	p.session = session
	p.sender = session
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil {
		return nil
	}
	err := p.session.Close()
	p.session = nil
	p.sender = nil
	if err != nil {
		return fmt.Errorf("discord: close session: %w", err)
	}
	return nil
}

func (p *Provider) SupportedTypes() []message.Type {
	return []message.Type{message.TypeText}
}

// ParseMessage converts a gateway MessageCreate payload into a
// ChatMessage. Bot-authored and empty messages return nil.
func (p *Provider) ParseMessage(ctx context.Context, raw []byte) (*message.ChatMessage, error) {
	var mc discordgo.MessageCreate
	if err := json.Unmarshal(raw, &mc); err != nil {
		return nil, fmt.Errorf("discord: parse message: %w", err)
	}
	if mc.Message == nil || mc.Author == nil || mc.Author.Bot {
		return nil, nil
	}
	if strings.TrimSpace(mc.Content) == "" {
		return nil, nil
	}

	metadata := map[string]string{
		"channel_id": mc.ChannelID,
		"message_id": mc.ID,
	}
	if mc.GuildID != "" {
		metadata["guild_id"] = mc.GuildID
	}
	msg := message.New(PlatformID, mc.Author.ID, mc.Content,
		message.WithMetadata(metadata),
	)
	return &msg, nil
}

// SendMessage delivers one message to the target channel. Unsupported
// content types are degraded to text first.
func (p *Provider) SendMessage(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error) {
	p.mu.RLock()
	sender := p.sender
	p.mu.RUnlock()
	if sender == nil {
		return message.Failure(msg.ID, "NOT_INITIALIZED", "session is not open", false), nil
	}
	target := strings.TrimSpace(targetUserID)
	if target == "" {
		return message.Failure(msg.ID, "TARGET_MISSING", "target channel is required", false), nil
	}

	if !provider.Supports(p, msg.Type) {
		p.logger.Info("degrading message",
			slog.String("message_id", msg.ID),
			slog.String("from_type", string(msg.Type)),
		)
		msg = provider.Degrade(msg)
	}

	if _, err := sender.ChannelMessageSend(target, truncate(msg.Content)); err != nil {
		return message.Failure(msg.ID, "SEND_FAILED", err.Error(), isRetryable(err)), nil
	}
	return message.Sent(msg.ID), nil
}

func (p *Provider) SendMessages(ctx context.Context, msgs []message.ChatMessage, targetUserID string) ([]message.SendResult, error) {
	return provider.SendSequential(ctx, p, msgs, targetUserID, p.batchDelay)
}

// ValidateWebhook always fails: Discord traffic arrives over the gateway
// websocket, not webhooks.
func (p *Provider) ValidateWebhook(ctx context.Context, req provider.WebhookRequest) (provider.WebhookValidation, error) {
	return provider.WebhookValidation{ErrorMessage: "discord does not accept webhooks"}, nil
}

func (p *Provider) ApplyConfig(config map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cfg
	if raw, ok := config["bot_token"]; ok {
		v, ok := raw.(string)
		if !ok {
			return fmt.Errorf("discord: bot_token must be a string")
		}
		next.BotToken = strings.TrimSpace(v)
	}
	if v, ok := config["enabled"].(bool); ok {
		next.Enabled = v
	}
	p.cfg = next
	p.source = provider.SourceDatabase
	p.enabled.Store(next.Enabled)
	return nil
}

func (p *Provider) ResetToDefaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = p.defaults
	p.source = provider.SourceEnvironment
	p.enabled.Store(p.defaults.Enabled)
}

func (p *Provider) ConfigSource() provider.Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

func truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return text
	}
	return string(runes[:maxMessageLength])
}

func isRetryable(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return true
	}
	if restErr.Response == nil {
		return true
	}
	code := restErr.Response.StatusCode
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
