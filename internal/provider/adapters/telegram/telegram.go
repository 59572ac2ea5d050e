// Package telegram implements the Telegram bot provider.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
)

// PlatformID is the registry key for this provider.
const PlatformID = "telegram"

const maxMessageLength = 4096

// Config holds the bot credentials.
type Config struct {
	BotToken   string
	Enabled    bool
	BatchDelay time.Duration
}

// Provider sends and parses Telegram bot traffic.
type Provider struct {
	logger     *slog.Logger
	defaults   Config
	batchDelay time.Duration

	mu      sync.RWMutex
	cfg     Config
	bot     *tgbotapi.BotAPI
	source  provider.Source
	enabled atomic.Bool

	// newBot is swapped in tests to avoid the getMe call NewBotAPI makes.
	newBot func(token string) (*tgbotapi.BotAPI, error)
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
		newBot:     tgbotapi.NewBotAPI,
	}
	p.enabled.Store(cfg.Enabled)
	return p
}

func (p *Provider) PlatformID() string  { return PlatformID }
func (p *Provider) DisplayName() string { return "Telegram" }
func (p *Provider) Enabled() bool       { return p.enabled.Load() }

// Init connects the bot client. A missing token leaves the provider
// constructed but disabled.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(p.cfg.BotToken) == "" {
		p.enabled.Store(false)
		p.logger.Warn("bot token missing, provider disabled")
		return nil
	}
	bot, err := p.newBot(p.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram: connect bot: %w", err)
	}
	p.bot = bot
	p.logger.Info("bot connected", slog.String("username", bot.Self.UserName))
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bot = nil
	return nil
}

func (p *Provider) SupportedTypes() []message.Type {
	return []message.Type{message.TypeText, message.TypeImage}
}

// ParseMessage converts a bot API Update payload into a ChatMessage.
// Updates without a message (callbacks, edits, member events) return nil.
func (p *Provider) ParseMessage(ctx context.Context, raw []byte) (*message.ChatMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw, &update); err != nil {
		return nil, fmt.Errorf("telegram: parse update: %w", err)
	}
	if update.Message == nil || update.Message.From == nil {
		return nil, nil
	}

	tm := update.Message
	content := tm.Text
	msgType := message.TypeText
	switch {
	case len(tm.Photo) > 0:
		msgType = message.TypeImage
		content = tm.Caption
	case tm.Document != nil:
		msgType = message.TypeFile
		content = tm.Document.FileName
	case tm.Voice != nil || tm.Audio != nil:
		msgType = message.TypeAudio
	case tm.Video != nil:
		msgType = message.TypeVideo
	}
	if content == "" && msgType == message.TypeText {
		return nil, nil
	}

	metadata := map[string]string{
		"chat_id":    strconv.FormatInt(tm.Chat.ID, 10),
		"message_id": strconv.Itoa(tm.MessageID),
	}
	if tm.From.UserName != "" {
		metadata["username"] = tm.From.UserName
	}
	msg := message.New(PlatformID, strconv.FormatInt(tm.From.ID, 10), content,
		message.WithType(msgType),
		message.WithMetadata(metadata),
	)
	return &msg, nil
}

// SendMessage delivers one message. The target is a chat id or @username.
func (p *Provider) SendMessage(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error) {
	p.mu.RLock()
	bot := p.bot
	p.mu.RUnlock()
	if bot == nil {
		return message.Failure(msg.ID, "NOT_INITIALIZED", "bot is not connected", false), nil
	}
	target := strings.TrimSpace(targetUserID)
	if target == "" {
		return message.Failure(msg.ID, "TARGET_MISSING", "target user is required", false), nil
	}

	if !provider.Supports(p, msg.Type) {
		p.logger.Info("degrading message",
			slog.String("message_id", msg.ID),
			slog.String("from_type", string(msg.Type)),
		)
		msg = provider.Degrade(msg)
	}

	chattable, err := buildChattable(msg, target)
	if err != nil {
		return message.Failure(msg.ID, "BAD_TARGET", err.Error(), false), nil
	}
	if _, err := bot.Send(chattable); err != nil {
		return message.Failure(msg.ID, "SEND_FAILED", err.Error(), isRetryable(err)), nil
	}
	return message.Sent(msg.ID), nil
}

func (p *Provider) SendMessages(ctx context.Context, msgs []message.ChatMessage, targetUserID string) ([]message.SendResult, error) {
	return provider.SendSequential(ctx, p, msgs, targetUserID, p.batchDelay)
}

// ValidateWebhook accepts any JSON body; Telegram webhooks carry no
// signature, callers restrict by secret path instead.
func (p *Provider) ValidateWebhook(ctx context.Context, req provider.WebhookRequest) (provider.WebhookValidation, error) {
	if !json.Valid(req.Body) {
		return provider.WebhookValidation{ErrorMessage: "invalid json body"}, nil
	}
	return provider.WebhookValidation{Valid: true}, nil
}

// ApplyConfig updates credentials at runtime. A token change reconnects
// on the next Init.
func (p *Provider) ApplyConfig(config map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cfg
	if raw, ok := config["bot_token"]; ok {
		v, ok := raw.(string)
		if !ok {
			return fmt.Errorf("telegram: bot_token must be a string")
		}
		next.BotToken = strings.TrimSpace(v)
	}
	if v, ok := config["enabled"].(bool); ok {
		next.Enabled = v
	}
	if next.BotToken != p.cfg.BotToken {
		p.bot = nil
	}
	p.cfg = next
	p.source = provider.SourceDatabase
	p.enabled.Store(next.Enabled)
	return nil
}

func (p *Provider) ResetToDefaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.defaults.BotToken != p.cfg.BotToken {
		p.bot = nil
	}
	p.cfg = p.defaults
	p.source = provider.SourceEnvironment
	p.enabled.Store(p.defaults.Enabled)
}

func (p *Provider) ConfigSource() provider.Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

func buildChattable(msg message.ChatMessage, target string) (tgbotapi.Chattable, error) {
	text := truncate(msg.Content)
	if msg.Type == message.TypeImage && msg.Content != "" {
		photo := tgbotapi.FileURL(msg.Content)
		if strings.HasPrefix(target, "@") {
			cfg := tgbotapi.NewPhotoToChannel(target, photo)
			return cfg, nil
		}
		chatID, err := strconv.ParseInt(target, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("target must be @username or chat_id")
		}
		return tgbotapi.NewPhoto(chatID, photo), nil
	}

	if strings.HasPrefix(target, "@") {
		return tgbotapi.NewMessageToChannel(target, text), nil
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("target must be @username or chat_id")
	}
	return tgbotapi.NewMessage(chatID, text), nil
}

func truncate(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	runes := []rune(text)
	if len(runes) <= maxMessageLength {
		return text
	}
	return string(runes[:maxMessageLength])
}

func isRetryable(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		// Transport-level failure.
		return true
	}
	return apiErr.Code == 429 || apiErr.Code >= 500
}
