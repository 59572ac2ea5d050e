// Package wecom implements the encrypted-webhook provider and its
// callback crypto codec.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
)

// PlatformID is the registry key for this provider.
const PlatformID = "wecom"

const defaultReplyTimeout = 5 * time.Second

// Config holds the credentials and webhook endpoint for one bot.
type Config struct {
	Token          string
	EncodingAESKey string
	AppID          string
	WebhookURL     string
	Enabled        bool
	ReplyTimeout   time.Duration
	BatchDelay     time.Duration
}

// callbackMessage is the decrypted JSON callback payload.
type callbackMessage struct {
	MsgID    string `json:"msgid"`
	ChatID   string `json:"chatid"`
	ChatType string `json:"chattype"`
	From     struct {
		UserID string `json:"userid"`
	} `json:"from"`
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		URL string `json:"url"`
	} `json:"image"`
	File struct {
		URL string `json:"url"`
	} `json:"file"`
	Voice struct {
		Content string `json:"content"`
	} `json:"voice"`
}

// replyMessage is the JSON body posted to the webhook URL.
type replyMessage struct {
	MsgType string `json:"msgtype"`
	Text    struct {
		Content string `json:"content"`
	} `json:"text"`
}

// encryptedEnvelope is the XML body of a POST callback.
type encryptedEnvelope struct {
	XMLName xml.Name `xml:"xml"`
	Encrypt string   `xml:"Encrypt"`
}

// Provider delivers messages through the bot webhook API and parses the
// encrypted callback payloads.
type Provider struct {
	logger     *slog.Logger
	client     *http.Client
	defaults   Config
	batchDelay time.Duration

	mu      sync.RWMutex
	cfg     Config
	codec   *Codec
	source  provider.Source
	enabled atomic.Bool
}

var _ provider.Provider = (*Provider)(nil)
var _ provider.ConfigWatcher = (*Provider)(nil)

// New creates the provider from its config section.
func New(cfg Config, log *slog.Logger) (*Provider, error) {
	if log == nil {
		log = slog.Default()
	}
	codec, err := NewCodec(cfg.Token, cfg.EncodingAESKey, cfg.AppID)
	if err != nil {
		return nil, err
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = defaultReplyTimeout
	}
	p := &Provider{
		logger:     log.With(slog.String("adapter", PlatformID)),
		client:     &http.Client{Timeout: cfg.ReplyTimeout},
		defaults:   cfg,
		batchDelay: cfg.BatchDelay,
		cfg:        cfg,
		codec:      codec,
		source:     provider.SourceEnvironment,
	}
	p.enabled.Store(cfg.Enabled)
	return p, nil
}

func (p *Provider) PlatformID() string  { return PlatformID }
func (p *Provider) DisplayName() string { return "WeCom" }
func (p *Provider) Enabled() bool       { return p.enabled.Load() }

func (p *Provider) Init(ctx context.Context) error { return nil }

func (p *Provider) Shutdown(ctx context.Context) error {
	p.client.CloseIdleConnections()
	return nil
}

// Codec returns the active crypto codec for webhook handlers.
func (p *Provider) Codec() *Codec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.codec
}

// SupportedTypes reports text only; everything else is degraded.
func (p *Provider) SupportedTypes() []message.Type {
	return []message.Type{message.TypeText}
}

// ParseMessage converts a decrypted callback payload into a ChatMessage.
// Payloads without user content (events, unsupported types) return nil.
func (p *Provider) ParseMessage(ctx context.Context, raw []byte) (*message.ChatMessage, error) {
	var cb callbackMessage
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("wecom: parse callback: %w", err)
	}
	if cb.From.UserID == "" {
		return nil, nil
	}

	var content string
	msgType := message.TypeText
	switch cb.MsgType {
	case "text":
		content = cb.Text.Content
	case "voice":
		content = cb.Voice.Content
		msgType = message.TypeAudio
	case "image":
		content = cb.Image.URL
		msgType = message.TypeImage
	case "file":
		content = cb.File.URL
		msgType = message.TypeFile
	default:
		p.logger.Debug("skipping unsupported callback type", slog.String("msg_type", cb.MsgType))
		return nil, nil
	}

	metadata := map[string]string{
		"msg_id":    cb.MsgID,
		"msg_type":  cb.MsgType,
		"chat_type": cb.ChatType,
	}
	if cb.ChatID != "" {
		metadata["chat_id"] = cb.ChatID
	}
	msg := message.New(PlatformID, cb.From.UserID, content,
		message.WithType(msgType),
		message.WithMetadata(metadata),
	)
	return &msg, nil
}

// SendMessage posts a text reply to the webhook URL. Unsupported content
// types are degraded to text first.
func (p *Provider) SendMessage(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error) {
	if !provider.Supports(p, msg.Type) {
		p.logger.Info("degrading message",
			slog.String("message_id", msg.ID),
			slog.String("from_type", string(msg.Type)),
		)
		msg = provider.Degrade(msg)
	}

	p.mu.RLock()
	webhookURL := p.cfg.WebhookURL
	p.mu.RUnlock()
	if strings.TrimSpace(webhookURL) == "" {
		return message.Failure(msg.ID, "CONFIG_MISSING", "webhook url is not configured", false), nil
	}

	reply := replyMessage{MsgType: "text"}
	reply.Text.Content = msg.Content
	payload, err := json.Marshal(reply)
	if err != nil {
		return message.SendResult{}, fmt.Errorf("wecom: marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return message.SendResult{}, fmt.Errorf("wecom: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		// Network faults are worth another attempt.
		return message.Failure(msg.ID, "NETWORK_ERROR", err.Error(), true), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return message.Failure(msg.ID, "NETWORK_ERROR", err.Error(), true), nil
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return message.Failure(msg.ID, "BAD_RESPONSE", err.Error(), true), nil
	}
	if result.ErrCode != 0 {
		code := fmt.Sprintf("WECOM_%d", result.ErrCode)
		return message.Failure(msg.ID, code, result.ErrMsg, isRetryableCode(result.ErrCode)), nil
	}
	return message.Sent(msg.ID), nil
}

// SendMessages delivers the batch sequentially with the configured
// inter-message delay.
func (p *Provider) SendMessages(ctx context.Context, msgs []message.ChatMessage, targetUserID string) ([]message.SendResult, error) {
	return provider.SendSequential(ctx, p, msgs, targetUserID, p.batchDelay)
}

// ValidateWebhook checks the callback signature. GET requests are the URL
// verification handshake and carry the decrypted echostr as the challenge;
// POST requests are signed over the encrypted XML body.
func (p *Provider) ValidateWebhook(ctx context.Context, req provider.WebhookRequest) (provider.WebhookValidation, error) {
	codec := p.Codec()
	signature := req.Query.Get("msg_signature")
	timestamp := req.Query.Get("timestamp")
	nonce := req.Query.Get("nonce")
	if signature == "" || timestamp == "" || nonce == "" {
		return provider.WebhookValidation{ErrorMessage: "missing signature parameters"}, nil
	}

	if req.Method == http.MethodGet {
		echostr := req.Query.Get("echostr")
		if echostr == "" {
			return provider.WebhookValidation{ErrorMessage: "missing echostr"}, nil
		}
		if !codec.Verify(signature, timestamp, nonce, echostr) {
			return provider.WebhookValidation{ErrorMessage: "signature mismatch"}, nil
		}
		plain, err := codec.Decrypt(echostr)
		if err != nil {
			if errors.Is(err, ErrInvalidEnvelope) {
				return provider.WebhookValidation{ErrorMessage: "invalid echostr envelope"}, nil
			}
			return provider.WebhookValidation{}, err
		}
		return provider.WebhookValidation{Valid: true, Challenge: strings.TrimSpace(plain)}, nil
	}

	var env encryptedEnvelope
	if err := xml.Unmarshal(req.Body, &env); err != nil {
		return provider.WebhookValidation{ErrorMessage: "invalid xml body"}, nil
	}
	if !codec.Verify(signature, timestamp, nonce, env.Encrypt) {
		return provider.WebhookValidation{ErrorMessage: "signature mismatch"}, nil
	}
	return provider.WebhookValidation{Valid: true}, nil
}

// DecryptEnvelope extracts and decrypts the Encrypt field of a POST
// callback body.
func (p *Provider) DecryptEnvelope(body []byte) (string, error) {
	var env encryptedEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: parse xml: %v", ErrInvalidEnvelope, err)
	}
	return p.Codec().Decrypt(env.Encrypt)
}

// ApplyConfig updates credentials and flags at runtime.
func (p *Provider) ApplyConfig(config map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.cfg
	if v, ok := readString(config, "token"); ok {
		next.Token = v
	}
	if v, ok := readString(config, "encoding_aes_key"); ok {
		next.EncodingAESKey = v
	}
	if v, ok := readString(config, "app_id"); ok {
		next.AppID = v
	}
	if v, ok := readString(config, "webhook_url"); ok {
		next.WebhookURL = v
	}
	if v, ok := config["enabled"].(bool); ok {
		next.Enabled = v
	}

	codec, err := NewCodec(next.Token, next.EncodingAESKey, next.AppID)
	if err != nil {
		return err
	}
	p.cfg = next
	p.codec = codec
	p.source = provider.SourceDatabase
	p.enabled.Store(next.Enabled)
	return nil
}

// ResetToDefaults restores the construction-time config.
func (p *Provider) ResetToDefaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	codec, err := NewCodec(p.defaults.Token, p.defaults.EncodingAESKey, p.defaults.AppID)
	if err != nil {
		// Defaults were validated at construction.
		p.logger.Error("reset codec failed", slog.Any("error", err))
		return
	}
	p.cfg = p.defaults
	p.codec = codec
	p.source = provider.SourceEnvironment
	p.enabled.Store(p.defaults.Enabled)
}

// ConfigSource reports where the active config came from.
func (p *Provider) ConfigSource() provider.Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.source
}

func isRetryableCode(code int) bool {
	// 45009: api rate limit; -1: platform internal error.
	switch code {
	case 45009, -1:
		return true
	default:
		return false
	}
}

func readString(config map[string]any, key string) (string, bool) {
	raw, ok := config[key]
	if !ok {
		return "", false
	}
	v, ok := raw.(string)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}
