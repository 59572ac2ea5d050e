// Package feishu implements the Feishu/Lark provider over the open
// platform SDK.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
)

// PlatformID is the registry key for this provider.
const PlatformID = "feishu"

const (
	domainFeishu = "feishu"
	domainLark   = "lark"

	// Open platform code for api rate limiting.
	codeRateLimited = 99991400
)

// messageCreator is the slice of the lark im service the send path uses,
// extracted so tests can fake it.
type messageCreator interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

// Config holds the app credentials and callback verification token.
type Config struct {
	AppID             string
	AppSecret         string
	VerificationToken string
	Domain            string
	Enabled           bool
	BatchDelay        time.Duration
}

func (c Config) openBaseURL() string {
	if strings.EqualFold(strings.TrimSpace(c.Domain), domainLark) {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}

// Provider sends messages through the open platform im API and parses
// event-subscription callbacks.
type Provider struct {
	logger     *slog.Logger
	defaults   Config
	batchDelay time.Duration

	mu      sync.RWMutex
	cfg     Config
	creator messageCreator
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
func (p *Provider) DisplayName() string { return "Feishu" }
func (p *Provider) Enabled() bool       { return p.enabled.Load() }

// Init builds the API client. Missing credentials leave the provider
// constructed but disabled.
func (p *Provider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if strings.TrimSpace(p.cfg.AppID) == "" || strings.TrimSpace(p.cfg.AppSecret) == "" {
		p.enabled.Store(false)
		p.logger.Warn("app credentials missing, provider disabled")
		return nil
	}
	client := lark.NewClient(p.cfg.AppID, p.cfg.AppSecret, lark.WithOpenBaseUrl(p.cfg.openBaseURL()))
	p.creator = client.Im.V1.Message
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.creator = nil
	return nil
}

func (p *Provider) SupportedTypes() []message.Type {
	return []message.Type{message.TypeText, message.TypeRichText, message.TypeCard}
}

// eventPayload is the im.message.receive_v1 callback shape.
type eventPayload struct {
	Header struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
				UserID string `json:"user_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

// ParseMessage converts an event callback into a ChatMessage. Non-message
// events return nil.
func (p *Provider) ParseMessage(ctx context.Context, raw []byte) (*message.ChatMessage, error) {
	var payload eventPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("feishu: parse event: %w", err)
	}
	if payload.Header.EventType != "im.message.receive_v1" {
		return nil, nil
	}
	senderID := payload.Event.Sender.SenderID.OpenID
	if senderID == "" {
		senderID = payload.Event.Sender.SenderID.UserID
	}
	if senderID == "" {
		return nil, nil
	}

	content := payload.Event.Message.Content
	msgType := message.TypeText
	switch payload.Event.Message.MessageType {
	case larkim.MsgTypeText:
		var text struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &text); err == nil {
			content = text.Text
		}
	case larkim.MsgTypePost:
		msgType = message.TypeRichText
	case larkim.MsgTypeImage:
		msgType = message.TypeImage
	case larkim.MsgTypeFile:
		msgType = message.TypeFile
	case larkim.MsgTypeAudio:
		msgType = message.TypeAudio
	case larkim.MsgTypeInteractive:
		msgType = message.TypeCard
	default:
		p.logger.Debug("skipping unsupported event message type",
			slog.String("message_type", payload.Event.Message.MessageType))
		return nil, nil
	}

	metadata := map[string]string{
		"message_id": payload.Event.Message.MessageID,
		"chat_id":    payload.Event.Message.ChatID,
		"chat_type":  payload.Event.Message.ChatType,
	}
	msg := message.New(PlatformID, senderID, content,
		message.WithType(msgType),
		message.WithMetadata(metadata),
	)
	return &msg, nil
}

// SendMessage delivers one message. The target is an open_id, chat id,
// email, or user id; the prefix decides the receive id type.
func (p *Provider) SendMessage(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error) {
	p.mu.RLock()
	creator := p.creator
	p.mu.RUnlock()
	if creator == nil {
		return message.Failure(msg.ID, "NOT_INITIALIZED", "client is not initialized", false), nil
	}
	target := strings.TrimSpace(targetUserID)
	if target == "" {
		return message.Failure(msg.ID, "TARGET_MISSING", "target user is required", false), nil
	}

	msgType := larkim.MsgTypeText
	content := msg.Content
	switch msg.Type {
	case message.TypeRichText:
		msgType = larkim.MsgTypePost
	case message.TypeCard:
		msgType = larkim.MsgTypeInteractive
	default:
		if !provider.Supports(p, msg.Type) {
			p.logger.Info("degrading message",
				slog.String("message_id", msg.ID),
				slog.String("from_type", string(msg.Type)),
			)
			msg = provider.Degrade(msg)
			content = msg.Content
		}
		payload, err := json.Marshal(map[string]string{"text": content})
		if err != nil {
			return message.SendResult{}, fmt.Errorf("feishu: marshal text content: %w", err)
		}
		content = string(payload)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType(target)).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(target).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()

	resp, err := creator.Create(ctx, req)
	if err != nil {
		return message.Failure(msg.ID, "NETWORK_ERROR", err.Error(), true), nil
	}
	if resp == nil || !resp.Success() {
		code := 0
		errMsg := "create message failed"
		if resp != nil {
			code = resp.Code
			errMsg = resp.Msg
		}
		return message.Failure(msg.ID, fmt.Sprintf("FEISHU_%d", code), errMsg, code == codeRateLimited), nil
	}
	return message.Sent(msg.ID), nil
}

func (p *Provider) SendMessages(ctx context.Context, msgs []message.ChatMessage, targetUserID string) ([]message.SendResult, error) {
	return provider.SendSequential(ctx, p, msgs, targetUserID, p.batchDelay)
}

// webhookPayload is the fuzzy callback shape used for validation: either
// a url_verification challenge or an event with a verification token.
type webhookPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		Token string `json:"token"`
	} `json:"header"`
}

// ValidateWebhook answers the url_verification handshake and checks the
// verification token on event callbacks.
func (p *Provider) ValidateWebhook(ctx context.Context, req provider.WebhookRequest) (provider.WebhookValidation, error) {
	var payload webhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return provider.WebhookValidation{ErrorMessage: "invalid json body"}, nil
	}

	p.mu.RLock()
	expected := strings.TrimSpace(p.cfg.VerificationToken)
	p.mu.RUnlock()

	token := strings.TrimSpace(payload.Token)
	if strings.TrimSpace(payload.Header.Token) != "" {
		token = strings.TrimSpace(payload.Header.Token)
	}
	if expected != "" && token != expected {
		return provider.WebhookValidation{ErrorMessage: "verification token mismatch"}, nil
	}
	if payload.Type == "url_verification" {
		return provider.WebhookValidation{Valid: true, Challenge: payload.Challenge}, nil
	}
	return provider.WebhookValidation{Valid: true}, nil
}

func (p *Provider) ApplyConfig(config map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.cfg
	for key, dst := range map[string]*string{
		"app_id":             &next.AppID,
		"app_secret":         &next.AppSecret,
		"verification_token": &next.VerificationToken,
		"domain":             &next.Domain,
	} {
		raw, ok := config[key]
		if !ok {
			continue
		}
		v, ok := raw.(string)
		if !ok {
			return fmt.Errorf("feishu: %s must be a string", key)
		}
		*dst = strings.TrimSpace(v)
	}
	if v, ok := config["enabled"].(bool); ok {
		next.Enabled = v
	}
	if next.AppID != p.cfg.AppID || next.AppSecret != p.cfg.AppSecret || next.Domain != p.cfg.Domain {
		client := lark.NewClient(next.AppID, next.AppSecret, lark.WithOpenBaseUrl(next.openBaseURL()))
		p.creator = client.Im.V1.Message
	}
	p.cfg = next
	p.source = provider.SourceDatabase
	p.enabled.Store(next.Enabled)
	return nil
}

func (p *Provider) ResetToDefaults() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.defaults.AppID != p.cfg.AppID || p.defaults.AppSecret != p.cfg.AppSecret {
		client := lark.NewClient(p.defaults.AppID, p.defaults.AppSecret, lark.WithOpenBaseUrl(p.defaults.openBaseURL()))
		p.creator = client.Im.V1.Message
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

func receiveIDType(target string) string {
	switch {
	case strings.HasPrefix(target, "ou_"):
		return larkim.ReceiveIdTypeOpenId
	case strings.HasPrefix(target, "oc_"):
		return larkim.ReceiveIdTypeChatId
	case strings.Contains(target, "@"):
		return larkim.ReceiveIdTypeEmail
	default:
		return larkim.ReceiveIdTypeUserId
	}
}
