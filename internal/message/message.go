// Package message defines the platform-neutral message model shared by
// providers, the gateway, and the retry queue.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies message content across platforms.
type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeFile     Type = "file"
	TypeAudio    Type = "audio"
	TypeVideo    Type = "video"
	TypeRichText Type = "rich_text"
	TypeCard     Type = "card"
	TypeUnknown  Type = "unknown"
)

// ParseType normalizes a raw content-type string. Unrecognized values map
// to TypeUnknown rather than failing.
func ParseType(raw string) Type {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case TypeText, TypeImage, TypeFile, TypeAudio, TypeVideo, TypeRichText, TypeCard:
		return Type(strings.ToLower(strings.TrimSpace(raw)))
	default:
		return TypeUnknown
	}
}

// ChatMessage is the unified message exchanged with every platform.
// Instances are treated as values: helpers return copies, never mutate.
type ChatMessage struct {
	ID         string            `json:"id"`
	SenderID   string            `json:"sender_id"`
	ReceiverID string            `json:"receiver_id,omitempty"`
	Content    string            `json:"content"`
	Type       Type              `json:"type"`
	Platform   string            `json:"platform"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Option customizes a ChatMessage built by New.
type Option func(*ChatMessage)

// WithID overrides the generated message id.
func WithID(id string) Option {
	return func(m *ChatMessage) { m.ID = id }
}

// WithType sets the content type. New defaults to TypeText.
func WithType(t Type) Option {
	return func(m *ChatMessage) { m.Type = t }
}

// WithReceiver sets the receiver id.
func WithReceiver(receiverID string) Option {
	return func(m *ChatMessage) { m.ReceiverID = receiverID }
}

// WithMetadata attaches metadata key/value pairs.
func WithMetadata(metadata map[string]string) Option {
	return func(m *ChatMessage) { m.Metadata = metadata }
}

// WithTimestamp overrides the message timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(m *ChatMessage) { m.Timestamp = ts }
}

// New builds a ChatMessage with a generated id and current timestamp
// unless options say otherwise.
func New(platform, senderID, content string, opts ...Option) ChatMessage {
	msg := ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Content:   content,
		Type:      TypeText,
		Platform:  platform,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&msg)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}

// QueueItemType distinguishes why a message sits in the queue.
type QueueItemType string

const (
	ItemIncoming QueueItemType = "incoming"
	ItemOutgoing QueueItemType = "outgoing"
	ItemRetry    QueueItemType = "retry"
)

// QueuedMessage wraps a ChatMessage with queue bookkeeping.
type QueuedMessage struct {
	ID           string        `json:"id"`
	Message      ChatMessage   `json:"message"`
	SessionID    string        `json:"session_id,omitempty"`
	TargetUserID string        `json:"target_user_id,omitempty"`
	ItemType     QueueItemType `json:"item_type"`
	RetryCount   int           `json:"retry_count"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// SendResult reports the outcome of one delivery attempt.
type SendResult struct {
	Success      bool   `json:"success"`
	MessageID    string `json:"message_id"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	ShouldRetry  bool   `json:"should_retry"`
}

// Sent builds a successful result for the given message id.
func Sent(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID}
}

// Failure builds a failed result. retry marks the failure as transient.
func Failure(messageID, code, errMsg string, retry bool) SendResult {
	return SendResult{
		MessageID:    messageID,
		ErrorCode:    code,
		ErrorMessage: errMsg,
		ShouldRetry:  retry,
	}
}

// SendStatus tracks a message through the delivery pipeline.
type SendStatus string

const (
	StatusUnknown  SendStatus = "unknown"
	StatusPending  SendStatus = "pending"
	StatusSending  SendStatus = "sending"
	StatusSent     SendStatus = "sent"
	StatusFailed   SendStatus = "failed"
	StatusRetrying SendStatus = "retrying"
)
