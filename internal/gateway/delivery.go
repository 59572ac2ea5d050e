package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/queue"
)

// Options tunes delivery pacing and retry scheduling.
type Options struct {
	RetryDelay          time.Duration
	StreamBufferChars   int
	StreamFlushInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.StreamBufferChars <= 0 {
		o.StreamBufferChars = 500
	}
	if o.StreamFlushInterval <= 0 {
		o.StreamFlushInterval = time.Second
	}
	return o
}

// DeliveryManager performs one send, batch, or stream operation. A fresh
// manager is resolved per operation; only the status cache outlives it.
type DeliveryManager struct {
	logger   *slog.Logger
	registry *provider.Registry
	enqueuer queue.Enqueuer
	status   *StatusCache
	opts     Options
}

// NewDeliveryManager creates a manager over the shared registry, queue,
// and status cache.
func NewDeliveryManager(registry *provider.Registry, enqueuer queue.Enqueuer, status *StatusCache, opts Options, log *slog.Logger) *DeliveryManager {
	if log == nil {
		log = slog.Default()
	}
	return &DeliveryManager{
		logger:   log.With(slog.String("component", "delivery")),
		registry: registry,
		enqueuer: enqueuer,
		status:   status,
		opts:     opts.withDefaults(),
	}
}

// Send delivers one message. Provider resolution failures fail fast with
// a structured result and no enqueue; provider faults become retryable
// results with a retry item enqueued.
func (m *DeliveryManager) Send(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error) {
	m.status.Set(msg.ID, message.StatusPending)

	p, result := m.resolveProvider(msg)
	if p == nil {
		return result, nil
	}

	m.status.Set(msg.ID, message.StatusSending)
	result, err := p.SendMessage(ctx, msg, targetUserID)
	if err != nil {
		m.logger.Error("provider send failed",
			slog.String("platform", p.PlatformID()),
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		result = message.Failure(msg.ID, CodeProviderError, err.Error(), true)
	}
	m.applyResult(ctx, msg, targetUserID, result)
	return result, nil
}

// SendBatch delivers a batch through the provider's batch path. The
// result slice always matches the input in length and order; a provider
// fault marks every message retryable.
func (m *DeliveryManager) SendBatch(ctx context.Context, msgs []message.ChatMessage, targetUserID string) ([]message.SendResult, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	for _, msg := range msgs {
		m.status.Set(msg.ID, message.StatusPending)
	}

	p, failure := m.resolveProvider(msgs[0])
	if p == nil {
		results := make([]message.SendResult, len(msgs))
		for i, msg := range msgs {
			results[i] = failure
			results[i].MessageID = msg.ID
			m.status.Set(msg.ID, message.StatusFailed)
		}
		return results, nil
	}

	for _, msg := range msgs {
		m.status.Set(msg.ID, message.StatusSending)
	}
	results, err := p.SendMessages(ctx, msgs, targetUserID)
	if err != nil {
		m.logger.Error("provider batch send failed",
			slog.String("platform", p.PlatformID()),
			slog.Int("count", len(msgs)),
			slog.Any("error", err),
		)
		out := make([]message.SendResult, len(msgs))
		for i, msg := range msgs {
			out[i] = message.Failure(msg.ID, CodeProviderError, err.Error(), true)
			m.applyResult(ctx, msg, targetUserID, out[i])
		}
		return out, nil
	}

	// Providers may stop early on a terminal failure; pad the tail so
	// callers always get one result per input.
	out := make([]message.SendResult, len(msgs))
	for i, msg := range msgs {
		if i < len(results) {
			out[i] = results[i]
			if out[i].MessageID == "" {
				out[i].MessageID = msg.ID
			}
		} else {
			out[i] = message.Failure(msg.ID, "BATCH_ABORTED", "batch stopped before this message", true)
		}
		m.applyResult(ctx, msg, targetUserID, out[i])
	}
	return out, nil
}

// Status returns the cached delivery status for a message id.
func (m *DeliveryManager) Status(messageID string) message.SendStatus {
	return m.status.Get(messageID)
}

// resolveProvider looks up the live provider for the message's platform.
// On failure it records a failed status and returns the structured
// result; no network is touched and nothing is enqueued.
func (m *DeliveryManager) resolveProvider(msg message.ChatMessage) (provider.Provider, message.SendResult) {
	p, ok := m.registry.Get(msg.Platform)
	if !ok {
		m.status.Set(msg.ID, message.StatusFailed)
		return nil, message.Failure(msg.ID, CodeProviderNotFound, "no provider registered for platform "+msg.Platform, false)
	}
	if !p.Enabled() {
		m.status.Set(msg.ID, message.StatusFailed)
		return nil, message.Failure(msg.ID, CodeProviderDisabled, "provider "+p.PlatformID()+" is disabled", false)
	}
	return p, message.SendResult{}
}

func (m *DeliveryManager) applyResult(ctx context.Context, msg message.ChatMessage, targetUserID string, result message.SendResult) {
	switch {
	case result.Success:
		m.status.Set(msg.ID, message.StatusSent)
	case result.ShouldRetry:
		m.status.Set(msg.ID, message.StatusRetrying)
		m.enqueueRetry(ctx, msg, targetUserID)
	default:
		m.status.Set(msg.ID, message.StatusFailed)
	}
}

func (m *DeliveryManager) enqueueRetry(ctx context.Context, msg message.ChatMessage, targetUserID string) {
	scheduledAt := time.Now().UTC().Add(m.opts.RetryDelay)
	item := message.QueuedMessage{
		ID:           uuid.NewString(),
		Message:      msg,
		TargetUserID: targetUserID,
		ItemType:     message.ItemRetry,
		RetryCount:   1,
		ScheduledAt:  &scheduledAt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.enqueuer.Enqueue(ctx, item); err != nil {
		m.logger.Error("enqueue retry failed",
			slog.String("message_id", msg.ID),
			slog.Any("error", err),
		)
		return
	}
	m.logger.Info("retry scheduled",
		slog.String("message_id", msg.ID),
		slog.String("item_id", item.ID),
		slog.Time("scheduled_at", scheduledAt),
	)
}
