// Package gateway routes messages between webhook handlers, providers,
// and the retry queue.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quillhq/quill/internal/message"
	"github.com/quillhq/quill/internal/provider"
	"github.com/quillhq/quill/internal/queue"
)

// Structured failure codes surfaced in SendResults.
const (
	CodeProviderNotFound = "PROVIDER_NOT_FOUND"
	CodeProviderDisabled = "PROVIDER_DISABLED"
	CodeProviderError    = "PROVIDER_ERROR"
)

// Hard routing failures. A disabled provider is deliberately not one of
// them: inbound traffic for a switched-off platform is dropped quietly.
var (
	ErrPlatformMissing = errors.New("gateway: message platform is required")
	ErrUnknownPlatform = errors.New("gateway: unknown platform")
)

// QueueFactory resolves the queue for one routing operation.
type QueueFactory func() queue.Enqueuer

// DeliveryFactory resolves a delivery manager for one outbound operation.
type DeliveryFactory func() *DeliveryManager

// Router is the long-lived entry point for inbound and outbound traffic.
// The registry is shared; queue and delivery are resolved per call.
type Router struct {
	logger      *slog.Logger
	registry    *provider.Registry
	newQueue    QueueFactory
	newDelivery DeliveryFactory
}

// NewRouter creates a Router.
func NewRouter(registry *provider.Registry, newQueue QueueFactory, newDelivery DeliveryFactory, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		logger:      log.With(slog.String("component", "router")),
		registry:    registry,
		newQueue:    newQueue,
		newDelivery: newDelivery,
	}
}

// RouteIncoming validates an inbound message and enqueues it for the
// dispatch worker. Messages for disabled providers are logged and
// dropped without error.
func (r *Router) RouteIncoming(ctx context.Context, msg message.ChatMessage) error {
	p, err := r.resolve(msg.Platform)
	if err != nil {
		return err
	}
	if !p.Enabled() {
		r.logger.Info("dropping message for disabled provider",
			slog.String("platform", p.PlatformID()),
			slog.String("message_id", msg.ID),
		)
		return nil
	}

	item := message.QueuedMessage{
		ID:        uuid.NewString(),
		Message:   msg,
		ItemType:  message.ItemIncoming,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.newQueue().Enqueue(ctx, item); err != nil {
		return fmt.Errorf("enqueue incoming: %w", err)
	}
	r.logger.Debug("incoming message enqueued",
		slog.String("platform", msg.Platform),
		slog.String("message_id", msg.ID),
		slog.String("item_id", item.ID),
	)
	return nil
}

// RouteOutgoing validates an outbound message and hands it to a freshly
// resolved delivery manager.
func (r *Router) RouteOutgoing(ctx context.Context, msg message.ChatMessage, targetUserID string) (message.SendResult, error) {
	if _, err := r.resolve(msg.Platform); err != nil {
		return message.SendResult{}, err
	}
	return r.newDelivery().Send(ctx, msg, targetUserID)
}

func (r *Router) resolve(platform string) (provider.Provider, error) {
	if strings.TrimSpace(platform) == "" {
		return nil, ErrPlatformMissing
	}
	p, ok := r.registry.Get(platform)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return p, nil
}
