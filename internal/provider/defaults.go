package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/quillhq/quill/internal/message"
)

// SendSequential is the shared batch implementation: it sends each message
// in order through p.SendMessage with delay between sends. Cancellation is
// checked before each send. A retryable failure is recorded and the batch
// continues; a terminal failure stops the batch, leaving later messages
// unreported by the provider (the caller fills them in).
func SendSequential(ctx context.Context, p Provider, msgs []message.ChatMessage, targetUserID string, delay time.Duration) ([]message.SendResult, error) {
	results := make([]message.SendResult, 0, len(msgs))
	for i, msg := range msgs {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}
		if i > 0 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return results, ctx.Err()
			case <-timer.C:
			}
		}
		result, err := p.SendMessage(ctx, msg, targetUserID)
		if err != nil {
			return results, fmt.Errorf("send message %s: %w", msg.ID, err)
		}
		results = append(results, result)
		if !result.Success && !result.ShouldRetry {
			break
		}
	}
	return results, nil
}

// Degrade converts a message of an unsupported type into a plain-text
// stand-in. The original id, routing fields, and metadata are preserved so
// delivery bookkeeping still refers to the same message.
func Degrade(msg message.ChatMessage) message.ChatMessage {
	degraded := msg
	degraded.Type = message.TypeText
	degraded.Content = fmt.Sprintf("[%s] %s", msg.Type, msg.Content)
	return degraded
}
