// Package queue persists messages awaiting dispatch or retry.
package queue

import (
	"context"

	"github.com/quillhq/quill/internal/message"
)

// Enqueuer is the write side of the queue. The gateway core only
// enqueues; draining belongs to the dispatch worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, item message.QueuedMessage) error
}
