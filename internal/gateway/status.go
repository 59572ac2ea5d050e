package gateway

import (
	"sync"

	"github.com/quillhq/quill/internal/message"
)

// StatusCache tracks delivery status per message id for the lifetime of
// the process. Delivery managers are created per operation and share one
// cache.
type StatusCache struct {
	statuses sync.Map // message id -> message.SendStatus
}

// NewStatusCache creates an empty cache.
func NewStatusCache() *StatusCache {
	return &StatusCache{}
}

// Set records the status for a message id.
func (c *StatusCache) Set(messageID string, status message.SendStatus) {
	if messageID == "" {
		return
	}
	c.statuses.Store(messageID, status)
}

// Get returns the status for a message id, StatusUnknown when the id was
// never seen.
func (c *StatusCache) Get(messageID string) message.SendStatus {
	raw, ok := c.statuses.Load(messageID)
	if !ok {
		return message.StatusUnknown
	}
	return raw.(message.SendStatus)
}

// Len reports the number of tracked messages.
func (c *StatusCache) Len() int {
	n := 0
	c.statuses.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
