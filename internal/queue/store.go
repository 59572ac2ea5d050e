package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillhq/quill/internal/message"
)

// Store is the pgx-backed durable queue.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Enqueuer = (*Store)(nil)

// NewStore creates a Store over an open pool.
func NewStore(pool *pgxpool.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("component", "queue")),
	}
}

const enqueueSQL = `
INSERT INTO messages_queue (id, message, session_id, target_user_id, item_type, retry_count, scheduled_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// Enqueue inserts one item. The wrapped ChatMessage is stored as jsonb.
func (s *Store) Enqueue(ctx context.Context, item message.QueuedMessage) error {
	if item.ID == "" {
		return fmt.Errorf("queue item id is required")
	}
	payload, err := json.Marshal(item.Message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, enqueueSQL,
		item.ID,
		payload,
		item.SessionID,
		item.TargetUserID,
		string(item.ItemType),
		item.RetryCount,
		item.ScheduledAt,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue item %s: %w", item.ID, err)
	}
	s.logger.Debug("item enqueued",
		slog.String("item_id", item.ID),
		slog.String("item_type", string(item.ItemType)),
		slog.Int("retry_count", item.RetryCount),
	)
	return nil
}

const dequeueSQL = `
DELETE FROM messages_queue
WHERE id IN (
	SELECT id FROM messages_queue
	WHERE scheduled_at IS NULL OR scheduled_at <= now()
	ORDER BY created_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, message, session_id, target_user_id, item_type, retry_count, scheduled_at, created_at
`

// DequeueDue removes and returns up to limit items whose schedule has
// arrived, oldest first. Concurrent workers skip each other's rows.
func (s *Store) DequeueDue(ctx context.Context, limit int) ([]message.QueuedMessage, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.pool.Query(ctx, dequeueSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	defer rows.Close()

	var items []message.QueuedMessage
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue rows: %w", err)
	}
	return items, nil
}

// Requeue re-inserts an item with its retry count incremented and the
// next attempt pushed out by delay.
func (s *Store) Requeue(ctx context.Context, item message.QueuedMessage, delay time.Duration) error {
	next := item
	next.RetryCount++
	next.ItemType = message.ItemRetry
	scheduledAt := time.Now().UTC().Add(delay)
	next.ScheduledAt = &scheduledAt
	return s.Enqueue(ctx, next)
}

func scanItem(rows pgx.Rows) (message.QueuedMessage, error) {
	var (
		item     message.QueuedMessage
		payload  []byte
		itemType string
	)
	err := rows.Scan(
		&item.ID,
		&payload,
		&item.SessionID,
		&item.TargetUserID,
		&itemType,
		&item.RetryCount,
		&item.ScheduledAt,
		&item.CreatedAt,
	)
	if err != nil {
		return message.QueuedMessage{}, fmt.Errorf("scan item: %w", err)
	}
	if err := json.Unmarshal(payload, &item.Message); err != nil {
		return message.QueuedMessage{}, fmt.Errorf("unmarshal message %s: %w", item.ID, err)
	}
	item.ItemType = message.QueueItemType(itemType)
	return item, nil
}
