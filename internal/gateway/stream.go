package gateway

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/quillhq/quill/internal/message"
)

// SendStream accumulates fragments and sends a message whenever the
// buffer reaches the char threshold or the flush interval elapses.
// Whatever remains when the fragment channel closes is flushed last.
// Results arrive on the returned channel in flush order; the channel is
// closed when the stream ends or the context is cancelled.
func (m *DeliveryManager) SendStream(ctx context.Context, platform, targetUserID string, fragments <-chan string) <-chan message.SendResult {
	results := make(chan message.SendResult)

	go func() {
		defer close(results)

		var buf strings.Builder
		bufChars := 0
		ticker := time.NewTicker(m.opts.StreamFlushInterval)
		defer ticker.Stop()

		flush := func() bool {
			if buf.Len() == 0 {
				return true
			}
			content := buf.String()
			buf.Reset()
			bufChars = 0

			msg := message.New(platform, "", content)
			result, _ := m.Send(ctx, msg, targetUserID)
			select {
			case results <- result:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !flush() {
					return
				}
			case fragment, ok := <-fragments:
				if !ok {
					flush()
					return
				}
				buf.WriteString(fragment)
				bufChars += utf8.RuneCountInString(fragment)
				if bufChars >= m.opts.StreamBufferChars {
					if !flush() {
						return
					}
					ticker.Reset(m.opts.StreamFlushInterval)
				}
			}
		}
	}()

	return results
}
