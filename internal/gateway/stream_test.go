package gateway_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quillhq/quill/internal/gateway"
	"github.com/quillhq/quill/internal/message"
)

func collectResults(t *testing.T, results <-chan message.SendResult) []message.SendResult {
	t.Helper()
	var out []message.SendResult
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("timed out waiting for stream results")
		}
	}
}

func TestSendStreamFlushesOnThreshold(t *testing.T) {
	t.Parallel()

	f, dm := newFixture("telegram", gateway.Options{
		StreamBufferChars:   10,
		StreamFlushInterval: time.Minute,
	})

	fragments := make(chan string)
	results := dm.SendStream(context.Background(), "telegram", "target", fragments)

	go func() {
		fragments <- strings.Repeat("a", 6)
		fragments <- strings.Repeat("b", 6) // crosses 10, first flush
		fragments <- "tail"                 // flushed on close
		close(fragments)
	}()

	out := collectResults(t, results)
	if len(out) != 2 {
		t.Fatalf("expected 2 flushes, got %d", len(out))
	}
	for i, r := range out {
		if !r.Success {
			t.Fatalf("flush %d failed: %+v", i, r)
		}
	}

	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	if len(f.provider.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(f.provider.sent))
	}
	if f.provider.sent[0].Content != "aaaaaabbbbbb" {
		t.Fatalf("unexpected first flush: %q", f.provider.sent[0].Content)
	}
	if f.provider.sent[1].Content != "tail" {
		t.Fatalf("unexpected final flush: %q", f.provider.sent[1].Content)
	}
}

func TestSendStreamFlushesOnInterval(t *testing.T) {
	t.Parallel()

	f, dm := newFixture("telegram", gateway.Options{
		StreamBufferChars:   1 << 20,
		StreamFlushInterval: 30 * time.Millisecond,
	})

	fragments := make(chan string)
	results := dm.SendStream(context.Background(), "telegram", "target", fragments)

	fragments <- "slow fragment"
	// Wait past the flush interval before closing.
	deadline := time.After(3 * time.Second)
	for f.provider.sentCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("interval flush never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(fragments)

	out := collectResults(t, results)
	if len(out) != 1 {
		t.Fatalf("expected 1 flush, got %d", len(out))
	}
}

func TestSendStreamEmptyStream(t *testing.T) {
	t.Parallel()

	_, dm := newFixture("telegram", gateway.Options{})
	fragments := make(chan string)
	close(fragments)

	out := collectResults(t, dm.SendStream(context.Background(), "telegram", "target", fragments))
	if len(out) != 0 {
		t.Fatalf("empty stream should produce no results, got %d", len(out))
	}
}

func TestSendStreamCancellation(t *testing.T) {
	t.Parallel()

	_, dm := newFixture("telegram", gateway.Options{
		StreamFlushInterval: time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	fragments := make(chan string)
	results := dm.SendStream(ctx, "telegram", "target", fragments)

	fragments <- "buffered but never flushed"
	cancel()

	out := collectResults(t, results)
	if len(out) != 0 {
		t.Fatalf("cancelled stream should produce no results, got %d", len(out))
	}
}

func TestSendStreamFailuresSurface(t *testing.T) {
	t.Parallel()

	f, dm := newFixture("telegram", gateway.Options{StreamBufferChars: 4, StreamFlushInterval: time.Minute})
	f.provider.sendFunc = func(msg message.ChatMessage) (message.SendResult, error) {
		return message.Failure(msg.ID, "FORBIDDEN", "blocked", false), nil
	}

	fragments := make(chan string, 1)
	fragments <- "12345"
	close(fragments)

	out := collectResults(t, dm.SendStream(context.Background(), "telegram", "target", fragments))
	if len(out) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out))
	}
	if out[0].Success || out[0].ErrorCode != "FORBIDDEN" {
		t.Fatalf("unexpected result: %+v", out[0])
	}
}
