package dispatch

import (
	"strings"
	"sync"
	"time"
)

// batcher coalesces streamed tokens and hands them to flushFn at most once per interval.
type batcher struct {
	interval time.Duration
	flushFn  func(chunk string)

	mu      sync.Mutex
	buf     strings.Builder
	timer   *time.Timer
	stopped bool

	// flushMu keeps chunks in arrival order when the timer and a final flush race.
	flushMu sync.Mutex
}

func newBatcher(interval time.Duration, flushFn func(chunk string)) *batcher {
	return &batcher{
		interval: interval,
		flushFn:  flushFn,
	}
}

func (b *batcher) add(delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}
	b.buf.WriteString(delta)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.interval, b.flush)
	}
}

func (b *batcher) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	chunk := b.buf.String()
	b.buf.Reset()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if chunk != "" {
		b.flushFn(chunk)
	}
}

// stop clears the pending timer and waits for a flush in progress. Tokens still buffered are kept for a
// final flush unless discard is set; once stop returns, a discarding batcher never calls flushFn again.
func (b *batcher) stop(discard bool) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if discard {
		b.buf.Reset()
	}
}
