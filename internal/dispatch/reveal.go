package dispatch

import (
	"context"
	"iter"
	"time"
)

// StepSize returns how many runes one typewriter tick reveals for a text of n runes: one eightieth of the
// text, but never fewer than two.
func StepSize(n int) int {
	return max(2, (n+79)/80)
}

// Reveal yields growing prefixes of text, one every tick, until the whole text was yielded. The sequence
// stops early when ctx is done or the consumer stops ranging.
func Reveal(ctx context.Context, text string, step func(n int) int, tick time.Duration) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := []rune(text)
		if len(runes) == 0 {
			return
		}
		size := step(len(runes))

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for i := 0; i < len(runes); {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			i = min(len(runes), i+size)
			if !yield(string(runes[:i])) {
				return
			}
		}
	}
}
