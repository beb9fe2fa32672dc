package dispatch

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/MegaGrindStone/fiesta-web/internal/judge"
)

// Generation is the cancellation token shared by every task launched for one Send or EditUser call. Every
// store write of a task goes through the generation, which refuses writes once it was aborted.
type Generation struct {
	threadID string
	prompt   string

	ctx    context.Context
	cancel context.CancelFunc

	// mu is held for the duration of every write, so that abort cannot interleave with a write in progress.
	// aborted only changes under mu but is read without it, since store subscribers run inside a write.
	mu      sync.Mutex
	aborted atomic.Bool

	loadMu  sync.Mutex
	loading []string

	done    chan struct{}
	outcome Outcome
}

// TaskState is the lifecycle state of a single model dispatch.
type TaskState string

// Result is the final state of one model's dispatch.
type Result struct {
	ModelID string    `json:"modelId"`
	State   TaskState `json:"state"`
	Content string    `json:"content,omitempty"`
	Code    int       `json:"code,omitempty"`
}

// Outcome summarizes a settled generation.
type Outcome struct {
	Results  []Result        `json:"results"`
	Rankings []judge.Ranking `json:"rankings,omitempty"`
	JudgeErr error           `json:"-"`
}

const (
	StateIdle       TaskState = "idle"
	StateCacheCheck TaskState = "cache-check"
	StateCacheHit   TaskState = "cache-hit"
	StateRequesting TaskState = "requesting"
	StateStreaming  TaskState = "streaming"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateAborted    TaskState = "aborted"
)

func newGeneration(threadID, prompt string) *Generation {
	ctx, cancel := context.WithCancel(context.Background())
	return &Generation{
		threadID: threadID,
		prompt:   prompt,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ThreadID returns the thread the generation writes to.
func (g *Generation) ThreadID() string {
	return g.threadID
}

// Aborted reports whether the generation was superseded or stopped.
func (g *Generation) Aborted() bool {
	return g.aborted.Load()
}

// Done is closed once every task settled and the judge pass, if any, finished.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the generation settled and returns its outcome.
func (g *Generation) Wait() Outcome {
	<-g.done
	return g.outcome
}

// Loading returns the ids of the models whose answers are still pending.
func (g *Generation) Loading() []string {
	g.loadMu.Lock()
	defer g.loadMu.Unlock()
	return slices.Clone(g.loading)
}

func (g *Generation) setLoading(ids []string) {
	g.loadMu.Lock()
	defer g.loadMu.Unlock()
	g.loading = slices.Clone(ids)
}

func (g *Generation) doneLoading(id string) {
	g.loadMu.Lock()
	defer g.loadMu.Unlock()
	g.loading = slices.DeleteFunc(g.loading, func(x string) bool { return x == id })
}

// abort is idempotent. Once it returns, no further write of this generation reaches the store.
func (g *Generation) abort() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted.Load() {
		return
	}
	g.aborted.Store(true)
	g.cancel()
}

// write runs fn unless the generation was aborted, and reports whether it ran.
func (g *Generation) write(fn func()) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted.Load() {
		return false
	}
	fn()
	return true
}
