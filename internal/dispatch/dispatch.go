// Package dispatch fans a prompt out to every selected model concurrently and reconciles the answers into
// the conversation store.
//
// Each Send or EditUser call starts a Generation: the set of per-model tasks it launched. Starting a new
// generation aborts the previous one, and an aborted generation never writes to the store again. Streamed
// answers are batched before they reach the store; one-shot answers are revealed with a typewriter effect so
// that every answer reaches the client as a sequence of partial-content updates.
package dispatch

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/cache"
	"github.com/MegaGrindStone/fiesta-web/internal/conversation"
	"github.com/MegaGrindStone/fiesta-web/internal/judge"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// Provider is the request/response contract every provider gateway implements. A returned error is a
// transport failure; context.Canceled means the call was aborted on purpose. Failures reported by the
// provider itself come back in Response.Error.
type Provider interface {
	Request(ctx context.Context, req models.Request) (models.Response, error)
}

// Streamer is implemented by the provider that can answer incrementally. The sequence ends when the stream
// is done; an aborted stream ends without an error.
type Streamer interface {
	Provider
	Stream(ctx context.Context, req models.Request) iter.Seq2[models.StreamEvent, error]
}

// Judge ranks the answers collected for a prompt.
type Judge interface {
	Evaluate(ctx context.Context, prompt string, candidates []judge.Candidate) ([]judge.Ranking, error)
}

// Preferences exposes the user settings a dispatch depends on.
type Preferences interface {
	Selected() []models.AIModel
	Key(kind models.ProviderKind) string
	ActiveProject() (models.Project, bool)
	OllamaBaseURL() string
	Voice() string
}

// Notifier surfaces non-blocking notices to the user.
type Notifier interface {
	Warn(msg string)
	// KeyAdvisory asks the user to supply their own key for a provider whose shared key pool is exhausted.
	KeyAdvisory(provider string, code int)
}

// Config tunes the pacing of the controller.
type Config struct {
	// FlushInterval is how long streamed tokens are buffered before they are written to the store.
	FlushInterval time.Duration
	// TickInterval is the pause between two typewriter reveals of a one-shot answer.
	TickInterval time.Duration
	// CacheTTL is the lifetime of cached answers; zero keeps them for the lifetime of the process.
	CacheTTL time.Duration
	// MaxModels bounds how many models a single prompt is dispatched to.
	MaxModels int
}

// Controller orchestrates the concurrent per-model requests of a turn.
type Controller struct {
	store     *conversation.Store
	prefs     Preferences
	providers map[models.ProviderKind]Provider
	cache     *cache.Cache
	judge     Judge
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger

	// mu serializes the operations that mutate the structure of a thread.
	mu      sync.Mutex
	current atomic.Pointer[Generation]

	stampMu   sync.Mutex
	lastStamp time.Time

	advisedMu sync.Mutex
	advised   map[string]bool
}

const (
	// NoResponse is the content of an answer whose provider returned no usable text.
	NoResponse = "No response"
	// Thinking is the content of the streaming provider's placeholder until the first tokens arrive.
	Thinking = "Thinking…"

	defaultInterval = 24 * time.Millisecond
)

var (
	// ErrEmptyPrompt is returned when the prompt is empty after trimming.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrNoActiveThread is returned when an operation needs an active thread and there is none.
	ErrNoActiveThread = errors.New("no active thread")
	// ErrTurnNotFound is returned when a turn index does not name a user message of the active thread.
	ErrTurnNotFound = errors.New("turn not found")
	// ErrAnswerNotFound is returned when a turn holds no answer of the given model.
	ErrAnswerNotFound = errors.New("answer not found")
)

// New creates a controller. judge and notifier may be nil; providers without a gateway fail their answers
// with an explanatory error.
func New(
	store *conversation.Store,
	prefs Preferences,
	providers map[models.ProviderKind]Provider,
	responses *cache.Cache,
	j Judge,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultInterval
	}
	if responses == nil {
		responses = cache.New(cfg.CacheTTL)
	}
	return &Controller{
		store:     store,
		prefs:     prefs,
		providers: providers,
		cache:     responses,
		judge:     j,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("module", "dispatch")),
		advised:   make(map[string]bool),
	}
}

// Current returns the live generation, or nil when nothing is in flight.
func (c *Controller) Current() *Generation {
	g := c.current.Load()
	if g == nil || g.Aborted() {
		return nil
	}
	return g
}

// Abort stops every in-flight request of the current generation.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()
}

func (c *Controller) abortLocked() {
	if g := c.current.Swap(nil); g != nil {
		g.abort()
	}
}

// stamp returns a creation time that is strictly later than every previous one, so that placeholder
// handles stay unique even when several are created within the clock resolution.
func (c *Controller) stamp() time.Time {
	c.stampMu.Lock()
	defer c.stampMu.Unlock()

	now := time.Now()
	if !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Nanosecond)
	}
	c.lastStamp = now
	return now
}

func (c *Controller) selected() []models.AIModel {
	sel := c.prefs.Selected()
	if c.cfg.MaxModels > 0 && len(sel) > c.cfg.MaxModels {
		sel = sel[:c.cfg.MaxModels]
	}
	return sel
}

func (c *Controller) warn(msg string) {
	c.logger.Warn(msg)
	if c.notifier != nil {
		c.notifier.Warn(msg)
	}
}

// advise raises the key advisory once per provider for the lifetime of the controller.
func (c *Controller) advise(resp models.Response) {
	if resp.UsedKeyType != models.KeyTypeShared {
		return
	}
	if resp.Code != 429 && resp.Code != 503 {
		return
	}

	c.advisedMu.Lock()
	seen := c.advised[resp.Provider]
	c.advised[resp.Provider] = true
	c.advisedMu.Unlock()

	if seen || c.notifier == nil {
		return
	}
	c.notifier.KeyAdvisory(resp.Provider, resp.Code)
}
