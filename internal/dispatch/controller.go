package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/cache"
	"github.com/MegaGrindStone/fiesta-web/internal/judge"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"golang.org/x/sync/errgroup"
)

type task struct {
	index  int
	model  models.AIModel
	handle models.Handle
	req    models.Request
	key    string
}

// Send appends a user message with an optional attachment to the active thread, creating a thread when none
// is active, and dispatches it to every selected model. Any generation still in flight is aborted first.
func (c *Controller) Send(text string, att *models.Attachment) (*Generation, error) {
	prompt := strings.TrimSpace(text)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()

	selected := c.selected()
	if len(selected) == 0 {
		c.warn("Select at least one model.")
	}
	project, hasProject := c.prefs.ActiveProject()
	thread := c.store.EnsureActive(project.ID)

	user := models.Message{
		Role:      models.RoleUser,
		Content:   prompt,
		Timestamp: c.stamp(),
	}
	updated, ok := c.store.Update(thread.ID, func(t models.Thread) models.Thread {
		if t.Title == models.DefaultThreadTitle {
			t.Title = models.TitleFrom(prompt)
		}
		t.Messages = append(t.Messages, user)
		return t
	})
	if !ok {
		return nil, ErrNoActiveThread
	}

	gen := newGeneration(thread.ID, prompt)
	c.current.Store(gen)

	msgs := prepareMessages(updated.Messages, project, hasProject)
	slots, tasks, results := c.plan(selected, msgs, att)
	c.store.Update(thread.ID, func(t models.Thread) models.Thread {
		t.Messages = append(t.Messages, slots...)
		return t
	})

	c.logger.Info("Dispatching prompt",
		slog.String("threadID", thread.ID),
		slog.Int("models", len(selected)),
		slog.Int("pending", len(tasks)))
	c.launch(gen, selected, tasks, results)
	return gen, nil
}

// EditUser replaces the content of the turnIndex-th user message of the active thread and regenerates its
// answers. Every message after the edited one is discarded.
func (c *Controller) EditUser(turnIndex int, newText string) (*Generation, error) {
	prompt := strings.TrimSpace(newText)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()

	thread, ok := c.store.Active()
	if !ok {
		return nil, ErrNoActiveThread
	}
	idx := models.UserIndex(thread.Messages, turnIndex)
	if idx < 0 {
		return nil, ErrTurnNotFound
	}

	edited := thread.Messages[idx]
	edited.Content = prompt
	base := append(slices.Clone(thread.Messages[:idx]), edited)

	selected := c.selected()
	if len(selected) == 0 {
		c.warn("Select at least one model.")
	}
	project, hasProject := c.prefs.ActiveProject()

	gen := newGeneration(thread.ID, prompt)
	c.current.Store(gen)

	msgs := prepareMessages(base, project, hasProject)
	slots, tasks, results := c.plan(selected, msgs, nil)
	_, ok = c.store.Update(thread.ID, func(t models.Thread) models.Thread {
		next := t
		next.Messages = append(slices.Clone(base), slots...)
		next.Title = editedTitle(t, next)
		return next
	})
	if !ok {
		gen.abort()
		return nil, ErrNoActiveThread
	}

	c.logger.Info("Regenerating turn",
		slog.String("threadID", thread.ID),
		slog.Int("turn", turnIndex),
		slog.Int("models", len(selected)))
	c.launch(gen, selected, tasks, results)
	return gen, nil
}

// DeleteUserTurn removes the turnIndex-th user message of the active thread together with every answer of
// that turn. Any generation in flight is aborted first.
func (c *Controller) DeleteUserTurn(turnIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortLocked()

	thread, ok := c.store.Active()
	if !ok {
		return ErrNoActiveThread
	}
	if models.UserIndex(thread.Messages, turnIndex) < 0 {
		return ErrTurnNotFound
	}

	c.store.Update(thread.ID, func(t models.Thread) models.Thread {
		idx := models.UserIndex(t.Messages, turnIndex)
		if idx < 0 {
			return t
		}
		t.Messages = slices.Delete(t.Messages, idx, models.TurnEnd(t.Messages, idx))
		return t
	})
	return nil
}

// DeleteAnswer removes the answer of modelID from the turnIndex-th turn of the active thread. The other
// answers of the turn, including those still in flight, are left untouched.
func (c *Controller) DeleteAnswer(turnIndex int, modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	thread, ok := c.store.Active()
	if !ok {
		return ErrNoActiveThread
	}
	idx := models.UserIndex(thread.Messages, turnIndex)
	if idx < 0 {
		return ErrTurnNotFound
	}
	if answerIndex(thread.Messages, idx, modelID) < 0 {
		return ErrAnswerNotFound
	}

	c.store.Update(thread.ID, func(t models.Thread) models.Thread {
		idx := models.UserIndex(t.Messages, turnIndex)
		if idx < 0 {
			return t
		}
		if pos := answerIndex(t.Messages, idx, modelID); pos >= 0 {
			t.Messages = slices.Delete(t.Messages, pos, pos+1)
		}
		return t
	})
	return nil
}

// answerIndex returns the position of the first answer of modelID in the turn opened at start, or -1.
func answerIndex(messages []models.Message, start int, modelID string) int {
	for j := start + 1; j < len(messages) && messages[j].Role != models.RoleUser; j++ {
		if messages[j].Role == models.RoleAssistant && messages[j].ModelID == modelID {
			return j
		}
	}
	return -1
}

// plan creates one answer slot per model, in selection order. Models whose answer is cached get a finished
// slot; the others get a placeholder and a task.
func (c *Controller) plan(
	selected []models.AIModel,
	msgs []models.ChatMessage,
	att *models.Attachment,
) ([]models.Message, []task, []Result) {
	slots := make([]models.Message, 0, len(selected))
	results := make([]Result, len(selected))
	var tasks []task

	for i, m := range selected {
		key := cache.Fingerprint(m.ID, m.Provider, msgs, att)
		slot := models.Message{
			Role:      models.RoleAssistant,
			ModelID:   m.ID,
			Timestamp: c.stamp(),
		}

		if resp, ok := c.cache.Get(key); ok {
			slot.Content = resp.Text
			slot.Provider = resp.Provider
			slot.UsedKeyType = resp.UsedKeyType
			slot.Tokens = resp.Tokens
			slots = append(slots, slot)
			results[i] = Result{ModelID: m.ID, State: StateCacheHit, Content: resp.Text}
			continue
		}

		if _, ok := c.providers[m.Provider].(Streamer); ok {
			slot.Content = Thinking
		}
		slots = append(slots, slot)
		results[i] = Result{ModelID: m.ID, State: StateRequesting}
		tasks = append(tasks, task{
			index:  i,
			model:  m,
			handle: models.Handle{Timestamp: slot.Timestamp, ModelID: m.ID},
			req:    c.request(m, msgs, att),
			key:    key,
		})
	}
	return slots, tasks, results
}

// launch runs every task concurrently. Once all of them settled, the answers are ranked and the generation
// is marked done.
func (c *Controller) launch(gen *Generation, selected []models.AIModel, tasks []task, results []Result) {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.model.ID
	}
	gen.setLoading(ids)

	go func() {
		defer close(gen.done)

		var g errgroup.Group
		if c.cfg.MaxModels > 0 {
			g.SetLimit(c.cfg.MaxModels)
		}
		for _, t := range tasks {
			g.Go(func() error {
				results[t.index] = c.run(gen, t)
				// Settled answers already left the loading set in their final write; aborted ones did not.
				gen.doneLoading(t.model.ID)
				return nil
			})
		}
		_ = g.Wait()

		gen.outcome.Results = results
		c.rank(gen, selected, results)

		st := c.cache.Stats()
		c.logger.Debug("Generation settled",
			slog.String("threadID", gen.threadID),
			slog.Bool("aborted", gen.Aborted()),
			slog.Int("cacheHits", st.Hits),
			slog.Int("cacheMisses", st.Misses),
			slog.Int("cacheEntries", st.Entries))
	}()
}

// rank asks the judge to evaluate the answers of a generation when at least two models answered.
func (c *Controller) rank(gen *Generation, selected []models.AIModel, results []Result) {
	if c.judge == nil || gen.Aborted() {
		return
	}

	var candidates []judge.Candidate
	for i, r := range results {
		if r.State != StateCompleted && r.State != StateCacheHit {
			continue
		}
		if strings.TrimSpace(r.Content) == "" {
			continue
		}
		candidates = append(candidates, judge.Candidate{
			ModelID:   r.ModelID,
			ModelName: selected[i].Model,
			Provider:  string(selected[i].Provider),
			Content:   r.Content,
		})
	}
	if len(candidates) < 2 {
		return
	}

	rankings, err := c.judge.Evaluate(gen.ctx, gen.prompt, candidates)
	if err != nil {
		gen.outcome.JudgeErr = err
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("Failed to rank answers",
				slog.String("threadID", gen.threadID),
				slog.String("err", err.Error()))
		}
		return
	}
	gen.outcome.Rankings = rankings
	c.logger.Info("Ranked answers",
		slog.String("threadID", gen.threadID),
		slog.Int("candidates", len(candidates)))
}
