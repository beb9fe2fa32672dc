package dispatch

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// run dispatches one model and returns its final state. Every write it makes is discarded once the
// generation is aborted.
func (c *Controller) run(gen *Generation, t task) Result {
	provider, ok := c.providers[t.model.Provider]
	if !ok {
		return c.fail(gen, t, models.Response{
			Error:    fmt.Sprintf("provider %s is not configured", t.model.Provider),
			Provider: string(t.model.Provider),
		})
	}

	streamer, isStreamer := provider.(Streamer)
	if isStreamer && (t.req.Attachment == nil || t.req.Attachment.IsImage()) {
		return c.stream(gen, t, streamer)
	}

	resp, err := provider.Request(gen.ctx, t.req)
	if err != nil {
		if gen.ctx.Err() != nil {
			return aborted(t)
		}
		c.logger.Error("Failed to request answer",
			slog.String("model", t.model.ID),
			slog.String("err", err.Error()))
		resp = models.Response{Error: err.Error()}
	}
	return c.settle(gen, t, resp, !isStreamer)
}

// stream consumes a streamed answer, writing batched tokens to the placeholder. A stream that ends without
// any token falls back to a single one-shot request.
func (c *Controller) stream(gen *Generation, t task, s Streamer) Result {
	var (
		full    strings.Builder
		meta    = models.StreamMeta{Provider: string(t.model.Provider)}
		failure *models.Response
	)

	first := true
	b := newBatcher(c.cfg.FlushInterval, func(chunk string) {
		replace := first
		first = false
		c.apply(gen, t, func(m models.Message) models.Message {
			if replace {
				m.Content = chunk
			} else {
				m.Content += chunk
			}
			return m
		})
	})

	for ev, err := range s.Stream(gen.ctx, t.req) {
		if err != nil {
			if gen.ctx.Err() == nil {
				failure = &models.Response{Error: err.Error()}
			}
			break
		}
		switch {
		case ev.Err != nil:
			failure = ev.Err
		case ev.Meta != nil:
			meta = *ev.Meta
			c.apply(gen, t, func(m models.Message) models.Message {
				m.Provider = meta.Provider
				m.UsedKeyType = meta.UsedKeyType
				return m
			})
		case ev.Delta != "":
			full.WriteString(ev.Delta)
			b.add(ev.Delta)
		}
		if failure != nil {
			break
		}
	}

	if gen.ctx.Err() != nil {
		b.stop(true)
		return aborted(t)
	}
	if failure != nil {
		b.stop(true)
		if failure.Provider == "" {
			failure.Provider = meta.Provider
		}
		if failure.UsedKeyType == "" {
			failure.UsedKeyType = meta.UsedKeyType
		}
		return c.fail(gen, t, *failure)
	}
	b.stop(false)
	b.flush()

	if full.Len() == 0 {
		c.logger.Debug("Stream yielded no tokens, falling back to a single request",
			slog.String("model", t.model.ID))
		resp, err := s.Request(gen.ctx, t.req)
		if err != nil {
			if gen.ctx.Err() != nil {
				return aborted(t)
			}
			resp = models.Response{Error: err.Error()}
		}
		return c.settle(gen, t, resp, false)
	}

	return c.settle(gen, t, models.Response{
		Text:        full.String(),
		Provider:    meta.Provider,
		UsedKeyType: meta.UsedKeyType,
	}, false)
}

// settle writes the final answer of a one-shot response. Text answers are revealed progressively when
// reveal is set; image and audio answers are always shown at once.
func (c *Controller) settle(gen *Generation, t task, resp models.Response, reveal bool) Result {
	if resp.Provider == "" {
		resp.Provider = string(t.model.Provider)
	}
	if resp.Error != "" {
		return c.fail(gen, t, resp)
	}
	text := resp.Text
	if strings.TrimSpace(text) == "" {
		resp.Error = NoResponse
		return c.fail(gen, t, resp)
	}
	if gen.ctx.Err() != nil {
		return aborted(t)
	}

	c.cache.Put(t.key, resp, 0)

	if reveal && !isMedia(text) {
		for partial := range Reveal(gen.ctx, text, StepSize, c.cfg.TickInterval) {
			if !c.apply(gen, t, func(m models.Message) models.Message {
				m.Content = partial
				return m
			}) {
				return aborted(t)
			}
		}
	}

	ok := c.finish(gen, t, func(m models.Message) models.Message {
		m.Content = text
		m.Provider = resp.Provider
		m.UsedKeyType = resp.UsedKeyType
		m.Tokens = resp.Tokens
		m.Code = 0
		return m
	})
	if !ok {
		return aborted(t)
	}
	return Result{ModelID: t.model.ID, State: StateCompleted, Content: text}
}

// fail writes a provider error into the placeholder together with its metadata.
func (c *Controller) fail(gen *Generation, t task, resp models.Response) Result {
	if resp.Provider == "" {
		resp.Provider = string(t.model.Provider)
	}
	ok := c.finish(gen, t, func(m models.Message) models.Message {
		m.Content = resp.Error
		m.Provider = resp.Provider
		m.UsedKeyType = resp.UsedKeyType
		m.Code = resp.Code
		m.Tokens = nil
		return m
	})
	if !ok {
		return aborted(t)
	}

	c.logger.Warn("Model answered with an error",
		slog.String("model", t.model.ID),
		slog.String("provider", resp.Provider),
		slog.Int("code", resp.Code),
		slog.String("err", resp.Error))
	c.advise(resp)
	return Result{ModelID: t.model.ID, State: StateFailed, Content: resp.Error, Code: resp.Code}
}

// apply rewrites the placeholder of t through the generation, reporting false once it was aborted.
func (c *Controller) apply(gen *Generation, t task, fn func(models.Message) models.Message) bool {
	return gen.write(func() {
		c.update(gen, t, fn)
	})
}

// finish is the last write of t. The model leaves the loading set before the store publishes the final
// snapshot.
func (c *Controller) finish(gen *Generation, t task, fn func(models.Message) models.Message) bool {
	return gen.write(func() {
		gen.doneLoading(t.model.ID)
		c.update(gen, t, fn)
	})
}

func (c *Controller) update(gen *Generation, t task, fn func(models.Message) models.Message) {
	c.store.Update(gen.threadID, func(th models.Thread) models.Thread {
		for i := range th.Messages {
			if th.Messages[i].Matches(t.handle) {
				th.Messages[i] = fn(th.Messages[i])
				break
			}
		}
		return th
	})
}

func aborted(t task) Result {
	return Result{ModelID: t.model.ID, State: StateAborted}
}
