package dispatch

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/cache"
	"github.com/MegaGrindStone/fiesta-web/internal/conversation"
	"github.com/MegaGrindStone/fiesta-web/internal/judge"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	mu      sync.Mutex
	calls   int
	last    models.Request
	respond func(ctx context.Context, req models.Request) (models.Response, error)
}

func (m *mockProvider) Request(ctx context.Context, req models.Request) (models.Response, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	m.mu.Unlock()
	return m.respond(ctx, req)
}

func (m *mockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockStreamer struct {
	mockProvider
	events []models.StreamEvent
}

func (m *mockStreamer) Stream(_ context.Context, _ models.Request) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		for _, ev := range m.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type mockPrefs struct {
	selected []models.AIModel
	project  *models.Project
}

func (m *mockPrefs) Selected() []models.AIModel { return m.selected }
func (m *mockPrefs) Key(models.ProviderKind) string { return "" }
func (m *mockPrefs) OllamaBaseURL() string          { return "" }
func (m *mockPrefs) Voice() string                  { return "" }

func (m *mockPrefs) ActiveProject() (models.Project, bool) {
	if m.project == nil {
		return models.Project{}, false
	}
	return *m.project, true
}

type mockNotifier struct {
	mu         sync.Mutex
	warnings   []string
	advisories []string
}

func (m *mockNotifier) Warn(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, msg)
}

func (m *mockNotifier) KeyAdvisory(provider string, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advisories = append(m.advisories, provider)
}

type mockJudge struct {
	mu         sync.Mutex
	candidates []judge.Candidate
	err        error
}

func (m *mockJudge) Evaluate(_ context.Context, _ string, candidates []judge.Candidate) ([]judge.Ranking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = candidates
	if m.err != nil {
		return nil, m.err
	}
	res := make([]judge.Ranking, len(candidates))
	for i, c := range candidates {
		res[i] = judge.Ranking{Rank: i + 1, ModelID: c.ModelID, Score: 50}
	}
	return res, nil
}

func answer(text string) func(context.Context, models.Request) (models.Response, error) {
	return func(context.Context, models.Request) (models.Response, error) {
		return models.Response{Text: text, UsedKeyType: models.KeyTypeShared}, nil
	}
}

var (
	geminiModel  = models.AIModel{ID: "g", Provider: models.ProviderGemini, Model: "gemini-2.5-flash"}
	mistralModel = models.AIModel{ID: "m", Provider: models.ProviderMistral, Model: "mistral-small"}
	routerModel  = models.AIModel{ID: "r", Provider: models.ProviderOpenRouter, Model: "llama"}
)

type fixture struct {
	ctrl     *Controller
	store    *conversation.Store
	prefs    *mockPrefs
	notifier *mockNotifier
	judge    *mockJudge
}

func newFixture(providers map[models.ProviderKind]Provider, selected ...models.AIModel) fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := fixture{
		store:    conversation.NewStore(nil, logger),
		prefs:    &mockPrefs{selected: selected},
		notifier: &mockNotifier{},
		judge:    &mockJudge{},
	}
	f.ctrl = New(f.store, f.prefs, providers, cache.New(0), f.judge, f.notifier, Config{
		FlushInterval: time.Millisecond,
		TickInterval:  time.Millisecond,
	}, logger)
	return f
}

func (f fixture) messages(t *testing.T) []models.Message {
	t.Helper()
	th, ok := f.store.Active()
	require.True(t, ok)
	return th.Messages
}

func TestSendDispatchesEverySelectedModel(t *testing.T) {
	g := &mockProvider{respond: answer("The sky scatters blue light.")}
	m := &mockProvider{respond: answer("Rayleigh scattering.")}
	f := newFixture(map[models.ProviderKind]Provider{
		models.ProviderGemini:  g,
		models.ProviderMistral: m,
	}, geminiModel, mistralModel)

	gen, err := f.ctrl.Send("  Why is the sky blue?  ", nil)
	require.NoError(t, err)
	out := gen.Wait()

	msgs := f.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Why is the sky blue?", msgs[0].Content)
	assert.Equal(t, "g", msgs[1].ModelID)
	assert.Equal(t, "The sky scatters blue light.", msgs[1].Content)
	assert.Equal(t, "gemini", msgs[1].Provider)
	assert.Equal(t, models.KeyTypeShared, msgs[1].UsedKeyType)
	assert.Equal(t, "m", msgs[2].ModelID)
	assert.Equal(t, "Rayleigh scattering.", msgs[2].Content)

	th, _ := f.store.Active()
	assert.Equal(t, "Why is the sky blue?", th.Title)

	require.Len(t, out.Results, 2)
	for _, r := range out.Results {
		assert.Equal(t, StateCompleted, r.State)
	}
	assert.Empty(t, gen.Loading())
}

func TestSendRejectsEmptyPrompt(t *testing.T) {
	f := newFixture(nil, geminiModel)
	_, err := f.ctrl.Send("   ", nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestSendWithoutModelsWarns(t *testing.T) {
	f := newFixture(nil)
	gen, err := f.ctrl.Send("hello", nil)
	require.NoError(t, err)
	gen.Wait()

	assert.Len(t, f.messages(t), 1)
	assert.Len(t, f.notifier.warnings, 1)
}

func TestSendServesIdenticalHistoryFromCache(t *testing.T) {
	g := &mockProvider{respond: answer("cached answer")}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	f.store.NewThread("")
	gen, err = f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	out := gen.Wait()

	assert.Equal(t, 1, g.Calls())
	require.Len(t, out.Results, 1)
	assert.Equal(t, StateCacheHit, out.Results[0].State)
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "cached answer", msgs[1].Content)
}

func TestAbortDiscardsLateWrites(t *testing.T) {
	release := make(chan struct{})
	g := &mockProvider{respond: func(context.Context, models.Request) (models.Response, error) {
		<-release
		return models.Response{Text: "too late"}, nil
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	f.ctrl.Abort()
	f.ctrl.Abort()
	close(release)
	out := gen.Wait()

	assert.True(t, gen.Aborted())
	assert.Equal(t, StateAborted, out.Results[0].State)
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[1].Content)
	assert.Nil(t, f.ctrl.Current())
}

func TestSendAbortsPreviousGeneration(t *testing.T) {
	g := &mockProvider{respond: func(ctx context.Context, req models.Request) (models.Response, error) {
		if req.Messages[len(req.Messages)-1].Content == "one" {
			<-ctx.Done()
			return models.Response{}, ctx.Err()
		}
		return models.Response{Text: "second"}, nil
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	gen1, err := f.ctrl.Send("one", nil)
	require.NoError(t, err)
	gen2, err := f.ctrl.Send("two", nil)
	require.NoError(t, err)

	assert.Equal(t, StateAborted, gen1.Wait().Results[0].State)
	assert.Equal(t, StateCompleted, gen2.Wait().Results[0].State)

	msgs := f.messages(t)
	require.Len(t, msgs, 4)
	assert.Empty(t, msgs[1].Content)
	assert.Equal(t, "second", msgs[3].Content)
}

func TestEditUserDiscardsLaterTurns(t *testing.T) {
	g := &mockProvider{respond: func(_ context.Context, req models.Request) (models.Response, error) {
		return models.Response{Text: "re: " + req.Messages[len(req.Messages)-1].Content}, nil
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	for _, p := range []string{"one", "two"} {
		gen, err := f.ctrl.Send(p, nil)
		require.NoError(t, err)
		gen.Wait()
	}
	require.Len(t, f.messages(t), 4)

	gen, err := f.ctrl.EditUser(0, "uno")
	require.NoError(t, err)
	gen.Wait()

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "uno", msgs[0].Content)
	assert.Equal(t, "re: uno", msgs[1].Content)

	th, _ := f.store.Active()
	assert.Equal(t, "uno", th.Title)

	_, err = f.ctrl.EditUser(3, "x")
	assert.ErrorIs(t, err, ErrTurnNotFound)
}

func TestEditUserMiddleTurn(t *testing.T) {
	g := &mockProvider{respond: func(_ context.Context, req models.Request) (models.Response, error) {
		return models.Response{Text: "re: " + req.Messages[len(req.Messages)-1].Content}, nil
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	for _, p := range []string{"one", "two", "three"} {
		gen, err := f.ctrl.Send(p, nil)
		require.NoError(t, err)
		gen.Wait()
	}

	gen, err := f.ctrl.EditUser(1, "dos")
	require.NoError(t, err)
	gen.Wait()

	msgs := f.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[0].Content)
	assert.Equal(t, "re: one", msgs[1].Content)
	assert.Equal(t, "dos", msgs[2].Content)
	assert.Equal(t, "re: dos", msgs[3].Content)

	require.Len(t, g.last.Messages, 3)
	assert.Equal(t, "dos", g.last.Messages[2].Content)

	th, _ := f.store.Active()
	assert.Equal(t, "one", th.Title)
}

func TestEditUserKeepsCustomTitle(t *testing.T) {
	g := &mockProvider{respond: answer("ok")}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	gen, err := f.ctrl.Send("one", nil)
	require.NoError(t, err)
	gen.Wait()

	th, _ := f.store.Active()
	f.store.Update(th.ID, func(t models.Thread) models.Thread {
		t.Title = "Weekend plans"
		return t
	})

	gen, err = f.ctrl.EditUser(0, "uno")
	require.NoError(t, err)
	gen.Wait()

	th, _ = f.store.Active()
	assert.Equal(t, "Weekend plans", th.Title)
	assert.Equal(t, "uno", th.Messages[0].Content)
}

func TestDeleteUserTurn(t *testing.T) {
	g := &mockProvider{respond: answer("ok")}
	m := &mockProvider{respond: answer("ok")}
	f := newFixture(map[models.ProviderKind]Provider{
		models.ProviderGemini:  g,
		models.ProviderMistral: m,
	}, geminiModel, mistralModel)

	for _, p := range []string{"one", "two"} {
		gen, err := f.ctrl.Send(p, nil)
		require.NoError(t, err)
		gen.Wait()
	}

	require.NoError(t, f.ctrl.DeleteUserTurn(0))
	msgs := f.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "two", msgs[0].Content)

	assert.ErrorIs(t, f.ctrl.DeleteUserTurn(1), ErrTurnNotFound)
}

func TestDeleteAnswer(t *testing.T) {
	g := &mockProvider{respond: answer("from gemini")}
	m := &mockProvider{respond: answer("from mistral")}
	f := newFixture(map[models.ProviderKind]Provider{
		models.ProviderGemini:  g,
		models.ProviderMistral: m,
	}, geminiModel, mistralModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	require.NoError(t, f.ctrl.DeleteAnswer(0, "g"))
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "from mistral", msgs[1].Content)

	assert.ErrorIs(t, f.ctrl.DeleteAnswer(0, "g"), ErrAnswerNotFound)
	assert.ErrorIs(t, f.ctrl.DeleteAnswer(4, "m"), ErrTurnNotFound)
}

func TestStreamedAnswer(t *testing.T) {
	r := &mockStreamer{events: []models.StreamEvent{
		{Meta: &models.StreamMeta{Provider: "openrouter", UsedKeyType: models.KeyTypeUser}},
		{Delta: "Hel"},
		{Delta: "lo"},
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderOpenRouter: r}, routerModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, models.KeyTypeUser, msgs[1].UsedKeyType)
	assert.Equal(t, 0, r.Calls())
}

func TestStreamedTokensAreBatched(t *testing.T) {
	events := make([]models.StreamEvent, 500)
	for i := range events {
		events[i] = models.StreamEvent{Delta: "x"}
	}
	r := &mockStreamer{events: events}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderOpenRouter: r}, routerModel)
	f.ctrl.cfg.FlushInterval = time.Hour

	var (
		mu     sync.Mutex
		writes int
	)
	unsubscribe := f.store.Subscribe(func(e conversation.Event) {
		if e.Kind != conversation.EventThreadUpdated {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		writes++
	})
	defer unsubscribe()

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	assert.Equal(t, strings.Repeat("x", 500), f.messages(t)[1].Content)
	mu.Lock()
	defer mu.Unlock()
	// The new thread, the user message, the placeholders, one batched flush and the final write.
	assert.LessOrEqual(t, writes, 5)
}

func TestFinalSnapshotIsNotLoading(t *testing.T) {
	g := &mockProvider{respond: answer("done")}
	m := &mockProvider{respond: func(context.Context, models.Request) (models.Response, error) {
		return models.Response{Error: "quota exceeded", Code: 429}, nil
	}}
	r := &mockStreamer{events: []models.StreamEvent{{Delta: "str"}, {Delta: "eamed"}}}
	f := newFixture(map[models.ProviderKind]Provider{
		models.ProviderGemini:     g,
		models.ProviderMistral:    m,
		models.ProviderOpenRouter: r,
	}, geminiModel, mistralModel, routerModel)

	var (
		mu      sync.Mutex
		loading [][]string
	)
	unsubscribe := f.store.Subscribe(func(e conversation.Event) {
		if e.Kind != conversation.EventThreadUpdated {
			return
		}
		var ids []string
		if gen := f.ctrl.Current(); gen != nil {
			ids = gen.Loading()
		}
		mu.Lock()
		defer mu.Unlock()
		loading = append(loading, ids)
	})
	defer unsubscribe()

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, loading)
	assert.Empty(t, loading[len(loading)-1])
}

func TestStreamWithoutTokensFallsBack(t *testing.T) {
	r := &mockStreamer{mockProvider: mockProvider{respond: answer("fallback")}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderOpenRouter: r}, routerModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	assert.Equal(t, 1, r.Calls())
	assert.Equal(t, "fallback", f.messages(t)[1].Content)
}

func TestStreamErrorEvent(t *testing.T) {
	r := &mockStreamer{events: []models.StreamEvent{
		{Delta: "partial"},
		{Err: &models.Response{Error: "upstream overloaded", Code: 503, UsedKeyType: models.KeyTypeShared}},
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderOpenRouter: r}, routerModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	out := gen.Wait()

	msg := f.messages(t)[1]
	assert.Equal(t, "upstream overloaded", msg.Content)
	assert.Equal(t, 503, msg.Code)
	assert.Equal(t, "openrouter", msg.Provider)
	assert.Equal(t, StateFailed, out.Results[0].State)
	assert.Equal(t, []string{"openrouter"}, f.notifier.advisories)
}

func TestProviderErrorMetadata(t *testing.T) {
	g := &mockProvider{respond: func(context.Context, models.Request) (models.Response, error) {
		return models.Response{Error: "quota exceeded", Code: 429, UsedKeyType: models.KeyTypeShared}, nil
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	for range 2 {
		gen, err := f.ctrl.Send("hi", nil)
		require.NoError(t, err)
		gen.Wait()
	}

	msg := f.messages(t)[1]
	assert.Equal(t, "quota exceeded", msg.Content)
	assert.Equal(t, 429, msg.Code)
	assert.Equal(t, "gemini", msg.Provider)
	assert.Equal(t, 2, g.Calls(), "failed answers are never cached")
	assert.Equal(t, []string{"gemini"}, f.notifier.advisories, "the advisory is raised once per provider")
}

func TestEmptyAndMissingProvider(t *testing.T) {
	g := &mockProvider{respond: answer("   ")}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel, mistralModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	msgs := f.messages(t)
	assert.Equal(t, NoResponse, msgs[1].Content)
	assert.Contains(t, msgs[2].Content, "not configured")
}

func TestTransportErrorIsShown(t *testing.T) {
	g := &mockProvider{respond: func(context.Context, models.Request) (models.Response, error) {
		return models.Response{}, errors.New("connection refused")
	}}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	assert.Equal(t, "connection refused", f.messages(t)[1].Content)
}

func TestJudgeRanksTwoOrMoreAnswers(t *testing.T) {
	g := &mockProvider{respond: answer("a")}
	m := &mockProvider{respond: answer("b")}
	f := newFixture(map[models.ProviderKind]Provider{
		models.ProviderGemini:  g,
		models.ProviderMistral: m,
	}, geminiModel, mistralModel)

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	out := gen.Wait()

	require.Len(t, out.Rankings, 2)
	require.Len(t, f.judge.candidates, 2)
	assert.Equal(t, "gemini-2.5-flash", f.judge.candidates[0].ModelName)

	f.judge.candidates = nil
	f.prefs.selected = []models.AIModel{geminiModel}
	gen, err = f.ctrl.Send("again", nil)
	require.NoError(t, err)
	out = gen.Wait()
	assert.Empty(t, out.Rankings)
	assert.Nil(t, f.judge.candidates)
}

func TestJudgeFailureLeavesAnswersUntouched(t *testing.T) {
	g := &mockProvider{respond: answer("a")}
	m := &mockProvider{respond: answer("b")}
	f := newFixture(map[models.ProviderKind]Provider{
		models.ProviderGemini:  g,
		models.ProviderMistral: m,
	}, geminiModel, mistralModel)
	f.judge.err = errors.New("judge unavailable")

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	out := gen.Wait()

	assert.EqualError(t, out.JudgeErr, "judge unavailable")
	assert.Empty(t, out.Rankings)
	for _, r := range out.Results {
		assert.Equal(t, StateCompleted, r.State)
	}

	msgs := f.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[1].Content)
	assert.Equal(t, "b", msgs[2].Content)
	assert.Zero(t, msgs[1].Code)
	assert.Zero(t, msgs[2].Code)
	assert.Empty(t, f.notifier.warnings)
}

func TestAbortedPlaceholderIsLeftOutOfHistory(t *testing.T) {
	r := &mockStreamer{}
	r.respond = func(ctx context.Context, req models.Request) (models.Response, error) {
		if req.Messages[len(req.Messages)-1].Content == "one" {
			<-ctx.Done()
			return models.Response{}, ctx.Err()
		}
		return models.Response{Text: "ok"}, nil
	}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderOpenRouter: r}, routerModel)

	gen, err := f.ctrl.Send("one", nil)
	require.NoError(t, err)
	f.ctrl.Abort()
	gen.Wait()

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, Thinking, msgs[1].Content)

	gen, err = f.ctrl.Send("two", nil)
	require.NoError(t, err)
	gen.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.last.Messages, 2)
	assert.Equal(t, "one", r.last.Messages[0].Content)
	assert.Equal(t, "two", r.last.Messages[1].Content)
}

func TestProjectSystemPrompt(t *testing.T) {
	g := &mockProvider{respond: answer("ok")}
	f := newFixture(map[models.ProviderKind]Provider{models.ProviderGemini: g}, geminiModel)
	f.prefs.project = &models.Project{ID: "p", SystemPrompt: "Be terse."}

	gen, err := f.ctrl.Send("hi", nil)
	require.NoError(t, err)
	gen.Wait()

	require.Len(t, g.last.Messages, 2)
	assert.Equal(t, models.ChatMessage{Role: models.RoleSystem, Content: "Be terse."}, g.last.Messages[0])

	th, _ := f.store.Active()
	assert.Equal(t, "p", th.ProjectID)
	assert.Len(t, th.Messages, 2, "the system prompt is never stored in the thread")
}

func TestBatcherStopWaitsForFlush(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu     sync.Mutex
		chunks []string
	)
	b := newBatcher(time.Millisecond, func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
		if chunk == "a" {
			close(entered)
			<-release
		}
	})

	b.add("a")
	<-entered
	b.add("b")

	stopped := make(chan struct{})
	go func() {
		b.stop(true)
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("stop returned while a flush was in progress")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-stopped

	mu.Lock()
	got := len(chunks)
	mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	b.add("c")
	b.flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, chunks, got, "no chunk is flushed once a discarding stop returned")
	assert.Equal(t, "a", chunks[0])
}

func TestReveal(t *testing.T) {
	text := strings.Repeat("é", 200)
	var partials []string
	for p := range Reveal(context.Background(), text, StepSize, time.Microsecond) {
		partials = append(partials, p)
	}

	require.Len(t, partials, 67)
	assert.Equal(t, "ééé", partials[0])
	assert.Equal(t, text, partials[len(partials)-1])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var got int
	for range Reveal(ctx, text, StepSize, time.Microsecond) {
		got++
	}
	assert.Zero(t, got)
}

func TestStepSize(t *testing.T) {
	assert.Equal(t, 2, StepSize(1))
	assert.Equal(t, 2, StepSize(160))
	assert.Equal(t, 3, StepSize(161))
	assert.Equal(t, 13, StepSize(1000))
}

func TestIsMedia(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"![generated](https://img.example/cat.png)", true},
		{"  ![x](data:image/png;base64,AAAA)\n", true},
		{"[AUDIO:https://cdn.example/a.mp3]", true},
		{"Here is an image: ![x](y.png)", false},
		{"![not closed", false},
		{"[AUDIO:missing bracket", false},
		{"plain text", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isMedia(tt.content), tt.content)
	}
}
