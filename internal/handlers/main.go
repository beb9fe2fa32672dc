package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/conversation"
	"github.com/MegaGrindStone/fiesta-web/internal/dispatch"
	"github.com/MegaGrindStone/fiesta-web/internal/judge"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/MegaGrindStone/fiesta-web/internal/settings"
)

// Dispatcher fans prompts out to the selected models. It is implemented by dispatch.Controller.
type Dispatcher interface {
	Send(text string, att *models.Attachment) (*dispatch.Generation, error)
	EditUser(turnIndex int, newText string) (*dispatch.Generation, error)
	DeleteUserTurn(turnIndex int) error
	DeleteAnswer(turnIndex int, modelID string) error
	Abort()
	Current() *dispatch.Generation
}

// Main serves the JSON API of the chat client and mirrors every change of the conversation store to the
// connected event streams.
type Main struct {
	dispatcher Dispatcher
	store      *conversation.Store
	settings   *settings.Settings
	events     *Events

	titlesMu sync.Mutex
	titles   map[string]string

	unsubscribe func()

	logger *slog.Logger
}

type threadSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	ProjectID string    `json:"projectId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Active    bool      `json:"active"`
}

type threadView struct {
	threadSummary
	Pairs   []models.TurnPair `json:"pairs"`
	Loading []string          `json:"loading"`
}

type generationView struct {
	ThreadID string            `json:"threadId"`
	Results  []dispatch.Result `json:"results,omitempty"`
	Rankings []judge.Ranking   `json:"rankings,omitempty"`
}

const errLoggerKey = "err"

// NewMain creates the handlers and subscribes them to the store, so that every thread mutation is published
// to the thread's event topic.
func NewMain(dispatcher Dispatcher, store *conversation.Store, prefs *settings.Settings, events *Events,
	logger *slog.Logger,
) *Main {
	m := &Main{
		dispatcher: dispatcher,
		store:      store,
		settings:   prefs,
		events:     events,
		titles:     make(map[string]string),
		logger:     logger.With(slog.String("module", "handlers")),
	}
	m.unsubscribe = store.Subscribe(m.onStoreEvent)
	return m
}

// Register adds every route to mux.
func (m *Main) Register(mux *http.ServeMux) {
	mux.Handle("GET /sse", m.events)

	mux.HandleFunc("POST /api/send", m.HandleSend)
	mux.HandleFunc("POST /api/stop", m.HandleStop)
	mux.HandleFunc("POST /api/turns/{turn}/edit", m.HandleEditTurn)
	mux.HandleFunc("DELETE /api/turns/{turn}", m.HandleDeleteTurn)
	mux.HandleFunc("DELETE /api/turns/{turn}/answers/{model}", m.HandleDeleteAnswer)

	mux.HandleFunc("/api/threads", m.HandleThreads)
	mux.HandleFunc("/api/threads/{id}", m.HandleThread)
	mux.HandleFunc("POST /api/threads/{id}/activate", m.HandleActivateThread)

	mux.HandleFunc("GET /api/models", m.HandleModels)
	mux.HandleFunc("PUT /api/models/selected", m.HandleSelectModels)
	mux.HandleFunc("POST /api/models/{id}/toggle", m.HandleToggleModel)
	mux.HandleFunc("PUT /api/keys/{provider}", m.HandleSetKey)
	mux.HandleFunc("/api/preferences", m.HandlePreferences)

	mux.HandleFunc("/api/projects", m.HandleProjects)
	mux.HandleFunc("/api/projects/{id}", m.HandleProject)
	mux.HandleFunc("POST /api/projects/{id}/select", m.HandleSelectProject)
	mux.HandleFunc("DELETE /api/projects/selected", m.HandleClearProject)
}

// Shutdown stops the generation in flight and closes every event stream.
func (m *Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()
	m.dispatcher.Abort()
	return m.events.Shutdown(ctx)
}

// onStoreEvent runs inside the store's notification and must not call back into the store.
func (m *Main) onStoreEvent(e conversation.Event) {
	switch e.Kind {
	case conversation.EventThreadUpdated:
		m.events.publishJSON(threadSSEType, m.view(e.Thread), threadTopic(e.Thread.ID))

		m.titlesMu.Lock()
		changed := m.titles[e.Thread.ID] != e.Thread.Title
		m.titles[e.Thread.ID] = e.Thread.Title
		m.titlesMu.Unlock()
		if changed {
			m.events.publishJSON(threadSummarySSEType, summary(e.Thread, false), threadsSSETopic)
		}
	case conversation.EventThreadDeleted:
		m.titlesMu.Lock()
		delete(m.titles, e.Thread.ID)
		m.titlesMu.Unlock()
		m.events.publishJSON(threadDeletedSSEType, map[string]string{"id": e.Thread.ID}, threadsSSETopic)
	case conversation.EventActiveChanged:
		m.events.publishJSON(activeThreadSSEType, summary(e.Thread, true), threadsSSETopic)
	}
}

func summary(t models.Thread, active bool) threadSummary {
	return threadSummary{
		ID:        t.ID,
		Title:     t.Title,
		ProjectID: t.ProjectID,
		CreatedAt: t.CreatedAt,
		Active:    active,
	}
}

func (m *Main) view(t models.Thread) threadView {
	loading := []string{}
	if gen := m.dispatcher.Current(); gen != nil && gen.ThreadID() == t.ID {
		loading = gen.Loading()
	}
	return threadView{
		threadSummary: summary(t, false),
		Pairs:         slices.Collect(models.Pairs(t.Messages)),
		Loading:       loading,
	}
}

// watch publishes the outcome of a generation once it settled. Aborted generations publish nothing.
func (m *Main) watch(gen *dispatch.Generation) {
	outcome := gen.Wait()
	if gen.Aborted() {
		return
	}
	m.events.publishJSON(rankingsSSEType, generationView{
		ThreadID: gen.ThreadID(),
		Results:  outcome.Results,
		Rankings: outcome.Rankings,
	}, threadTopic(gen.ThreadID()))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrEmptyPrompt),
		errors.Is(err, settings.ErrTooManyModels):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrTurnNotFound),
		errors.Is(err, dispatch.ErrAnswerNotFound),
		errors.Is(err, conversation.ErrThreadNotFound),
		errors.Is(err, settings.ErrProjectNotFound),
		errors.Is(err, settings.ErrUnknownModel),
		errors.Is(err, settings.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNoActiveThread):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (m *Main) fail(w http.ResponseWriter, msg string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		m.logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	} else {
		m.logger.Warn(msg, slog.String(errLoggerKey, err.Error()))
	}
	http.Error(w, err.Error(), code)
}

func (m *Main) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		m.logger.Warn("Invalid request body", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (m *Main) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to write response", slog.String(errLoggerKey, err.Error()))
	}
}

func turnIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("turn"))
	if err != nil || idx < 0 {
		http.Error(w, "Invalid turn index", http.StatusBadRequest)
		return 0, false
	}
	return idx, true
}
