// Package conversation holds the in-memory conversation log: every thread, its ordered messages and the
// active thread, written through to a persister on every mutation.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/google/uuid"
)

// Persister is the key-value backend threads are written through to. It is read once at start.
type Persister interface {
	Threads(ctx context.Context) ([]models.Thread, error)
	SaveThread(ctx context.Context, thread models.Thread) error
	DeleteThread(ctx context.Context, id string) error

	ActiveThreadID(ctx context.Context) (string, error)
	SetActiveThreadID(ctx context.Context, id string) error
}

// EventKind tells subscribers what changed.
type EventKind string

// Event describes a single change of the store.
type Event struct {
	Kind   EventKind
	Thread models.Thread
}

// Store is the conversation log. All message mutations go through Update, which applies a pure function of
// the previous thread state, so interleaved writers targeting the same thread never clobber each other.
type Store struct {
	mu       sync.Mutex
	threads  []models.Thread
	activeID string

	// notifyMu serializes persistence and subscriber delivery in mutation order.
	notifyMu sync.Mutex
	subs     map[int]func(Event)
	nextSub  int

	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

const (
	// EventThreadUpdated is sent when a thread was created or modified.
	EventThreadUpdated EventKind = "thread_updated"
	// EventThreadDeleted is sent when a thread was removed.
	EventThreadDeleted EventKind = "thread_deleted"
	// EventActiveChanged is sent when another thread became the active one.
	EventActiveChanged EventKind = "active_changed"
)

// ErrThreadNotFound is returned when an operation names a thread the store does not hold.
var ErrThreadNotFound = errors.New("thread not found")

// NewStore creates an empty store. A nil persister keeps the conversation in memory only.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	return &Store{
		subs:      make(map[int]func(Event)),
		persister: persister,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "conversation")),
	}
}

// Load restores the threads and the active thread id from the persister, newest thread first.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	threads, err := s.persister.Threads(ctx)
	if err != nil {
		return fmt.Errorf("failed to load threads: %w", err)
	}
	activeID, err := s.persister.ActiveThreadID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active thread: %w", err)
	}
	slices.SortStableFunc(threads, func(a, b models.Thread) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = threads
	if slices.ContainsFunc(threads, func(t models.Thread) bool { return t.ID == activeID }) {
		s.activeID = activeID
	}
	return nil
}

// Subscribe registers fn to be called after every mutation, in mutation order. fn runs while the store
// serializes delivery and must not call back into the store; the event carries everything it needs. The
// returned function removes the subscription.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

// NewThread creates an empty thread with the default title, makes it active and returns it.
func (s *Store) NewThread(projectID string) models.Thread {
	s.mu.Lock()
	t := s.newThreadLocked(projectID)
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.persist(t)
	s.persistActive(t.ID)
	s.publish(Event{Kind: EventThreadUpdated, Thread: t})
	s.publish(Event{Kind: EventActiveChanged, Thread: t})
	return t
}

// EnsureActive returns the active thread, creating one associated with projectID when none is active.
func (s *Store) EnsureActive(projectID string) models.Thread {
	s.mu.Lock()
	if t, ok := s.findLocked(s.activeID); ok {
		s.mu.Unlock()
		return t
	}
	s.mu.Unlock()
	return s.NewThread(projectID)
}

// Active returns the active thread.
func (s *Store) Active() (models.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(s.activeID)
}

// SetActive makes the thread with the given id the active one.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	t, ok := s.findLocked(id)
	if !ok {
		s.mu.Unlock()
		return ErrThreadNotFound
	}
	s.activeID = id
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.persistActive(id)
	s.publish(Event{Kind: EventActiveChanged, Thread: t})
	return nil
}

// Thread returns a copy of the thread with the given id.
func (s *Store) Thread(id string) (models.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// Threads returns copies of all threads, newest first. A non-empty projectID limits the result to the
// threads of that project.
func (s *Store) Threads(projectID string) []models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]models.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if projectID != "" && t.ProjectID != projectID {
			continue
		}
		res = append(res, t.Clone())
	}
	return res
}

// Update replaces the thread with the given id by fn applied to a copy of it. It reports false, without
// calling fn, when the thread no longer exists.
func (s *Store) Update(id string, fn func(models.Thread) models.Thread) (models.Thread, bool) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.threads, func(t models.Thread) bool { return t.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return models.Thread{}, false
	}
	updated := fn(s.threads[idx].Clone())
	updated.ID = id
	s.threads[idx] = updated
	snapshot := updated.Clone()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.persist(snapshot)
	s.publish(Event{Kind: EventThreadUpdated, Thread: snapshot})
	return snapshot, true
}

// DeleteThread removes a thread. When it was the active one, the newest remaining thread of the same
// project becomes active.
func (s *Store) DeleteThread(id string) error {
	s.mu.Lock()
	idx := slices.IndexFunc(s.threads, func(t models.Thread) bool { return t.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return ErrThreadNotFound
	}
	removed := s.threads[idx]
	s.threads = slices.Delete(s.threads, idx, idx+1)

	activeChanged := false
	var next models.Thread
	if s.activeID == id {
		activeChanged = true
		s.activeID = ""
		for _, t := range s.threads {
			if removed.ProjectID == "" || t.ProjectID == removed.ProjectID {
				s.activeID = t.ID
				next = t.Clone()
				break
			}
		}
	}
	activeID := s.activeID
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteThread(context.Background(), id); err != nil {
			s.logger.Error("Failed to delete thread",
				slog.String("threadID", id),
				slog.String("err", err.Error()))
		}
	}
	s.publish(Event{Kind: EventThreadDeleted, Thread: removed})
	if activeChanged {
		s.persistActive(activeID)
		s.publish(Event{Kind: EventActiveChanged, Thread: next})
	}
	return nil
}

func (s *Store) newThreadLocked(projectID string) models.Thread {
	t := models.Thread{
		ID:        uuid.New().String(),
		Title:     models.DefaultThreadTitle,
		Messages:  []models.Message{},
		ProjectID: projectID,
		CreatedAt: s.now(),
	}
	s.threads = slices.Insert(s.threads, 0, t)
	s.activeID = t.ID
	return t.Clone()
}

func (s *Store) findLocked(id string) (models.Thread, bool) {
	if id == "" {
		return models.Thread{}, false
	}
	for _, t := range s.threads {
		if t.ID == id {
			return t.Clone(), true
		}
	}
	return models.Thread{}, false
}

func (s *Store) persist(t models.Thread) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveThread(context.Background(), t); err != nil {
		s.logger.Error("Failed to save thread",
			slog.String("threadID", t.ID),
			slog.String("err", err.Error()))
	}
}

func (s *Store) persistActive(id string) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SetActiveThreadID(context.Background(), id); err != nil {
		s.logger.Error("Failed to save active thread",
			slog.String("threadID", id),
			slog.String("err", err.Error()))
	}
}

func (s *Store) publish(e Event) {
	for _, fn := range s.subs {
		fn(e)
	}
}
