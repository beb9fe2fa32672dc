// Package settings keeps the user's client-side preferences: which models are selected, the API keys per
// provider and the projects threads can belong to. Every change is written through to a key-value persister.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/google/uuid"
)

// Persister is a key-value backend storing JSON-encodable values.
type Persister interface {
	LoadSetting(ctx context.Context, key string, v any) (bool, error)
	SaveSetting(ctx context.Context, key string, v any) error
}

// Settings holds the Selected Model Set, API keys and projects.
type Settings struct {
	mu sync.RWMutex

	catalog   []models.AIModel
	maxModels int

	selected      []string
	keys          map[models.ProviderKind]string
	ollamaBaseURL string
	voice         string

	projects      []models.Project
	activeProject string

	persister Persister
	logger    *slog.Logger
}

// DefaultMaxModels bounds the Selected Model Set when no other bound is configured.
const DefaultMaxModels = 5

const (
	keySelected      = "selected-models"
	keyKeys          = "keys"
	keyOllamaBaseURL = "ollama-base-url"
	keyVoice         = "voice"
	keyProjects      = "projects"
	keyActiveProject = "active-project"
)

var (
	// ErrUnknownModel is returned when a model id is not part of the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrTooManyModels is returned when a selection would exceed the configured bound.
	ErrTooManyModels = errors.New("too many models selected")
	// ErrUnknownProvider is returned when a key is set for a provider that does not exist.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrProjectNotFound is returned when an operation names a project that does not exist.
	ErrProjectNotFound = errors.New("project not found")
)

// New creates settings over the given model catalog. defaultSelection is used until a stored selection is
// loaded; maxModels ≤ 0 falls back to DefaultMaxModels. A nil persister keeps settings in memory only.
func New(catalog []models.AIModel, maxModels int, defaultSelection []string, persister Persister,
	logger *slog.Logger,
) *Settings {
	if maxModels <= 0 {
		maxModels = DefaultMaxModels
	}
	s := &Settings{
		catalog:   slices.Clone(catalog),
		maxModels: maxModels,
		keys:      make(map[models.ProviderKind]string),
		persister: persister,
		logger:    logger.With(slog.String("module", "settings")),
	}
	s.selected = s.validSelection(defaultSelection)
	return s
}

// Load restores every stored setting. Missing settings keep their defaults.
func (s *Settings) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	var (
		selected      []string
		keys          map[models.ProviderKind]string
		ollamaBaseURL string
		voice         string
		projects      []models.Project
		activeProject string
	)
	loads := []struct {
		key string
		v   any
	}{
		{keySelected, &selected},
		{keyKeys, &keys},
		{keyOllamaBaseURL, &ollamaBaseURL},
		{keyVoice, &voice},
		{keyProjects, &projects},
		{keyActiveProject, &activeProject},
	}
	found := make(map[string]bool, len(loads))
	for _, l := range loads {
		ok, err := s.persister.LoadSetting(ctx, l.key, l.v)
		if err != nil {
			return fmt.Errorf("failed to load setting %s: %w", l.key, err)
		}
		found[l.key] = ok
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if found[keySelected] {
		s.selected = s.validSelection(selected)
	}
	if keys != nil {
		s.keys = keys
	}
	s.ollamaBaseURL = ollamaBaseURL
	s.voice = voice
	s.projects = projects
	if slices.ContainsFunc(projects, func(p models.Project) bool { return p.ID == activeProject }) {
		s.activeProject = activeProject
	}
	return nil
}

// Catalog returns every model a user can select.
func (s *Settings) Catalog() []models.AIModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.catalog)
}

// MaxModels returns the upper bound of the Selected Model Set.
func (s *Settings) MaxModels() int {
	return s.maxModels
}

// Selected returns the Selected Model Set in catalog order.
func (s *Settings) Selected() []models.AIModel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]models.AIModel, 0, len(s.selected))
	for _, m := range s.catalog {
		if slices.Contains(s.selected, m.ID) {
			res = append(res, m)
		}
	}
	return res
}

// Toggle selects the model when it is not selected and deselects it otherwise. It reports whether the model
// is selected afterwards.
func (s *Settings) Toggle(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.knownLocked(id) {
		return false, fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	if idx := slices.Index(s.selected, id); idx >= 0 {
		s.selected = slices.Delete(s.selected, idx, idx+1)
		s.save(keySelected, s.selected)
		return false, nil
	}
	if len(s.selected) >= s.maxModels {
		return false, fmt.Errorf("%w: at most %d", ErrTooManyModels, s.maxModels)
	}
	s.selected = append(s.selected, id)
	s.save(keySelected, s.selected)
	return true, nil
}

// SetSelected replaces the whole selection.
func (s *Settings) SetSelected(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sel []string
	for _, id := range ids {
		if !s.knownLocked(id) {
			return fmt.Errorf("%w: %s", ErrUnknownModel, id)
		}
		if !slices.Contains(sel, id) {
			sel = append(sel, id)
		}
	}
	if len(sel) > s.maxModels {
		return fmt.Errorf("%w: at most %d", ErrTooManyModels, s.maxModels)
	}
	s.selected = sel
	s.save(keySelected, s.selected)
	return nil
}

// Key returns the user's API key for a provider, or an empty string.
func (s *Settings) Key(kind models.ProviderKind) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[kind]
}

// SetKey stores the user's API key for a provider. An empty key removes it.
func (s *Settings) SetKey(kind models.ProviderKind, key string) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key = strings.TrimSpace(key)
	if key == "" {
		delete(s.keys, kind)
	} else {
		s.keys[kind] = key
	}
	s.save(keyKeys, s.keys)
	return nil
}

// OllamaBaseURL returns the user's Ollama host, or an empty string for the configured default.
func (s *Settings) OllamaBaseURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ollamaBaseURL
}

// SetOllamaBaseURL stores the user's Ollama host.
func (s *Settings) SetOllamaBaseURL(u string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ollamaBaseURL = strings.TrimSpace(u)
	s.save(keyOllamaBaseURL, s.ollamaBaseURL)
}

// Voice returns the voice used by audio models.
func (s *Settings) Voice() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice
}

// SetVoice stores the voice used by audio models.
func (s *Settings) SetVoice(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = strings.TrimSpace(v)
	s.save(keyVoice, s.voice)
}

// Projects returns every project.
func (s *Settings) Projects() []models.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.projects)
}

// CreateProject adds a project and returns it.
func (s *Settings) CreateProject(name, systemPrompt string) models.Project {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := models.Project{
		ID:           uuid.New().String(),
		Name:         strings.TrimSpace(name),
		SystemPrompt: systemPrompt,
	}
	s.projects = append(s.projects, p)
	s.save(keyProjects, s.projects)
	return p
}

// UpdateProject replaces the name and system prompt of an existing project.
func (s *Settings) UpdateProject(p models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.projects, func(x models.Project) bool { return x.ID == p.ID })
	if idx < 0 {
		return ErrProjectNotFound
	}
	s.projects[idx] = p
	s.save(keyProjects, s.projects)
	return nil
}

// DeleteProject removes a project, deselecting it when it was active.
func (s *Settings) DeleteProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.projects, func(x models.Project) bool { return x.ID == id })
	if idx < 0 {
		return ErrProjectNotFound
	}
	s.projects = slices.Delete(s.projects, idx, idx+1)
	s.save(keyProjects, s.projects)
	if s.activeProject == id {
		s.activeProject = ""
		s.save(keyActiveProject, s.activeProject)
	}
	return nil
}

// SelectProject makes a project active. An empty id clears the active project.
func (s *Settings) SelectProject(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" && !slices.ContainsFunc(s.projects, func(x models.Project) bool { return x.ID == id }) {
		return ErrProjectNotFound
	}
	s.activeProject = id
	s.save(keyActiveProject, s.activeProject)
	return nil
}

// ActiveProject returns the active project.
func (s *Settings) ActiveProject() (models.Project, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.projects {
		if p.ID == s.activeProject {
			return p, true
		}
	}
	return models.Project{}, false
}

func (s *Settings) validSelection(ids []string) []string {
	var sel []string
	for _, id := range ids {
		if s.knownLocked(id) && !slices.Contains(sel, id) && len(sel) < s.maxModels {
			sel = append(sel, id)
		}
	}
	return sel
}

func (s *Settings) knownLocked(id string) bool {
	return slices.ContainsFunc(s.catalog, func(m models.AIModel) bool { return m.ID == id })
}

func (s *Settings) save(key string, v any) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveSetting(context.Background(), key, v); err != nil {
		s.logger.Error("Failed to save setting",
			slog.String("key", key),
			slog.String("err", err.Error()))
	}
}
