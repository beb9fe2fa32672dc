package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

type modelsView struct {
	Catalog   []models.AIModel `json:"catalog"`
	Selected  []string         `json:"selected"`
	MaxModels int              `json:"maxModels"`
}

type selectModelsRequest struct {
	IDs []string `json:"ids"`
}

type keyRequest struct {
	Key string `json:"key"`
}

type preferences struct {
	OllamaBaseURL *string `json:"ollamaBaseUrl,omitempty"`
	Voice         *string `json:"voice,omitempty"`
}

type projectRequest struct {
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt"`
}

type projectsView struct {
	Projects []models.Project `json:"projects"`
	ActiveID string           `json:"activeId,omitempty"`
}

// HandleModels returns the model catalog and the current selection.
func (m *Main) HandleModels(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.modelsView())
}

// HandleSelectModels replaces the selection.
func (m *Main) HandleSelectModels(w http.ResponseWriter, r *http.Request) {
	var req selectModelsRequest
	if !m.decode(w, r, &req) {
		return
	}
	if err := m.settings.SetSelected(req.IDs); err != nil {
		m.fail(w, "Failed to select models", err)
		return
	}
	m.writeJSON(w, http.StatusOK, m.modelsView())
}

// HandleToggleModel selects or deselects a single model.
func (m *Main) HandleToggleModel(w http.ResponseWriter, r *http.Request) {
	if _, err := m.settings.Toggle(r.PathValue("id")); err != nil {
		m.fail(w, "Failed to toggle model", err)
		return
	}
	m.writeJSON(w, http.StatusOK, m.modelsView())
}

func (m *Main) modelsView() modelsView {
	sel := m.settings.Selected()
	ids := make([]string, len(sel))
	for i, s := range sel {
		ids[i] = s.ID
	}
	return modelsView{
		Catalog:   m.settings.Catalog(),
		Selected:  ids,
		MaxModels: m.settings.MaxModels(),
	}
}

// HandleSetKey stores the user's own key for a provider. An empty key removes it, so the shared key is
// used again.
func (m *Main) HandleSetKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !m.decode(w, r, &req) {
		return
	}
	provider := models.ProviderKind(r.PathValue("provider"))
	if err := m.settings.SetKey(provider, req.Key); err != nil {
		m.fail(w, "Failed to set key", err)
		return
	}
	m.logger.Info("Provider key updated", slog.String("provider", string(provider)), slog.Bool("set", req.Key != ""))
	w.WriteHeader(http.StatusNoContent)
}

// HandlePreferences returns the Ollama host and the voice on GET, and updates the fields present in the
// body on PUT.
func (m *Main) HandlePreferences(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req preferences
		if !m.decode(w, r, &req) {
			return
		}
		if req.OllamaBaseURL != nil {
			m.settings.SetOllamaBaseURL(*req.OllamaBaseURL)
		}
		if req.Voice != nil {
			m.settings.SetVoice(*req.Voice)
		}
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ollama, voice := m.settings.OllamaBaseURL(), m.settings.Voice()
	m.writeJSON(w, http.StatusOK, preferences{OllamaBaseURL: &ollama, Voice: &voice})
}

// HandleProjects lists the projects on GET and creates one on POST.
func (m *Main) HandleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		active, _ := m.settings.ActiveProject()
		m.writeJSON(w, http.StatusOK, projectsView{
			Projects: m.settings.Projects(),
			ActiveID: active.ID,
		})
	case http.MethodPost:
		var req projectRequest
		if !m.decode(w, r, &req) {
			return
		}
		if req.Name == "" {
			http.Error(w, "Name is required", http.StatusBadRequest)
			return
		}
		m.writeJSON(w, http.StatusCreated, m.settings.CreateProject(req.Name, req.SystemPrompt))
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleProject updates a project on PUT and deletes it on DELETE. The threads of a deleted project are
// kept.
func (m *Main) HandleProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodPut:
		var req projectRequest
		if !m.decode(w, r, &req) {
			return
		}
		p := models.Project{ID: id, Name: req.Name, SystemPrompt: req.SystemPrompt}
		if err := m.settings.UpdateProject(p); err != nil {
			m.fail(w, "Failed to update project", err)
			return
		}
		m.writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := m.settings.DeleteProject(id); err != nil {
			m.fail(w, "Failed to delete project", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleSelectProject makes a project the active one. New threads are created in the active project, and
// its system prompt is sent ahead of every request.
func (m *Main) HandleSelectProject(w http.ResponseWriter, r *http.Request) {
	if err := m.settings.SelectProject(r.PathValue("id")); err != nil {
		m.fail(w, "Failed to select project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearProject leaves the active project.
func (m *Main) HandleClearProject(w http.ResponseWriter, _ *http.Request) {
	if err := m.settings.SelectProject(""); err != nil {
		m.fail(w, "Failed to clear project", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
