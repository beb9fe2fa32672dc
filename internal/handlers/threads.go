package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/fiesta-web/internal/conversation"
)

type newThreadRequest struct {
	ProjectID *string `json:"projectId"`
}

// HandleThreads lists the threads, newest first, on GET and creates an empty active thread on POST. The
// list can be limited to a project with the "project" query parameter. A new thread belongs to the active
// project unless the body names another one.
func (m *Main) HandleThreads(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		active, _ := m.store.Active()
		threads := m.store.Threads(r.URL.Query().Get("project"))
		res := make([]threadSummary, len(threads))
		for i, t := range threads {
			res[i] = summary(t, t.ID == active.ID)
		}
		m.writeJSON(w, http.StatusOK, res)
	case http.MethodPost:
		var req newThreadRequest
		if err := jsonBody(r, &req); err != nil {
			m.logger.Warn("Invalid request body", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		project, _ := m.settings.ActiveProject()
		projectID := project.ID
		if req.ProjectID != nil {
			projectID = *req.ProjectID
		}
		t := m.store.NewThread(projectID)
		m.writeJSON(w, http.StatusCreated, summary(t, true))
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleThread returns a thread with its turn pairs on GET and deletes it on DELETE. Deleting the thread a
// generation is writing to stops that generation first.
func (m *Main) HandleThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		t, ok := m.store.Thread(id)
		if !ok {
			m.fail(w, "Failed to get thread", conversation.ErrThreadNotFound)
			return
		}
		active, _ := m.store.Active()
		v := m.view(t)
		v.Active = t.ID == active.ID
		m.writeJSON(w, http.StatusOK, v)
	case http.MethodDelete:
		if gen := m.dispatcher.Current(); gen != nil && gen.ThreadID() == id {
			m.dispatcher.Abort()
		}
		if err := m.store.DeleteThread(id); err != nil {
			m.fail(w, "Failed to delete thread", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleActivateThread makes a thread the active one. A generation in flight keeps writing to its own thread.
func (m *Main) HandleActivateThread(w http.ResponseWriter, r *http.Request) {
	if err := m.store.SetActive(r.PathValue("id")); err != nil {
		m.fail(w, "Failed to activate thread", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// jsonBody decodes an optional JSON body. An empty body leaves v untouched.
func jsonBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
