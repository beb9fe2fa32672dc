package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/MegaGrindStone/fiesta-web/internal/dispatch"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

type sendRequest struct {
	Text       string             `json:"text"`
	Attachment *models.Attachment `json:"attachment,omitempty"`
}

// HandleSend appends the prompt to the active thread and dispatches it to every selected model. The answers
// arrive through the thread's event topic. With the "wait" query parameter set, the response is held back
// until every answer settled and carries the per-model results and the rankings.
func (m *Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !m.decode(w, r, &req) {
		return
	}
	if req.Attachment != nil && req.Attachment.DataURL == "" {
		req.Attachment = nil
	}

	gen, err := m.dispatcher.Send(req.Text, req.Attachment)
	if err != nil {
		m.fail(w, "Failed to send prompt", err)
		return
	}
	m.respond(w, r, gen)
}

// HandleEditTurn replaces the prompt of a turn and regenerates its answers. Later turns are discarded.
func (m *Main) HandleEditTurn(w http.ResponseWriter, r *http.Request) {
	idx, ok := turnIndex(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if !m.decode(w, r, &req) {
		return
	}

	gen, err := m.dispatcher.EditUser(idx, req.Text)
	if err != nil {
		m.fail(w, "Failed to edit turn", err)
		return
	}
	m.respond(w, r, gen)
}

// HandleDeleteTurn removes a turn of the active thread with all of its answers.
func (m *Main) HandleDeleteTurn(w http.ResponseWriter, r *http.Request) {
	idx, ok := turnIndex(w, r)
	if !ok {
		return
	}
	if err := m.dispatcher.DeleteUserTurn(idx); err != nil {
		m.fail(w, "Failed to delete turn", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteAnswer removes the answer of a single model from a turn.
func (m *Main) HandleDeleteAnswer(w http.ResponseWriter, r *http.Request) {
	idx, ok := turnIndex(w, r)
	if !ok {
		return
	}
	if err := m.dispatcher.DeleteAnswer(idx, r.PathValue("model")); err != nil {
		m.fail(w, "Failed to delete answer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleStop aborts every request in flight.
func (m *Main) HandleStop(w http.ResponseWriter, _ *http.Request) {
	m.dispatcher.Abort()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Main) respond(w http.ResponseWriter, r *http.Request, gen *dispatch.Generation) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		select {
		case <-gen.Done():
		case <-r.Context().Done():
			m.logger.Debug("Client left before the answers settled", slog.String("threadID", gen.ThreadID()))
			return
		}
		outcome := gen.Wait()
		m.writeJSON(w, http.StatusOK, generationView{
			ThreadID: gen.ThreadID(),
			Results:  outcome.Results,
			Rankings: outcome.Rankings,
		})
		return
	}

	go m.watch(gen)
	m.writeJSON(w, http.StatusAccepted, generationView{ThreadID: gen.ThreadID()})
}
