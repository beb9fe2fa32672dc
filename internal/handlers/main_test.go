package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/conversation"
	"github.com/MegaGrindStone/fiesta-web/internal/dispatch"
	"github.com/MegaGrindStone/fiesta-web/internal/handlers"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/MegaGrindStone/fiesta-web/internal/settings"
)

type echoProvider struct{}

type generation struct {
	ThreadID string            `json:"threadId"`
	Results  []dispatch.Result `json:"results"`
}

type thread struct {
	ID     string            `json:"id"`
	Title  string            `json:"title"`
	Active bool              `json:"active"`
	Pairs  []models.TurnPair `json:"pairs"`
}

var catalog = []models.AIModel{
	{ID: "gemini-flash", Provider: models.ProviderGemini, Model: "gemini-2.0-flash", Label: "Gemini Flash"},
	{ID: "mistral-small", Provider: models.ProviderMistral, Model: "mistral-small-latest", Label: "Mistral Small"},
	{ID: "llama", Provider: models.ProviderOllama, Model: "llama3.2", Label: "Llama"},
}

func TestNewMain(t *testing.T) {
	main, _ := newMain(t)

	if main.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleSend(t *testing.T) {
	_, mux := newMain(t)

	tests := []struct {
		name       string
		url        string
		body       string
		wantStatus int
		wantAnswer string
	}{
		{
			name:       "Invalid body",
			url:        "/api/send",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Empty prompt",
			url:        "/api/send",
			body:       `{"text":"   "}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Wait for answers",
			url:        "/api/send?wait=true",
			body:       `{"text":"Hello"}`,
			wantStatus: http.StatusOK,
			wantAnswer: "echo: Hello",
		},
		{
			name:       "Answers through events",
			url:        "/api/send",
			body:       `{"text":"Hello again"}`,
			wantStatus: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, http.MethodPost, tt.url, tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleSend() status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Code >= http.StatusBadRequest {
				return
			}

			var gen generation
			decode(t, w, &gen)
			if gen.ThreadID == "" {
				t.Error("HandleSend() should return the thread id")
			}
			if tt.wantAnswer == "" {
				return
			}
			if len(gen.Results) != 2 {
				t.Fatalf("HandleSend() results = %d, want 2", len(gen.Results))
			}
			for _, r := range gen.Results {
				if r.State != dispatch.StateCompleted {
					t.Errorf("result %s state = %v, want %v", r.ModelID, r.State, dispatch.StateCompleted)
				}
				if r.Content != tt.wantAnswer {
					t.Errorf("result %s content = %q, want %q", r.ModelID, r.Content, tt.wantAnswer)
				}
			}
		})
	}
}

func TestHandleTurns(t *testing.T) {
	_, mux := newMain(t)

	var gen generation
	decode(t, do(mux, http.MethodPost, "/api/send?wait=true", `{"text":"first"}`), &gen)
	do(mux, http.MethodPost, "/api/send?wait=true", `{"text":"second"}`)

	th := getThread(t, mux, gen.ThreadID)
	if len(th.Pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(th.Pairs))
	}
	if th.Title != "first" {
		t.Errorf("title = %q, want %q", th.Title, "first")
	}

	w := do(mux, http.MethodPost, "/api/turns/0/edit?wait=true", `{"text":"edited"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("edit status = %v, want %v", w.Code, http.StatusOK)
	}
	th = getThread(t, mux, gen.ThreadID)
	if len(th.Pairs) != 1 {
		t.Fatalf("pairs after edit = %d, want 1", len(th.Pairs))
	}
	if th.Pairs[0].User.Content != "edited" {
		t.Errorf("user content = %q, want %q", th.Pairs[0].User.Content, "edited")
	}
	if th.Title != "edited" {
		t.Errorf("title after edit = %q, want %q", th.Title, "edited")
	}
	for _, a := range th.Pairs[0].Answers {
		if a.Content != "echo: edited" {
			t.Errorf("answer %s = %q, want %q", a.ModelID, a.Content, "echo: edited")
		}
	}

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
	}{
		{"Edit invalid turn", http.MethodPost, "/api/turns/x/edit", `{"text":"a"}`, http.StatusBadRequest},
		{"Edit missing turn", http.MethodPost, "/api/turns/4/edit", `{"text":"a"}`, http.StatusNotFound},
		{"Delete answer", http.MethodDelete, "/api/turns/0/answers/gemini-flash", "", http.StatusNoContent},
		{"Delete answer again", http.MethodDelete, "/api/turns/0/answers/gemini-flash", "", http.StatusNotFound},
		{"Delete missing turn", http.MethodDelete, "/api/turns/5", "", http.StatusNotFound},
		{"Delete turn", http.MethodDelete, "/api/turns/0", "", http.StatusNoContent},
		{"Stop", http.MethodPost, "/api/stop", "", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, tt.method, tt.url, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	th = getThread(t, mux, gen.ThreadID)
	if len(th.Pairs) != 0 {
		t.Errorf("pairs after delete = %d, want 0", len(th.Pairs))
	}
}

func TestHandleThreads(t *testing.T) {
	_, mux := newMain(t)

	var first, second thread
	decode(t, do(mux, http.MethodPost, "/api/threads", ""), &first)
	decode(t, do(mux, http.MethodPost, "/api/threads", `{"projectId":"p1"}`), &second)

	var list []thread
	decode(t, do(mux, http.MethodGet, "/api/threads", ""), &list)
	if len(list) != 2 {
		t.Fatalf("threads = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || !list[0].Active || list[1].Active {
		t.Errorf("threads = %+v, want the second thread first and active", list)
	}

	decode(t, do(mux, http.MethodGet, "/api/threads?project=p1", ""), &list)
	if len(list) != 1 || list[0].ID != second.ID {
		t.Errorf("project threads = %+v, want only %s", list, second.ID)
	}

	tests := []struct {
		name       string
		method     string
		url        string
		wantStatus int
	}{
		{"Activate", http.MethodPost, "/api/threads/" + first.ID + "/activate", http.StatusNoContent},
		{"Activate unknown", http.MethodPost, "/api/threads/nope/activate", http.StatusNotFound},
		{"Get", http.MethodGet, "/api/threads/" + first.ID, http.StatusOK},
		{"Get unknown", http.MethodGet, "/api/threads/nope", http.StatusNotFound},
		{"Delete", http.MethodDelete, "/api/threads/" + second.ID, http.StatusNoContent},
		{"Delete again", http.MethodDelete, "/api/threads/" + second.ID, http.StatusNotFound},
		{"Invalid method", http.MethodPatch, "/api/threads", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, tt.method, tt.url, "")
			if w.Code != tt.wantStatus {
				t.Errorf("status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}

	th := getThread(t, mux, first.ID)
	if !th.Active {
		t.Error("activated thread should be active")
	}
}

func TestHandleModels(t *testing.T) {
	_, mux := newMain(t)

	type modelsView struct {
		Selected  []string `json:"selected"`
		MaxModels int      `json:"maxModels"`
	}

	tests := []struct {
		name         string
		method       string
		url          string
		body         string
		wantStatus   int
		wantSelected []string
	}{
		{"List", http.MethodGet, "/api/models", "", http.StatusOK, []string{"gemini-flash", "mistral-small"}},
		{"Toggle off", http.MethodPost, "/api/models/mistral-small/toggle", "", http.StatusOK,
			[]string{"gemini-flash"}},
		{"Toggle on", http.MethodPost, "/api/models/llama/toggle", "", http.StatusOK,
			[]string{"gemini-flash", "llama"}},
		{"Toggle over the bound", http.MethodPost, "/api/models/mistral-small/toggle", "",
			http.StatusBadRequest, nil},
		{"Toggle unknown", http.MethodPost, "/api/models/nope/toggle", "", http.StatusNotFound, nil},
		{"Select", http.MethodPut, "/api/models/selected", `{"ids":["mistral-small"]}`, http.StatusOK,
			[]string{"mistral-small"}},
		{"Select too many", http.MethodPut, "/api/models/selected",
			`{"ids":["gemini-flash","mistral-small","llama"]}`, http.StatusBadRequest, nil},
		{"Select unknown", http.MethodPut, "/api/models/selected", `{"ids":["nope"]}`, http.StatusNotFound, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, tt.method, tt.url, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantSelected == nil {
				return
			}
			var v modelsView
			decode(t, w, &v)
			if strings.Join(v.Selected, ",") != strings.Join(tt.wantSelected, ",") {
				t.Errorf("selected = %v, want %v", v.Selected, tt.wantSelected)
			}
			if v.MaxModels != 2 {
				t.Errorf("maxModels = %v, want 2", v.MaxModels)
			}
		})
	}
}

func TestHandleSettings(t *testing.T) {
	_, mux := newMain(t)

	tests := []struct {
		name       string
		method     string
		url        string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"Set key", http.MethodPut, "/api/keys/gemini", `{"key":"my-key"}`, http.StatusNoContent, ""},
		{"Set key of unknown provider", http.MethodPut, "/api/keys/nope", `{"key":"k"}`, http.StatusNotFound, ""},
		{"Set voice", http.MethodPut, "/api/preferences", `{"voice":"nova"}`, http.StatusOK, `"voice":"nova"`},
		{"Set ollama host", http.MethodPut, "/api/preferences", `{"ollamaBaseUrl":"http://gpu:11434"}`,
			http.StatusOK, `"ollamaBaseUrl":"http://gpu:11434"`},
		{"Get preferences", http.MethodGet, "/api/preferences", "", http.StatusOK, `"voice":"nova"`},
		{"Create project without name", http.MethodPost, "/api/projects", `{"name":""}`, http.StatusBadRequest, ""},
		{"Create project", http.MethodPost, "/api/projects", `{"name":"Docs","systemPrompt":"Be brief."}`,
			http.StatusCreated, `"name":"Docs"`},
		{"Update unknown project", http.MethodPut, "/api/projects/nope", `{"name":"x"}`, http.StatusNotFound, ""},
		{"Select unknown project", http.MethodPost, "/api/projects/nope/select", "", http.StatusNotFound, ""},
		{"Clear project", http.MethodDelete, "/api/projects/selected", "", http.StatusNoContent, ""},
		{"Delete unknown project", http.MethodDelete, "/api/projects/nope", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(mux, tt.method, tt.url, tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %v, want %v, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body = %v, want to contain %v", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestProjectThreads(t *testing.T) {
	_, mux := newMain(t)

	var p models.Project
	decode(t, do(mux, http.MethodPost, "/api/projects", `{"name":"Docs","systemPrompt":"Be brief."}`), &p)
	if w := do(mux, http.MethodPost, "/api/projects/"+p.ID+"/select", ""); w.Code != http.StatusNoContent {
		t.Fatalf("select status = %v, want %v", w.Code, http.StatusNoContent)
	}

	var th struct {
		ProjectID string `json:"projectId"`
	}
	decode(t, do(mux, http.MethodPost, "/api/threads", ""), &th)
	if th.ProjectID != p.ID {
		t.Errorf("thread project = %q, want %q", th.ProjectID, p.ID)
	}

	if w := do(mux, http.MethodPut, "/api/projects/"+p.ID, `{"name":"Notes"}`); w.Code != http.StatusOK {
		t.Errorf("update status = %v, want %v", w.Code, http.StatusOK)
	}
	if w := do(mux, http.MethodDelete, "/api/projects/"+p.ID, ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %v, want %v", w.Code, http.StatusNoContent)
	}

	var v struct {
		Projects []models.Project `json:"projects"`
		ActiveID string           `json:"activeId"`
	}
	decode(t, do(mux, http.MethodGet, "/api/projects", ""), &v)
	if len(v.Projects) != 0 || v.ActiveID != "" {
		t.Errorf("projects = %+v, want none", v)
	}
}

func newMain(t *testing.T) (*handlers.Main, *http.ServeMux) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := conversation.NewStore(nil, logger)
	prefs := settings.New(catalog, 2, []string{"gemini-flash", "mistral-small"}, nil, logger)
	events := handlers.NewEvents(logger)

	providers := map[models.ProviderKind]dispatch.Provider{
		models.ProviderGemini:  echoProvider{},
		models.ProviderMistral: echoProvider{},
		models.ProviderOllama:  echoProvider{},
	}
	ctrl := dispatch.New(store, prefs, providers, nil, nil, events, dispatch.Config{
		FlushInterval: time.Millisecond,
		TickInterval:  time.Millisecond,
	}, logger)

	main := handlers.NewMain(ctrl, store, prefs, events, logger)
	mux := http.NewServeMux()
	main.Register(mux)
	return main, mux
}

func do(mux http.Handler, method, url, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", w.Body.String(), err)
	}
}

func getThread(t *testing.T, mux http.Handler, id string) thread {
	t.Helper()
	w := do(mux, http.MethodGet, "/api/threads/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get thread status = %v, want %v", w.Code, http.StatusOK)
	}
	var th thread
	decode(t, w, &th)
	return th
}

func (echoProvider) Request(_ context.Context, req models.Request) (models.Response, error) {
	last := req.Messages[len(req.Messages)-1]
	return models.Response{
		Text:        "echo: " + last.Content,
		Provider:    "echo",
		UsedKeyType: models.KeyTypeNone,
	}, nil
}
