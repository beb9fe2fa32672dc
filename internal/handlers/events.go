package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmaxmax/go-sse"
)

// Events is the server-sent events hub. Every client receives the thread list and notices; a client that
// names a thread with the "thread" query parameter additionally receives the snapshots of that thread.
type Events struct {
	sseSrv *sse.Server
	logger *slog.Logger
}

const (
	threadsSSETopic = "threads"
	noticesSSETopic = "notices"
)

// SSE event types for real-time updates.
const (
	threadSSEType        = "thread"
	threadSummarySSEType = "threadSummary"
	threadDeletedSSEType = "threadDeleted"
	activeThreadSSEType  = "activeThread"
	rankingsSSEType      = "rankings"
	warningSSEType       = "warning"
	keyAdvisorySSEType   = "keyAdvisory"
)

type keyAdvisory struct {
	Provider string `json:"provider"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
}

// NewEvents creates the hub.
func NewEvents(logger *slog.Logger) *Events {
	return &Events{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, threadsSSETopic, noticesSSETopic}

				if threadID := s.Req.URL.Query().Get("thread"); threadID != "" {
					topics = append(topics, threadTopic(threadID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		logger: logger.With(slog.String("module", "events")),
	}
}

func threadTopic(threadID string) string {
	return fmt.Sprintf("thread-%s", threadID)
}

// ServeHTTP opens an event stream for the client.
func (e *Events) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.sseSrv.ServeHTTP(w, r)
}

// Warn publishes a warning notice.
func (e *Events) Warn(msg string) {
	m := sse.Message{Type: sse.Type(warningSSEType)}
	m.AppendData(msg)
	if err := e.sseSrv.Publish(&m, noticesSSETopic); err != nil {
		e.logger.Error("Failed to publish warning", slog.String(errLoggerKey, err.Error()))
	}
}

// KeyAdvisory publishes the advisory asking the user to add their own key for provider.
func (e *Events) KeyAdvisory(provider string, code int) {
	e.publishJSON(keyAdvisorySSEType, keyAdvisory{
		Provider: provider,
		Code:     code,
		Message: fmt.Sprintf("The shared %s key is busy or rate limited (HTTP %d). Add your own key in the "+
			"settings to keep using it.", provider, code),
	}, noticesSSETopic)
}

func (e *Events) publishJSON(typ string, v any, topics ...string) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Failed to marshal event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m := sse.Message{Type: sse.Type(typ)}
	m.AppendData(string(data))
	if err := e.sseSrv.Publish(&m, topics...); err != nil {
		e.logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown broadcasts a close event to every client and waits up to 5 seconds for the connections to
// terminate. Remaining connections are closed forcefully after that.
func (e *Events) Shutdown(ctx context.Context) error {
	m := &sse.Message{Type: sse.Type("close")}
	m.AppendData("bye")

	_ = e.sseSrv.Publish(m)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return e.sseSrv.Shutdown(ctx)
}
