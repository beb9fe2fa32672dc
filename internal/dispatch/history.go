package dispatch

import (
	"slices"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// prepareMessages builds the provider history of a thread. The system prompt of the active project, when
// there is one, becomes the single leading system message. Answers that never received any content, such as
// placeholders of aborted answers, are left out.
func prepareMessages(history []models.Message, project models.Project, hasProject bool) []models.ChatMessage {
	msgs := models.ChatMessages(slices.DeleteFunc(slices.Clone(history), unanswered))
	prompt := strings.TrimSpace(project.SystemPrompt)
	if !hasProject || prompt == "" {
		return msgs
	}

	sys := models.ChatMessage{Role: models.RoleSystem, Content: prompt}
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		msgs[0] = sys
		return msgs
	}
	return append([]models.ChatMessage{sys}, msgs...)
}

func unanswered(m models.Message) bool {
	if m.Role != models.RoleAssistant {
		return false
	}
	content := strings.TrimSpace(m.Content)
	return content == "" || content == Thinking
}

// editedTitle returns the title of a thread whose user message was edited. A title that still is the
// default, or that was derived from the first message, follows the new first message.
func editedTitle(before, after models.Thread) string {
	first := func(t models.Thread) (string, bool) {
		for _, m := range t.Messages {
			if m.Role == models.RoleUser {
				return m.Content, true
			}
		}
		return "", false
	}

	oldFirst, _ := first(before)
	if before.Title != models.DefaultThreadTitle && before.Title != models.TitleFrom(oldFirst) {
		return before.Title
	}
	newFirst, ok := first(after)
	if !ok {
		return before.Title
	}
	return models.TitleFrom(newFirst)
}

func (c *Controller) request(m models.AIModel, msgs []models.ChatMessage, att *models.Attachment) models.Request {
	req := models.Request{
		APIKey:     c.prefs.Key(m.Provider),
		Model:      m.Model,
		Messages:   msgs,
		Attachment: att,
		Output:     m.Output(),
	}
	switch m.Provider {
	case models.ProviderOllama:
		req.BaseURL = c.prefs.OllamaBaseURL()
	case models.ProviderOpenProvider:
		req.Voice = c.prefs.Voice()
	}
	return req
}
