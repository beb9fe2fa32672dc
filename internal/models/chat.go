package models

import (
	"time"
	"unicode/utf8"
)

// Thread represents a named conversation. Its messages form one flat ordered sequence in which a turn is a
// user message followed by the assistant answers it produced.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	ProjectID string    `json:"projectId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project groups threads and optionally carries a system prompt that is injected ahead of every request
// made from those threads.
type Project struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

const (
	// DefaultThreadTitle is the placeholder title of a thread that has not received a prompt yet.
	DefaultThreadTitle = "New Chat"

	titleLength = 40
)

// Clone returns a copy of the thread whose message slice can be modified without affecting t.
func (t Thread) Clone() Thread {
	t.Messages = append([]Message(nil), t.Messages...)
	return t
}

// TitleFrom derives a thread title from a prompt by keeping its first 40 characters.
func TitleFrom(prompt string) string {
	if utf8.RuneCountInString(prompt) <= titleLength {
		return prompt
	}
	return string([]rune(prompt)[:titleLength])
}

// UserIndex returns the position in messages of the turnIndex-th user message, counting only user messages,
// or -1 when there is no such turn.
func UserIndex(messages []Message, turnIndex int) int {
	if turnIndex < 0 {
		return -1
	}
	count := -1
	for i, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		count++
		if count == turnIndex {
			return i
		}
	}
	return -1
}

// TurnEnd returns the position of the first user message after start, or len(messages) when start opens
// the last turn.
func TurnEnd(messages []Message, start int) int {
	j := start + 1
	for j < len(messages) && messages[j].Role != RoleUser {
		j++
	}
	return j
}
