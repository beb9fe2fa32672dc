package models

import "time"

// Message represents one utterance within a thread. Assistant messages carry the id of the selected model
// that produced them, and optional metadata attached once the provider call completes or fails.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ModelID   string    `json:"modelId,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Provider    string      `json:"provider,omitempty"`
	UsedKeyType KeyType     `json:"usedKeyType,omitempty"`
	Tokens      *TokenUsage `json:"tokens,omitempty"`
	Code        int         `json:"code,omitempty"`
}

// Handle identifies a single assistant message inside a thread. The pair of creation timestamp and model id
// is the only reference used to target later mutations of a placeholder.
type Handle struct {
	Timestamp time.Time
	ModelID   string
}

// TokenUsage reports the token accounting a provider returned for one answer.
type TokenUsage struct {
	Prompt     int    `json:"prompt,omitempty"`
	Completion int    `json:"completion,omitempty"`
	Total      int    `json:"total,omitempty"`
	By         string `json:"by,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Role represents the role of a message participant.
type Role string

// KeyType classifies which API key a provider call was made with.
type KeyType string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents an answer produced by one of the selected models.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction injected ahead of the conversation, such as a project prompt.
	RoleSystem Role = "system"

	// KeyTypeUser means the call used a key supplied by the user.
	KeyTypeUser KeyType = "user"
	// KeyTypeShared means the call used the shared key pool configured on the server.
	KeyTypeShared KeyType = "shared"
	// KeyTypeNone means the call was made without any key.
	KeyTypeNone KeyType = "none"
)

// Matches reports whether the message is the assistant message referenced by h.
func (m Message) Matches(h Handle) bool {
	return m.Role == RoleAssistant && m.ModelID == h.ModelID && m.Timestamp.Equal(h.Timestamp)
}

// ChatMessages strips messages down to the role and content pairs a provider receives.
func ChatMessages(messages []Message) []ChatMessage {
	msgs := make([]ChatMessage, len(messages))
	for i, msg := range messages {
		msgs[i] = ChatMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return msgs
}
