// Package services implements the provider gateways and the persistent key-value store.
package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// pickKey chooses the key a provider call is made with. A key supplied by the user always wins over the
// shared key configured on the server.
func pickKey(user, shared string) (string, models.KeyType) {
	if k := strings.TrimSpace(user); k != "" {
		return k, models.KeyTypeUser
	}
	if k := strings.TrimSpace(shared); k != "" {
		return k, models.KeyTypeShared
	}
	return "", models.KeyTypeNone
}

// missingKey is the answer of a gateway that cannot be called without a key.
func missingKey(provider string, name string) models.Response {
	return models.Response{
		Error:       fmt.Sprintf("Missing %s API key. Add your own key in settings.", name),
		Code:        http.StatusUnauthorized,
		Provider:    provider,
		UsedKeyType: models.KeyTypeNone,
	}
}

// apiErrorMessage extracts a readable message out of an error payload. Providers disagree on the shape, so
// the common ones are tried before falling back to the raw body and the status text.
func apiErrorMessage(body []byte, status int) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
		Detail  string          `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(payload.Error, &nested) == nil && nested.Message != "":
			return nested.Message
		case json.Unmarshal(payload.Error, &flat) == nil && flat != "":
			return flat
		case payload.Message != "":
			return payload.Message
		case payload.Detail != "":
			return payload.Detail
		}
	}

	if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 300 {
		return s
	}
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

// lastUserIndex returns the position of the last user message, or -1.
func lastUserIndex(msgs []models.ChatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}

// nonEmpty drops messages without content, such as placeholders of aborted answers.
func nonEmpty(msgs []models.ChatMessage) []models.ChatMessage {
	res := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) != "" {
			res = append(res, m)
		}
	}
	return res
}
