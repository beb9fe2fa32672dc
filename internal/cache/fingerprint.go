package cache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

type fingerprintKey struct {
	Model      string               `json:"model"`
	Provider   string               `json:"provider"`
	Messages   []models.ChatMessage `json:"messages"`
	Attachment string               `json:"attachment"`
}

// Fingerprint returns the cache key of a request. Only the role and content of each message take part, so
// requests that differ in timestamps or other metadata collide on purpose, while a different model id or
// provider always yields a different key. The attachment contributes its own digest, empty when absent.
//
// The hash is a non-cryptographic 64-bit FNV-1a; false positive hits are an accepted risk.
func Fingerprint(modelID string, provider models.ProviderKind, messages []models.ChatMessage, att *models.Attachment) string {
	k := fingerprintKey{
		Model:    modelID,
		Provider: string(provider),
		Messages: make([]models.ChatMessage, len(messages)),
	}
	for i, msg := range messages {
		k.Messages[i] = models.ChatMessage{Role: msg.Role, Content: msg.Content}
	}
	if att != nil && att.DataURL != "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(att.DataURL))
		k.Attachment = fmt.Sprintf("%x", h.Sum64())
	}

	// Struct fields marshal in declaration order, which keeps the encoding stable.
	raw, _ := json.Marshal(k)

	h := fnv.New64a()
	_, _ = h.Write(raw)
	return fmt.Sprintf("cache_%x", h.Sum64())
}
