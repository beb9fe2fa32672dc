package services

import (
	"context"
	"log/slog"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// Mistral is the gateway to Mistral's chat completion API.
type Mistral struct {
	sharedKey string
	chat      openAIChat
}

const mistralAPIEndpoint = "https://api.mistral.ai/v1"

// NewMistral creates a Mistral gateway. An empty baseURL uses the public endpoint.
func NewMistral(baseURL, sharedKey string, logger *slog.Logger) Mistral {
	if baseURL == "" {
		baseURL = mistralAPIEndpoint
	}
	return Mistral{
		sharedKey: sharedKey,
		chat: openAIChat{
			baseURL: strings.TrimSuffix(baseURL, "/"),
			logger:  logger.With(slog.String("module", "mistral")),
		},
	}
}

// Request sends a one-shot completion.
func (m Mistral) Request(ctx context.Context, req models.Request) (models.Response, error) {
	provider := string(models.ProviderMistral)
	key, keyType := pickKey(req.APIKey, m.sharedKey)
	if key == "" {
		return missingKey(provider, "Mistral"), nil
	}

	resp, err := m.chat.complete(ctx, key, req)
	if err != nil {
		return models.Response{}, err
	}
	resp.Provider = provider
	resp.UsedKeyType = keyType
	if resp.Tokens != nil {
		resp.Tokens.By = provider
	}
	return resp, nil
}
