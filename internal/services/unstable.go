package services

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// Unstable is the gateway to an experimental OpenAI-compatible endpoint whose availability is not
// guaranteed. Its failures are surfaced verbatim together with their status code.
type Unstable struct {
	baseURL   string
	sharedKey string

	compat compatClient
}

// NewUnstable creates an Unstable gateway for the OpenAI-compatible API at baseURL.
func NewUnstable(baseURL, sharedKey string, logger *slog.Logger) Unstable {
	logger = logger.With(slog.String("module", "unstable"))
	return Unstable{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sharedKey: sharedKey,
		compat: compatClient{
			client: &http.Client{},
			logger: logger,
		},
	}
}

// Request sends a one-shot completion.
func (u Unstable) Request(ctx context.Context, req models.Request) (models.Response, error) {
	key, keyType := pickKey(req.APIKey, u.sharedKey)
	resp, err := u.compat.complete(ctx, u.baseURL+"/chat/completions", key, compatRequest{
		Model:    req.Model,
		Messages: compatMessages(req.Messages, req.Attachment),
	})
	if err != nil {
		return models.Response{}, err
	}
	resp.Provider = string(models.ProviderUnstable)
	resp.UsedKeyType = keyType
	if resp.Tokens != nil {
		resp.Tokens.By = resp.Provider
	}
	return resp, nil
}
