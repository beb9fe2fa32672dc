package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama is the gateway to an Ollama server. Users may point it at their own host; the configured host is
// used otherwise.
type Ollama struct {
	host string

	client *api.Client

	logger *slog.Logger
}

const defaultOllamaHost = "http://localhost:11434"

// NewOllama creates an Ollama gateway for host. An empty host uses the local default. It returns an error
// if the host is not a valid URL.
func NewOllama(host string, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = defaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		host:   host,
		client: api.NewClient(u, &http.Client{}),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

// Request sends the history without streaming and returns the whole answer. Ollama never needs a key.
func (o Ollama) Request(ctx context.Context, req models.Request) (models.Response, error) {
	provider := string(models.ProviderOllama)
	client, host, err := o.clientFor(req.BaseURL)
	if err != nil {
		return models.Response{
			Error:       err.Error(),
			Code:        http.StatusBadRequest,
			Provider:    provider,
			UsedKeyType: models.KeyTypeNone,
		}, nil
	}

	msgs, err := ollamaMessages(req.Messages, req.Attachment)
	if err != nil {
		return models.Response{}, err
	}

	f := false
	chatReq := api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &f,
	}

	var res api.ChatResponse
	if err := client.Chat(ctx, &chatReq, func(r api.ChatResponse) error {
		res = r
		return nil
	}); err != nil {
		if errors.Is(err, context.Canceled) {
			return models.Response{}, err
		}
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			msg := statusErr.ErrorMessage
			if msg == "" {
				msg = statusErr.Status
			}
			return models.Response{
				Error:       msg,
				Code:        statusErr.StatusCode,
				Provider:    provider,
				UsedKeyType: models.KeyTypeNone,
			}, nil
		}
		o.logger.Warn("Failed to reach Ollama", slog.String("host", host), slog.String("err", err.Error()))
		return models.Response{
			Error:       fmt.Sprintf("Failed to reach Ollama at %s: %s", host, err),
			Code:        http.StatusBadGateway,
			Provider:    provider,
			UsedKeyType: models.KeyTypeNone,
		}, nil
	}

	out := models.Response{
		Text:        res.Message.Content,
		Provider:    provider,
		UsedKeyType: models.KeyTypeNone,
	}
	if res.EvalCount > 0 || res.PromptEvalCount > 0 {
		out.Tokens = &models.TokenUsage{
			Prompt:     res.PromptEvalCount,
			Completion: res.EvalCount,
			Total:      res.PromptEvalCount + res.EvalCount,
			By:         provider,
			Model:      res.Model,
		}
	}
	return out, nil
}

func (o Ollama) clientFor(baseURL string) (*api.Client, string, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" || baseURL == o.host {
		return o.client, o.host, nil
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, baseURL, fmt.Errorf("invalid Ollama URL %q", baseURL)
	}
	return api.NewClient(u, &http.Client{}), baseURL, nil
}

func ollamaMessages(msgs []models.ChatMessage, att *models.Attachment) ([]api.Message, error) {
	msgs = nonEmpty(msgs)
	res := make([]api.Message, len(msgs))
	for i, m := range msgs {
		res[i] = api.Message{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	idx := lastUserIndex(msgs)
	if !att.IsImage() || idx < 0 {
		return res, nil
	}
	data, err := att.Data()
	if err != nil {
		return nil, fmt.Errorf("error decoding attachment: %w", err)
	}
	res[idx].Images = []api.ImageData{data}
	return res, nil
}
