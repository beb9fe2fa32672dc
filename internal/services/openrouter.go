package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter is the gateway to OpenRouter's model marketplace. It is the only gateway that streams.
type OpenRouter struct {
	baseURL   string
	sharedKey string

	compat compatClient

	logger *slog.Logger
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
	openRouterName        = "OpenRouter"
)

// NewOpenRouter creates an OpenRouter gateway. An empty baseURL uses the public endpoint.
func NewOpenRouter(baseURL, sharedKey string, logger *slog.Logger) OpenRouter {
	if baseURL == "" {
		baseURL = openRouterAPIEndpoint
	}
	logger = logger.With(slog.String("module", "openrouter"))
	return OpenRouter{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sharedKey: sharedKey,
		compat: compatClient{
			client: &http.Client{},
			headers: map[string]string{
				"HTTP-Referer": "https://github.com/MegaGrindStone/fiesta-web/",
				"X-Title":      "AI Fiesta",
			},
			logger: logger,
		},
		logger: logger,
	}
}

// Request sends a one-shot completion.
func (o OpenRouter) Request(ctx context.Context, req models.Request) (models.Response, error) {
	key, keyType := pickKey(req.APIKey, o.sharedKey)
	if key == "" {
		return missingKey(string(models.ProviderOpenRouter), openRouterName), nil
	}

	resp, err := o.compat.complete(ctx, o.baseURL+"/chat/completions", key, compatRequest{
		Model:    req.Model,
		Messages: compatMessages(req.Messages, req.Attachment),
	})
	if err != nil {
		return models.Response{}, err
	}
	resp.Provider = string(models.ProviderOpenRouter)
	resp.UsedKeyType = keyType
	if resp.Tokens != nil {
		resp.Tokens.By = string(models.ProviderOpenRouter)
	}
	return resp, nil
}

// Stream streams a completion token by token. The first event always reports the key the stream is served
// with. Failures reported by OpenRouter, before or during the stream, end it with an Err event.
func (o OpenRouter) Stream(ctx context.Context, req models.Request) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		key, keyType := pickKey(req.APIKey, o.sharedKey)
		meta := &models.StreamMeta{Provider: string(models.ProviderOpenRouter), UsedKeyType: keyType}
		if !yield(models.StreamEvent{Meta: meta}, nil) {
			return
		}
		if key == "" {
			res := missingKey(meta.Provider, openRouterName)
			yield(models.StreamEvent{Err: &res}, nil)
			return
		}

		resp, err := o.compat.do(ctx, o.baseURL+"/chat/completions", key, compatRequest{
			Model:    req.Model,
			Messages: compatMessages(req.Messages, req.Attachment),
			Stream:   true,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(models.StreamEvent{Err: &models.Response{
				Error:       apiErrorMessage(body, resp.StatusCode),
				Code:        resp.StatusCode,
				Provider:    meta.Provider,
				UsedKeyType: keyType,
			}}, nil)
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			if ev.Data == "[DONE]" {
				return
			}

			var res compatResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				o.logger.Debug("Skipping malformed event",
					slog.String("event", ev.Data),
					slog.String("err", err.Error()))
				continue
			}
			if res.Error != nil && res.Error.Message != "" {
				yield(models.StreamEvent{Err: &models.Response{
					Error:       res.Error.Message,
					Code:        statusCode(res.Error.Code),
					Provider:    meta.Provider,
					UsedKeyType: keyType,
				}}, nil)
				return
			}
			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yield(models.StreamEvent{Delta: res.Choices[0].Delta.Content}, nil) {
				return
			}
		}
	}
}
