package services

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// openAIChat talks to providers that speak the OpenAI chat completion protocol through go-openai. A client
// is built per call, because the key depends on the user.
type openAIChat struct {
	baseURL string
	logger  *slog.Logger
}

func openAIMessages(msgs []models.ChatMessage, att *models.Attachment) []goopenai.ChatCompletionMessage {
	msgs = nonEmpty(msgs)
	res := make([]goopenai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		res[i] = goopenai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	idx := lastUserIndex(msgs)
	if !att.IsImage() || idx < 0 {
		return res
	}
	res[idx].Content = ""
	res[idx].MultiContent = []goopenai.ChatMessagePart{
		{Type: goopenai.ChatMessagePartTypeText, Text: msgs[idx].Content},
		{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{URL: att.DataURL}},
	}
	return res
}

// complete sends a completion. Errors the API answered with are reported in the response; only transport
// failures are returned as an error.
func (o openAIChat) complete(ctx context.Context, key string, req models.Request) (models.Response, error) {
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = o.baseURL
	client := goopenai.NewClientWithConfig(cfg)

	o.logger.Debug("Request", slog.String("model", req.Model), slog.Int("messages", len(req.Messages)))

	resp, err := client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: openAIMessages(req.Messages, req.Attachment),
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) {
			return models.Response{Error: apiErr.Message, Code: apiErr.HTTPStatusCode}, nil
		}
		var reqErr *goopenai.RequestError
		if errors.As(err, &reqErr) {
			return models.Response{Error: reqErr.Error(), Code: reqErr.HTTPStatusCode}, nil
		}
		return models.Response{}, err
	}

	out := models.Response{
		Tokens: &models.TokenUsage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
			Model:      resp.Model,
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
	}
	if resp.Usage.TotalTokens == 0 {
		out.Tokens = nil
	}
	return out, nil
}
