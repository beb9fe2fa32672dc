package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// compatRequest is the body of an OpenAI-compatible chat completion call.
type compatRequest struct {
	Model    string          `json:"model"`
	Messages []compatMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type compatMessage struct {
	Role string `json:"role"`
	// Content is either a string or a list of compatPart when the message carries an attachment.
	Content any `json:"content"`
}

type compatPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *compatImageURL `json:"image_url,omitempty"`
	File     *compatFile     `json:"file,omitempty"`
}

type compatImageURL struct {
	URL string `json:"url"`
}

type compatFile struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type compatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// compatMessages converts the history to the OpenAI wire format. The attachment, if any, is added to the
// last user message.
func compatMessages(msgs []models.ChatMessage, att *models.Attachment) []compatMessage {
	msgs = nonEmpty(msgs)
	res := make([]compatMessage, len(msgs))
	for i, m := range msgs {
		res[i] = compatMessage{Role: string(m.Role), Content: m.Content}
	}
	if att == nil {
		return res
	}

	idx := lastUserIndex(msgs)
	if idx < 0 {
		return res
	}
	parts := []compatPart{{Type: "text", Text: msgs[idx].Content}}
	if att.IsImage() {
		parts = append(parts, compatPart{Type: "image_url", ImageURL: &compatImageURL{URL: att.DataURL}})
	} else {
		parts = append(parts, compatPart{Type: "file", File: &compatFile{Filename: "attachment", FileData: att.DataURL}})
	}
	res[idx].Content = parts
	return res
}

// compatClient performs OpenAI-compatible calls over plain HTTP.
type compatClient struct {
	client  *http.Client
	headers map[string]string
	logger  *slog.Logger
}

func (c compatClient) do(ctx context.Context, url, key string, body compatRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	c.logger.Debug("Request", slog.String("url", url), slog.String("model", body.Model))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return c.client.Do(req)
}

// complete performs a one-shot completion. Non-2xx answers are reported in the response, not as an error.
func (c compatClient) complete(ctx context.Context, url, key string, body compatRequest) (models.Response, error) {
	body.Stream = false
	resp, err := c.do(ctx, url, key, body)
	if err != nil {
		return models.Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Response{}, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Response{Error: apiErrorMessage(raw, resp.StatusCode), Code: resp.StatusCode}, nil
	}

	var res compatResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.Response{}, fmt.Errorf("error decoding response: %w", err)
	}
	if res.Error != nil && res.Error.Message != "" {
		return models.Response{Error: res.Error.Message, Code: statusCode(res.Error.Code)}, nil
	}

	var out models.Response
	if len(res.Choices) > 0 {
		out.Text = res.Choices[0].Message.Content
	}
	if res.Usage != nil {
		out.Tokens = &models.TokenUsage{
			Prompt:     res.Usage.PromptTokens,
			Completion: res.Usage.CompletionTokens,
			Total:      res.Usage.TotalTokens,
			Model:      res.Model,
		}
	}
	return out, nil
}

// statusCode reads an error code that providers send either as a number or as a string.
func statusCode(v any) int {
	switch c := v.(type) {
	case float64:
		return int(c)
	case string:
		var n int
		if _, err := fmt.Sscanf(c, "%d", &n); err == nil {
			return n
		}
	}
	return 0
}
