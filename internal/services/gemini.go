package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// Gemini is the gateway to Google's Gemini models over the generateContent REST endpoint.
type Gemini struct {
	baseURL   string
	sharedKey string

	client *http.Client

	logger *slog.Logger
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

const geminiAPIEndpoint = "https://generativelanguage.googleapis.com/v1beta"

// NewGemini creates a Gemini gateway. An empty baseURL uses the public endpoint.
func NewGemini(baseURL, sharedKey string, logger *slog.Logger) Gemini {
	if baseURL == "" {
		baseURL = geminiAPIEndpoint
	}
	return Gemini{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sharedKey: sharedKey,
		client:    &http.Client{},
		logger:    logger.With(slog.String("module", "gemini")),
	}
}

// Request sends the history to the model and returns its whole answer.
func (g Gemini) Request(ctx context.Context, req models.Request) (models.Response, error) {
	provider := string(models.ProviderGemini)
	key, keyType := pickKey(req.APIKey, g.sharedKey)
	if key == "" {
		return missingKey(provider, "Gemini"), nil
	}

	body, err := geminiBody(req)
	if err != nil {
		return models.Response{}, err
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return models.Response{}, fmt.Errorf("error marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return models.Response{}, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", key)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return models.Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Response{}, fmt.Errorf("error reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		g.logger.Debug("Gemini answered with an error",
			slog.Int("status", resp.StatusCode),
			slog.String("body", string(raw)))
		return models.Response{
			Error:       apiErrorMessage(raw, resp.StatusCode),
			Code:        resp.StatusCode,
			Provider:    provider,
			UsedKeyType: keyType,
		}, nil
	}

	var res geminiResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.Response{}, fmt.Errorf("error decoding response: %w", err)
	}

	out := models.Response{Provider: provider, UsedKeyType: keyType}
	if len(res.Candidates) > 0 {
		var sb strings.Builder
		for _, p := range res.Candidates[0].Content.Parts {
			sb.WriteString(p.Text)
		}
		out.Text = sb.String()
	}
	if res.UsageMetadata != nil {
		out.Tokens = &models.TokenUsage{
			Prompt:     res.UsageMetadata.PromptTokenCount,
			Completion: res.UsageMetadata.CandidatesTokenCount,
			Total:      res.UsageMetadata.TotalTokenCount,
			By:         provider,
			Model:      res.ModelVersion,
		}
	}
	return out, nil
}

func geminiBody(req models.Request) (geminiRequest, error) {
	var body geminiRequest
	msgs := nonEmpty(req.Messages)
	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
		case models.RoleAssistant:
			body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}

	if req.Attachment == nil || req.Attachment.MIMEType() == "" {
		return body, nil
	}
	data, err := req.Attachment.Data()
	if err != nil {
		return geminiRequest{}, fmt.Errorf("error decoding attachment: %w", err)
	}
	for i := len(body.Contents) - 1; i >= 0; i-- {
		if body.Contents[i].Role != "user" {
			continue
		}
		body.Contents[i].Parts = append(body.Contents[i].Parts, geminiPart{InlineData: &geminiInlineData{
			MimeType: req.Attachment.MIMEType(),
			Data:     base64.StdEncoding.EncodeToString(data),
		}})
		break
	}
	return body, nil
}
