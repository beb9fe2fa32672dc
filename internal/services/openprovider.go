package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// OpenProvider is the gateway to a keyless open model host. Text models are reached through its
// OpenAI-compatible API; image and audio models are addressed by URL, so their answers are image-markdown
// and audio tokens pointing at the generated media.
type OpenProvider struct {
	imageURL  string
	audioURL  string
	sharedKey string

	chat openAIChat

	logger *slog.Logger
}

const (
	openProviderTextEndpoint  = "https://text.pollinations.ai/openai"
	openProviderImageEndpoint = "https://image.pollinations.ai"
	openProviderAudioEndpoint = "https://text.pollinations.ai"

	defaultVoice = "alloy"
)

// NewOpenProvider creates an OpenProvider gateway. Empty URLs use the public endpoints.
func NewOpenProvider(textURL, imageURL, audioURL, sharedKey string, logger *slog.Logger) OpenProvider {
	if textURL == "" {
		textURL = openProviderTextEndpoint
	}
	if imageURL == "" {
		imageURL = openProviderImageEndpoint
	}
	if audioURL == "" {
		audioURL = openProviderAudioEndpoint
	}
	logger = logger.With(slog.String("module", "open-provider"))
	return OpenProvider{
		imageURL:  strings.TrimSuffix(imageURL, "/"),
		audioURL:  strings.TrimSuffix(audioURL, "/"),
		sharedKey: sharedKey,
		chat: openAIChat{
			baseURL: strings.TrimSuffix(textURL, "/"),
			logger:  logger,
		},
		logger: logger,
	}
}

// Request answers with text, image-markdown or an audio token depending on the requested output.
func (o OpenProvider) Request(ctx context.Context, req models.Request) (models.Response, error) {
	provider := string(models.ProviderOpenProvider)
	key, keyType := pickKey(req.APIKey, o.sharedKey)

	prompt := ""
	if idx := lastUserIndex(req.Messages); idx >= 0 {
		prompt = strings.TrimSpace(req.Messages[idx].Content)
	}

	switch req.Output {
	case models.OutputImage:
		o.logger.Debug("Linking generated image", slog.String("model", req.Model))
		u := fmt.Sprintf("%s/prompt/%s?model=%s&nologo=true",
			o.imageURL, url.PathEscape(prompt), url.QueryEscape(req.Model))
		return models.Response{
			Text:        fmt.Sprintf("![%s](%s)", altText(prompt), u),
			Provider:    provider,
			UsedKeyType: keyType,
		}, nil
	case models.OutputAudio:
		voice := req.Voice
		if voice == "" {
			voice = defaultVoice
		}
		u := fmt.Sprintf("%s/%s?model=%s&voice=%s",
			o.audioURL, url.PathEscape(prompt), url.QueryEscape(req.Model), url.QueryEscape(voice))
		return models.Response{
			Text:        "[AUDIO:" + u + "]",
			Provider:    provider,
			UsedKeyType: keyType,
		}, nil
	}

	resp, err := o.chat.complete(ctx, key, req)
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

// altText keeps a prompt usable as the alt text of image-markdown.
func altText(prompt string) string {
	alt := strings.Map(func(r rune) rune {
		switch r {
		case '[', ']', '\n', '\r':
			return ' '
		}
		return r
	}, prompt)
	alt = strings.TrimSpace(alt)
	if len([]rune(alt)) > 80 {
		alt = string([]rune(alt)[:80])
	}
	if alt == "" {
		alt = "image"
	}
	return alt
}
