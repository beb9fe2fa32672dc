package main

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/dispatch"
	"github.com/MegaGrindStone/fiesta-web/internal/models"
	"github.com/MegaGrindStone/fiesta-web/internal/services"
	"gopkg.in/yaml.v3"
)

type providerConfig interface {
	kind() models.ProviderKind
	provider(logger *slog.Logger) (dispatch.Provider, error)
}

// BaseProviderConfig contains the common fields for all provider configurations.
type BaseProviderConfig struct {
	Provider string `yaml:"provider"`
	// BaseURL overrides the public endpoint of the provider.
	BaseURL string `yaml:"baseURL"`
	// APIKey is the shared key used for users that did not supply their own.
	APIKey string `yaml:"apiKey"`
}

type config struct {
	Port     string     `yaml:"port"`
	LogLevel slog.Level `yaml:"logLevel"`
	StoreDir string     `yaml:"storeDir"`

	MaxModels     int           `yaml:"maxModels"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	TickInterval  time.Duration `yaml:"tickInterval"`
	CacheTTL      time.Duration `yaml:"cacheTTL"`

	Providers []providerConfig `yaml:"providers"`
	Models    []models.AIModel `yaml:"models"`
	Selected  []string         `yaml:"selected"`
	Judge     judgeConfig      `yaml:"judge"`
}

type judgeConfig struct {
	Disabled bool                `yaml:"disabled"`
	Provider models.ProviderKind `yaml:"provider"`
	Model    string              `yaml:"model"`
}

type geminiConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

type openRouterConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

type unstableConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

type mistralConfig struct {
	BaseProviderConfig `yaml:",inline"`
}

type openProviderConfig struct {
	BaseProviderConfig `yaml:",inline"`
	ImageURL           string `yaml:"imageURL"`
	AudioURL           string `yaml:"audioURL"`
}

type ollamaConfig struct {
	BaseProviderConfig `yaml:",inline"`
	Host               string `yaml:"host"`
}

const (
	defaultPort          = "8080"
	defaultFlushInterval = 24 * time.Millisecond
	defaultTickInterval  = 24 * time.Millisecond
	defaultCacheTTL      = 30 * time.Minute
)

var defaultCatalog = []models.AIModel{
	{ID: "gemini-2.5-flash", Provider: models.ProviderGemini, Model: "gemini-2.5-flash", Label: "Gemini 2.5 Flash",
		Vision: true},
	{ID: "gemini-2.5-pro", Provider: models.ProviderGemini, Model: "gemini-2.5-pro", Label: "Gemini 2.5 Pro",
		Vision: true},
	{ID: "llama-3.3-70b-instruct", Provider: models.ProviderOpenRouter,
		Model: "meta-llama/llama-3.3-70b-instruct:free", Label: "Llama 3.3 70B"},
	{ID: "qwen-2.5-72b-instruct", Provider: models.ProviderOpenRouter, Model: "qwen/qwen-2.5-72b-instruct:free",
		Label: "Qwen 2.5 72B"},
	{ID: "openai-gpt-oss-20b-free", Provider: models.ProviderOpenRouter, Model: "openai/gpt-oss-20b:free",
		Label: "GPT-OSS 20B"},
	{ID: "glm-4.5-air", Provider: models.ProviderOpenRouter, Model: "z-ai/glm-4.5-air:free", Label: "GLM 4.5 Air"},
	{ID: "mistral-small", Provider: models.ProviderMistral, Model: "mistral-small-latest", Label: "Mistral Small"},
	{ID: "open-openai", Provider: models.ProviderOpenProvider, Model: "openai", Label: "OpenAI (open)"},
	{ID: "open-flux", Provider: models.ProviderOpenProvider, Model: "flux", Label: "Flux", ImageGen: true},
	{ID: "open-audio", Provider: models.ProviderOpenProvider, Model: "openai-audio", Label: "Voice",
		AudioGen: true},
	{ID: "unstable-deepseek", Provider: models.ProviderUnstable, Model: "deepseek-r1", Label: "DeepSeek R1"},
	{ID: "ollama-llama3.2", Provider: models.ProviderOllama, Model: "llama3.2", Label: "Llama 3.2 (local)"},
}

var defaultSelection = []string{
	"gemini-2.5-flash",
	"llama-3.3-70b-instruct",
	"qwen-2.5-72b-instruct",
	"openai-gpt-oss-20b-free",
	"glm-4.5-air",
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port          string           `yaml:"port"`
		LogLevel      string           `yaml:"logLevel"`
		StoreDir      string           `yaml:"storeDir"`
		MaxModels     int              `yaml:"maxModels"`
		FlushInterval time.Duration    `yaml:"flushInterval"`
		TickInterval  time.Duration    `yaml:"tickInterval"`
		CacheTTL      time.Duration    `yaml:"cacheTTL"`
		Providers     []map[string]any `yaml:"providers"`
		Models        []models.AIModel `yaml:"models"`
		Selected      []string         `yaml:"selected"`
		Judge         judgeConfig      `yaml:"judge"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	if rawConfig.LogLevel != "" {
		if err := c.LogLevel.UnmarshalText([]byte(rawConfig.LogLevel)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", rawConfig.LogLevel, err)
		}
	}

	for i, raw := range rawConfig.Providers {
		kind, ok := raw["provider"].(string)
		if !ok {
			return fmt.Errorf("providers[%d]: provider is required", i)
		}

		rawYAML, err := yaml.Marshal(raw)
		if err != nil {
			return err
		}

		var p providerConfig
		switch models.ProviderKind(kind) {
		case models.ProviderGemini:
			p = &geminiConfig{}
		case models.ProviderOpenRouter:
			p = &openRouterConfig{}
		case models.ProviderUnstable:
			p = &unstableConfig{}
		case models.ProviderMistral:
			p = &mistralConfig{}
		case models.ProviderOpenProvider:
			p = &openProviderConfig{}
		case models.ProviderOllama:
			p = &ollamaConfig{}
		default:
			return fmt.Errorf("unknown provider: %s", kind)
		}

		if err := yaml.Unmarshal(rawYAML, p); err != nil {
			return err
		}
		if slices.ContainsFunc(c.Providers, func(x providerConfig) bool { return x.kind() == p.kind() }) {
			return fmt.Errorf("provider %s is configured twice", kind)
		}
		c.Providers = append(c.Providers, p)
	}

	c.Port = rawConfig.Port
	c.StoreDir = rawConfig.StoreDir
	c.MaxModels = rawConfig.MaxModels
	c.FlushInterval = rawConfig.FlushInterval
	c.TickInterval = rawConfig.TickInterval
	c.CacheTTL = rawConfig.CacheTTL
	c.Models = rawConfig.Models
	c.Selected = rawConfig.Selected
	c.Judge = rawConfig.Judge

	return nil
}

// withDefaults fills every unset field and adds an unconfigured entry for every provider the config does
// not name, so that keys can still come from the environment.
func (c config) withDefaults() config {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.Judge.Provider == "" {
		c.Judge.Provider = models.ProviderOpenRouter
	}
	if len(c.Models) == 0 {
		c.Models = slices.Clone(defaultCatalog)
		if len(c.Selected) == 0 {
			c.Selected = slices.Clone(defaultSelection)
		}
	}

	c.Providers = slices.Clone(c.Providers)
	for _, kind := range models.ProviderKinds {
		if slices.ContainsFunc(c.Providers, func(p providerConfig) bool { return p.kind() == kind }) {
			continue
		}
		base := BaseProviderConfig{Provider: string(kind)}
		switch kind {
		case models.ProviderGemini:
			c.Providers = append(c.Providers, &geminiConfig{base})
		case models.ProviderOpenRouter:
			c.Providers = append(c.Providers, &openRouterConfig{base})
		case models.ProviderUnstable:
			c.Providers = append(c.Providers, &unstableConfig{base})
		case models.ProviderMistral:
			c.Providers = append(c.Providers, &mistralConfig{base})
		case models.ProviderOpenProvider:
			c.Providers = append(c.Providers, &openProviderConfig{BaseProviderConfig: base})
		case models.ProviderOllama:
			c.Providers = append(c.Providers, &ollamaConfig{BaseProviderConfig: base})
		}
	}
	return c
}

func (c config) validate() error {
	ids := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.ID == "" || strings.Contains(m.ID, "/") {
			return fmt.Errorf("invalid model id %q", m.ID)
		}
		if ids[m.ID] {
			return fmt.Errorf("model id %q is used twice", m.ID)
		}
		if !m.Provider.Valid() {
			return fmt.Errorf("model %s: unknown provider %q", m.ID, m.Provider)
		}
		if m.Model == "" {
			return fmt.Errorf("model %s: model is required", m.ID)
		}
		ids[m.ID] = true
	}
	if !c.Judge.Provider.Valid() {
		return fmt.Errorf("judge: unknown provider %q", c.Judge.Provider)
	}
	for _, id := range c.Selected {
		if !ids[id] {
			return fmt.Errorf("selected model %q is not in the catalog", id)
		}
	}
	return nil
}

// providers builds a gateway for every configured provider.
func (c config) providers(logger *slog.Logger) (map[models.ProviderKind]dispatch.Provider, error) {
	res := make(map[models.ProviderKind]dispatch.Provider, len(c.Providers))
	for _, pc := range c.Providers {
		p, err := pc.provider(logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.kind(), err)
		}
		res[pc.kind()] = p
	}
	return res, nil
}

// sharedKey returns the configured key, falling back to the environment variable named after the provider.
func (b BaseProviderConfig) sharedKey(env string) string {
	if b.APIKey != "" {
		return b.APIKey
	}
	return os.Getenv(env)
}

func (g geminiConfig) kind() models.ProviderKind { return models.ProviderGemini }

func (g geminiConfig) provider(logger *slog.Logger) (dispatch.Provider, error) {
	return services.NewGemini(g.BaseURL, g.sharedKey("GEMINI_API_KEY"), logger), nil
}

func (o openRouterConfig) kind() models.ProviderKind { return models.ProviderOpenRouter }

func (o openRouterConfig) provider(logger *slog.Logger) (dispatch.Provider, error) {
	return services.NewOpenRouter(o.BaseURL, o.sharedKey("OPENROUTER_API_KEY"), logger), nil
}

func (u unstableConfig) kind() models.ProviderKind { return models.ProviderUnstable }

func (u unstableConfig) provider(logger *slog.Logger) (dispatch.Provider, error) {
	if u.BaseURL == "" && os.Getenv("UNSTABLE_BASE_URL") != "" {
		u.BaseURL = os.Getenv("UNSTABLE_BASE_URL")
	}
	return services.NewUnstable(u.BaseURL, u.sharedKey("UNSTABLE_API_KEY"), logger), nil
}

func (m mistralConfig) kind() models.ProviderKind { return models.ProviderMistral }

func (m mistralConfig) provider(logger *slog.Logger) (dispatch.Provider, error) {
	return services.NewMistral(m.BaseURL, m.sharedKey("MISTRAL_API_KEY"), logger), nil
}

func (o openProviderConfig) kind() models.ProviderKind { return models.ProviderOpenProvider }

func (o openProviderConfig) provider(logger *slog.Logger) (dispatch.Provider, error) {
	return services.NewOpenProvider(o.BaseURL, o.ImageURL, o.AudioURL, o.sharedKey("OPEN_PROVIDER_API_KEY"),
		logger), nil
}

func (o ollamaConfig) kind() models.ProviderKind { return models.ProviderOllama }

func (o ollamaConfig) provider(logger *slog.Logger) (dispatch.Provider, error) {
	host := o.Host
	if host == "" {
		host = o.BaseURL
	}
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	return services.NewOllama(host, logger)
}
