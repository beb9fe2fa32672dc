package models

// ProviderKind names one of the provider backends a model can be served from.
type ProviderKind string

const (
	// ProviderGemini is Google's Gemini API.
	ProviderGemini ProviderKind = "gemini"
	// ProviderOpenRouter is the OpenRouter API, the only provider answered with true incremental streaming.
	ProviderOpenRouter ProviderKind = "openrouter"
	// ProviderOpenProvider is a keyless OpenAI-compatible provider that can also produce images and audio.
	ProviderOpenProvider ProviderKind = "open-provider"
	// ProviderUnstable is an OpenAI-compatible endpoint with experimental models.
	ProviderUnstable ProviderKind = "unstable"
	// ProviderMistral is the Mistral API.
	ProviderMistral ProviderKind = "mistral"
	// ProviderOllama is a local Ollama server.
	ProviderOllama ProviderKind = "ollama"
)

// ProviderKinds lists every known provider kind.
var ProviderKinds = []ProviderKind{
	ProviderGemini,
	ProviderOpenRouter,
	ProviderOpenProvider,
	ProviderUnstable,
	ProviderMistral,
	ProviderOllama,
}

// AIModel describes a model a user can select. ID is unique across the catalog, while Model is the
// identifier the provider expects.
type AIModel struct {
	ID       string       `json:"id" yaml:"id"`
	Provider ProviderKind `json:"provider" yaml:"provider"`
	Model    string       `json:"model" yaml:"model"`
	Label    string       `json:"label" yaml:"label"`

	Vision   bool `json:"vision,omitempty" yaml:"vision"`
	ImageGen bool `json:"imageGen,omitempty" yaml:"imageGen"`
	AudioGen bool `json:"audioGen,omitempty" yaml:"audioGen"`
}

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	for _, p := range ProviderKinds {
		if p == k {
			return true
		}
	}
	return false
}

// Output returns the kind of output the model produces.
func (m AIModel) Output() OutputKind {
	switch {
	case m.ImageGen:
		return OutputImage
	case m.AudioGen:
		return OutputAudio
	default:
		return OutputText
	}
}
