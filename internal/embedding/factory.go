package embedding

import (
	"fmt"
	"time"
)

// ProviderConfig selects and configures a provider.
type ProviderConfig struct {
	Provider   string // "ollama", "openai", "hash" or "none"
	BaseURL    string
	Model      string
	APIKey     string
	Dimensions int
	Timeout    time.Duration
}

// NewProvider creates the provider named by cfg.Provider. "none" (or empty)
// returns a nil Provider, which a Guard treats as permanently unavailable.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}), nil
	case "openai":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Timeout,
			Dimensions: cfg.Dimensions,
		}), nil
	case "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.Provider)
	}
}
