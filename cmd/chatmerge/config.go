package main

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/quiltmark/chatmerge/pipeline"
)

// providerEnv is the enrichment-provider environment surface. Only the
// presence of credentials feeds the config hash, never their values.
type providerEnv struct {
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	Model        string `envconfig:"CHATMERGE_MODEL" default:"gpt-5-mini"`

	DisableImageAnalysis bool `envconfig:"CHATMERGE_DISABLE_IMAGE"`
	DisableTranscription bool `envconfig:"CHATMERGE_DISABLE_TRANSCRIPTION"`
	DisableLinkContext   bool `envconfig:"CHATMERGE_DISABLE_LINKS"`
	DisablePDFSummary    bool `envconfig:"CHATMERGE_DISABLE_PDF"`
}

func loadProviderEnv() (providerEnv, error) {
	var env providerEnv
	if err := envconfig.Process("", &env); err != nil {
		return providerEnv{}, fmt.Errorf("read provider environment: %w", err)
	}
	return env, nil
}

// enrichmentConfig derives the explicit configuration struct the core
// hashes, from credential presence and feature toggles.
func (e providerEnv) enrichmentConfig() pipeline.EnrichmentConfig {
	hasKey := e.OpenAIAPIKey != ""
	return pipeline.EnrichmentConfig{
		ImageAnalysis: hasKey && !e.DisableImageAnalysis,
		Transcription: hasKey && !e.DisableTranscription,
		LinkContext:   hasKey && !e.DisableLinkContext,
		PDFSummary:    hasKey && !e.DisablePDFSummary,
	}
}

// loadResolverConfig reads an optional YAML tuning file over the defaults.
func loadResolverConfig(path string) (pipeline.ResolverConfig, error) {
	cfg := pipeline.DefaultResolverConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read resolver config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse resolver config: %w", err)
	}
	return cfg, nil
}
