// Package provider selects and constructs the LLM generation backend at
// runtime and adapts it to the small Generator surface the router consumes.
// Supported backends: Ollama, OpenAI, Azure OpenAI, AWS Bedrock, Google Gemini.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAzure selects Azure OpenAI Service.
	BackendAzure Backend = "azure"
	// BackendBedrock selects AWS Bedrock.
	BackendBedrock Backend = "bedrock"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
)

// Config holds all provider-level configuration resolved from environment
// variables or explicit caller-supplied values.
type Config struct {
	// Backend identifies which inference provider to use.
	Backend Backend

	// Model is the model name or deployment ID (e.g. "gpt-4o", "llama3").
	Model string

	// BaseURL overrides the default API endpoint (required for Ollama and Azure).
	BaseURL string

	// APIKey is the authentication credential for the selected provider.
	// For Bedrock this field is unused; AWS credentials are resolved via the SDK chain.
	APIKey string

	// AzureDeployment is the Azure OpenAI deployment name (Azure only).
	AzureDeployment string

	// AzureAPIVersion is the Azure OpenAI REST API version (Azure only).
	AzureAPIVersion string

	// AWSRegion is the AWS region for Bedrock (Bedrock only).
	AWSRegion string

	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int

	// Temperature is the default response randomness (0.0–1.0); per-call
	// options override it.
	Temperature float32
}

// Validate checks that the config carries everything its backend needs, so
// callers get a clear error at startup rather than on the first request.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendOllama:
		if c.Model == "" {
			return fmt.Errorf("provider: OLLAMA_MODEL is required for ollama backend")
		}
	case BackendOpenAI:
		if c.APIKey == "" {
			return fmt.Errorf("provider: OPENAI_API_KEY is required for openai backend")
		}
	case BackendAzure:
		if c.APIKey == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_API_KEY is required for azure backend")
		}
		if c.BaseURL == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_ENDPOINT is required for azure backend")
		}
		if c.AzureDeployment == "" {
			return fmt.Errorf("provider: AZURE_OPENAI_DEPLOYMENT is required for azure backend")
		}
	case BackendBedrock:
		if c.Model == "" {
			return fmt.Errorf("provider: BEDROCK_MODEL_ID is required for bedrock backend")
		}
	case BackendGemini:
		if c.APIKey == "" {
			return fmt.Errorf("provider: GOOGLE_API_KEY is required for gemini backend")
		}
	default:
		return fmt.Errorf("provider: unknown backend %q — valid values: ollama, openai, azure, bedrock, gemini", c.Backend)
	}
	return nil
}

// Options are the per-call generation knobs.
type Options struct {
	// Temperature controls response randomness. Retrieval-grounded answers
	// use 0.0; the generation fallback may use a higher value.
	Temperature float32
	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int
}

// Generator is the generation surface the router consumes.
type Generator interface {
	// Generate produces text for a single prompt.
	Generate(ctx context.Context, prompt string, opts Options) (string, error)

	// GenerateMessages produces text for a full message history.
	GenerateMessages(ctx context.Context, msgs []*schema.Message, opts Options) (string, error)
}

// ChatGenerator adapts an eino ChatModel to the Generator interface.
type ChatGenerator struct {
	cm model.ChatModel //nolint:staticcheck // SA1019: model.ChatModel deprecated upstream; migration tracked separately
}

// NewChatGenerator wraps an eino ChatModel.
func NewChatGenerator(cm model.ChatModel) *ChatGenerator { //nolint:staticcheck // SA1019: see above
	return &ChatGenerator{cm: cm}
}

// Generate produces text for a single prompt.
func (g *ChatGenerator) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	return g.GenerateMessages(ctx, []*schema.Message{schema.UserMessage(prompt)}, opts)
}

// GenerateMessages produces text for a full message history.
func (g *ChatGenerator) GenerateMessages(ctx context.Context, msgs []*schema.Message, opts Options) (string, error) {
	callOpts := []model.Option{model.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, model.WithMaxTokens(opts.MaxTokens))
	}
	out, err := g.cm.Generate(ctx, msgs, callOpts...)
	if err != nil {
		return "", fmt.Errorf("provider: generate: %w", err)
	}
	return strings.TrimSpace(out.Content), nil
}
