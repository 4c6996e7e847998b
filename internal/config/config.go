// Package config provides YAML-based configuration for docqa.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing workflows are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. DOCQA_CONFIG environment variable
//  3. ~/.docqa/config.yaml
//  4. ./docqa.yaml
//
// If no file is found the system runs from defaults and env vars alone.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type Config struct {
	// Model configures the LLM chat model provider used for generation.
	Model ModelConfig `yaml:"model"`

	// Embedding configures the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// KnowledgeBases lists the document collections to index and search.
	KnowledgeBases []KBConfig `yaml:"knowledge_bases"`

	// Retrieval tunes segmentation and ranking.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Router tunes the conversation routing state machine.
	Router RouterConfig `yaml:"router"`

	// Examples configures the few-shot example selector.
	Examples ExamplesConfig `yaml:"examples"`

	// Server configures the HTTP server.
	Server ServerConfig `yaml:"server"`

	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures Langfuse tracing integration.
	Tracing TracingConfig `yaml:"tracing"`
}

// ModelConfig holds LLM chat model settings.
type ModelConfig struct {
	// Provider selects the backend: ollama, openai, azure, bedrock, gemini.
	Provider string `yaml:"provider"`

	// MaxTokens is the maximum number of tokens in the response.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls response randomness for the generation fallback
	// (retrieval-grounded answers always use 0.0).
	Temperature float32 `yaml:"temperature"`

	// Ollama holds Ollama-specific settings.
	Ollama OllamaConfig `yaml:"ollama"`

	// OpenAI holds OpenAI-specific settings.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Azure holds Azure OpenAI-specific settings.
	Azure AzureConfig `yaml:"azure"`

	// Bedrock holds AWS Bedrock-specific settings.
	Bedrock BedrockConfig `yaml:"bedrock"`

	// Gemini holds Google Gemini-specific settings.
	Gemini GeminiConfig `yaml:"gemini"`
}

// OllamaConfig holds Ollama provider settings.
type OllamaConfig struct {
	// Host is the Ollama API endpoint.
	Host string `yaml:"host"`
	// Model is the Ollama model name.
	Model string `yaml:"model"`
}

// OpenAIConfig holds OpenAI provider settings.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the OpenAI model name.
	Model string `yaml:"model"`
}

// AzureConfig holds Azure OpenAI provider settings.
type AzureConfig struct {
	// APIKey is the Azure OpenAI API key. Prefer env var AZURE_OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the Azure OpenAI resource endpoint.
	Endpoint string `yaml:"endpoint"`
	// Deployment is the Azure OpenAI deployment name.
	Deployment string `yaml:"deployment"`
	// APIVersion is the Azure OpenAI API version.
	APIVersion string `yaml:"api_version"`
}

// BedrockConfig holds AWS Bedrock provider settings.
type BedrockConfig struct {
	// Region is the AWS region for Bedrock.
	Region string `yaml:"region"`
	// ModelID is the Bedrock model identifier.
	ModelID string `yaml:"model_id"`
}

// GeminiConfig holds Google Gemini provider settings.
type GeminiConfig struct {
	// APIKey is the Google API key. Prefer env var GOOGLE_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the Gemini model name.
	Model string `yaml:"model"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	// Provider selects the embedding backend (ollama, openai, azure).
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions overrides the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
}

// KBConfig describes one knowledge base: a documents directory plus the
// SQLite database file its index lives in.
type KBConfig struct {
	// Name is the knowledge-base label reported in answer sources.
	Name string `yaml:"name"`
	// Docs is the directory holding the source documents.
	Docs string `yaml:"docs"`
	// DB is the SQLite database path. Defaults to <docs dir>/.docqa.db.
	DB string `yaml:"db"`
	// Examples is a line-delimited JSON example file or directory for this
	// knowledge base. Empty falls back to the global examples path.
	Examples string `yaml:"examples"`
}

// DBPath returns the database path, applying the default location.
func (k KBConfig) DBPath() string {
	if k.DB != "" {
		return k.DB
	}
	return filepath.Join(k.Docs, ".docqa.db")
}

// RetrievalConfig tunes segmentation and ranking.
type RetrievalConfig struct {
	// MaxChunkSize is the chunk character budget.
	MaxChunkSize int `yaml:"max_chunk_size"`
	// Overlap is the chunk overlap in characters.
	Overlap int `yaml:"overlap"`
	// CandidateLimit caps the full-text prune per knowledge base.
	CandidateLimit int `yaml:"candidate_limit"`
	// TopK is the number of results kept per knowledge base before merging.
	TopK int `yaml:"top_k"`
	// MinSimilarity is the hard floor below which retrieval reports
	// insufficient information. Set it negative to disable the floor.
	MinSimilarity float64 `yaml:"min_similarity"`
}

// RouterConfig tunes the conversation routing state machine.
type RouterConfig struct {
	// Threshold is the relevance score below which retrieved context is
	// discarded and the router falls back.
	Threshold float64 `yaml:"threshold"`
	// SessionCap is the maximum number of live sessions before LRU eviction.
	SessionCap int `yaml:"session_cap"`
	// SessionTTLMinutes is the idle lifetime of a session.
	SessionTTLMinutes int `yaml:"session_ttl_minutes"`
	// MaxContextTerms caps the accumulated per-session context term set.
	MaxContextTerms int `yaml:"max_context_terms"`
	// HistoryTokens is the token budget for generation-fallback history.
	HistoryTokens int `yaml:"history_tokens"`
	// Fallback enables the LLM generation fallback for off-corpus questions.
	// When false the router answers with a fixed no-answer message instead.
	Fallback bool `yaml:"fallback"`
}

// ExamplesConfig configures the few-shot example selector.
type ExamplesConfig struct {
	// Path is the default line-delimited JSON example file or directory for
	// knowledge bases that configure none of their own. Empty disables
	// few-shot for those knowledge bases.
	Path string `yaml:"path"`
	// TopK is the number of examples selected per query.
	TopK int `yaml:"top_k"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var DOCQA_API_KEY.
	APIKey string `yaml:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// TracingConfig holds Langfuse tracing settings.
type TracingConfig struct {
	// PublicKey is the Langfuse public key. Prefer env var LANGFUSE_PUBLIC_KEY.
	PublicKey string `yaml:"public_key"`
	// SecretKey is the Langfuse secret key. Prefer env var LANGFUSE_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
	// Host is the Langfuse API host.
	Host string `yaml:"host"`
}

// Default returns the built-in configuration defaults. YAML and env layers
// are applied on top of this value.
func Default() Config {
	return Config{
		Retrieval: RetrievalConfig{
			MaxChunkSize:   1000,
			Overlap:        100,
			CandidateLimit: 50,
			TopK:           4,
			MinSimilarity:  0.25,
		},
		Router: RouterConfig{
			Threshold:         0.38,
			SessionCap:        512,
			SessionTTLMinutes: 30,
			MaxContextTerms:   24,
			HistoryTokens:     3000,
			Fallback:          true,
		},
		Examples: ExamplesConfig{
			TopK: 3,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
// Downstream provider and embedder factories read these env vars directly,
// same as a file-less deployment would set them.
var envMapping = []struct {
	envKey string
	value  func(*Config) string
}{
	{"MODEL_PROVIDER", func(c *Config) string { return c.Model.Provider }},
	{"MODEL_MAX_TOKENS", func(c *Config) string { return intStr(c.Model.MaxTokens) }},
	{"MODEL_TEMPERATURE", func(c *Config) string { return float32Str(c.Model.Temperature) }},
	{"OLLAMA_HOST", func(c *Config) string { return c.Model.Ollama.Host }},
	{"OLLAMA_MODEL", func(c *Config) string { return c.Model.Ollama.Model }},
	{"OPENAI_API_KEY", func(c *Config) string { return c.Model.OpenAI.APIKey }},
	{"OPENAI_MODEL", func(c *Config) string { return c.Model.OpenAI.Model }},
	{"AZURE_OPENAI_API_KEY", func(c *Config) string { return c.Model.Azure.APIKey }},
	{"AZURE_OPENAI_ENDPOINT", func(c *Config) string { return c.Model.Azure.Endpoint }},
	{"AZURE_OPENAI_DEPLOYMENT", func(c *Config) string { return c.Model.Azure.Deployment }},
	{"AZURE_OPENAI_API_VERSION", func(c *Config) string { return c.Model.Azure.APIVersion }},
	{"AWS_REGION", func(c *Config) string { return c.Model.Bedrock.Region }},
	{"BEDROCK_MODEL_ID", func(c *Config) string { return c.Model.Bedrock.ModelID }},
	{"GOOGLE_API_KEY", func(c *Config) string { return c.Model.Gemini.APIKey }},
	{"GEMINI_MODEL", func(c *Config) string { return c.Model.Gemini.Model }},
	{"EMBEDDING_PROVIDER", func(c *Config) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *Config) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *Config) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_API_KEY", func(c *Config) string { return c.Embedding.APIKey }},
	{"EMBEDDING_ENDPOINT", func(c *Config) string { return c.Embedding.Endpoint }},
	{"DOCQA_API_KEY", func(c *Config) string { return c.Server.APIKey }},
	{"LOG_LEVEL", func(c *Config) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *Config) string { return c.Logging.Format }},
	{"LANGFUSE_PUBLIC_KEY", func(c *Config) string { return c.Tracing.PublicKey }},
	{"LANGFUSE_SECRET_KEY", func(c *Config) string { return c.Tracing.SecretKey }},
	{"LANGFUSE_HOST", func(c *Config) string { return c.Tracing.Host }},
}

// Load builds the resolved configuration: defaults, then the YAML file, then
// environment variables. Non-empty provider settings from YAML are exported
// as env vars (never overwriting existing ones) so factories that read env
// behave identically with and without a config file. Returns the resolved
// config and the path that was loaded ("" when no file was found).
func Load(explicitPath string, log *slog.Logger) (*Config, string, error) {
	cfg := Default()

	path := resolveConfigPath(explicitPath)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, "", fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	} else {
		log.Debug("config: no YAML config file found, using defaults and env vars")
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, "", err
	}

	if path != "" {
		log.Info("config: loaded YAML config",
			slog.String("path", path),
			slog.Int("keys_applied", applied),
		)
	}

	return &cfg, path, nil
}

// applyEnvOverrides pulls DOCQA_* tuning env vars into the resolved config.
// These settings are consumed as struct fields rather than re-read from env,
// so the override direction is env → struct.
func applyEnvOverrides(cfg *Config) error {
	overrides := []struct {
		envKey string
		apply  func(string) error
	}{
		{"DOCQA_MAX_CHUNK_SIZE", intField(&cfg.Retrieval.MaxChunkSize)},
		{"DOCQA_OVERLAP", intField(&cfg.Retrieval.Overlap)},
		{"DOCQA_CANDIDATE_LIMIT", intField(&cfg.Retrieval.CandidateLimit)},
		{"DOCQA_TOP_K", intField(&cfg.Retrieval.TopK)},
		{"DOCQA_MIN_SIMILARITY", floatField(&cfg.Retrieval.MinSimilarity)},
		{"DOCQA_THRESHOLD", floatField(&cfg.Router.Threshold)},
		{"DOCQA_SESSION_CAP", intField(&cfg.Router.SessionCap)},
		{"DOCQA_SESSION_TTL_MINUTES", intField(&cfg.Router.SessionTTLMinutes)},
		{"DOCQA_HISTORY_TOKENS", intField(&cfg.Router.HistoryTokens)},
		{"DOCQA_EXAMPLES", strField(&cfg.Examples.Path)},
		{"DOCQA_HOST", strField(&cfg.Server.Host)},
		{"DOCQA_PORT", intField(&cfg.Server.Port)},
		{"DOCQA_API_KEY", strField(&cfg.Server.APIKey)},
	}
	for _, o := range overrides {
		v := os.Getenv(o.envKey)
		if v == "" {
			continue
		}
		if err := o.apply(v); err != nil {
			return fmt.Errorf("config: invalid %s=%q: %w", o.envKey, v, err)
		}
	}
	return nil
}

// Validate checks the parts of the config every command depends on.
func (c *Config) Validate() error {
	if len(c.KnowledgeBases) == 0 {
		return fmt.Errorf("config: no knowledge bases configured")
	}
	seen := map[string]bool{}
	for i, kb := range c.KnowledgeBases {
		if kb.Name == "" {
			return fmt.Errorf("config: knowledge base %d has no name", i)
		}
		if kb.Docs == "" {
			return fmt.Errorf("config: knowledge base %q has no docs directory", kb.Name)
		}
		if seen[kb.Name] {
			return fmt.Errorf("config: duplicate knowledge base name %q", kb.Name)
		}
		seen[kb.Name] = true
	}
	if c.Retrieval.MaxChunkSize <= 0 {
		return fmt.Errorf("config: max_chunk_size must be positive")
	}
	return nil
}

// KB returns the configuration of the named knowledge base.
func (c *Config) KB(name string) (KBConfig, bool) {
	for _, kb := range c.KnowledgeBases {
		if kb.Name == name {
			return kb, true
		}
	}
	return KBConfig{}, false
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("DOCQA_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".docqa", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("docqa.yaml"); err == nil {
		return "docqa.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return fmt.Sprintf("%d", v)
}

// float32Str converts a float32 to string, returning "" for zero values.
func float32Str(v float32) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

func strField(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func intField(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func floatField(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}
