package core

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Tell-Me-Mo/tellmemo-app-sub004/pkg/cascade"
)

// Config contains the complete configuration for a TellMeMo engine.
//
// It includes settings for:
//   - LLM provider (for streaming intelligence extraction and generation)
//   - Embedding provider (for coherence gating and semantic matching)
//   - Insight store (for durable question/action records)
//   - Analysis thresholds (signal density, batching, coherence, caching)
//   - Answer resolution cascade (per-tier floors and timeouts)
//
// Example:
//
//	config := &core.Config{
//	    LLM: core.LLMConfig{
//	        Provider: "openai",
//	        APIKey:   "sk-...",
//	        Model:    "gpt-4o-mini",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	    Store: core.StoreConfig{
//	        Provider: "sqlite",
//	        Config: map[string]interface{}{
//	            "db_path": "./tellmemo.db",
//	        },
//	    },
//	}
type Config struct {
	// LLM contains LLM provider configuration.
	LLM LLMConfig `json:"llm"`

	// Embedder contains embedding provider configuration.
	Embedder EmbedderConfig `json:"embedder"`

	// Store contains insight store configuration.
	Store StoreConfig `json:"store"`

	// Analysis contains fragment analysis and batching thresholds.
	// Zero-value fields fall back to defaults.
	Analysis AnalysisConfig `json:"analysis"`

	// Cascade contains answer resolution cascade configuration.
	// A zero value falls back to cascade.DefaultConfig.
	Cascade cascade.Config `json:"cascade"`
}

// LLMConfig contains configuration for the LLM provider.
//
// Supported providers: openai (and any OpenAI-compatible endpoint via BaseURL).
type LLMConfig struct {
	// Provider is the LLM provider name.
	Provider string `json:"provider"`

	// APIKey is the API key for the LLM provider.
	APIKey string `json:"api_key"`

	// Model is the model name to use (e.g., "gpt-4o-mini").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai (and any OpenAI-compatible endpoint via BaseURL).
type EmbedderConfig struct {
	// Provider is the embedding provider name.
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `json:"model"`

	// BaseURL is the base URL for the API (optional, uses provider default if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536).
	Dimensions int `json:"dimensions,omitempty"`
}

// StoreConfig contains configuration for the insight store.
//
// Supported providers: sqlite, postgres. An empty provider disables durable
// persistence; insights are then only delivered through notifications.
type StoreConfig struct {
	// Provider is the store provider name (sqlite, postgres).
	Provider string `json:"provider"`

	// Config contains provider-specific configuration.
	// For SQLite: db_path
	// For PostgreSQL: host, port, user, password, db_name, ssl_mode
	Config map[string]interface{} `json:"config"`
}

// AnalysisConfig contains fragment analysis and batching thresholds.
type AnalysisConfig struct {
	// MinFragmentWords is the word count below which fragments are skipped.
	// Default: 5
	MinFragmentWords int `json:"min_fragment_words,omitempty"`

	// HighDensityThreshold is the density score considered high.
	// Default: 0.3
	HighDensityThreshold float64 `json:"high_density_threshold,omitempty"`

	// MaxBatchFragments is the hard fragment ceiling that forces batch
	// processing regardless of priority. Default: 5
	MaxBatchFragments int `json:"max_batch_fragments,omitempty"`

	// MinBatchWords is the accumulated word count that forces batch
	// processing. Default: 30
	MinBatchWords int `json:"min_batch_words,omitempty"`

	// CoherenceThreshold is the cosine similarity below which a fragment
	// closes the open batch. Default: 0.70
	CoherenceThreshold float64 `json:"coherence_threshold,omitempty"`

	// CoherenceMaxAge is the open-batch age ceiling at the gate.
	// Default: 120s
	CoherenceMaxAge time.Duration `json:"coherence_max_age,omitempty"`

	// CoherenceMaxFragments is the gate's own batch length ceiling.
	// Default: 6
	CoherenceMaxFragments int `json:"coherence_max_fragments,omitempty"`

	// CacheTTL is the shared search cache entry lifetime. Default: 30s
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// CacheReuseThreshold is the query similarity needed to reuse a cached
	// result set. Default: 0.90
	CacheReuseThreshold float64 `json:"cache_reuse_threshold,omitempty"`

	// EmbedTimeout bounds every embedding call. Default: 10s
	EmbedTimeout time.Duration `json:"embed_timeout,omitempty"`

	// StreamTimeout bounds one batch's streaming extraction call.
	// Default: 90s
	StreamTimeout time.Duration `json:"stream_timeout,omitempty"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - STORE_PROVIDER (sqlite, postgres)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD, etc.
//   - LLM_PROVIDER, LLM_API_KEY, LLM_MODEL, LLM_BASE_URL
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL, EMBEDDING_BASE_URL
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnv() (*Config, error) {
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("STORE_PROVIDER", "sqlite")

	storeConfig := make(map[string]interface{})
	switch provider {
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		storeConfig = map[string]interface{}{
			"host":     getEnvOrDefault("POSTGRES_HOST", "localhost"),
			"port":     port,
			"user":     getEnvOrDefault("POSTGRES_USER", "postgres"),
			"password": os.Getenv("POSTGRES_PASSWORD"),
			"db_name":  getEnvOrDefault("POSTGRES_DATABASE", "tellmemo"),
			"ssl_mode": getEnvOrDefault("POSTGRES_SSLMODE", "disable"),
		}
	default:
		storeConfig = map[string]interface{}{
			"db_path": getEnvOrDefault("SQLITE_PATH", "./tellmemo.db"),
		}
	}

	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMS", "1536"))

	config := &Config{
		LLM: LLMConfig{
			Provider: getEnvOrDefault("LLM_PROVIDER", "openai"),
			APIKey:   os.Getenv("LLM_API_KEY"),
			Model:    getEnvOrDefault("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:  os.Getenv("LLM_BASE_URL"),
		},
		Embedder: EmbedderConfig{
			Provider:   getEnvOrDefault("EMBEDDING_PROVIDER", "openai"),
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
		Store: StoreConfig{
			Provider: provider,
			Config:   storeConfig,
		},
		Cascade: cascade.DefaultConfig(),
	}

	return config, nil
}

// LoadConfigFromJSON loads configuration from a JSON file.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewEngineError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - LLM provider must be specified
//   - Embedder provider must be specified
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.LLM.Provider == "" {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	if c.Embedder.Provider == "" {
		return NewEngineError("Validate", ErrInvalidConfig)
	}
	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
