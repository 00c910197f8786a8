package config

// EmbeddingConfig configures the vector embedding gateway.
// Supports Ollama (local) and GenAI (cloud) backends.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "static" (deterministic, offline).
	Provider string `yaml:"provider"`

	// ModelID selects the active embedding model; vectors stored under other
	// model ids are ignored during retrieval.
	ModelID string `yaml:"model_id"`

	// Dim must equal the provider's output dimension.
	Dim int `yaml:"dim"`

	// Ollama configuration (local embedding server).
	OllamaEndpoint string `yaml:"ollama_endpoint"` // Default: "http://localhost:11434"

	// GenAI configuration (Google cloud embedding).
	GenAIAPIKey string `yaml:"genai_api_key"`

	// MaxBatch bounds inputs per provider call (provider-imposed, <=128).
	MaxBatch int `yaml:"max_batch"`

	// MaxInflight bounds concurrent provider batches per ingestion.
	MaxInflight int `yaml:"max_inflight"`

	// MaxRetries bounds retry attempts per failed batch.
	MaxRetries int `yaml:"max_retries"`

	// CacheSize bounds the process-wide (content_hash, model_id) vector cache.
	CacheSize int `yaml:"cache_size"`
}

// DefaultEmbeddingConfig returns sensible defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:       "static",
		ModelID:        "static-256",
		Dim:            256,
		OllamaEndpoint: "http://localhost:11434",
		MaxBatch:       64,
		MaxInflight:    8,
		MaxRetries:     3,
		CacheSize:      4096,
	}
}
