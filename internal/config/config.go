// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// Decay modes accepted by KIOKU_DECAY_MODE.
const (
	DecayModeNone        = "none"
	DecayModeLinear      = "linear"
	DecayModeExponential = "exponential"
	DecayModeLogarithmic = "logarithmic"
	DecayModeAccessBased = "access_based"
)

// Prune strategies accepted by KIOKU_PRUNE_STRATEGY.
const (
	PruneImportanceOnly      = "importance_only"
	PruneImportanceAccess    = "importance_access"
	PruneImportanceAccessAge = "importance_access_age"
	PruneLRU                 = "lru"
	PruneFIFO                = "fifo"
)

// Weights holds the importance-scoring component weights. They must sum to
// 1.0 within ±0.01 or startup fails.
type Weights struct {
	Content      float64
	Engagement   float64
	Persona      float64
	Temporal     float64
	Relationship float64
	Recency      float64
}

// Sum returns the total of all component weights.
func (w Weights) Sum() float64 {
	return w.Content + w.Engagement + w.Persona + w.Temporal + w.Relationship + w.Recency
}

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Persona store. When DATABASE_URL is empty the registry falls back to
	// PersonasFile, or to the built-in demo personas when that is empty too.
	DatabaseURL  string
	PersonasFile string

	// Persona registry refresh.
	PersonaRefreshInterval time.Duration

	// Importance scoring.
	Weights       Weights
	ImportanceMin float64 // clip floor for fresh writes
	ImportanceMax float64 // clip ceiling for fresh writes

	// Decay worker.
	DecayMode             string
	DecayInterval         time.Duration
	DecayHalfLifeDays     float64
	DecayLinearRate       float64
	DecayMaxDays          float64
	ProtectedImportance   float64
	AccessProtectionDays  int
	MinImportanceFloor    float64
	ZeroAccessMultiplier  float64
	MaxPersonasPerCycle   int
	MaxMemoriesPerBatch   int
	AutoPruneThreshold    int
	AutoPruneImportance   float64
	DecayInterBatchPause  time.Duration

	// Pruner.
	PruningThreshold       int
	TargetMemories         int
	PruneStrategy          string
	MaxImportanceToDelete  float64
	HighAccessThreshold    int
	ZeroAccessGraceDays    int
	RecentMemoryDays       float64
	AncientMemoryDays      float64
	PruneWeightImportance  float64
	PruneWeightAccess      float64
	PruneWeightAge         float64
	PruneBatchSize         int
	MaxPrunePercent        float64
	PruneInterBatchPause   time.Duration

	// Conversation scoring.
	ContinueThreshold   float64
	LowTokenBudget      int
	MinTimeThreshold    time.Duration
	LargeStatusGap      int
	FatigueSaturation   int
	BaseCooldown        time.Duration
	DefaultTokenBudget  int

	// Access-bump buffer.
	AccessFlushInterval time.Duration
	AccessBufferSize    int

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	OpenAIAPIKey        string
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.
	EmbedConcurrency    int
	OllamaURL           string
	OllamaModel         string

	// LLM provider settings.
	LLMProvider  string // "auto", "openai", "ollama", or "noop"
	LLMModel     string
	LLMMaxTokens int

	// Vector store settings. Empty QdrantURL selects the in-memory index.
	QdrantURL        string
	QdrantAPIKey     string
	CollectionPrefix string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:         envInt("KIOKU_PORT", 8089),
		ReadTimeout:  envDuration("KIOKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: envDuration("KIOKU_WRITE_TIMEOUT", 30*time.Second),

		DatabaseURL:            envStr("DATABASE_URL", ""),
		PersonasFile:           envStr("KIOKU_PERSONAS_FILE", ""),
		PersonaRefreshInterval: envDuration("KIOKU_PERSONA_REFRESH_INTERVAL", 5*time.Minute),

		Weights: Weights{
			Content:      envFloat("KIOKU_WEIGHT_CONTENT", 0.30),
			Engagement:   envFloat("KIOKU_WEIGHT_ENGAGEMENT", 0.20),
			Persona:      envFloat("KIOKU_WEIGHT_PERSONA", 0.15),
			Temporal:     envFloat("KIOKU_WEIGHT_TEMPORAL", 0.05),
			Relationship: envFloat("KIOKU_WEIGHT_RELATIONSHIP", 0.10),
			Recency:      envFloat("KIOKU_WEIGHT_RECENCY", 0.20),
		},
		ImportanceMin: envFloat("KIOKU_IMPORTANCE_MIN", 0.51),
		ImportanceMax: envFloat("KIOKU_IMPORTANCE_MAX", 0.80),

		DecayMode:            envStr("KIOKU_DECAY_MODE", DecayModeExponential),
		DecayInterval:        envDuration("KIOKU_DECAY_INTERVAL", 24*time.Hour),
		DecayHalfLifeDays:    envFloat("KIOKU_DECAY_HALF_LIFE_DAYS", 90),
		DecayLinearRate:      envFloat("KIOKU_DECAY_LINEAR_RATE", 0.01),
		DecayMaxDays:         envFloat("KIOKU_DECAY_MAX_DAYS", 365),
		ProtectedImportance:  envFloat("KIOKU_PROTECTED_IMPORTANCE", 0.8),
		AccessProtectionDays: envInt("KIOKU_ACCESS_PROTECTION_DAYS", 7),
		MinImportanceFloor:   envFloat("KIOKU_MIN_IMPORTANCE_FLOOR", 0.1),
		ZeroAccessMultiplier: envFloat("KIOKU_ZERO_ACCESS_MULTIPLIER", 2.0),
		MaxPersonasPerCycle:  envInt("KIOKU_MAX_PERSONAS_PER_CYCLE", 10),
		MaxMemoriesPerBatch:  envInt("KIOKU_MAX_MEMORIES_PER_BATCH", 100),
		AutoPruneThreshold:   envInt("KIOKU_AUTO_PRUNE_THRESHOLD", 1000),
		AutoPruneImportance:  envFloat("KIOKU_AUTO_PRUNE_IMPORTANCE_THRESHOLD", 0.3),
		DecayInterBatchPause: envDuration("KIOKU_DECAY_INTER_BATCH_PAUSE", 100*time.Millisecond),

		PruningThreshold:      envInt("KIOKU_PRUNING_THRESHOLD", 1000),
		TargetMemories:        envInt("KIOKU_TARGET_MEMORIES_PER_PERSONA", 800),
		PruneStrategy:         envStr("KIOKU_PRUNE_STRATEGY", PruneImportanceAccessAge),
		MaxImportanceToDelete: envFloat("KIOKU_MAX_IMPORTANCE_TO_DELETE", 0.7),
		HighAccessThreshold:   envInt("KIOKU_HIGH_ACCESS_THRESHOLD", 5),
		ZeroAccessGraceDays:   envInt("KIOKU_ZERO_ACCESS_GRACE_DAYS", 30),
		RecentMemoryDays:      envFloat("KIOKU_RECENT_MEMORY_DAYS", 7),
		AncientMemoryDays:     envFloat("KIOKU_ANCIENT_MEMORY_DAYS", 90),
		PruneWeightImportance: envFloat("KIOKU_PRUNE_WEIGHT_IMPORTANCE", 0.5),
		PruneWeightAccess:     envFloat("KIOKU_PRUNE_WEIGHT_ACCESS", 0.3),
		PruneWeightAge:        envFloat("KIOKU_PRUNE_WEIGHT_AGE", 0.2),
		PruneBatchSize:        envInt("KIOKU_PRUNE_BATCH_SIZE", 50),
		MaxPrunePercent:       envFloat("KIOKU_MAX_PRUNE_PERCENT", 0.5),
		PruneInterBatchPause:  envDuration("KIOKU_PRUNE_INTER_BATCH_PAUSE", 100*time.Millisecond),

		ContinueThreshold:  envFloat("KIOKU_CONTINUE_THRESHOLD", 40),
		LowTokenBudget:     envInt("KIOKU_LOW_TOKEN_BUDGET", 500),
		MinTimeThreshold:   envDuration("KIOKU_MIN_TIME_THRESHOLD", 60*time.Second),
		LargeStatusGap:     envInt("KIOKU_LARGE_STATUS_GAP", 3),
		FatigueSaturation:  envInt("KIOKU_FATIGUE_SATURATION", 10),
		BaseCooldown:       envDuration("KIOKU_BASE_COOLDOWN", 5*time.Minute),
		DefaultTokenBudget: envInt("KIOKU_DEFAULT_TOKEN_BUDGET", 2048),

		AccessFlushInterval: envDuration("KIOKU_ACCESS_FLUSH_INTERVAL", 500*time.Millisecond),
		AccessBufferSize:    envInt("KIOKU_ACCESS_BUFFER_SIZE", 256),

		EmbeddingProvider:   envStr("KIOKU_EMBEDDING_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		EmbeddingModel:      envStr("KIOKU_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: envInt("KIOKU_EMBEDDING_DIMENSIONS", 768),
		EmbedConcurrency:    envInt("KIOKU_EMBED_CONCURRENCY", 4),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "nomic-embed-text"),

		LLMProvider:  envStr("KIOKU_LLM_PROVIDER", "auto"),
		LLMModel:     envStr("KIOKU_LLM_MODEL", "llama3.1"),
		LLMMaxTokens: envInt("KIOKU_LLM_MAX_TOKENS", 512),

		QdrantURL:        envStr("QDRANT_URL", ""),
		QdrantAPIKey:     envStr("QDRANT_API_KEY", ""),
		CollectionPrefix: envStr("KIOKU_COLLECTION_PREFIX", "kioku_persona_"),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "kioku"),

		LogLevel: envStr("KIOKU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the startup invariants. Violations are fatal: a process
// with malformed weights or thresholds must not come up.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: KIOKU_PORT must be in [1, 65535], got %d", c.Port)
	}
	if sum := c.Weights.Sum(); math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("config: importance weights must sum to 1.0 (±0.01), got %.4f", sum)
	}
	if c.ImportanceMin >= c.ImportanceMax {
		return fmt.Errorf("config: KIOKU_IMPORTANCE_MIN (%.2f) must be less than KIOKU_IMPORTANCE_MAX (%.2f)",
			c.ImportanceMin, c.ImportanceMax)
	}
	if c.ImportanceMin < 0 || c.ImportanceMax > 1 {
		return fmt.Errorf("config: importance clip window must lie within [0, 1]")
	}
	if c.MaxPrunePercent <= 0 || c.MaxPrunePercent > 1 {
		return fmt.Errorf("config: KIOKU_MAX_PRUNE_PERCENT must be in (0, 1], got %v", c.MaxPrunePercent)
	}
	switch c.DecayMode {
	case DecayModeNone, DecayModeLinear, DecayModeExponential, DecayModeLogarithmic, DecayModeAccessBased:
	default:
		return fmt.Errorf("config: unknown KIOKU_DECAY_MODE %q", c.DecayMode)
	}
	switch c.PruneStrategy {
	case PruneImportanceOnly, PruneImportanceAccess, PruneImportanceAccessAge, PruneLRU, PruneFIFO:
	default:
		return fmt.Errorf("config: unknown KIOKU_PRUNE_STRATEGY %q", c.PruneStrategy)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: KIOKU_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.EmbedConcurrency <= 0 {
		return fmt.Errorf("config: KIOKU_EMBED_CONCURRENCY must be positive")
	}
	if c.DecayInterval <= 0 {
		return fmt.Errorf("config: KIOKU_DECAY_INTERVAL must be positive")
	}
	if c.DecayHalfLifeDays <= 0 {
		return fmt.Errorf("config: KIOKU_DECAY_HALF_LIFE_DAYS must be positive")
	}
	if c.DecayMaxDays <= 0 {
		return fmt.Errorf("config: KIOKU_DECAY_MAX_DAYS must be positive")
	}
	if c.MaxMemoriesPerBatch <= 0 {
		return fmt.Errorf("config: KIOKU_MAX_MEMORIES_PER_BATCH must be positive")
	}
	if c.MaxPersonasPerCycle <= 0 {
		return fmt.Errorf("config: KIOKU_MAX_PERSONAS_PER_CYCLE must be positive")
	}
	if c.PruneBatchSize <= 0 {
		return fmt.Errorf("config: KIOKU_PRUNE_BATCH_SIZE must be positive")
	}
	if c.TargetMemories <= 0 {
		return fmt.Errorf("config: KIOKU_TARGET_MEMORIES_PER_PERSONA must be positive")
	}
	if c.MinImportanceFloor < 0 || c.MinImportanceFloor > 1 {
		return fmt.Errorf("config: KIOKU_MIN_IMPORTANCE_FLOOR must be in [0, 1]")
	}
	if c.AccessBufferSize <= 0 {
		return fmt.Errorf("config: KIOKU_ACCESS_BUFFER_SIZE must be positive")
	}
	if c.AccessFlushInterval <= 0 || c.AccessFlushInterval > time.Second {
		return fmt.Errorf("config: KIOKU_ACCESS_FLUSH_INTERVAL must be in (0, 1s]")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
