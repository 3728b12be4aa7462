package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"
)

// Config holds the server's own settings. Settings owned by go-core
// packages register themselves separately.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	ClaudeAPIKey        string
	ClaudeModel         string
	JudgeTimeoutSeconds int

	DatabaseURL string
	SQLitePath  string

	MilvusAddress          string
	MilvusCollection       string
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	EmbeddingModel         string
	EmbeddingDim           int
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	EmbeddingCacheTTLHours int

	BatchWindow             int
	ScheduleIntervalMinutes int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "comma-separated bearer tokens accepted by the API (empty = no auth)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider (empty = heuristic judge)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.JudgeTimeoutSeconds, "judge-timeout-seconds", 30, "timeout for a single model call (1..300)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite database file (used when no database URL is set; empty = in-memory store)")

	fs.StringVar(&c.MilvusAddress, "milvus-address", "", "Milvus address for similarity search (empty = in-process index)")
	fs.StringVar(&c.MilvusCollection, "milvus-collection", "feedback_embeddings", "Milvus collection name")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the embedding provider")
	fs.StringVar(&c.OpenAIBaseURL, "openai-base-url", "", "base URL of an OpenAI-compatible embedding endpoint (empty = api.openai.com)")
	fs.StringVar(&c.EmbeddingModel, "embedding-model", "text-embedding-3-small", "embedding model")
	fs.IntVar(&c.EmbeddingDim, "embedding-dim", 1536, "embedding vector dimension (1..16384)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for the embedding cache (empty = no cache)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number (0..15)")
	fs.IntVar(&c.EmbeddingCacheTTLHours, "embedding-cache-ttl-hours", 168, "embedding cache entry lifetime in hours (0 = no expiry)")

	fs.IntVar(&c.BatchWindow, "batch-window", 1000, "number of recent feedback items each batch detection run examines (1..100000)")
	fs.IntVar(&c.ScheduleIntervalMinutes, "schedule-interval-minutes", 60, "minutes between scheduled detection and edition runs (0 = disabled, max 1440)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}
	if c.JudgeTimeoutSeconds <= 0 || c.JudgeTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid JUDGE_TIMEOUT_SECONDS %d (must be 1..300)", c.JudgeTimeoutSeconds))
	}

	// One durable store at most
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		errs = append(errs, errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive"))
	}

	if c.MilvusAddress != "" {
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required when MILVUS_ADDRESS is set"))
		}
		if c.MilvusCollection == "" {
			errs = append(errs, errors.New("MILVUS_COLLECTION is required when MILVUS_ADDRESS is set"))
		}
		if c.EmbeddingModel == "" {
			errs = append(errs, errors.New("EMBEDDING_MODEL is required when MILVUS_ADDRESS is set"))
		}
	}
	if c.EmbeddingDim <= 0 || c.EmbeddingDim > 16384 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_DIM %d (must be 1..16384)", c.EmbeddingDim))
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be 0..15)", c.RedisDB))
	}
	if c.EmbeddingCacheTTLHours < 0 {
		errs = append(errs, fmt.Errorf("invalid EMBEDDING_CACHE_TTL_HOURS %d (must be >= 0)", c.EmbeddingCacheTTLHours))
	}

	if c.BatchWindow <= 0 || c.BatchWindow > 100000 {
		errs = append(errs, fmt.Errorf("invalid BATCH_WINDOW %d (must be 1..100000)", c.BatchWindow))
	}
	if c.ScheduleIntervalMinutes < 0 || c.ScheduleIntervalMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid SCHEDULE_INTERVAL_MINUTES %d (must be 0..1440)", c.ScheduleIntervalMinutes))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// JudgeTimeout is the per-call model timeout.
func (c *Config) JudgeTimeout() time.Duration {
	return time.Duration(c.JudgeTimeoutSeconds) * time.Second
}

// EmbeddingCacheTTL is the embedding cache entry lifetime; zero means no
// expiry.
func (c *Config) EmbeddingCacheTTL() time.Duration {
	return time.Duration(c.EmbeddingCacheTTLHours) * time.Hour
}

// ScheduleInterval is the period of the scheduled trigger; zero disables it.
func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalMinutes) * time.Minute
}
