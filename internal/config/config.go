package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type Config struct {
	Database  DatabaseConfig  `yaml:"-"`
	Redis     RedisConfig     `yaml:"-"`
	Web       WebConfig       `yaml:"-"`
	Expand    ExpandConfig    `yaml:"expand"`
	Selection SelectionConfig `yaml:"selection"`
	Progress  ProgressConfig  `yaml:"progress"`
	Queue     QueueConfig     `yaml:"queue"`
	Log       LogConfig       `yaml:"log"`
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL
	MaxOpenConns  int    // Maximum open connections (default 25)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist face HNSW index (optional, if empty index is rebuilt on startup)
	SQLitePath    string // Embedded store used when URL is empty
}

type RedisConfig struct {
	Addr     string // empty disables Redis (in-memory progress store, local queue)
	Password string
	DB       int
}

type WebConfig struct {
	Host string
	Port int
	// AllowedOrigins receive CORS headers and may open WebSocket streams.
	// Localhost is always allowed.
	AllowedOrigins []string
}

// ExpandConfig holds job defaults and the failed-query policy.
type ExpandConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	SearchLimit         int     `yaml:"search_limit"`
	FailurePolicy       string  `yaml:"failure_policy"`
	AutoExpandOnAccept  bool    `yaml:"auto_expand_on_accept"`
	AutoPrototypeCount  int     `yaml:"auto_prototype_count"`
	AutoSuggestionCap   int     `yaml:"auto_suggestion_cap"`
}

// SelectionConfig holds the prototype scoring weights.
type SelectionConfig struct {
	QualityWeight   float64 `yaml:"quality_weight"`
	DiversityWeight float64 `yaml:"diversity_weight"`
	DiversityMax    float64 `yaml:"diversity_max"`
	DiversityStep   float64 `yaml:"diversity_step"`
	DefaultQuality  float64 `yaml:"default_quality"`
}

type ProgressConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ObserverTimeout time.Duration `yaml:"observer_timeout"`
}

type QueueConfig struct {
	Backend      string        `yaml:"backend"` // local or redis
	Workers      int           `yaml:"workers"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable as a time.Duration, falling back to defaultVal.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList splits a comma separated environment variable, dropping empty items.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// Load builds the configuration from the embedded defaults, the optional
// CONFIG_FILE override and the environment, in that order.
func Load() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// Embedded file, this only fails on a broken build.
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.Database = DatabaseConfig{
		URL:           os.Getenv("DATABASE_URL"),
		MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
		HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		SQLitePath:    envString("SQLITE_PATH", "face-expand.db"),
	}
	cfg.Redis = RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       envInt("REDIS_DB", 0),
	}
	cfg.Web = WebConfig{
		Host: envString("WEB_HOST", "0.0.0.0"),
		Port: envInt("WEB_PORT", 8080),

		AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
	}

	cfg.Expand.ConfidenceThreshold = envFloat("EXPAND_CONFIDENCE_THRESHOLD", cfg.Expand.ConfidenceThreshold)
	cfg.Expand.SearchLimit = envInt("EXPAND_SEARCH_LIMIT", cfg.Expand.SearchLimit)
	cfg.Expand.FailurePolicy = envString("EXPAND_FAILURE_POLICY", cfg.Expand.FailurePolicy)
	cfg.Expand.AutoExpandOnAccept = envBool("EXPAND_AUTO_ON_ACCEPT", cfg.Expand.AutoExpandOnAccept)
	cfg.Progress.TTL = envDuration("PROGRESS_TTL", cfg.Progress.TTL)
	cfg.Progress.PollInterval = envDuration("PROGRESS_POLL_INTERVAL", cfg.Progress.PollInterval)
	cfg.Progress.ObserverTimeout = envDuration("PROGRESS_OBSERVER_TIMEOUT", cfg.Progress.ObserverTimeout)
	cfg.Queue.Backend = envString("QUEUE_BACKEND", cfg.Queue.Backend)
	cfg.Queue.Workers = envInt("QUEUE_WORKERS", cfg.Queue.Workers)
	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Development = envBool("LOG_DEVELOPMENT", cfg.Log.Development)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the policy values for ranges the engine relies on.
func (c *Config) Validate() error {
	var errs []error

	if c.Expand.ConfidenceThreshold <= 0 || c.Expand.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("expand.confidence_threshold must be in (0,1], got %v", c.Expand.ConfidenceThreshold))
	}
	if c.Expand.SearchLimit <= 0 {
		errs = append(errs, fmt.Errorf("expand.search_limit must be positive, got %d", c.Expand.SearchLimit))
	}
	switch c.Expand.FailurePolicy {
	case "all", "any", "never":
	default:
		errs = append(errs, fmt.Errorf("expand.failure_policy must be all, any or never, got %q", c.Expand.FailurePolicy))
	}
	if c.Selection.QualityWeight < 0 || c.Selection.DiversityWeight < 0 {
		errs = append(errs, errors.New("selection weights must not be negative"))
	}
	if c.Selection.DefaultQuality < 0 || c.Selection.DefaultQuality > 1 {
		errs = append(errs, fmt.Errorf("selection.default_quality must be in [0,1], got %v", c.Selection.DefaultQuality))
	}
	if c.Progress.TTL <= 0 || c.Progress.PollInterval <= 0 || c.Progress.ObserverTimeout <= 0 {
		errs = append(errs, errors.New("progress durations must be positive"))
	}
	switch c.Queue.Backend {
	case "local", "redis":
	default:
		errs = append(errs, fmt.Errorf("queue.backend must be local or redis, got %q", c.Queue.Backend))
	}
	if c.Queue.Backend == "redis" && c.Redis.Addr == "" {
		errs = append(errs, errors.New("queue.backend redis requires REDIS_ADDR"))
	}
	if c.Queue.Workers <= 0 || c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("queue.workers and queue.max_attempts must be positive"))
	}

	return errors.Join(errs...)
}
