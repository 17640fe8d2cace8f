// Package config loads service configuration from the environment, with an
// optional .env file for local development. Out-of-range values fall back to
// their defaults rather than failing startup.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the evaluation service.
type Config struct {
	// Upstream APIs.
	GitHubAPIBase string
	GitHubToken   string
	ModelAPIBase  string
	ModelAPIKey   string
	ModelName     string

	// Selection and cache tunables.
	SimilarityThreshold float64
	MaxCacheEntries     int
	MaxFilesPerEval     int
	MaxFileBytes        int64
	MaxAggregateBytes   int64
	MaxListingFiles     int

	// Orchestration.
	EvalDeadline time.Duration
	WorkerCount  int
	QueueSize    int
	WarmInterval time.Duration
	UsageSweep   time.Duration

	// Service surface.
	HTTPAddr    string
	DBPath      string
	CoursesPath string
	ShapesPath  string
	AuthTokens  string
}

// Default returns the configuration used when the environment sets nothing.
func Default() Config {
	return Config{
		GitHubAPIBase:       "https://api.github.com",
		ModelAPIBase:        "https://api.openai.com/v1",
		ModelName:           "gpt-4o-mini",
		SimilarityThreshold: 0.8,
		MaxCacheEntries:     1000,
		MaxFilesPerEval:     50,
		MaxFileBytes:        512 * 1024,
		MaxAggregateBytes:   4 * 1024 * 1024,
		MaxListingFiles:     20000,
		EvalDeadline:        5 * time.Minute,
		WorkerCount:         4,
		QueueSize:           64,
		WarmInterval:        time.Hour,
		UsageSweep:          time.Hour,
		HTTPAddr:            ":8080",
		DBPath:              "repograde.db",
	}
}

// Load reads the environment into a Config. A .env file in the working
// directory is applied first when present.
func Load() Config {
	_ = godotenv.Load()

	cfg := Default()
	cfg.GitHubAPIBase = envString("GITHUB_API_BASE", cfg.GitHubAPIBase)
	cfg.GitHubToken = envString("GITHUB_TOKEN", cfg.GitHubToken)
	cfg.ModelAPIBase = envString("MODEL_API_BASE", cfg.ModelAPIBase)
	cfg.ModelAPIKey = envString("MODEL_API_KEY", cfg.ModelAPIKey)
	cfg.ModelName = envString("MODEL_NAME", cfg.ModelName)

	cfg.SimilarityThreshold = envFloat("CACHE_SIMILARITY_THRESHOLD", cfg.SimilarityThreshold)
	cfg.MaxCacheEntries = envInt("MAX_CACHE_ENTRIES", cfg.MaxCacheEntries)
	cfg.MaxFilesPerEval = envInt("MAX_FILES_PER_EVALUATION", cfg.MaxFilesPerEval)
	cfg.MaxFileBytes = envInt64("MAX_FILE_BYTES", cfg.MaxFileBytes)
	cfg.MaxAggregateBytes = envInt64("MAX_AGGREGATE_BYTES", cfg.MaxAggregateBytes)
	cfg.MaxListingFiles = envInt("MAX_LISTING_FILES", cfg.MaxListingFiles)

	cfg.EvalDeadline = envSeconds("EVAL_DEADLINE_SECONDS", cfg.EvalDeadline)
	cfg.WorkerCount = envInt("WORKER_COUNT", cfg.WorkerCount)
	cfg.QueueSize = envInt("QUEUE_SIZE", cfg.QueueSize)
	cfg.WarmInterval = envSeconds("WARM_INTERVAL_SECONDS", cfg.WarmInterval)
	cfg.UsageSweep = envSeconds("USAGE_SWEEP_SECONDS", cfg.UsageSweep)

	cfg.HTTPAddr = envString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.DBPath = envString("DB_PATH", cfg.DBPath)
	cfg.CoursesPath = envString("COURSES_PATH", cfg.CoursesPath)
	cfg.ShapesPath = envString("SHAPES_PATH", cfg.ShapesPath)
	cfg.AuthTokens = envString("AUTH_TOKENS", cfg.AuthTokens)

	cfg.clamp()
	return cfg
}

// clamp resets out-of-range numerics to their defaults so a bad environment
// cannot disable caps entirely.
func (c *Config) clamp() {
	d := Default()
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		slog.Warn("similarity threshold out of range, using default", "value", c.SimilarityThreshold, "default", d.SimilarityThreshold)
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.MaxCacheEntries < 1 {
		c.MaxCacheEntries = d.MaxCacheEntries
	}
	if c.MaxFilesPerEval < 1 {
		c.MaxFilesPerEval = d.MaxFilesPerEval
	}
	if c.MaxFileBytes < 1 {
		c.MaxFileBytes = d.MaxFileBytes
	}
	if c.MaxAggregateBytes < 1 {
		c.MaxAggregateBytes = d.MaxAggregateBytes
	}
	if c.MaxListingFiles < 1 {
		c.MaxListingFiles = d.MaxListingFiles
	}
	if c.EvalDeadline < time.Second {
		c.EvalDeadline = d.EvalDeadline
	}
	if c.WorkerCount < 1 {
		c.WorkerCount = d.WorkerCount
	}
	if c.QueueSize < 1 {
		c.QueueSize = d.QueueSize
	}
	if c.WarmInterval < time.Second {
		c.WarmInterval = d.WarmInterval
	}
	if c.UsageSweep < time.Second {
		c.UsageSweep = d.UsageSweep
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", v)
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment", "key", key, "value", v)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float in environment", "key", key, "value", v)
		return def
	}
	return f
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid seconds value in environment", "key", key, "value", v)
		return def
	}
	return time.Duration(n) * time.Second
}
