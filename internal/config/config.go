package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the memory service.
type Config struct {
	BindAddr          string
	ShutdownTimeout   time.Duration
	MetricsNamespace  string
	InactivityTimeout time.Duration

	AllowAnyOrigin bool

	DatabaseURL  string
	EmbeddingDim int

	AnthropicAPIKey string
	ExtractModel    string
	GenerateModel   string

	// Governor scoring weights.
	SimilarityWeight float64
	RecencyWeight    float64
	BlockStateWeight float64
	PinBonus         float64

	// Routing thresholds.
	ResumeThreshold float64
	TieBreakMargin  float64
	DedupThreshold  float64

	// Block lifecycle, measured in sequence numbers.
	IdleWindow       uint64
	ArchiveRetention uint64

	// Recency decay half-life, measured in sequence numbers.
	RecencyHalfLife uint64

	// Candidate and bundle limits.
	SearchK          int
	PerBlockBudget   int
	TokenBudget      int
	ConfidenceFloor  float64
	RetrievalTimeout time.Duration
	ExtractTimeout   time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "mnemosyne"),
		AllowAnyOrigin:    false,
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),
		EmbeddingDim:      384,
		AnthropicAPIKey:   stringsTrimSpace("ANTHROPIC_API_KEY"),
		ExtractModel:      envOrDefault("MEMORY_EXTRACT_MODEL", "claude-3-5-haiku-latest"),
		GenerateModel:     envOrDefault("MEMORY_GENERATE_MODEL", "claude-sonnet-4-20250514"),
		SimilarityWeight:  1.0,
		RecencyWeight:     0.3,
		BlockStateWeight:  0.2,
		PinBonus:          100.0,
		ResumeThreshold:   0.72,
		TieBreakMargin:    0.05,
		DedupThreshold:    0.97,
		IdleWindow:        40,
		ArchiveRetention:  200,
		RecencyHalfLife:   25,
		SearchK:           32,
		PerBlockBudget:    8,
		TokenBudget:       6000,
		ConfidenceFloor:   0.6,
		RetrievalTimeout:  400 * time.Millisecond,
		ExtractTimeout:    5 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		InactivityTimeout: 30 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.InactivityTimeout, err = durationFromEnv("MEMORY_INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RetrievalTimeout, err = durationFromEnv("MEMORY_RETRIEVAL_TIMEOUT", cfg.RetrievalTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ExtractTimeout, err = durationFromEnv("MEMORY_EXTRACT_TIMEOUT", cfg.ExtractTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("MEMORY_EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.SearchK, err = intFromEnv("MEMORY_SEARCH_K", cfg.SearchK)
	if err != nil {
		return Config{}, err
	}
	cfg.PerBlockBudget, err = intFromEnv("MEMORY_PER_BLOCK_BUDGET", cfg.PerBlockBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenBudget, err = intFromEnv("MEMORY_TOKEN_BUDGET", cfg.TokenBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleWindow, err = uint64FromEnv("MEMORY_IDLE_WINDOW", cfg.IdleWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.ArchiveRetention, err = uint64FromEnv("MEMORY_ARCHIVE_RETENTION", cfg.ArchiveRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.RecencyHalfLife, err = uint64FromEnv("MEMORY_RECENCY_HALF_LIFE", cfg.RecencyHalfLife)
	if err != nil {
		return Config{}, err
	}
	cfg.SimilarityWeight, err = floatFromEnv("GOVERNOR_SIMILARITY_WEIGHT", cfg.SimilarityWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.RecencyWeight, err = floatFromEnv("GOVERNOR_RECENCY_WEIGHT", cfg.RecencyWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.BlockStateWeight, err = floatFromEnv("GOVERNOR_BLOCK_STATE_WEIGHT", cfg.BlockStateWeight)
	if err != nil {
		return Config{}, err
	}
	cfg.PinBonus, err = floatFromEnv("GOVERNOR_PIN_BONUS", cfg.PinBonus)
	if err != nil {
		return Config{}, err
	}
	cfg.ResumeThreshold, err = floatFromEnv("GOVERNOR_RESUME_THRESHOLD", cfg.ResumeThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.TieBreakMargin, err = floatFromEnv("GOVERNOR_TIE_BREAK_MARGIN", cfg.TieBreakMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.DedupThreshold, err = floatFromEnv("GOVERNOR_DEDUP_THRESHOLD", cfg.DedupThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfidenceFloor, err = floatFromEnv("MEMORY_CONFIDENCE_FLOOR", cfg.ConfidenceFloor)
	if err != nil {
		return Config{}, err
	}

	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("MEMORY_EMBEDDING_DIM must be positive")
	}
	if cfg.SearchK <= 0 {
		return Config{}, fmt.Errorf("MEMORY_SEARCH_K must be positive")
	}
	if cfg.PerBlockBudget < 1 {
		return Config{}, fmt.Errorf("MEMORY_PER_BLOCK_BUDGET must be at least 1")
	}
	if cfg.PerBlockBudget > 64 {
		cfg.PerBlockBudget = 64
	}
	if cfg.TokenBudget <= 0 {
		return Config{}, fmt.Errorf("MEMORY_TOKEN_BUDGET must be positive")
	}
	if cfg.IdleWindow == 0 {
		return Config{}, fmt.Errorf("MEMORY_IDLE_WINDOW must be positive")
	}
	if cfg.ResumeThreshold <= 0 || cfg.ResumeThreshold > 1 {
		return Config{}, fmt.Errorf("GOVERNOR_RESUME_THRESHOLD must be in (0, 1]")
	}
	if cfg.TieBreakMargin < 0 || cfg.TieBreakMargin >= 1 {
		return Config{}, fmt.Errorf("GOVERNOR_TIE_BREAK_MARGIN must be in [0, 1)")
	}
	if cfg.DedupThreshold <= 0 || cfg.DedupThreshold > 1 {
		return Config{}, fmt.Errorf("GOVERNOR_DEDUP_THRESHOLD must be in (0, 1]")
	}
	if cfg.ConfidenceFloor < 0 || cfg.ConfidenceFloor > 1 {
		return Config{}, fmt.Errorf("MEMORY_CONFIDENCE_FLOOR must be in [0, 1]")
	}
	if cfg.RetrievalTimeout <= 0 {
		return Config{}, fmt.Errorf("MEMORY_RETRIEVAL_TIMEOUT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func uint64FromEnv(key string, fallback uint64) (uint64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
