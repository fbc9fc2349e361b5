package config

import (
	"fmt"
	"strings"
)

// Validate checks ranges and enum constraints. Errors carry the
// CONFIG_INVALID prefix so the CLI can map them to exit code 2.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("CONFIG_INVALID: nil config")
	}
	if strings.TrimSpace(cfg.StateDir) == "" {
		return fmt.Errorf("CONFIG_INVALID: state_dir must not be empty")
	}
	if cfg.Sampling.IntervalSeconds <= 0 {
		return fmt.Errorf("CONFIG_INVALID: sampling.interval_seconds=%v; must be positive", cfg.Sampling.IntervalSeconds)
	}
	if cfg.Index.ExactThreshold < 0 || cfg.Index.NProbe <= 0 {
		return fmt.Errorf("CONFIG_INVALID: index.exact_threshold must be >= 0 and index.nprobe > 0")
	}
	if err := validateSearch(cfg.Search); err != nil {
		return err
	}
	if err := validateExtract(cfg.Extract); err != nil {
		return err
	}
	if err := validateEnums(cfg); err != nil {
		return err
	}
	if cfg.Models.CaptionProvider == "openai" && cfg.Models.OpenAIAPIKey == "" {
		return fmt.Errorf("CONFIG_INVALID: Missing OPENAI_API_KEY for models.caption_provider=openai\nSet env: OPENAI_API_KEY=...")
	}
	if cfg.Media.KeyframeBackend == "minio" && strings.TrimSpace(cfg.Media.MinIO.Endpoint) == "" {
		return fmt.Errorf("CONFIG_INVALID: media.minio.endpoint is required for keyframe_backend=minio\nSet env: MINIO_ENDPOINT=...")
	}
	return nil
}

func validateSearch(s Search) error {
	if s.DefaultTopK <= 0 || s.MaxTopK <= 0 || s.DefaultTopK > s.MaxTopK {
		return fmt.Errorf("CONFIG_INVALID: search.default_top_k=%d must be in 1..max_top_k(%d)", s.DefaultTopK, s.MaxTopK)
	}
	if s.SemanticWeight < 0 || s.CaptionWeight < 0 {
		return fmt.Errorf("CONFIG_INVALID: search weights must be non-negative")
	}
	if s.SemanticWeight < s.CaptionWeight {
		return fmt.Errorf("CONFIG_INVALID: search.semantic_weight=%v must be >= search.caption_weight=%v", s.SemanticWeight, s.CaptionWeight)
	}
	if s.SemanticWeight+s.CaptionWeight == 0 {
		return fmt.Errorf("CONFIG_INVALID: search weights must not both be zero")
	}
	if s.Oversample <= 0 {
		return fmt.Errorf("CONFIG_INVALID: search.oversample must be positive")
	}
	if s.QueryBudgetMS <= 0 {
		return fmt.Errorf("CONFIG_INVALID: search.query_budget_ms must be positive")
	}
	return nil
}

func validateExtract(e Extract) error {
	if e.MaxFrames <= 0 {
		return fmt.Errorf("CONFIG_INVALID: extract.max_frames must be positive")
	}
	if e.DenseIntervalSeconds <= 0 || e.MaxScanFrames <= 0 {
		return fmt.Errorf("CONFIG_INVALID: extract.dense_interval_seconds and extract.max_scan_frames must be positive")
	}
	if e.MinGapSeconds < 0 {
		return fmt.Errorf("CONFIG_INVALID: extract.min_gap_seconds must be >= 0")
	}
	if e.JobTimeoutSeconds <= 0 || e.Workers <= 0 {
		return fmt.Errorf("CONFIG_INVALID: extract.job_timeout_seconds and extract.workers must be positive")
	}
	if e.MaxErrorRatio < 0 || e.MaxErrorRatio > 1 {
		return fmt.Errorf("CONFIG_INVALID: extract.max_error_ratio=%v must be within [0,1]", e.MaxErrorRatio)
	}
	return nil
}

// validateEnums checks constrained string fields against allowed values.
func validateEnums(cfg *Config) error {
	if !stringIn(cfg.Search.DefaultMode, SearchModes) {
		return fmt.Errorf("CONFIG_INVALID: search.default_mode=%q; allowed: %s", cfg.Search.DefaultMode, strings.Join(SearchModes, ", "))
	}
	if !stringIn(cfg.Extract.Strategy, ExtractStrategies) {
		return fmt.Errorf("CONFIG_INVALID: extract.strategy=%q; allowed: %s", cfg.Extract.Strategy, strings.Join(ExtractStrategies, ", "))
	}
	if !stringIn(cfg.Models.CaptionProvider, CaptionProviders) {
		return fmt.Errorf("CONFIG_INVALID: models.caption_provider=%q; allowed: %s", cfg.Models.CaptionProvider, strings.Join(CaptionProviders, ", "))
	}
	if !stringIn(cfg.Media.KeyframeBackend, KeyframeBackends) {
		return fmt.Errorf("CONFIG_INVALID: media.keyframe_backend=%q; allowed: %s", cfg.Media.KeyframeBackend, strings.Join(KeyframeBackends, ", "))
	}
	return nil
}

func stringIn(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
