package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Options for loading config. ConfigPath is relative to RootDir if not absolute.
type Options struct {
	ConfigPath   string
	RootDir      string
	SkipValidate bool
	// Overrides apply last (flags > env > file > defaults). Nil means no CLI overrides.
	Overrides *Overrides
}

// Overrides holds CLI flag values. Only non-nil fields are applied.
type Overrides struct {
	StateDir        *string
	Listen          *string
	IntervalSeconds *float64
	Strategy        *string
	CLIPBaseURL     *string
	RedisAddr       *string
}

// Load builds config with precedence: defaults → config file → env vars → Overrides.
// Returns an error suitable for exit code 2 when invalid.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	// Precedence stays: explicit env > .env.local > .env.
	if err := loadDotEnvFiles(".env.local", ".env"); err != nil {
		return nil, fmt.Errorf("CONFIG_INVALID: failed loading dotenv files: %w", err)
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = DefaultConfigFile
	}
	if !filepath.IsAbs(configPath) && opts.RootDir != "" {
		configPath = filepath.Join(opts.RootDir, configPath)
	}
	if err := applyFile(&cfg, configPath); err != nil {
		return nil, err
	}

	applyEnv(&cfg)

	if opts.Overrides != nil {
		applyOverrides(&cfg, opts.Overrides)
	}

	if !opts.SkipValidate {
		if err := Validate(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadFile loads defaults plus an optional config file without dotenv or env
// overlays. Used by config init and print.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := applyFile(&cfg, path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("CONFIG_INVALID: cannot read config file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("CONFIG_INVALID: malformed TOML in %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("CONFIG_INVALID: malformed YAML in %s: %w", path, err)
		}
	}
	return nil
}

// SaveFile writes cfg as YAML, creating parent directories.
func SaveFile(path string, cfg *Config) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("config path is required")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config yaml: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := envString("SCENELENS_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := envString("SCENELENS_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v, ok := envFloat("SCENELENS_SAMPLE_INTERVAL"); ok {
		cfg.Sampling.IntervalSeconds = v
	}
	if v := envString("SCENELENS_EXTRACT_STRATEGY"); v != "" {
		cfg.Extract.Strategy = v
	}
	if v := envString("SCENELENS_CLIP_URL"); v != "" {
		cfg.Models.CLIPBaseURL = v
	}
	if v := envString("SCENELENS_CLIP_API_KEY"); v != "" {
		cfg.Models.CLIPAPIKey = v
	}
	if v := envString("SCENELENS_CAPTION_PROVIDER"); v != "" {
		cfg.Models.CaptionProvider = v
	}
	if v := envString("OPENAI_API_KEY"); v != "" {
		cfg.Models.OpenAIAPIKey = v
	}
	if v := envString("OPENAI_BASE_URL"); v != "" {
		cfg.Models.OpenAIBaseURL = v
	}
	if v := envString("SCENELENS_REDIS_ADDR"); v != "" {
		cfg.Coord.RedisAddr = v
	}
	if v := envString("SCENELENS_REDIS_PASSWORD"); v != "" {
		cfg.Coord.RedisPassword = v
	}
	if v := envString("MINIO_ENDPOINT"); v != "" {
		cfg.Media.MinIO.Endpoint = v
	}
	if v := envString("MINIO_ACCESS_KEY"); v != "" {
		cfg.Media.MinIO.AccessKey = v
	}
	if v := envString("MINIO_SECRET_KEY"); v != "" {
		cfg.Media.MinIO.SecretKey = v
	}
	if v := envString("SCENELENS_TRACING"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Tracing.Enabled = parsed
		}
	}
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o.StateDir != nil {
		cfg.StateDir = *o.StateDir
	}
	if o.Listen != nil {
		cfg.Server.Listen = *o.Listen
	}
	if o.IntervalSeconds != nil {
		cfg.Sampling.IntervalSeconds = *o.IntervalSeconds
	}
	if o.Strategy != nil {
		cfg.Extract.Strategy = *o.Strategy
	}
	if o.CLIPBaseURL != nil {
		cfg.Models.CLIPBaseURL = *o.CLIPBaseURL
	}
	if o.RedisAddr != nil {
		cfg.Coord.RedisAddr = *o.RedisAddr
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envFloat(key string) (float64, bool) {
	raw := envString(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
