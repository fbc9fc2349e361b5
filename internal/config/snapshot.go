package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SnapshotConfig returns a copy of cfg with secrets replaced by their source.
func SnapshotConfig(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	c := *cfg
	c.Models.CLIPAPIKey = redactSecret(cfg.Models.CLIPAPIKey, "SCENELENS_CLIP_API_KEY")
	c.Models.OpenAIAPIKey = redactSecret(cfg.Models.OpenAIAPIKey, "OPENAI_API_KEY")
	c.Media.MinIO.AccessKey = redactSecret(cfg.Media.MinIO.AccessKey, "MINIO_ACCESS_KEY")
	c.Media.MinIO.SecretKey = redactSecret(cfg.Media.MinIO.SecretKey, "MINIO_SECRET_KEY")
	c.Coord.RedisPassword = redactSecret(cfg.Coord.RedisPassword, "SCENELENS_REDIS_PASSWORD")
	return &c
}

func redactSecret(value, envName string) string {
	if value == "" {
		return ""
	}
	return "<from env " + envName + ">"
}

// WriteSnapshot writes the redacted config to stateDir/config.snapshot.yaml.
func WriteSnapshot(stateDir string, cfg *Config) error {
	snap := SnapshotConfig(cfg)
	if snap == nil {
		return fmt.Errorf("config is nil")
	}
	data, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, "config.snapshot.yaml"), data, 0o600)
}
