package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrecedence_FlagsOverrideEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, ".scenelens.yaml")
	yamlContent := "version: 1\nserver:\n  listen: \"0.0.0.0:9999\"\nsampling:\n  interval_seconds: 4\n"
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCENELENS_LISTEN", "127.0.0.1:7777")

	listen := "127.0.0.1:8888"
	cfg, err := Load(Options{
		ConfigPath: configPath,
		Overrides:  &Overrides{Listen: &listen},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != "127.0.0.1:8888" {
		t.Errorf("expected listen from overrides, got %q", cfg.Server.Listen)
	}
	if cfg.Sampling.IntervalSeconds != 4 {
		t.Errorf("expected interval from file, got %v", cfg.Sampling.IntervalSeconds)
	}
}

func TestPrecedence_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, ".scenelens.yaml")
	if err := os.WriteFile(configPath, []byte("models:\n  clip_base_url: \"http://from-file:1\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCENELENS_CLIP_URL", "http://from-env:2")

	cfg, err := Load(Options{ConfigPath: configPath})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Models.CLIPBaseURL != "http://from-env:2" {
		t.Fatalf("expected env to win, got %q", cfg.Models.CLIPBaseURL)
	}
	// untouched fields keep their defaults
	if cfg.Search.SemanticWeight != 0.6 || cfg.Extract.Strategy != "even" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Search, cfg.Extract)
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "scenelens.toml")
	content := "state_dir = \"/tmp/sl\"\n\n[extract]\nstrategy = \"query\"\nmax_frames = 12\n"
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(Options{ConfigPath: configPath})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.StateDir != "/tmp/sl" || cfg.Extract.Strategy != "query" || cfg.Extract.MaxFrames != 12 {
		t.Fatalf("toml values not applied: %+v", cfg)
	}
	if cfg.Extract.Workers != 4 {
		t.Fatalf("expected default workers to survive, got %d", cfg.Extract.Workers)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, ".scenelens.yaml")
	if err := os.WriteFile(configPath, []byte("search: [unclosed\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(Options{ConfigPath: configPath})
	if err == nil || !strings.HasPrefix(err.Error(), "CONFIG_INVALID:") {
		t.Fatalf("expected CONFIG_INVALID error, got %v", err)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(Options{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Sampling.IntervalSeconds != 2.0 {
		t.Fatalf("expected default interval 2.0, got %v", cfg.Sampling.IntervalSeconds)
	}
}

func TestDotEnvDoesNotOverrideExplicitEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("SCENELENS_REDIS_ADDR=from-dotenv:6379\nSCENELENS_TEST_ONLY_KEY=dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SCENELENS_REDIS_ADDR", "from-env:6379")
	t.Setenv("SCENELENS_TEST_ONLY_KEY", "")

	if err := loadDotEnvFiles(envPath); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("SCENELENS_REDIS_ADDR"); got != "from-env:6379" {
		t.Fatalf("explicit env was overridden: %q", got)
	}
	if got := os.Getenv("SCENELENS_TEST_ONLY_KEY"); got != "dotenv" {
		t.Fatalf("blank env should be filled from dotenv, got %q", got)
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".scenelens.yaml")
	cfg := Default()
	cfg.Search.DefaultTopK = 7
	if err := SaveFile(path, &cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Search.DefaultTopK != 7 {
		t.Fatalf("expected saved top_k 7, got %d", loaded.Search.DefaultTopK)
	}
}

func TestSnapshotRedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Models.OpenAIAPIKey = "sk-secret"
	cfg.Media.MinIO.SecretKey = "minio-secret"
	snap := SnapshotConfig(&cfg)
	if strings.Contains(snap.Models.OpenAIAPIKey, "sk-secret") || strings.Contains(snap.Media.MinIO.SecretKey, "minio-secret") {
		t.Fatalf("snapshot leaked secrets: %+v", snap)
	}
	if cfg.Models.OpenAIAPIKey != "sk-secret" {
		t.Fatalf("snapshot mutated the source config")
	}
}
