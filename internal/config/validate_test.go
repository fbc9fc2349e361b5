package config

import (
	"strings"
	"testing"
)

func TestValidate_Defaults(t *testing.T) {
	cfg := Default()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"weights inverted":  func(c *Config) { c.Search.SemanticWeight, c.Search.CaptionWeight = 0.3, 0.7 },
		"bad mode":          func(c *Config) { c.Search.DefaultMode = "fuzzy" },
		"bad strategy":      func(c *Config) { c.Extract.Strategy = "random" },
		"zero interval":     func(c *Config) { c.Sampling.IntervalSeconds = 0 },
		"top_k over max":    func(c *Config) { c.Search.DefaultTopK = 500 },
		"error ratio":       func(c *Config) { c.Extract.MaxErrorRatio = 1.5 },
		"openai no key":     func(c *Config) { c.Models.CaptionProvider = "openai" },
		"minio no endpoint": func(c *Config) { c.Media.KeyframeBackend = "minio" },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := Validate(&cfg)
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !strings.HasPrefix(err.Error(), "CONFIG_INVALID:") {
			t.Errorf("%s: expected CONFIG_INVALID prefix, got %v", name, err)
		}
	}
}
