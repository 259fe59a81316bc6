package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const sample = `{
  "providers": [
    {"id": "main", "type": "openai", "endpoint": "${LLM_ENDPOINT:https://example.test/v1}", "api_key": "${CAMPUS_TEST_KEY}"}
  ],
  "llm": {"provider": "main", "model": "qwen-max"},
  "simulation": {"map_file": "configs/map.json", "personas": ["configs/agents/expert.json"]}
}`

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("CAMPUS_TEST_KEY", "sk-test")

	path := filepath.Join(t.TempDir(), "campus.json")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-test" {
		t.Errorf("api key = %q, want sk-test", got)
	}
	if got := cfg.Providers[0].Endpoint; got != "https://example.test/v1" {
		t.Errorf("endpoint default not applied: %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateFailsWithoutKey(t *testing.T) {
	t.Setenv("CAMPUS_TEST_KEY", "")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	err = cfg.Validate()
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("Validate error = %v, want ErrMissingAPIKey", err)
	}
}

func TestValidateNoProviders(t *testing.T) {
	cfg, err := Parse([]byte(`{"simulation": {"map_file": "m.json", "personas": ["p.json"]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("got %v, want ErrMissingAPIKey", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Simulation.TimeSlots) != 5 {
		t.Errorf("time slots = %v", cfg.Simulation.TimeSlots)
	}
	if cfg.Memory.Backend != "sqlite" {
		t.Errorf("memory backend = %q", cfg.Memory.Backend)
	}
	if cfg.Evaluator.RetryTimes != 3 || cfg.Evaluator.BaseSleep().Milliseconds() != 500 {
		t.Errorf("evaluator defaults = %+v", cfg.Evaluator)
	}
}
