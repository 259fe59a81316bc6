package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"
)

// ErrMissingAPIKey is returned when the selected LLM provider has no credential.
var ErrMissingAPIKey = errors.New("missing LLM API key")

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Providers  []ProviderConfig `json:"providers"`
	LLM        LLMConfig        `json:"llm"`
	Simulation SimulationConfig `json:"simulation"`
	Memory     MemoryConfig     `json:"memory"`
	Knowledge  KnowledgeConfig  `json:"knowledge"`
	Database   DatabaseConfig   `json:"database"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Gateway    GatewayConfig    `json:"gateway"`
	Evaluator  EvaluatorConfig  `json:"evaluator"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// LLMConfig selects the provider and model every agent talks to.
type LLMConfig struct {
	Provider       string   `json:"provider"`
	Model          string   `json:"model"`
	Temperature    float64  `json:"temperature"`
	MaxTokens      int      `json:"max_tokens"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Fallbacks      []string `json:"fallbacks,omitempty"`
}

// Timeout returns the per-call timeout, zero meaning the provider default.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type SimulationConfig struct {
	TotalDays         int      `json:"total_days"`
	TimeSlots         []string `json:"time_slots"`
	ExamQuestionCount int      `json:"exam_question_count"`
	MaxDialogueRounds int      `json:"max_dialogue_rounds"`
	RunExam           bool     `json:"run_exam"`
	Seed              uint64   `json:"seed"`
	StartDate         string   `json:"start_date"`
	MapFile           string   `json:"map_file"`
	CalendarFile      string   `json:"calendar_file"`
	Personas          []string `json:"personas"`
	DialogueLogDir    string   `json:"dialogue_log_dir"`
	DialogueMode      string   `json:"dialogue_mode"` // free | structured
}

type MemoryConfig struct {
	Backend    string `json:"backend"` // sqlite | neo4j
	SQLitePath string `json:"sqlite_path"`
}

type KnowledgeConfig struct {
	Path       string `json:"path"`
	Index      string `json:"index"` // keyword | vector
	Collection string `json:"collection"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type GatewayConfig struct {
	Slack   SlackGatewayConfig   `json:"slack"`
	Discord DiscordGatewayConfig `json:"discord"`
}

type SlackGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type EvaluatorConfig struct {
	Model          string `json:"model"`
	MaxInputTokens int    `json:"max_input_tokens"`
	RetryTimes     int    `json:"retry_times"`
	BaseSleepMS    int    `json:"base_sleep_ms"`
}

// BaseSleep returns the first backoff interval of the evaluator.
func (c EvaluatorConfig) BaseSleep() time.Duration {
	return time.Duration(c.BaseSleepMS) * time.Millisecond
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and fills defaults. It does not validate; call Validate before use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes config bytes after environment substitution.
func Parse(data []byte) (*Config, error) {
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Simulation
	if s.TotalDays == 0 {
		s.TotalDays = 1
	}
	if len(s.TimeSlots) == 0 {
		s.TimeSlots = []string{"morning_1", "morning_2", "afternoon_1", "afternoon_2", "evening"}
	}
	if s.ExamQuestionCount == 0 {
		s.ExamQuestionCount = 5
	}
	if s.MaxDialogueRounds == 0 {
		s.MaxDialogueRounds = 5
	}
	if s.DialogueLogDir == "" {
		s.DialogueLogDir = "./log"
	}
	if s.DialogueMode == "" {
		s.DialogueMode = "free"
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "sqlite"
	}
	if c.Memory.SQLitePath == "" {
		c.Memory.SQLitePath = "./data/memory.db"
	}
	if c.Knowledge.Index == "" {
		c.Knowledge.Index = "keyword"
	}
	if c.Knowledge.Collection == "" {
		c.Knowledge.Collection = "knowledge_base"
	}
	if c.Evaluator.MaxInputTokens == 0 {
		c.Evaluator.MaxInputTokens = 16000
	}
	if c.Evaluator.RetryTimes == 0 {
		c.Evaluator.RetryTimes = 3
	}
	if c.Evaluator.BaseSleepMS == 0 {
		c.Evaluator.BaseSleepMS = 500
	}
}

// SelectedProvider returns the provider named by llm.provider, or the first
// configured provider when none is named.
func (c *Config) SelectedProvider() (ProviderConfig, bool) {
	if len(c.Providers) == 0 {
		return ProviderConfig{}, false
	}
	if c.LLM.Provider == "" {
		return c.Providers[0], true
	}
	for _, p := range c.Providers {
		if p.ID == c.LLM.Provider {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate checks the settings the simulation cannot start without.
func (c *Config) Validate() error {
	if err := c.ValidateLLM(); err != nil {
		return err
	}
	if c.Simulation.MapFile == "" {
		return fmt.Errorf("simulation.map_file is required")
	}
	if m := c.Simulation.DialogueMode; m != "free" && m != "structured" {
		return fmt.Errorf("simulation.dialogue_mode must be free or structured, got %q", m)
	}
	if len(c.Simulation.Personas) == 0 {
		return fmt.Errorf("simulation.personas must list at least one persona file")
	}
	return nil
}

// ValidateLLM checks only the provider settings, for commands that call the
// LLM without running a simulation.
func (c *Config) ValidateLLM() error {
	p, ok := c.SelectedProvider()
	if !ok {
		if c.LLM.Provider != "" {
			return fmt.Errorf("llm provider %q is not configured", c.LLM.Provider)
		}
		return fmt.Errorf("no LLM provider configured: %w", ErrMissingAPIKey)
	}
	if p.APIKey == "" {
		return fmt.Errorf("provider %q: %w (set it through the environment, e.g. ${LLM_API_KEY})", p.ID, ErrMissingAPIKey)
	}
	if p.Type != "openai" && p.Type != "anthropic" {
		return fmt.Errorf("provider %q: unsupported type %q", p.ID, p.Type)
	}
	return nil
}
