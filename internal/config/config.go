// Package config loads the cell daemon configuration from TOML with
// environment-variable overrides for secrets.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Agent     AgentConfig     `toml:"agent"`
	Sensor    SensorConfig    `toml:"sensor"`
	LLM       LLMConfig       `toml:"llm"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Memory    MemoryConfig    `toml:"memory"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Tools     ToolsConfig     `toml:"tools"`
	Observer  ObserverConfig  `toml:"observer"`
}

type AgentConfig struct {
	Name            string `toml:"name"`
	User            string `toml:"user"`
	MaxCycles       int    `toml:"max_cycles"`
	CompletionToken string `toml:"completion_token"`
	ContextTokens   int    `toml:"context_tokens"`
	SearchField     string `toml:"search_field"`
	ReplyChannel    string `toml:"reply_channel"`
}

type SensorConfig struct {
	Channel     string            `toml:"channel"`
	Template    string            `toml:"template"`
	Fields      []string          `toml:"fields"`
	IDField     string            `toml:"id_field"`
	Filters     map[string]string `toml:"filters"`
	PollSeconds int               `toml:"poll_seconds"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type EmbeddingConfig struct {
	BaseURL    string `toml:"base_url"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type MemoryConfig struct {
	SearchLimit    int     `toml:"search_limit"`
	SearchMinScore float32 `toml:"search_min_score"`
	SectionChars   int     `toml:"section_chars"`
	OverlapChars   int     `toml:"overlap_chars"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type ToolsConfig struct {
	Allowed []string     `toml:"allowed"`
	Servers []ToolServer `toml:"servers"`
	// Params holds per-tool default parameters, e.g.
	// [tools.params.search] engine = "brave".
	Params map[string]map[string]string `toml:"params"`
}

type ToolServer struct {
	Name      string            `toml:"name"`
	Transport string            `toml:"transport"` // "stdio" or "http"
	Command   []string          `toml:"command"`
	URL       string            `toml:"url"`
	Env       map[string]string `toml:"env"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Name:            "cell",
			User:            "default",
			MaxCycles:       10,
			CompletionToken: "<<DONE>>",
			ContextTokens:   8192,
			SearchField:     "message",
			ReplyChannel:    "sender",
		},
		Sensor: SensorConfig{
			Channel:     "chat",
			IDField:     "id",
			PollSeconds: 5,
		},
		LLM:       LLMConfig{BaseURL: "http://localhost:8080/v1", Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{BaseURL: "http://localhost:8080/v1", Model: "text-embedding-3-small", Dimensions: 1536},
		Memory:    MemoryConfig{SearchLimit: 20, SearchMinScore: 0.5, SectionChars: 2048, OverlapChars: 200},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "cell.db"},
		Redis:     RedisConfig{Addr: "localhost:6379"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "cell.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("CELL_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("CELL_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("CELL_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CELL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CELL_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if os.Getenv("CELL_OBSERVER_ENABLED") == "true" || os.Getenv("CELL_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	return cfg
}
