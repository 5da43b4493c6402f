package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xxxsen/common/logger"
	"gopkg.in/yaml.v3"
)

const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

type Config struct {
	LogConfig      logger.LogConfig     `json:"log_config"`
	Database       DatabaseConfig       `json:"database"`
	Port           int                  `json:"port"`
	CORSOrigins    []string             `json:"cors_origins"`
	TriggerWindow  int                  `json:"trigger_window"`
	JWTSecret      string               `json:"jwt_secret"`
	JWTTTLHours    int                  `json:"jwt_ttl_hours"`
	AI             AIConfig             `json:"ai"`
	Source         SourceConfig         `json:"source"`
	Pipeline       PipelineConfig       `json:"pipeline"`
	EmbeddingCache EmbeddingCacheConfig `json:"embedding_cache"`
	Export         ExportConfig         `json:"export"`
	Schedule       ScheduleConfig       `json:"schedule"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

type AIProviderConfig struct {
	Name string      `json:"name"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type AIRouteConfig struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float32 `json:"temperature"`
	MaxTokens   int      `json:"max_tokens"`
	JSON        bool     `json:"json"`
}

type AIConfig struct {
	Providers []AIProviderConfig `json:"providers"`
	// Routes maps a logical phase to an ordered list of routes; the
	// first entry is primary, the rest are fallbacks.
	Routes        map[string][]AIRouteConfig `json:"routes"`
	Timeout       int                        `json:"timeout"`
	MaxInputChars int                        `json:"max_input_chars"`
}

type SourceConfig struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	SourceType string `json:"source_type"`
}

type PipelineConfig struct {
	MinItemsPerCategory int    `json:"min_items_per_category"`
	MaxResults          int    `json:"max_results"`
	Concurrency         int    `json:"concurrency"`
	Mode                string `json:"mode"`
	CallTimeout         int    `json:"call_timeout"`
	EventBuffer         int    `json:"event_buffer"`
}

type EmbeddingCacheConfig struct {
	LruSize     int  `json:"lru_size"`
	LruTTL      int  `json:"lru_ttl"`
	EnableDB    bool `json:"enable_db"`
	CleanupDays int  `json:"cleanup_days"`
}

type FileStoreConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type ExportConfig struct {
	RepoDir     string          `json:"repo_dir"`
	Remote      string          `json:"remote"`
	Branch      string          `json:"branch"`
	AuthorName  string          `json:"author_name"`
	AuthorEmail string          `json:"author_email"`
	Push        bool            `json:"push"`
	Mirror      FileStoreConfig `json:"mirror"`
}

type ScheduleConfig struct {
	Pipeline     string `json:"pipeline"`
	Embeddings   string `json:"embeddings"`
	CacheCleanup string `json:"cache_cleanup"`
}

// Load reads a json config file, or yaml when the extension says so.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	return Parse(raw, filepath.Ext(path))
}

func Parse(raw []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		// decode into a generic tree and reuse the json tags
		var tree interface{}
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		data, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() error {
	if cfg.Database.DSN == "" && cfg.Database.Host == "" {
		return fmt.Errorf("database.dsn or database.host is required")
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.JWTTTLHours == 0 {
		cfg.JWTTTLHours = 72
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if len(cfg.AI.Providers) == 0 {
		return fmt.Errorf("ai.providers is required")
	}
	seen := map[string]bool{}
	for i, p := range cfg.AI.Providers {
		if p.Name == "" {
			cfg.AI.Providers[i].Name = p.Type
			p.Name = p.Type
		}
		if p.Type == "" {
			return fmt.Errorf("ai.providers[%d].type is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate ai provider name: %s", p.Name)
		}
		seen[p.Name] = true
	}
	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = 120
	}
	if cfg.Source.Type == "" {
		cfg.Source.Type = "json"
	}
	if cfg.Source.SourceType == "" {
		cfg.Source.SourceType = "twitter"
	}
	if cfg.Pipeline.MinItemsPerCategory <= 0 {
		cfg.Pipeline.MinItemsPerCategory = 3
	}
	if cfg.Pipeline.MaxResults <= 0 {
		cfg.Pipeline.MaxResults = 100
	}
	if cfg.Pipeline.Concurrency <= 0 {
		cfg.Pipeline.Concurrency = 4
	}
	switch cfg.Pipeline.Mode {
	case "":
		cfg.Pipeline.Mode = ModeAsync
	case ModeSync, ModeAsync:
	default:
		return fmt.Errorf("pipeline.mode must be sync or async")
	}
	if cfg.Pipeline.CallTimeout <= 0 {
		cfg.Pipeline.CallTimeout = 60
	}
	if cfg.Pipeline.EventBuffer <= 0 {
		cfg.Pipeline.EventBuffer = 256
	}
	if cfg.EmbeddingCache.CleanupDays <= 0 {
		cfg.EmbeddingCache.CleanupDays = 30
	}
	if cfg.Export.Branch == "" {
		cfg.Export.Branch = "main"
	}
	if cfg.Export.AuthorName == "" {
		cfg.Export.AuthorName = "markkb"
	}
	if cfg.Export.AuthorEmail == "" {
		cfg.Export.AuthorEmail = "markkb@localhost"
	}
	return nil
}
