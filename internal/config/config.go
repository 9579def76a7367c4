package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type DBConfig struct {
	Connection  string `yaml:"connection"`
	Database    string `yaml:"database"`
	Collections struct {
		KnowledgeBases string `yaml:"knowledge_bases"`
		Documents      string `yaml:"documents"`
	} `yaml:"collections"`
}

type LogicConfig struct {
	DelayMS         int      `yaml:"delay_ms"`
	TimeoutSec      int      `yaml:"timeout_sec"`
	MaxDepth        int      `yaml:"max_depth"`
	MaxPages        int      `yaml:"max_pages"`
	UserAgent       string   `yaml:"user_agent"`
	RespectRobots   bool     `yaml:"respect_robots"`
	UseSitemap      bool     `yaml:"use_sitemap"`
	Readability     bool     `yaml:"readability"`
	Fetcher         string   `yaml:"fetcher"`
	FollowPatterns  []string `yaml:"follow_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

func (l LogicConfig) Delay() time.Duration {
	return time.Duration(l.DelayMS) * time.Millisecond
}

func (l LogicConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

type IndexConfig struct {
	Path      string `yaml:"path"`
	ChunkSize int    `yaml:"chunk_size"`
	TopK      int    `yaml:"top_k"`
	Workers   int    `yaml:"workers"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	OllamaHost string `yaml:"ollama_host"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

type BudgetConfig struct {
	PerMessageOverhead int `yaml:"per_message_overhead"`
	KBFloor            int `yaml:"kb_floor"`
	DiffReserve        int `yaml:"diff_reserve"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Development bool   `yaml:"development"`
}

type SpiderConfig struct {
	DB        DBConfig        `yaml:"db"`
	Logic     LogicConfig     `yaml:"logic"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Budget    BudgetConfig    `yaml:"budget"`
	Logging   LoggingConfig   `yaml:"logging"`
}

func Default() *SpiderConfig {
	cfg := &SpiderConfig{
		Logic: LogicConfig{
			DelayMS:       500,
			TimeoutSec:    10,
			MaxDepth:      2,
			MaxPages:      50,
			UserAgent:     "KnowledgeSpider/1.0",
			RespectRobots: true,
			Fetcher:       "http",
		},
		Index: IndexConfig{
			Path:      "kb_index.db",
			ChunkSize: 800,
			TopK:      5,
			Workers:   4,
		},
		Embedding: EmbeddingConfig{
			Provider:   "hash",
			Model:      "nomic-embed-text",
			OllamaHost: "http://localhost:11434",
			Dimensions: 256,
		},
		Budget: BudgetConfig{
			PerMessageOverhead: 4,
			KBFloor:            1000,
			DiffReserve:        100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
	cfg.DB.Connection = "mongodb://localhost:27017"
	cfg.DB.Database = "knowledge_spider"
	cfg.DB.Collections.KnowledgeBases = "knowledge_bases"
	cfg.DB.Collections.Documents = "documents"
	return cfg
}

// LoadConfig reads path over the defaults and applies environment
// overrides. An empty path yields defaults plus environment.
func LoadConfig(path string) (*SpiderConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *SpiderConfig) applyEnvOverrides() {
	if v := os.Getenv("KB_MONGO_URI"); v != "" {
		c.DB.Connection = v
	}
	if v := os.Getenv("KB_INDEX_PATH"); v != "" {
		c.Index.Path = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Embedding.OllamaHost = v
	}
	if v := os.Getenv("KB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func (c *SpiderConfig) Validate() error {
	var errs []error
	if c.Logic.MaxDepth < 0 {
		errs = append(errs, errors.New("logic.max_depth must be >= 0"))
	}
	if c.Logic.MaxPages <= 0 {
		errs = append(errs, errors.New("logic.max_pages must be > 0"))
	}
	if c.Logic.TimeoutSec <= 0 {
		errs = append(errs, errors.New("logic.timeout_sec must be > 0"))
	}
	if c.Logic.DelayMS < 0 {
		errs = append(errs, errors.New("logic.delay_ms must be >= 0"))
	}
	switch c.Logic.Fetcher {
	case "http", "colly":
	default:
		errs = append(errs, fmt.Errorf("logic.fetcher %q: want http or colly", c.Logic.Fetcher))
	}
	if c.Index.ChunkSize <= 0 {
		errs = append(errs, errors.New("index.chunk_size must be > 0"))
	}
	if c.Index.Workers <= 0 {
		errs = append(errs, errors.New("index.workers must be > 0"))
	}
	switch c.Embedding.Provider {
	case "hash", "ollama":
	case "genai":
		if c.Embedding.APIKey == "" {
			errs = append(errs, errors.New("embedding.api_key (or GEMINI_API_KEY) required for genai"))
		}
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q: want hash, ollama or genai", c.Embedding.Provider))
	}
	if c.Budget.PerMessageOverhead < 0 || c.Budget.KBFloor < 0 || c.Budget.DiffReserve < 0 {
		errs = append(errs, errors.New("budget values must be >= 0"))
	}
	return errors.Join(errs...)
}
