// Package config loads FastSearch configuration from YAML with environment
// overrides. Precedence: defaults < config file < environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration, fixed at startup.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	KB       KBConfig       `yaml:"kb"`
	Split    SplitConfig    `yaml:"split"`
	Search   SearchConfig   `yaml:"search"`
	Embed    EmbedConfig    `yaml:"embedding"`
	Reranker RerankerConfig `yaml:"reranker"`
	VectorDB VectorDBConfig `yaml:"vector_db"`
	Ingest   IngestConfig   `yaml:"ingest"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// KBConfig configures knowledge-base storage.
type KBConfig struct {
	// RootPath is the blob-store root; the catalog lives at <root>/info.db.
	RootPath string `yaml:"root_path"`
	// DefaultVSType selects the index backend for new knowledge bases.
	DefaultVSType string `yaml:"default_vs_type"`
	// WatchContent enables the fsnotify content-directory watcher.
	WatchContent bool `yaml:"watch_content"`
}

// SplitConfig configures the chunking defaults.
type SplitConfig struct {
	ChunkSize      int  `yaml:"chunk_size"`
	ChunkOverlap   int  `yaml:"chunk_overlap"`
	ZhTitleEnhance bool `yaml:"zh_title_enhance"`
}

// SearchConfig configures retrieval.
type SearchConfig struct {
	TopK           int     `yaml:"vector_search_top_k"`
	ScoreThreshold float64 `yaml:"score_threshold"`
	UseReranker    bool    `yaml:"use_reranker"`
	RerankScoreMin float64 `yaml:"reranker_score_min"`
	RerankTopN     int     `yaml:"reranker_top_n"`
}

// EmbedConfig configures the remote embedding service.
type EmbedConfig struct {
	BaseURL    string        `yaml:"base_url"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RerankerConfig configures the remote cross-encoder service.
type RerankerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// VectorDBConfig holds per-backend settings keyed by vs_type.
type VectorDBConfig struct {
	ES    ESConfig    `yaml:"es"`
	Local LocalConfig `yaml:"local"`
}

// ESConfig configures the Elasticsearch-style backend.
type ESConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	CACerts  string `yaml:"ca_certs"`
	// Scheme is the URL scheme. When empty, https is used if credentials or
	// CA anchors are set, else http.
	Scheme string `yaml:"scheme"`
	// SynonymsPath names the server-side synonym dictionary for the analyzer.
	SynonymsPath string `yaml:"synonyms_path"`
	// Similarity for dense vectors: cosine, l2_norm, dot_product, max_inner_product.
	Similarity string `yaml:"similarity"`
}

// LocalConfig configures the in-process bleve+hnsw backend.
type LocalConfig struct {
	// Path overrides where per-KB local indexes live. Empty means
	// <kb_root>/<kb>/vector_store/local.
	Path string `yaml:"path"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// Workers bounds the load+split pool. 0 means min(2*CPU, batch size).
	Workers int `yaml:"workers"`
	// RemoteTimeout is the deadline for index backend calls. Embedding and
	// re-rank calls use Embed.Timeout and Reranker.Timeout.
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     9000,
			LogLevel: "info",
		},
		KB: KBConfig{
			RootPath:      defaultKBRoot(),
			DefaultVSType: "es",
		},
		Split: SplitConfig{
			ChunkSize:    250,
			ChunkOverlap: 50,
		},
		Search: SearchConfig{
			TopK:           3,
			ScoreThreshold: 1.0,
			RerankScoreMin: 0.7,
			RerankTopN:     3,
		},
		Embed: EmbedConfig{
			BaseURL:    "http://127.0.0.1:21021",
			Dimensions: 1024,
			Timeout:    300 * time.Second,
		},
		Reranker: RerankerConfig{
			BaseURL: "http://127.0.0.1:21021",
			Timeout: 300 * time.Second,
		},
		VectorDB: VectorDBConfig{
			ES: ESConfig{
				Host:       "127.0.0.1",
				Port:       9200,
				Scheme:     "http",
				Similarity: "l2_norm",
			},
		},
		Ingest: IngestConfig{
			RemoteTimeout: 300 * time.Second,
		},
	}
}

func defaultKBRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fastsearch", "knowledge_base")
	}
	return filepath.Join(home, ".fastsearch", "knowledge_base")
}

// Load reads the config file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FASTSEARCH_* environment variables.
// Environment always wins over file values.
func (c *Config) applyEnvOverrides() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("FASTSEARCH_KB_ROOT", &c.KB.RootPath)
	setString("FASTSEARCH_DEFAULT_VS_TYPE", &c.KB.DefaultVSType)
	setString("FASTSEARCH_HOST", &c.Server.Host)
	setInt("FASTSEARCH_PORT", &c.Server.Port)
	setString("FASTSEARCH_LOG_LEVEL", &c.Server.LogLevel)

	setString("FASTSEARCH_ES_HOST", &c.VectorDB.ES.Host)
	setInt("FASTSEARCH_ES_PORT", &c.VectorDB.ES.Port)
	setString("FASTSEARCH_ES_USER", &c.VectorDB.ES.User)
	setString("FASTSEARCH_ES_PASSWORD", &c.VectorDB.ES.Password)
	setString("FASTSEARCH_ES_CA_CERTS", &c.VectorDB.ES.CACerts)

	setString("FASTSEARCH_EMBEDDINGS_URL", &c.Embed.BaseURL)
	setString("FASTSEARCH_RERANKER_URL", &c.Reranker.BaseURL)
}

// Validate checks ranges and required fields.
func (c *Config) Validate() error {
	if c.KB.RootPath == "" {
		return fmt.Errorf("kb.root_path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Split.ChunkSize <= 0 {
		return fmt.Errorf("split.chunk_size must be positive")
	}
	if c.Split.ChunkOverlap < 0 || c.Split.ChunkOverlap >= c.Split.ChunkSize {
		return fmt.Errorf("split.chunk_overlap must be in [0, chunk_size)")
	}
	if c.Search.TopK < 0 {
		return fmt.Errorf("search.vector_search_top_k must not be negative")
	}
	if c.Search.ScoreThreshold < 0 || c.Search.ScoreThreshold > 2 {
		return fmt.Errorf("search.score_threshold must be in [0, 2]")
	}
	if c.Embed.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Ingest.Workers < 0 {
		return fmt.Errorf("ingest.workers must not be negative")
	}
	return nil
}

// CatalogPath returns the sqlite catalog location under the KB root.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.KB.RootPath, "info.db")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.KB.RootPath, ".fastsearch.lock")
}
