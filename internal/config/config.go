// Package config loads the consumer configuration from an optional YAML
// file with environment-variable overrides. Environment always wins, so
// the same YAML can ship in every deployment and per-host differences
// ride the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all codegraph consumer configuration.
type Config struct {
	Bus           BusConfig           `yaml:"bus"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store"`
	GraphStore    GraphStoreConfig    `yaml:"graph_store"`
	Intelligence  IntelligenceConfig  `yaml:"intelligence"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Cache         CacheConfig         `yaml:"cache"`
	Tuning        TuningConfig        `yaml:"tuning"`
	Observability ObservabilityConfig `yaml:"observability"`

	// DataDir holds embedded store databases, the quarantine store, and
	// category log files.
	DataDir string `yaml:"data_dir"`
}

// BusConfig configures the message bus connection.
type BusConfig struct {
	// Driver selects the bus implementation: "redis" or "memory".
	Driver           string `yaml:"driver"`
	BootstrapServers string `yaml:"bootstrap_servers"`
	ConsumerGroup    string `yaml:"consumer_group"`
}

// VectorStoreConfig configures the vector store adapter. An empty URL
// selects the embedded backend under DataDir.
type VectorStoreConfig struct {
	URL        string `yaml:"url"`
	Collection string `yaml:"collection"`
}

// GraphStoreConfig configures the graph store adapter. An empty URL
// selects the embedded backend under DataDir.
type GraphStoreConfig struct {
	URL      string `yaml:"url"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// IntelligenceConfig configures the enrichment services consumed by the
// pipeline.
type IntelligenceConfig struct {
	URL         string `yaml:"url"`
	StampingURL string `yaml:"stamping_url"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // ollama, genai, hash
	URL        string `yaml:"url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// CacheConfig configures post-write cache warming.
type CacheConfig struct {
	URL string `yaml:"url"`
}

// TuningConfig carries the throughput knobs.
type TuningConfig struct {
	ConsumerWorkers     int `yaml:"consumer_workers"`
	MaxConcurrentFiles  int `yaml:"max_concurrent_files"`
	MaxFileSizeMB       int `yaml:"max_file_size_mb"`
	HTTPTotalTimeoutSec int `yaml:"http_total_timeout_sec"`
}

// ObservabilityConfig carries the health port and logging knobs.
type ObservabilityConfig struct {
	HealthPort int    `yaml:"health_port"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Driver:           "redis",
			BootstrapServers: "localhost:6379",
			ConsumerGroup:    "enrichment-consumer",
		},
		VectorStore: VectorStoreConfig{
			Collection: "file_locations",
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			URL:        "http://localhost:11434",
			Model:      "nomic-embed-text",
			Dimensions: 1536,
		},
		Tuning: TuningConfig{
			ConsumerWorkers:     8,
			MaxConcurrentFiles:  5,
			MaxFileSizeMB:       10,
			HTTPTotalTimeoutSec: 30,
		},
		Observability: ObservabilityConfig{
			HealthPort: 8900,
			LogLevel:   "info",
		},
		DataDir: defaultDataDir(),
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.codegraph"
	}
	return ".codegraph"
}

// Load reads configuration from path (optional), then applies environment
// overrides and validates. A missing file is not an error; a malformed
// one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr(&c.Bus.Driver, "BUS_DRIVER")
	setStr(&c.Bus.BootstrapServers, "BUS_BOOTSTRAP_SERVERS")
	setStr(&c.Bus.ConsumerGroup, "BUS_CONSUMER_GROUP")

	setStr(&c.VectorStore.URL, "VECTOR_STORE_URL")
	setStr(&c.GraphStore.URL, "GRAPH_STORE_URL")
	setStr(&c.GraphStore.User, "GRAPH_STORE_USER")
	setStr(&c.GraphStore.Password, "GRAPH_STORE_PASSWORD")

	setStr(&c.Intelligence.URL, "INTELLIGENCE_URL")
	setStr(&c.Intelligence.StampingURL, "METADATA_STAMPING_URL")

	setStr(&c.Embedding.Provider, "EMBEDDING_PROVIDER")
	setStr(&c.Embedding.URL, "EMBEDDING_URL")
	setStr(&c.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&c.Embedding.Dimensions, "EMBEDDING_DIM")

	setStr(&c.Cache.URL, "CACHE_URL")

	setInt(&c.Tuning.ConsumerWorkers, "CONSUMER_WORKERS")
	setInt(&c.Tuning.MaxConcurrentFiles, "MAX_CONCURRENT_FILES")
	setInt(&c.Tuning.MaxFileSizeMB, "MAX_FILE_SIZE_MB")
	setInt(&c.Tuning.HTTPTotalTimeoutSec, "HTTP_TOTAL_TIMEOUT_SEC")

	setInt(&c.Observability.HealthPort, "HEALTH_PORT")
	setStr(&c.Observability.LogLevel, "LOG_LEVEL")

	setStr(&c.DataDir, "DATA_DIR")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the loaded configuration. Any error here is a startup
// configuration error and the process exits with code 1.
func (c *Config) Validate() error {
	switch c.Bus.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("config: unknown bus driver %q (want redis or memory)", c.Bus.Driver)
	}
	if c.Bus.Driver == "redis" && c.Bus.BootstrapServers == "" {
		return fmt.Errorf("config: bus driver redis requires BUS_BOOTSTRAP_SERVERS")
	}
	if c.Bus.ConsumerGroup == "" {
		return fmt.Errorf("config: consumer group must not be empty")
	}
	if c.VectorStore.Collection == "" {
		return fmt.Errorf("config: vector store collection must not be empty")
	}
	if c.Tuning.ConsumerWorkers < 1 {
		return fmt.Errorf("config: consumer_workers must be >= 1, got %d", c.Tuning.ConsumerWorkers)
	}
	if c.Tuning.MaxConcurrentFiles < 1 {
		return fmt.Errorf("config: max_concurrent_files must be >= 1, got %d", c.Tuning.MaxConcurrentFiles)
	}
	if c.Tuning.MaxFileSizeMB < 1 {
		return fmt.Errorf("config: max_file_size_mb must be >= 1, got %d", c.Tuning.MaxFileSizeMB)
	}
	if c.Tuning.HTTPTotalTimeoutSec < 1 {
		return fmt.Errorf("config: http_total_timeout_sec must be >= 1, got %d", c.Tuning.HTTPTotalTimeoutSec)
	}
	if c.Observability.HealthPort < 1 || c.Observability.HealthPort > 65535 {
		return fmt.Errorf("config: health_port out of range: %d", c.Observability.HealthPort)
	}
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Observability.LogLevel)
	}
	switch c.Embedding.Provider {
	case "ollama", "genai", "hash":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions < 1 {
		return fmt.Errorf("config: embedding dimensions must be >= 1, got %d", c.Embedding.Dimensions)
	}
	return nil
}

// MaxFileSizeBytes is the per-file size ceiling derived from the MB knob.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Tuning.MaxFileSizeMB) * 1024 * 1024
}

// Save writes the configuration as YAML, for `codegraphd config init`.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
