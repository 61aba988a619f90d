package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gustycube/osintd/internal/types"
)

// Config represents the complete configuration for osintd
type Config struct {
	// Core configuration
	Node     string `yaml:"node" json:"node"`
	DBPath   string `yaml:"db_path" json:"db_path"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	UA       string `yaml:"ua" json:"ua"`

	// Performance
	Concurrency        int `yaml:"concurrency" json:"concurrency"`
	CollectConcurrency int `yaml:"collect_concurrency" json:"collect_concurrency"`
	CycleIntervalSec   int `yaml:"cycle_interval_sec" json:"cycle_interval_sec"`
	MaxAttempts        int `yaml:"max_attempts" json:"max_attempts"`
	LeaseTTLSec        int `yaml:"lease_ttl_sec" json:"lease_ttl_sec"`
	ItemTimeoutSec     int `yaml:"item_timeout_sec" json:"item_timeout_sec"`

	Dedup      DedupConfig            `yaml:"dedup" json:"dedup"`
	Enrichment EnrichmentConfig       `yaml:"enrichment" json:"enrichment"`
	Sinks      SinksConfig            `yaml:"sinks" json:"sinks"`
	Sources    []types.SourceConfig   `yaml:"sources" json:"sources"`
	Alerts     []types.AlertCondition `yaml:"alerts" json:"alerts"`

	// Observability
	MetricsAddr  string `yaml:"metrics_addr" json:"metrics_addr"`
	OTELEndpoint string `yaml:"otel_endpoint" json:"otel_endpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otel_insecure"`
	OTELService  string `yaml:"otel_service" json:"otel_service"`

	// Redis
	RedisAddr      string `yaml:"redis_addr" json:"redis_addr"`
	RedisQueueAddr string `yaml:"redis_queue_addr" json:"redis_queue_addr"`
	RedisQueueKey  string `yaml:"redis_queue_key" json:"redis_queue_key"`
}

// DedupConfig controls the exact and near-duplicate windows.
type DedupConfig struct {
	SeenTTLHours  int `yaml:"seen_ttl_hours" json:"seen_ttl_hours"`
	SeenCapacity  int `yaml:"seen_capacity" json:"seen_capacity"`
	WindowSize    int `yaml:"window_size" json:"window_size"`
	NearThreshold int `yaml:"near_threshold" json:"near_threshold"`
}

// EnrichmentConfig selects enrichment providers and their backing services.
type EnrichmentConfig struct {
	Providers    []string `yaml:"providers" json:"providers"`
	CacheSize    int      `yaml:"cache_size" json:"cache_size"`
	TimeoutSec   int      `yaml:"timeout_sec" json:"timeout_sec"`
	RDAPEndpoint string   `yaml:"rdap_endpoint" json:"rdap_endpoint"`
	LLMModel     string   `yaml:"llm_model" json:"llm_model"`
	OllamaHost   string   `yaml:"ollama_host" json:"ollama_host"`
}

// SinksConfig lists notification delivery channels. Log is always on.
type SinksConfig struct {
	Webhook        string `yaml:"webhook" json:"webhook"`
	SpoolDir       string `yaml:"spool_dir" json:"spool_dir"`
	TelegramToken  string `yaml:"telegram_token" json:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id" json:"telegram_chat_id"`
	RedisStream    string `yaml:"redis_stream" json:"redis_stream"`
	File           string `yaml:"file" json:"file"`
	FileFormat     string `yaml:"file_format" json:"file_format"`
}

var knownProviders = map[string]bool{"dns": true, "ptr": true, "tls": true, "rdap": true, "llm": true}

var knownSeverities = map[types.Severity]bool{
	types.SeverityInfo: true, types.SeverityLow: true, types.SeverityMedium: true,
	types.SeverityHigh: true, types.SeverityCritical: true,
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.Node == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "local"
		}
		c.Node = host
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join("data", "osintd.db")
	}
	if c.UA == "" {
		c.UA = "osintd/1.0 (+https://github.com/gustycube/osintd)"
	}
	if c.Concurrency == 0 {
		c.Concurrency = 16
	}
	if c.CollectConcurrency == 0 {
		c.CollectConcurrency = 8
	}
	if c.CycleIntervalSec == 0 {
		c.CycleIntervalSec = 900
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.LeaseTTLSec == 0 {
		c.LeaseTTLSec = 300
	}
	if c.ItemTimeoutSec == 0 {
		c.ItemTimeoutSec = 60
	}
	if c.Dedup.SeenTTLHours == 0 {
		c.Dedup.SeenTTLHours = 24 * 7
	}
	if c.Dedup.SeenCapacity == 0 {
		c.Dedup.SeenCapacity = 100000
	}
	if c.Dedup.WindowSize == 0 {
		c.Dedup.WindowSize = 2000
	}
	if c.Dedup.NearThreshold == 0 {
		c.Dedup.NearThreshold = 3
	}
	if c.Enrichment.Providers == nil {
		c.Enrichment.Providers = []string{"dns", "ptr"}
	}
	if c.Enrichment.CacheSize == 0 {
		c.Enrichment.CacheSize = 8192
	}
	if c.Enrichment.TimeoutSec == 0 {
		c.Enrichment.TimeoutSec = 10
	}
	if c.Enrichment.RDAPEndpoint == "" {
		c.Enrichment.RDAPEndpoint = "https://rdap.org"
	}
	if c.Enrichment.OllamaHost == "" {
		c.Enrichment.OllamaHost = "http://localhost:11434"
	}
	if c.Sinks.SpoolDir == "" {
		c.Sinks.SpoolDir = "spool"
	}
	if c.Sinks.FileFormat == "" {
		c.Sinks.FileFormat = "jsonl"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.OTELService == "" {
		c.OTELService = "osintd"
	}
	if c.RedisQueueKey == "" {
		c.RedisQueueKey = "osintd:queue"
	}
	for i := range c.Sources {
		if c.Sources[i].Timeout == 0 {
			c.Sources[i].Timeout = 15 * time.Second
		}
		if c.Sources[i].RateLimit == 0 {
			c.Sources[i].RateLimit = time.Second
		}
	}
	for i := range c.Alerts {
		if c.Alerts[i].Severity == "" {
			c.Alerts[i].Severity = types.SeverityMedium
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}
	if c.CollectConcurrency < 1 {
		return fmt.Errorf("collect_concurrency must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.LeaseTTLSec < 1 {
		return fmt.Errorf("lease_ttl_sec must be at least 1")
	}
	if c.Dedup.NearThreshold < 0 || c.Dedup.NearThreshold > 64 {
		return fmt.Errorf("dedup.near_threshold must be between 0 and 64")
	}
	if c.Dedup.WindowSize < 1 {
		return fmt.Errorf("dedup.window_size must be at least 1")
	}
	for _, p := range c.Enrichment.Providers {
		if !knownProviders[p] {
			return fmt.Errorf("unknown enrichment provider %q", p)
		}
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("sources[%d]: name is required", i)
		}
		if s.Type == "" {
			return fmt.Errorf("source %s: type is required", s.Name)
		}
		if s.Endpoint == "" {
			return fmt.Errorf("source %s: endpoint is required", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate source name %s", s.Name)
		}
		seen[s.Name] = true
	}
	alerts := make(map[string]bool, len(c.Alerts))
	for i, a := range c.Alerts {
		if a.Name == "" {
			return fmt.Errorf("alerts[%d]: name is required", i)
		}
		if alerts[a.Name] {
			return fmt.Errorf("duplicate alert name %s", a.Name)
		}
		alerts[a.Name] = true
		if !knownSeverities[a.Severity] {
			return fmt.Errorf("alert %s: unknown severity %q", a.Name, a.Severity)
		}
		if len(a.EntityFilters) == 0 && len(a.KeywordFilters) == 0 {
			return fmt.Errorf("alert %s: needs entity_filters or keyword_filters", a.Name)
		}
		for t := range a.EntityFilters {
			if !t.Valid() {
				return fmt.Errorf("alert %s: unknown entity type %q", a.Name, t)
			}
		}
	}
	return nil
}

// EnabledSources returns the sources that are switched on.
func (c *Config) EnabledSources() []types.SourceConfig {
	out := make([]types.SourceConfig, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// CycleInterval is the pause between scheduled cycles.
func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSec) * time.Second
}

// LeaseTTL is how long a processing claim is held before it can be reclaimed.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}

// ItemTimeout bounds the processing of a single item.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.ItemTimeoutSec) * time.Second
}

// LoadFromFile loads configuration from a YAML or JSON file
func LoadFromFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	config.SetDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// MergeWithFlags merges command-line flags with file configuration
// Command-line flags take precedence over file configuration
func (c *Config) MergeWithFlags(flags map[string]interface{}) {
	if v, ok := flags["node"].(string); ok && v != "" {
		c.Node = v
	}
	if v, ok := flags["db"].(string); ok && v != "" {
		c.DBPath = v
	}
	if v, ok := flags["log_level"].(string); ok && v != "" {
		c.LogLevel = v
	}
	if v, ok := flags["concurrency"].(int); ok && v > 0 {
		c.Concurrency = v
	}
	if v, ok := flags["interval"].(int); ok && v > 0 {
		c.CycleIntervalSec = v
	}
	if v, ok := flags["metrics_addr"].(string); ok && v != "" {
		c.MetricsAddr = v
	}
	if v, ok := flags["otel_endpoint"].(string); ok && v != "" {
		c.OTELEndpoint = v
	}
	if v, ok := flags["otel_insecure"].(bool); ok {
		c.OTELInsecure = v
	}
	if v, ok := flags["redis_addr"].(string); ok && v != "" {
		c.RedisAddr = v
	}
	if v, ok := flags["redis_queue_addr"].(string); ok && v != "" {
		c.RedisQueueAddr = v
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_ADDR"); v != "" {
		c.RedisQueueAddr = v
	}
	if v := os.Getenv("REDIS_QUEUE_KEY"); v != "" {
		c.RedisQueueKey = v
	}
	if v := os.Getenv("OSINTD_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Sinks.TelegramToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.Sinks.TelegramChatID = v
	}
}
