package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gustycube/osintd/internal/types"
)

func TestLoadFromFile_YAML(t *testing.T) {
	yamlContent := `
node: test-node
db_path: /tmp/osintd-test.db
concurrency: 32
dedup:
  near_threshold: 5
  window_size: 500
enrichment:
  providers: [dns, rdap]
sources:
  - name: cisa
    type: rss
    endpoint: https://www.cisa.gov/cybersecurity-advisories/all.xml
    rate_limit: 2s
  - name: paste
    type: json
    endpoint: https://paste.example/api/recent
    enabled: false
alerts:
  - name: ransomware
    keyword_filters: [ransomware]
    severity: high
  - name: watched-domain
    entity_filters:
      domain: ["*.example.org"]
`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configFile, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load YAML config: %v", err)
	}

	if cfg.Node != "test-node" {
		t.Errorf("expected node 'test-node', got %s", cfg.Node)
	}
	if cfg.Concurrency != 32 {
		t.Errorf("expected concurrency 32, got %d", cfg.Concurrency)
	}
	if cfg.Dedup.NearThreshold != 5 || cfg.Dedup.WindowSize != 500 {
		t.Errorf("unexpected dedup config: %+v", cfg.Dedup)
	}
	if len(cfg.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(cfg.Sources))
	}
	if cfg.Sources[0].RateLimit != 2*time.Second {
		t.Errorf("expected rate_limit 2s, got %s", cfg.Sources[0].RateLimit)
	}
	if cfg.Sources[0].Timeout != 15*time.Second {
		t.Errorf("expected default timeout 15s, got %s", cfg.Sources[0].Timeout)
	}
	if enabled := cfg.EnabledSources(); len(enabled) != 1 || enabled[0].Name != "cisa" {
		t.Errorf("unexpected enabled sources: %+v", enabled)
	}
	if cfg.Alerts[1].Severity != types.SeverityMedium {
		t.Errorf("expected default severity medium, got %s", cfg.Alerts[1].Severity)
	}
	if got := cfg.Alerts[1].EntityFilters[types.EntityDomain]; len(got) != 1 || got[0] != "*.example.org" {
		t.Errorf("unexpected entity filters: %v", cfg.Alerts[1].EntityFilters)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	jsonContent := `{
		"node": "json-node",
		"concurrency": 4,
		"metrics_addr": ":8080",
		"sources": [{"name": "feed", "type": "rss", "endpoint": "https://feed.example/rss"}]
	}`

	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.json")
	if err := os.WriteFile(configFile, []byte(jsonContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(configFile)
	if err != nil {
		t.Fatalf("failed to load JSON config: %v", err)
	}

	if cfg.Node != "json-node" {
		t.Errorf("expected node 'json-node', got %s", cfg.Node)
	}
	if cfg.MetricsAddr != ":8080" {
		t.Errorf("expected metrics_addr ':8080', got %s", cfg.MetricsAddr)
	}
	if cfg.Sources[0].RateLimit != time.Second {
		t.Errorf("expected default rate_limit 1s, got %s", cfg.Sources[0].RateLimit)
	}
}

func TestLoadFromFile_UnsupportedExtension(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configFile, []byte("node = 'x'"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(configFile); err == nil {
		t.Error("expected error for .toml config")
	}
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Node == "" {
		t.Error("expected default node")
	}
	if cfg.Concurrency != 16 {
		t.Errorf("expected default concurrency 16, got %d", cfg.Concurrency)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected default max_attempts 3, got %d", cfg.MaxAttempts)
	}
	if cfg.Dedup.NearThreshold != 3 {
		t.Errorf("expected default near_threshold 3, got %d", cfg.Dedup.NearThreshold)
	}
	if cfg.CycleInterval() != 15*time.Minute {
		t.Errorf("expected default interval 15m, got %s", cfg.CycleInterval())
	}
	if cfg.RedisQueueKey != "osintd:queue" {
		t.Errorf("unexpected default queue key: %s", cfg.RedisQueueKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		c := Config{}
		c.SetDefaults()
		return c
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid concurrency",
			mutate:  func(c *Config) { c.Concurrency = -1 },
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			mutate:  func(c *Config) { c.Dedup.NearThreshold = 65 },
			wantErr: true,
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Enrichment.Providers = []string{"whois"} },
			wantErr: true,
		},
		{
			name: "duplicate source",
			mutate: func(c *Config) {
				s := types.SourceConfig{Name: "a", Type: "rss", Endpoint: "https://a"}
				c.Sources = []types.SourceConfig{s, s}
			},
			wantErr: true,
		},
		{
			name: "source without endpoint",
			mutate: func(c *Config) {
				c.Sources = []types.SourceConfig{{Name: "a", Type: "rss"}}
			},
			wantErr: true,
		},
		{
			name: "alert without filters",
			mutate: func(c *Config) {
				c.Alerts = []types.AlertCondition{{Name: "x", Severity: types.SeverityLow}}
			},
			wantErr: true,
		},
		{
			name: "alert with bad entity type",
			mutate: func(c *Config) {
				c.Alerts = []types.AlertCondition{{
					Name:          "x",
					Severity:      types.SeverityLow,
					EntityFilters: map[types.EntityType][]string{"asn": {"1"}},
				}}
			},
			wantErr: true,
		},
		{
			name: "alert with bad severity",
			mutate: func(c *Config) {
				c.Alerts = []types.AlertCondition{{Name: "x", Severity: "urgent", KeywordFilters: []string{"a"}}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := &Config{
		DBPath:      "original.db",
		Node:        "original-node",
		Concurrency: 8,
	}

	flags := map[string]interface{}{
		"db":          "new.db",
		"concurrency": 64,
		"interval":    60,
	}

	cfg.MergeWithFlags(flags)

	if cfg.DBPath != "new.db" {
		t.Errorf("expected db to be overridden to 'new.db', got %s", cfg.DBPath)
	}
	if cfg.Node != "original-node" {
		t.Errorf("expected node to remain 'original-node', got %s", cfg.Node)
	}
	if cfg.Concurrency != 64 {
		t.Errorf("expected concurrency to be overridden to 64, got %d", cfg.Concurrency)
	}
	if cfg.CycleIntervalSec != 60 {
		t.Errorf("expected interval 60, got %d", cfg.CycleIntervalSec)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis.test:6379")
	t.Setenv("REDIS_QUEUE_ADDR", "queue.test:6379")
	t.Setenv("OSINTD_DB", "/var/lib/osintd.db")

	cfg := &Config{}
	cfg.LoadFromEnv()

	if cfg.RedisAddr != "redis.test:6379" {
		t.Errorf("expected RedisAddr from env, got %s", cfg.RedisAddr)
	}
	if cfg.RedisQueueAddr != "queue.test:6379" {
		t.Errorf("expected RedisQueueAddr from env, got %s", cfg.RedisQueueAddr)
	}
	if cfg.DBPath != "/var/lib/osintd.db" {
		t.Errorf("expected DBPath from env, got %s", cfg.DBPath)
	}
}
