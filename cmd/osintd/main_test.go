package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/osintd/internal/notify"
	"github.com/gustycube/osintd/internal/types"
)

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "osintd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: from-file.db
concurrency: 2
sources:
  - name: cisa
    type: rss
    endpoint: https://www.cisa.gov/cybersecurity-advisories/all.xml
`), 0o644))

	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", path)
	t.Setenv("OSINTD_DB", "from-env.db")

	cfg, err := loadConfig(map[string]interface{}{"concurrency": 9})
	require.NoError(t, err)
	assert.Equal(t, "from-env.db", cfg.DBPath)
	assert.Equal(t, 9, cfg.Concurrency)
	require.Len(t, cfg.EnabledSources(), 1)

	viper.Set("db", "from-flag.db")
	cfg, err = loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "from-flag.db", cfg.DBPath)
	assert.Equal(t, 2, cfg.Concurrency)
}

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 900, cfg.CycleIntervalSec)
	assert.Empty(t, cfg.Sources)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - name: x\n"), 0o644))
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", path)
	_, err := loadConfig(nil)
	assert.Error(t, err)
}

func TestParseRange(t *testing.T) {
	f, to, err := parseRange("2024-05-01", "2024-05-02T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), f)
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), to)

	_, _, err = parseRange("2024-05-02", "2024-05-01")
	assert.Error(t, err)
	_, _, err = parseRange("last tuesday", "")
	assert.Error(t, err)

	f, _, err = parseRange("24h", "")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), f, time.Minute)
}

func TestRenderSummary(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	sum := types.CycleSummary{RunID: "01HXRUN", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond), Collected: 3, Processed: 2, Errors: 1}
	sum.Source("cisa").Collected = 3
	sum.Source("cisa").Processed = 2
	sum.Source("down").Skipped = true

	var buf bytes.Buffer
	renderSummary(&buf, sum)
	out := buf.String()
	assert.Contains(t, out, "01HXRUN")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "skipped: unhealthy")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("cisa")), bytes.Index(buf.Bytes(), []byte("down")))
}

func TestExport(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	items := []types.CollectedItem{{ID: "i1", Source: "cisa", SourceURL: "https://x/1", CollectedAt: at, ContentType: types.ContentText, Title: "Ivanti", Fingerprint: "fp"}}

	var buf bytes.Buffer
	done, err := export(&buf, "csv", items, func(it types.CollectedItem) any { return itemRow(it) })
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "id,source,source_url,collected_at,content_type,title,fingerprint\ni1,cisa,https://x/1,2024-05-01T12:00:00Z,text,Ivanti,fp\n", buf.String())

	buf.Reset()
	notes := []types.Notification{{ID: "n1", AlertName: "ivanti", Severity: types.SeverityHigh, Timestamp: at}}
	done, err = export(&buf, "jsonl", notes, func(n types.Notification) any { return notify.Row(n) })
	require.NoError(t, err)
	assert.True(t, done)
	assert.Contains(t, buf.String(), `"alert_name":"ivanti"`)

	done, err = export(&buf, "table", notes, func(n types.Notification) any { return n })
	assert.NoError(t, err)
	assert.False(t, done)

	_, err = export(&buf, "xml", notes, func(n types.Notification) any { return n })
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}
