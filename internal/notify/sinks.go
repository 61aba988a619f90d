package notify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gustycube/osintd/internal/config"
	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/output"
	"github.com/gustycube/osintd/internal/types"
)

// LogSink writes notifications to the structured log.
type LogSink struct{ log *logging.Logger }

// NewLogSink returns a sink that logs each notification.
func NewLogSink(log *logging.Logger) *LogSink {
	if log == nil {
		log = logging.Nop()
	}
	return &LogSink{log: log.With("component", "alert-log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, n types.Notification) error {
	s.log.Infow("notification",
		"id", n.ID,
		"alert", n.AlertName,
		"severity", n.Severity,
		"item", n.MatchedItemID,
		"condition", n.MatchedCondition,
		"evidence", n.Evidence,
	)
	return nil
}

// Row is the flat CSV shape of a notification.
type Row types.Notification

func (r Row) CSVHeader() []string {
	return []string{"timestamp", "id", "alert_name", "severity", "subject", "matched_item_id", "matched_condition", "evidence"}
}

func (r Row) CSVRecord() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339), r.ID, r.AlertName, string(r.Severity),
		r.Subject, r.MatchedItemID, r.MatchedCondition, r.Evidence,
	}
}

// FileSink appends notifications to a local file as json, jsonl or csv.
type FileSink struct {
	f *os.File
	w *output.Writer
}

// NewFileSink appends notifications to path in the given output format.
func NewFileSink(path, format string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w, err := output.NewWriter(format, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if st, err := f.Stat(); err == nil && st.Size() > 0 {
		w.SkipHeader()
	}
	return &FileSink{f: f, w: w}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Send(_ context.Context, n types.Notification) error {
	if err := s.w.Write(Row(n)); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *FileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// Deps carries the shared clients sinks are built on.
type Deps struct {
	HTTP  *httpclient.Client
	Redis redis.UniversalClient
	Log   *logging.Logger
}

// Build returns the log sink plus every sink switched on in cfg.
func Build(cfg config.SinksConfig, deps Deps) ([]Sink, error) {
	sinks := []Sink{NewLogSink(deps.Log)}
	if cfg.Webhook != "" {
		wh, err := NewWebhook(deps.HTTP, cfg.Webhook, cfg.SpoolDir, deps.Log)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, wh)
	}
	if cfg.TelegramToken != "" {
		if cfg.TelegramChatID == "" {
			return nil, fmt.Errorf("telegram sink: chat id is required")
		}
		sinks = append(sinks, NewTelegram(deps.HTTP, cfg.TelegramToken, cfg.TelegramChatID))
	}
	if cfg.RedisStream != "" {
		if deps.Redis == nil {
			return nil, fmt.Errorf("redis stream sink %s: redis_addr is not configured", cfg.RedisStream)
		}
		sinks = append(sinks, NewRedisStream(deps.Redis, cfg.RedisStream))
	}
	if cfg.File != "" {
		fs, err := NewFileSink(cfg.File, cfg.FileFormat)
		if err != nil {
			return nil, fmt.Errorf("file sink: %w", err)
		}
		sinks = append(sinks, fs)
	}
	return sinks, nil
}
