package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/types"
)

// Webhook posts notifications as JSON. When the endpoint stays unavailable
// after retries the notification is spooled to disk and counted as
// accepted; Drain resends the spool.
type Webhook struct {
	client   *httpclient.Client
	url      string
	spoolDir string
	log      *logging.Logger
}

// NewWebhook returns a sink posting JSON to url. Payloads that cannot be
// delivered are spooled to spoolDir when it is set.
func NewWebhook(client *httpclient.Client, url, spoolDir string, log *logging.Logger) (*Webhook, error) {
	if client == nil {
		client = httpclient.New(nil, httpclient.DefaultOptions())
	}
	if log == nil {
		log = logging.Nop()
	}
	if spoolDir != "" {
		if err := os.MkdirAll(spoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("webhook spool: %w", err)
		}
	}
	return &Webhook{client: client, url: url, spoolDir: spoolDir, log: log.With("component", "webhook")}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n types.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	err = w.post(ctx, body)
	if err == nil {
		return nil
	}
	if w.spoolDir == "" || ctx.Err() != nil {
		return err
	}
	w.log.Warnw("webhook failed, spooling", "id", n.ID, "err", err)
	return w.spool(n.ID, body)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	_, err := w.client.Do(ctx, http.MethodPost, w.url, http.Header{"Content-Type": {"application/json"}}, body)
	return err
}

// spool files are named by notification id, so a re-spool overwrites.
func (w *Webhook) spool(id string, body []byte) error {
	path := filepath.Join(w.spoolDir, id+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return fmt.Errorf("spool %s: %w", id, err)
	}
	return os.Rename(tmp, path)
}

// Drain resends spooled notifications oldest first and removes the ones
// the endpoint accepted. It stops at the first failure.
func (w *Webhook) Drain(ctx context.Context) (int, error) {
	if w.spoolDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(ent.Name(), ".json") {
			names = append(names, ent.Name())
		}
	}
	sort.Strings(names)

	sent := 0
	for _, name := range names {
		p := filepath.Join(w.spoolDir, name)
		body, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if err := w.post(ctx, body); err != nil {
			return sent, err
		}
		if err := os.Remove(p); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// Spooled counts notifications waiting in the spool.
func (w *Webhook) Spooled() int {
	if w.spoolDir == "" {
		return 0
	}
	matches, _ := filepath.Glob(filepath.Join(w.spoolDir, "*.json"))
	return len(matches)
}

const telegramAPI = "https://api.telegram.org"

// Telegram sends notifications through the Bot API.
type Telegram struct {
	client *httpclient.Client
	base   string
	token  string
	chatID string
}

// NewTelegram returns a sink sending messages through the Telegram bot API.
func NewTelegram(client *httpclient.Client, token, chatID string) *Telegram {
	if client == nil {
		client = httpclient.New(nil, httpclient.DefaultOptions())
	}
	return &Telegram{client: client, base: telegramAPI, token: token, chatID: chatID}
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, n types.Notification) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  t.chatID,
		"text":                     FormatText(n),
		"disable_web_page_preview": true,
	})
	if err != nil {
		return err
	}
	resp, err := t.client.Do(ctx, http.MethodPost, fmt.Sprintf("%s/bot%s/sendMessage", t.base, t.token),
		http.Header{"Content-Type": {"application/json"}}, body)
	if err != nil {
		return err
	}
	if r := gjson.ParseBytes(resp.Body); !r.Get("ok").Bool() {
		return fmt.Errorf("telegram: %s", r.Get("description").String())
	}
	return nil
}

// FormatText renders a notification as a short plain-text message.
func FormatText(n types.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(string(n.Severity)), n.AlertName)
	if n.Subject != "" {
		fmt.Fprintf(&b, "%s\n", n.Subject)
	}
	fmt.Fprintf(&b, "item: %s\nmatched: %s\n", n.MatchedItemID, n.MatchedCondition)
	if n.Evidence != "" {
		fmt.Fprintf(&b, "evidence: %s\n", n.Evidence)
	}
	return strings.TrimRight(b.String(), "\n")
}
