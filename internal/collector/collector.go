package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gustycube/osintd/internal/circuitbreaker"
	"github.com/gustycube/osintd/internal/dedup"
	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/rate"
	"github.com/gustycube/osintd/internal/robots"
	"github.com/gustycube/osintd/internal/types"
)

var (
	// ErrSourceUnavailable is a retryable whole-source failure (network, 5xx, 429).
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrPermanent is a whole-source failure that retrying will not fix (auth, 404, bad config).
	ErrPermanent = errors.New("permanent source error")
)

// Collector retrieves raw items from one kind of source. Implementations
// never touch the store and skip malformed upstream records.
type Collector interface {
	Name() string
	Type() string
	Collect(ctx context.Context, src types.SourceConfig) ([]types.CollectedItem, error)
	HealthCheck(ctx context.Context, src types.SourceConfig) bool
}

// Registry resolves collectors by source type.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Collector
}

// NewRegistry returns a Registry holding cs keyed by source type.
func NewRegistry(cs ...Collector) *Registry {
	r := &Registry{m: make(map[string]Collector)}
	for _, c := range cs {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing any collector of the same type.
func (r *Registry) Register(c Collector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[c.Type()] = c
}

// Get returns the collector for typ, or ErrPermanent when none is registered.
func (r *Registry) Get(typ string) (Collector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[typ]
	if !ok {
		return nil, fmt.Errorf("%w: no collector for type %q", ErrPermanent, typ)
	}
	return c, nil
}

// Builtin registers the rss, json and html collectors.
func Builtin(f *Fetcher, rc *robots.Cache) *Registry {
	return NewRegistry(NewRSS(f), NewJSON(f), NewHTML(f, rc))
}

// Types lists registered source types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.m))
	for t := range r.m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ItemID derives the stable item id from source and natural key.
func ItemID(source, naturalKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"|"+naturalKey)).String()
}

// NewItem builds an item with its deterministic id and fingerprint.
func NewItem(src types.SourceConfig, naturalKey, sourceURL, title, content string, ct types.ContentType, meta map[string]string, now time.Time) types.CollectedItem {
	return types.CollectedItem{
		ID:          ItemID(src.Name, naturalKey),
		Source:      src.Name,
		SourceURL:   sourceURL,
		CollectedAt: now.UTC(),
		Title:       strings.TrimSpace(title),
		Content:     content,
		ContentType: ct,
		Metadata:    meta,
		Fingerprint: dedup.Fingerprint(title, content),
	}
}

// Supersede returns item as a new entry replacing the one recorded under
// its current id. The new id is derived from the old id and the new
// fingerprint, so the same revision always maps to the same id.
func Supersede(item types.CollectedItem) types.CollectedItem {
	meta := make(map[string]string, len(item.Metadata)+1)
	for k, v := range item.Metadata {
		meta[k] = v
	}
	meta[SupersedesKey] = item.ID
	item.Metadata = meta
	item.ID = ItemID(item.Source, item.ID+"#"+item.Fingerprint)
	return item
}

// SupersedesKey is the metadata key naming the id an updated entry replaces.
const SupersedesKey = "supersedes"

// Fetcher is the HTTP plumbing shared by the built-in collectors: per-source
// rate limiting, per-request timeout, credentials and error classification.
type Fetcher struct {
	client  *httpclient.Client
	limiter *rate.PerKey
	log     *logging.Logger
	now     func() time.Time
}

// NewFetcher returns a Fetcher sending through client, paced by limiter.
func NewFetcher(client *httpclient.Client, limiter *rate.PerKey, log *logging.Logger) *Fetcher {
	if log == nil {
		log = logging.Nop()
	}
	return &Fetcher{client: client, limiter: limiter, log: log, now: time.Now}
}

// Fetch GETs rawURL for src and maps failures onto the collector sentinels.
func (f *Fetcher) Fetch(ctx context.Context, src types.SourceConfig, rawURL string, accept string) (*httpclient.Response, error) {
	if err := f.limiter.Wait(ctx, src.Name, src.RateLimit); err != nil {
		return nil, fmt.Errorf("%w: %s: rate wait: %v", ErrSourceUnavailable, src.Name, err)
	}
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	header := http.Header{}
	if accept != "" {
		header.Set("Accept", accept)
	}
	if err := applyCredentials(src, header); err != nil {
		return nil, err
	}

	resp, err := f.client.Get(reqCtx, rawURL, header)
	if err != nil {
		return nil, classify(src.Name, err)
	}
	return resp, nil
}

// Reachable is a cheap check that skips retries.
func (f *Fetcher) Reachable(ctx context.Context, src types.SourceConfig) bool {
	u, err := url.Parse(src.Endpoint)
	if err != nil || u.Host == "" {
		return false
	}
	if f.client.BreakerState(u.Host) == circuitbreaker.StateOpen {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.Endpoint, nil)
	if err != nil {
		return false
	}
	_ = applyCredentials(src, req.Header)
	resp, err := f.client.HTTP().Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500 && resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden
}

// applyCredentials reads the secret named by credentials_ref from the
// environment at collect time.
func applyCredentials(src types.SourceConfig, h http.Header) error {
	if src.CredentialsRef == "" {
		return nil
	}
	secret := os.Getenv(src.CredentialsRef)
	if secret == "" {
		return fmt.Errorf("%w: %s: credentials %s not set", ErrPermanent, src.Name, src.CredentialsRef)
	}
	name := src.Options["auth_header"]
	if name == "" {
		name = "Authorization"
	}
	if scheme := src.Options["auth_scheme"]; scheme != "" {
		secret = scheme + " " + secret
	} else if name == "Authorization" {
		secret = "Bearer " + secret
	}
	h.Set(name, secret)
	return nil
}

func classify(source string, err error) error {
	switch code := httpclient.StatusCode(err); {
	case code == http.StatusUnauthorized, code == http.StatusForbidden,
		code == http.StatusNotFound, code == http.StatusGone:
		return fmt.Errorf("%w: %s: %v", ErrPermanent, source, err)
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %v", ErrPermanent, source, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, source, err)
}

// skipMalformed logs and counts an upstream record that cannot become an item.
func (f *Fetcher) skipMalformed(src types.SourceConfig, reason string, idx int) {
	metrics.ItemsDiscarded.WithLabelValues(src.Name, "malformed_upstream").Inc()
	f.log.Warnw("skipping malformed upstream record", "source", src.Name, "index", idx, "reason", reason)
}

func option(src types.SourceConfig, key, def string) string {
	if v, ok := src.Options[key]; ok && v != "" {
		return v
	}
	return def
}
