package enrich

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/logging"
	"github.com/gustycube/osintd/internal/metrics"
	"github.com/gustycube/osintd/internal/types"
)

// Enricher adds context to one kind of entity from an external service.
type Enricher interface {
	Name() string
	Supports(t types.EntityType) bool
	TTL() time.Duration
	Enrich(ctx context.Context, e types.Entity) (map[string]string, error)
}

// Service runs every supporting provider for each entity, consulting the
// cache first. Provider failures never fail the item; the provider is
// recorded on the entity as degraded instead. Expired entries are served
// as they are while a background refresh replaces them.
type Service struct {
	providers []Enricher
	cache     Cache
	timeout   time.Duration
	workers   int
	log       *logging.Logger
	now       func() time.Time

	refresh singleflight.Group
	slots   chan struct{}
}

// NewService returns a Service over providers. A nil cache means an
// in-process LRU.
func NewService(cache Cache, timeout time.Duration, log *logging.Logger, providers ...Enricher) *Service {
	if log == nil {
		log = logging.Nop()
	}
	if cache == nil {
		cache = NewMemoryCache(1024)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		providers: providers,
		cache:     cache,
		timeout:   timeout,
		workers:   8,
		log:       log.With("component", "enrich"),
		now:       time.Now,
		slots:     make(chan struct{}, 8),
	}
}

// Providers lists the configured provider names in evaluation order.
func (s *Service) Providers() []string {
	out := make([]string, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p.Name())
	}
	return out
}

// Enrich fills Enrichment, Degraded, EnrichedAt and ExpiresAt in place.
func (s *Service) Enrich(ctx context.Context, entities []types.Entity) {
	if len(s.providers) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range entities {
		e := &entities[i]
		g.Go(func() error {
			s.enrichOne(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) enrichOne(ctx context.Context, e *types.Entity) {
	now := s.now().UTC()
	for _, p := range s.providers {
		if !p.Supports(e.Type) {
			continue
		}
		data, expires, ok := s.lookup(ctx, p, *e, now)
		if !ok {
			e.Degraded = append(e.Degraded, p.Name())
			continue
		}
		if e.Enrichment == nil {
			e.Enrichment = make(map[string]map[string]string)
		}
		e.Enrichment[p.Name()] = data
		if e.ExpiresAt == nil || expires.Before(*e.ExpiresAt) {
			e.ExpiresAt = &expires
		}
	}
	if len(e.Enrichment) > 0 {
		e.EnrichedAt = &now
	}
}

func (s *Service) lookup(ctx context.Context, p Enricher, e types.Entity, now time.Time) (map[string]string, time.Time, bool) {
	key := CacheKey(p.Name(), e.Type, e.Value)
	cached, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warnw("enrichment cache read failed", "provider", p.Name(), "key", key, "err", err)
		hit = false
	}
	if hit && now.Before(cached.ExpiresAt) {
		metrics.Enrichment.WithLabelValues(p.Name(), "cached").Inc()
		return cached.Data, cached.ExpiresAt, true
	}
	if hit {
		metrics.Enrichment.WithLabelValues(p.Name(), "stale").Inc()
		s.refreshInBackground(ctx, p, e, key, now)
		return cached.Data, cached.ExpiresAt, true
	}

	entry, err := s.fetch(ctx, p, e, key, now)
	if err != nil {
		metrics.Enrichment.WithLabelValues(p.Name(), "error").Inc()
		s.log.Warnw("enrichment failed", "provider", p.Name(), "entity", e.Key(), "err", err)
		return nil, time.Time{}, false
	}
	return entry.Data, entry.ExpiresAt, true
}

// refreshInBackground re-fetches an expired entry without holding up the
// caller. At most one refresh per key is in flight and at most cap(slots)
// overall; a refresh that finds no free slot is left for a later lookup.
func (s *Service) refreshInBackground(ctx context.Context, p Enricher, e types.Entity, key string, now time.Time) {
	ctx = context.WithoutCancel(ctx)
	s.refresh.DoChan(key, func() (any, error) {
		select {
		case s.slots <- struct{}{}:
		default:
			return nil, nil
		}
		defer func() { <-s.slots }()
		if _, err := s.fetch(ctx, p, e, key, now); err != nil {
			metrics.Enrichment.WithLabelValues(p.Name(), "error").Inc()
			s.log.Infow("enrichment refresh failed, keeping stale entry", "provider", p.Name(), "entity", e.Key(), "err", err)
		}
		return nil, nil
	})
}

// fetch calls the provider under the service timeout and caches the result.
func (s *Service) fetch(ctx context.Context, p Enricher, e types.Entity, key string, now time.Time) (Entry, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	data, err := p.Enrich(cctx, e)
	cancel()
	if err != nil {
		return Entry{}, err
	}
	entry := Entry{Data: data, FetchedAt: now, ExpiresAt: now.Add(p.TTL())}
	if err := s.cache.Set(ctx, key, entry); err != nil {
		s.log.Warnw("enrichment cache write failed", "provider", p.Name(), "key", key, "err", err)
	}
	metrics.Enrichment.WithLabelValues(p.Name(), "ok").Inc()
	return entry, nil
}

// Deps carries the shared clients providers are built from.
type Deps struct {
	HTTP         *httpclient.Client
	Resolver     Resolver
	RDAPEndpoint string
	OllamaHost   string
	LLMModel     string
}

// Build constructs the named providers in order.
func Build(names []string, d Deps) ([]Enricher, error) {
	out := make([]Enricher, 0, len(names))
	for _, n := range names {
		switch n {
		case "dns":
			out = append(out, NewDNS(d.Resolver))
		case "ptr":
			out = append(out, NewPTR(d.Resolver))
		case "tls":
			out = append(out, NewTLS())
		case "rdap":
			out = append(out, NewRDAP(d.HTTP, d.RDAPEndpoint))
		case "llm":
			l, err := NewOllama(d.OllamaHost, d.LLMModel)
			if err != nil {
				return nil, err
			}
			out = append(out, l)
		default:
			return nil, fmt.Errorf("unknown enrichment provider %q", n)
		}
	}
	return out, nil
}
