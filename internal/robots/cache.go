package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/temoto/robotstxt"

	"github.com/gustycube/osintd/internal/metrics"
)

// Cache keeps parsed robots.txt per scheme+host for a day.
type Cache struct {
	hc  *http.Client
	lru *expirable.LRU[string, *robotstxt.RobotsData]
	ua  string
}

// NewCache returns a robots.txt cache fetching with hc as ua.
func NewCache(hc *http.Client, ua string) *Cache {
	return &Cache{
		hc:  hc,
		lru: expirable.NewLRU[string, *robotstxt.RobotsData](4096, nil, 24*time.Hour),
		ua:  ua,
	}
}

// Get returns robots data for the origin. An unreachable host or a 4xx
// allows everything; a 5xx disallows everything.
func (c *Cache) Get(ctx context.Context, scheme, host string) *robotstxt.RobotsData {
	key := scheme + "://" + host
	if v, ok := c.lru.Get(key); ok {
		return v
	}
	rd := c.fetch(ctx, key+"/robots.txt")
	c.lru.Add(key, rd)
	return rd
}

func (c *Cache) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	empty, _ := robotstxt.FromBytes(nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return empty
	}
	req.Header.Set("User-Agent", c.ua)
	resp, err := c.hc.Do(req)
	if err != nil {
		return empty
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	rd, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return empty
	}
	return rd
}

// Allowed reports whether the user agent may fetch rawURL.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	rd := c.Get(ctx, u.Scheme, u.Host)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	ok := rd.TestAgent(path, c.ua)
	if !ok {
		metrics.RobotsBlocks.Inc()
	}
	return ok
}
