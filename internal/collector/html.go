package collector

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/gustycube/osintd/internal/robots"
	"github.com/gustycube/osintd/internal/types"
)

// HTML scrapes a listing page. Options:
//
//	item_selector    CSS selector for one entry (required)
//	title_selector   selector inside the entry for its title
//	link_selector    selector inside the entry for its link (default "a")
//	content_selector selector inside the entry for its body (default: whole entry)
type HTML struct {
	f      *Fetcher
	robots *robots.Cache
}

// NewHTML returns the collector for scraped pages. rc may be nil to skip robots.txt.
func NewHTML(f *Fetcher, rc *robots.Cache) *HTML { return &HTML{f: f, robots: rc} }

func (c *HTML) Name() string { return "html" }
func (c *HTML) Type() string { return "html" }

func (c *HTML) HealthCheck(ctx context.Context, src types.SourceConfig) bool {
	if c.robots != nil && !c.robots.Allowed(ctx, src.Endpoint) {
		return false
	}
	return c.f.Reachable(ctx, src)
}

func (c *HTML) Collect(ctx context.Context, src types.SourceConfig) ([]types.CollectedItem, error) {
	itemSel := option(src, "item_selector", "")
	if itemSel == "" {
		return nil, fmt.Errorf("%w: %s: item_selector option is required", ErrPermanent, src.Name)
	}
	base, err := url.Parse(src.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: bad endpoint: %v", ErrPermanent, src.Name, err)
	}
	if c.robots != nil && !c.robots.Allowed(ctx, src.Endpoint) {
		return nil, fmt.Errorf("%w: %s: disallowed by robots.txt", ErrPermanent, src.Name)
	}

	resp, err := c.f.Fetch(ctx, src, src.Endpoint, "text/html")
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: parse html: %v", ErrSourceUnavailable, src.Name, err)
	}

	titleSel := option(src, "title_selector", "")
	linkSel := option(src, "link_selector", "a")
	contentSel := option(src, "content_selector", "")
	now := c.f.now()

	var items []types.CollectedItem
	doc.Find(itemSel).Each(func(i int, s *goquery.Selection) {
		link := c.link(base, s, linkSel)
		if link == "" {
			c.f.skipMalformed(src, "entry has no link", i)
			return
		}
		title := ""
		if titleSel != "" {
			title = squash(s.Find(titleSel).First().Text())
		} else {
			title = squash(s.Find(linkSel).First().Text())
		}
		body := s
		if contentSel != "" {
			body = s.Find(contentSel)
		}
		content := squash(body.Text())
		items = append(items, NewItem(src, link, link, title, content, types.ContentText, map[string]string{"page": src.Endpoint}, now))
	})
	return items, nil
}

func (c *HTML) link(base *url.URL, s *goquery.Selection, sel string) string {
	a := s
	if goquery.NodeName(s) != "a" {
		a = s.Find(sel).First()
	}
	href, ok := a.Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return ""
	}
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	u = base.ResolveReference(u)
	u.Fragment = ""
	return u.String()
}

func squash(s string) string { return strings.Join(strings.Fields(s), " ") }
