package collector

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/gustycube/osintd/internal/extract"
	"github.com/gustycube/osintd/internal/types"
)

// RSS collects RSS and Atom feeds. The natural key is the entry link, or
// the GUID when options.key is "guid" or the link is missing.
type RSS struct{ f *Fetcher }

// NewRSS returns the collector for RSS and Atom feeds.
func NewRSS(f *Fetcher) *RSS { return &RSS{f: f} }

func (c *RSS) Name() string { return "rss" }
func (c *RSS) Type() string { return "rss" }

func (c *RSS) HealthCheck(ctx context.Context, src types.SourceConfig) bool {
	return c.f.Reachable(ctx, src)
}

func (c *RSS) Collect(ctx context.Context, src types.SourceConfig) ([]types.CollectedItem, error) {
	resp, err := c.f.Fetch(ctx, src, src.Endpoint, "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.5")
	if err != nil {
		return nil, err
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: parse feed: %v", ErrSourceUnavailable, src.Name, err)
	}

	preferGUID := option(src, "key", "link") == "guid"
	now := c.f.now()
	items := make([]types.CollectedItem, 0, len(feed.Items))
	for i, e := range feed.Items {
		if e == nil {
			continue
		}
		key := e.Link
		if preferGUID || key == "" {
			if e.GUID != "" {
				key = e.GUID
			}
		}
		if key == "" {
			c.f.skipMalformed(src, "entry has no link or guid", i)
			continue
		}

		body := e.Content
		if body == "" {
			body = e.Description
		}
		if extract.LooksLikeHTML(body) {
			if text, err := extract.Text(strings.NewReader(body)); err == nil {
				body = text
			}
		}

		meta := map[string]string{"feed": feed.Title}
		if e.GUID != "" {
			meta["guid"] = e.GUID
		}
		if e.PublishedParsed != nil {
			meta["published"] = e.PublishedParsed.UTC().Format(time.RFC3339)
		}
		if len(e.Categories) > 0 {
			meta["categories"] = strings.Join(e.Categories, ",")
		}
		if len(e.Authors) > 0 && e.Authors[0] != nil {
			meta["author"] = e.Authors[0].Name
		}

		link := e.Link
		if link == "" {
			link = src.Endpoint
		}
		items = append(items, NewItem(src, key, link, e.Title, body, types.ContentText, meta, now))
	}
	return items, nil
}
