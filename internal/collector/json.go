package collector

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/gustycube/osintd/internal/types"
)

// JSON collects records from a pull API. Options:
//
//	items_path      gjson path to the record array (default: the document root)
//	id_field        natural key field (falls back to url_field)
//	url_field       record link field
//	title_field     record title field
//	content_field   text body field; without it the raw record is stored as structured content
//	metadata_fields comma separated fields copied into metadata
//	query_param     parameter carrying the source query (default "q")
type JSON struct{ f *Fetcher }

// NewJSON returns the collector for JSON API sources.
func NewJSON(f *Fetcher) *JSON { return &JSON{f: f} }

func (c *JSON) Name() string { return "json" }
func (c *JSON) Type() string { return "json" }

func (c *JSON) HealthCheck(ctx context.Context, src types.SourceConfig) bool {
	return c.f.Reachable(ctx, src)
}

func (c *JSON) Collect(ctx context.Context, src types.SourceConfig) ([]types.CollectedItem, error) {
	endpoint, err := withQuery(src)
	if err != nil {
		return nil, err
	}
	resp, err := c.f.Fetch(ctx, src, endpoint, "application/json")
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("%w: %s: response is not valid JSON", ErrSourceUnavailable, src.Name)
	}

	records := gjson.ParseBytes(resp.Body)
	if path := option(src, "items_path", ""); path != "" {
		records = gjson.GetBytes(resp.Body, path)
	}
	if !records.IsArray() {
		return nil, fmt.Errorf("%w: %s: items_path does not select an array", ErrPermanent, src.Name)
	}

	idField := option(src, "id_field", "")
	urlField := option(src, "url_field", "")
	titleField := option(src, "title_field", "")
	contentField := option(src, "content_field", "")
	var metaFields []string
	if mf := option(src, "metadata_fields", ""); mf != "" {
		for _, f := range strings.Split(mf, ",") {
			if f = strings.TrimSpace(f); f != "" {
				metaFields = append(metaFields, f)
			}
		}
	}

	now := c.f.now()
	var items []types.CollectedItem
	idx := 0
	records.ForEach(func(_, rec gjson.Result) bool {
		defer func() { idx++ }()
		if !rec.IsObject() {
			c.f.skipMalformed(src, "record is not an object", idx)
			return true
		}
		link := ""
		if urlField != "" {
			link = rec.Get(urlField).String()
		}
		key := ""
		if idField != "" {
			key = rec.Get(idField).String()
		}
		if key == "" {
			key = link
		}
		if key == "" {
			c.f.skipMalformed(src, "record has no id or url", idx)
			return true
		}

		content, ct := rec.Raw, types.ContentStructured
		if contentField != "" {
			content, ct = rec.Get(contentField).String(), types.ContentText
		}
		title := ""
		if titleField != "" {
			title = rec.Get(titleField).String()
		}
		var meta map[string]string
		for _, f := range metaFields {
			if v := rec.Get(f); v.Exists() {
				if meta == nil {
					meta = make(map[string]string, len(metaFields))
				}
				meta[f] = v.String()
			}
		}
		if link == "" {
			link = src.Endpoint
		}
		items = append(items, NewItem(src, key, link, title, content, ct, meta, now))
		return true
	})
	return items, nil
}

func withQuery(src types.SourceConfig) (string, error) {
	if src.Query == "" {
		return src.Endpoint, nil
	}
	u, err := url.Parse(src.Endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %s: bad endpoint: %v", ErrPermanent, src.Name, err)
	}
	q := u.Query()
	q.Set(option(src, "query_param", "q"), src.Query)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
