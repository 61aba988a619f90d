package enrich

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/types"
)

// RDAP looks up registration data for domains and IP networks.
type RDAP struct {
	client *httpclient.Client
	base   string
}

// NewRDAP returns a registration lookup provider querying base.
func NewRDAP(client *httpclient.Client, base string) *RDAP {
	if client == nil {
		client = httpclient.New(nil, httpclient.DefaultOptions())
	}
	if base == "" {
		base = "https://rdap.org"
	}
	return &RDAP{client: client, base: strings.TrimRight(base, "/")}
}

func (r *RDAP) Name() string       { return "rdap" }
func (r *RDAP) TTL() time.Duration { return 7 * 24 * time.Hour }
func (r *RDAP) Supports(t types.EntityType) bool {
	return t == types.EntityDomain || t == types.EntityIP
}

func (r *RDAP) Enrich(ctx context.Context, e types.Entity) (map[string]string, error) {
	kind := "domain"
	if e.Type == types.EntityIP {
		kind = "ip"
	}
	h := http.Header{}
	h.Set("Accept", "application/rdap+json, application/json")
	resp, err := r.client.Get(ctx, r.base+"/"+kind+"/"+url.PathEscape(e.Value), h)
	if httpclient.StatusCode(err) == http.StatusNotFound {
		return map[string]string{"found": "false"}, nil
	}
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, fmt.Errorf("rdap %s: invalid json", e.Value)
	}

	doc := gjson.ParseBytes(resp.Body)
	out := map[string]string{"found": "true"}
	set := func(k string, v gjson.Result) {
		if s := strings.TrimSpace(v.String()); s != "" {
			out[k] = s
		}
	}
	set("handle", doc.Get("handle"))
	if kind == "domain" {
		set("name", doc.Get("ldhName"))
	} else {
		set("name", doc.Get("name"))
		set("country", doc.Get("country"))
		set("start_address", doc.Get("startAddress"))
		set("end_address", doc.Get("endAddress"))
	}

	var status []string
	for _, s := range doc.Get("status").Array() {
		status = append(status, s.String())
	}
	setJoined(out, "status", status)

	for _, ev := range doc.Get("events").Array() {
		switch ev.Get("eventAction").String() {
		case "registration":
			set("registered", ev.Get("eventDate"))
		case "expiration":
			set("expires", ev.Get("eventDate"))
		case "last changed":
			set("updated", ev.Get("eventDate"))
		}
	}
	if name := entityName(doc.Get("entities"), "registrar"); name != "" {
		out["registrar"] = name
	}
	return out, nil
}

// entityName returns the vCard fn of the first entity holding role.
func entityName(entities gjson.Result, role string) string {
	for _, ent := range entities.Array() {
		for _, r := range ent.Get("roles").Array() {
			if r.String() != role {
				continue
			}
			for _, prop := range ent.Get("vcardArray.1").Array() {
				p := prop.Array()
				if len(p) >= 4 && p[0].String() == "fn" {
					return p[3].String()
				}
			}
		}
	}
	return ""
}
