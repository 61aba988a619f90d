package extract

import (
	"net/netip"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"

	"github.com/gustycube/osintd/internal/types"
)

var (
	reURL    = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"'\x60{}|\\^]+`)
	reEmail  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`)
	reIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reIPv6   = regexp.MustCompile(`(?i)(?:^|[^0-9a-z:])((?:[0-9a-f]{0,4}:){2,7}[0-9a-f]{0,4})(?:$|[^0-9a-z:])`)
	reDomain = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`)
	reSHA256 = regexp.MustCompile(`(?i)\b[a-f0-9]{64}\b`)
	reSHA1   = regexp.MustCompile(`(?i)\b[a-f0-9]{40}\b`)
	reMD5    = regexp.MustCompile(`(?i)\b[a-f0-9]{32}\b`)
	reCVE    = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	reOrg    = regexp.MustCompile(`\b((?:[A-Z][A-Za-z0-9&]+\s+){0,3}[A-Z][A-Za-z0-9&]+),?\s+(Inc|Corp|Corporation|Ltd|LLC|GmbH|AG|PLC|Group|Foundation|Technologies|Systems)\b\.?`)
	rePerson = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})`)

	refanger = strings.NewReplacer(
		"[.]", ".", "(.)", ".", "{.}", ".", "[dot]", ".",
		"[@]", "@", "[at]", "@",
		"[:]", ":", "[://]", "://",
		"hxxps", "https", "hxxp", "http", "HXXPS", "https", "HXXP", "http",
	)
)

const contextRadius = 60

// Extractor pulls typed entities out of item text. Known names extend the
// organization and person patterns with exact, case-insensitive matches.
type Extractor struct {
	known []knownName
}

type knownName struct {
	typ  types.EntityType
	name string
	re   *regexp.Regexp
}

// NewExtractor returns an Extractor that also matches the given names.
func NewExtractor(known map[types.EntityType][]string) *Extractor {
	x := &Extractor{}
	for _, t := range []types.EntityType{types.EntityOrganization, types.EntityPerson} {
		for _, name := range known[t] {
			if strings.TrimSpace(name) == "" {
				continue
			}
			re := regexp.MustCompile(`(?i)(?:^|[^0-9A-Za-z_])(` + regexp.QuoteMeta(name) + `)(?:$|[^0-9A-Za-z_])`)
			x.known = append(x.known, knownName{typ: t, name: name, re: re})
		}
	}
	return x
}

type hit struct {
	typ   types.EntityType
	value string
	pos   int
}

// Extract returns entities ordered by type then first occurrence. It does no
// network I/O.
func (x *Extractor) Extract(item types.CollectedItem) []types.Entity {
	content := item.Content
	var links []string
	if LooksLikeHTML(content) {
		base, _ := url.Parse(item.SourceURL)
		links, _ = ParseLinks(base, strings.NewReader(content))
		if t, err := Text(strings.NewReader(content)); err == nil {
			content = t
		}
	}
	text := refanger.Replace(item.Title + "\n" + content)

	seen := make(map[string]bool)
	var hits []hit
	add := func(t types.EntityType, value string, pos int) {
		if value == "" {
			return
		}
		k := string(t) + ":" + value
		if seen[k] {
			return
		}
		seen[k] = true
		hits = append(hits, hit{typ: t, value: value, pos: pos})
	}

	for _, m := range reURL.FindAllStringIndex(text, -1) {
		raw := strings.TrimRight(text[m[0]:m[1]], ".,;:!?)]'\"")
		if v := normalizeURL(raw); v != "" {
			add(types.EntityURL, v, m[0])
			if u, err := url.Parse(v); err == nil {
				if d := normalizeDomain(u.Hostname()); d != "" {
					add(types.EntityDomain, d, m[0])
				}
			}
		}
	}
	for _, l := range links {
		if v := normalizeURL(l); v != "" {
			add(types.EntityURL, v, len(text))
		}
	}
	for _, m := range reEmail.FindAllStringIndex(text, -1) {
		add(types.EntityEmail, strings.ToLower(text[m[0]:m[1]]), m[0])
	}
	for _, m := range reIPv4.FindAllStringIndex(text, -1) {
		if a, err := netip.ParseAddr(text[m[0]:m[1]]); err == nil && a.Is4() {
			add(types.EntityIP, a.String(), m[0])
		}
	}
	for _, m := range reIPv6.FindAllStringSubmatchIndex(text, -1) {
		s := text[m[2]:m[3]]
		if strings.Count(s, ":") < 2 {
			continue
		}
		if a, err := netip.ParseAddr(s); err == nil && a.Is6() {
			add(types.EntityIP, a.String(), m[2])
		}
	}
	for _, m := range reDomain.FindAllStringIndex(text, -1) {
		if d := normalizeDomain(text[m[0]:m[1]]); d != "" {
			add(types.EntityDomain, d, m[0])
		}
	}
	for _, m := range reSHA256.FindAllStringIndex(text, -1) {
		add(types.EntitySHA256, strings.ToLower(text[m[0]:m[1]]), m[0])
	}
	for _, m := range reSHA1.FindAllStringIndex(text, -1) {
		add(types.EntitySHA1, strings.ToLower(text[m[0]:m[1]]), m[0])
	}
	for _, m := range reMD5.FindAllStringIndex(text, -1) {
		add(types.EntityMD5, strings.ToLower(text[m[0]:m[1]]), m[0])
	}
	for _, m := range reCVE.FindAllStringIndex(text, -1) {
		add(types.EntityCVE, strings.ToUpper(text[m[0]:m[1]]), m[0])
	}
	for _, m := range reOrg.FindAllStringSubmatchIndex(text, -1) {
		add(types.EntityOrganization, collapseSpace(text[m[0]:m[5]]), m[0])
	}
	for _, m := range rePerson.FindAllStringSubmatchIndex(text, -1) {
		add(types.EntityPerson, collapseSpace(text[m[2]:m[3]]), m[2])
	}
	for _, k := range x.known {
		if m := k.re.FindStringSubmatchIndex(text); m != nil {
			add(k.typ, k.name, m[2])
		}
	}

	rank := make(map[types.EntityType]int, len(types.EntityTypes))
	for i, t := range types.EntityTypes {
		rank[t] = i
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].typ != hits[j].typ {
			return rank[hits[i].typ] < rank[hits[j].typ]
		}
		if hits[i].pos != hits[j].pos {
			return hits[i].pos < hits[j].pos
		}
		return hits[i].value < hits[j].value
	})

	out := make([]types.Entity, 0, len(hits))
	for _, h := range hits {
		out = append(out, types.Entity{
			ItemID:  item.ID,
			Type:    h.typ,
			Value:   h.value,
			Context: snippet(text, h.pos),
		})
	}
	return out
}

func normalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

// normalizeDomain lowercases d and keeps it only when it ends in a public
// suffix and has a registrable label.
func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSuffix(d, "."))
	if d == "" || strings.IndexByte(d, '.') < 0 {
		return ""
	}
	if _, err := netip.ParseAddr(d); err == nil {
		return ""
	}
	suffix, icann := publicsuffix.PublicSuffix(d)
	if !icann && strings.IndexByte(suffix, '.') < 0 {
		return ""
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(d); err != nil {
		return ""
	}
	return d
}

func collapseSpace(s string) string { return strings.Join(strings.Fields(s), " ") }

// snippet returns about contextRadius bytes either side of pos on rune
// boundaries, whitespace collapsed.
func snippet(text string, pos int) string {
	if pos > len(text) {
		pos = len(text)
	}
	start := pos - contextRadius
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := pos + contextRadius
	if end > len(text) {
		end = len(text)
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return collapseSpace(text[start:end])
}
