package extract

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/publicsuffix"
)

// Apex returns the registrable domain of host, or host itself when it has none.
func Apex(host string) string {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if e, err := publicsuffix.EffectiveTLDPlusOne(h); err == nil {
		return e
	}
	return h
}

// LooksLikeHTML is a cheap sniff for markup in text payloads.
func LooksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	if i < 0 {
		return false
	}
	l := strings.ToLower(s[i:])
	for _, p := range []string{"<p", "<div", "<a ", "<br", "<html", "<span", "<li", "<table", "<h1", "<h2", "<h3", "<img", "<!doctype"} {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

// Text reduces an HTML document to its visible text. Block elements become
// line breaks; script, style and noscript bodies are dropped.
func Text(body io.Reader) (string, error) {
	z := html.NewTokenizer(body)
	var b strings.Builder
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return collapse(b.String()), nil
			}
			return collapse(b.String()), z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				if tt == html.StartTagToken {
					skip++
				}
			case atom.Br, atom.P, atom.Div, atom.Li, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.Section, atom.Article, atom.Pre:
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch atom.Lookup(name) {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				if skip > 0 {
					skip--
				}
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.Td, atom.Th:
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

// collapse trims spaces on every line and drops blank lines.
func collapse(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// ParseLinks returns absolute href/src targets found in an HTML document.
func ParseLinks(base *url.URL, body io.Reader) ([]string, error) {
	z := html.NewTokenizer(body)
	var out []string
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() == io.EOF {
				return out, nil
			}
			return out, z.Err()
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		t := z.Token()
		var attr string
		switch t.DataAtom {
		case atom.A, atom.Link:
			attr = "href"
		case atom.Script, atom.Img, atom.Iframe, atom.Source:
			attr = "src"
		default:
			continue
		}
		for _, a := range t.Attr {
			if !strings.EqualFold(a.Key, attr) {
				continue
			}
			u, err := url.Parse(strings.TrimSpace(a.Val))
			if err != nil {
				continue
			}
			if base != nil {
				u = base.ResolveReference(u)
			}
			if u.Scheme == "http" || u.Scheme == "https" {
				out = append(out, u.String())
			}
		}
	}
}
