package enrich

import (
	"context"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/gustycube/osintd/internal/httpclient"
	"github.com/gustycube/osintd/internal/types"
)

type fakeResolver struct {
	ips   []netip.Addr
	ns    []*net.NS
	cname string
	mx    []*net.MX
	txt   []string
	ptr   []string
	err   error
}

func notFound(name string) error { return &net.DNSError{Err: "no such host", Name: name, IsNotFound: true} }

func (f *fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.ips) == 0 {
		return nil, notFound(host)
	}
	return f.ips, nil
}
func (f *fakeResolver) LookupNS(_ context.Context, name string) ([]*net.NS, error) {
	return f.ns, f.err
}
func (f *fakeResolver) LookupCNAME(_ context.Context, host string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.cname == "" {
		return host + ".", nil
	}
	return f.cname, nil
}
func (f *fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	return f.mx, f.err
}
func (f *fakeResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	return f.txt, f.err
}
func (f *fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.ptr) == 0 {
		return nil, notFound(addr)
	}
	return f.ptr, nil
}

func TestDNS(t *testing.T) {
	r := &fakeResolver{
		ips:   []netip.Addr{netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("2001:db8::10")},
		ns:    []*net.NS{{Host: "ns1.example.net."}, {Host: "ns2.example.net."}},
		cname: "edge.cdn.example.",
		mx:    []*net.MX{{Host: "mx.example.net.", Pref: 10}},
		txt:   []string{"v=spf1 -all"},
	}
	got, err := NewDNS(r).Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "www.example.net"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"a":     "192.0.2.10",
		"aaaa":  "2001:db8::10",
		"ns":    "ns1.example.net,ns2.example.net",
		"cname": "edge.cdn.example",
		"mx":    "mx.example.net",
		"txt":   "v=spf1 -all",
	}, got)
}

func TestDNS_Errors(t *testing.T) {
	d := NewDNS(&fakeResolver{})
	got, err := d.Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "nothing.example"})
	require.NoError(t, err, "nxdomain is an answer, not a failure")
	assert.Empty(t, got)

	d = NewDNS(&fakeResolver{err: errors.New("i/o timeout")})
	_, err = d.Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "down.example"})
	assert.Error(t, err)
}

func TestPTR(t *testing.T) {
	p := NewPTR(&fakeResolver{ptr: []string{"host-7.isp.example."}})
	assert.True(t, p.Supports(types.EntityIP))
	assert.False(t, p.Supports(types.EntityDomain))

	got, err := p.Enrich(context.Background(), types.Entity{Type: types.EntityIP, Value: "198.51.100.7"})
	require.NoError(t, err)
	assert.Equal(t, "host-7.isp.example", got["ptr"])

	got, err = NewPTR(&fakeResolver{}).Enrich(context.Background(), types.Entity{Type: types.EntityIP, Value: "198.51.100.8"})
	require.NoError(t, err)
	assert.Equal(t, "", got["ptr"])
}

func TestTLS(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(server.Certificate())
	tl := NewTLS()
	tl.Roots = roots
	tl.dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, server.Listener.Addr().String())
	}

	got, err := tl.Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "true", got["chain_valid"])
	assert.Contains(t, got["sans"], "example.com")
	assert.NotEmpty(t, got["spki_sha256"])
	assert.NotEmpty(t, got["not_after"])

	tl.Roots = x509.NewCertPool()
	got, err = tl.Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, "false", got["chain_valid"], "untrusted certificates are still reported")
}

const rdapDomain = `{
  "objectClassName": "domain",
  "handle": "2336799_DOMAIN_COM-VRSN",
  "ldhName": "EXAMPLE.COM",
  "status": ["client delete prohibited", "client transfer prohibited"],
  "events": [
    {"eventAction": "registration", "eventDate": "1995-08-14T04:00:00Z"},
    {"eventAction": "expiration", "eventDate": "2025-08-13T04:00:00Z"},
    {"eventAction": "last changed", "eventDate": "2024-08-14T07:01:34Z"}
  ],
  "entities": [
    {"roles": ["technical"], "vcardArray": ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", "Tech Contact"]]]},
    {"roles": ["registrar"], "vcardArray": ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", "RESERVED-Internet Assigned Numbers Authority"]]]}
  ]
}`

func TestRDAP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/domain/example.com":
			w.Header().Set("Content-Type", "application/rdap+json")
			w.Write([]byte(rdapDomain))
		case "/ip/192.0.2.1":
			w.Write([]byte(`{"handle":"NET-192-0-2-0-1","name":"TEST-NET-1","country":"US","startAddress":"192.0.2.0","endAddress":"192.0.2.255"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	r := NewRDAP(httpclient.New(server.Client(), httpclient.DefaultOptions()), server.URL+"/")

	got, err := r.Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "example.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"found":      "true",
		"handle":     "2336799_DOMAIN_COM-VRSN",
		"name":       "EXAMPLE.COM",
		"status":     "client delete prohibited,client transfer prohibited",
		"registered": "1995-08-14T04:00:00Z",
		"expires":    "2025-08-13T04:00:00Z",
		"updated":    "2024-08-14T07:01:34Z",
		"registrar":  "RESERVED-Internet Assigned Numbers Authority",
	}, got)

	got, err = r.Enrich(context.Background(), types.Entity{Type: types.EntityIP, Value: "192.0.2.1"})
	require.NoError(t, err)
	assert.Equal(t, "TEST-NET-1", got["name"])
	assert.Equal(t, "US", got["country"])
	assert.Equal(t, "192.0.2.255", got["end_address"])

	got, err = r.Enrich(context.Background(), types.Entity{Type: types.EntityDomain, Value: "unregistered.example"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"found": "false"}, got)
}

type stubModel struct{ reply string }

func (m stubModel) GenerateContent(_ context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m stubModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return m.reply, nil
}

func TestLLM(t *testing.T) {
	reply := "```json\n{\"summary\": \"North Korean state-sponsored group.\", \"aliases\": [\"APT38\", \"Hidden Cobra\"], \"country\": \"KP\", \"sector\": \"\"}\n```"
	l := NewLLM(stubModel{reply: reply}, "llama3")
	assert.True(t, l.Supports(types.EntityOrganization))
	assert.False(t, l.Supports(types.EntityIP))

	got, err := l.Enrich(context.Background(), types.Entity{Type: types.EntityOrganization, Value: "Lazarus Group"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"verified": "false",
		"model":    "llama3",
		"summary":  "North Korean state-sponsored group.",
		"aliases":  "APT38,Hidden Cobra",
		"country":  "KP",
	}, got)

	got, err = NewLLM(stubModel{reply: "I am not sure."}, "llama3").Enrich(context.Background(), types.Entity{Type: types.EntityPerson, Value: "Jane Doe"})
	require.NoError(t, err)
	assert.Equal(t, "I am not sure.", got["summary"])
	assert.Equal(t, "false", got["verified"])
}
