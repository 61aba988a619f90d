package enrich

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/gustycube/osintd/internal/types"
)

// Resolver is the subset of *net.Resolver the DNS providers use.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupAddr(ctx context.Context, addr string) ([]string, error)
}

// DNS resolves A, AAAA, NS, MX, CNAME and TXT for domains.
type DNS struct{ r Resolver }

// NewDNS returns a provider resolving domain records through r.
func NewDNS(r Resolver) *DNS {
	if r == nil {
		r = net.DefaultResolver
	}
	return &DNS{r: r}
}

func (d *DNS) Name() string                     { return "dns" }
func (d *DNS) TTL() time.Duration               { return time.Hour }
func (d *DNS) Supports(t types.EntityType) bool { return t == types.EntityDomain }

func (d *DNS) Enrich(ctx context.Context, e types.Entity) (map[string]string, error) {
	host := e.Value
	out := map[string]string{}
	var firstErr error
	note := func(err error) {
		if err != nil && !isNotFound(err) && firstErr == nil {
			firstErr = err
		}
	}

	var v4, v6 []string
	addrs, err := d.r.LookupNetIP(ctx, "ip", host)
	note(err)
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			v4 = append(v4, a.String())
		} else {
			v6 = append(v6, a.String())
		}
	}
	setJoined(out, "a", v4)
	setJoined(out, "aaaa", v6)

	ns, err := d.r.LookupNS(ctx, host)
	note(err)
	var nsHosts []string
	for _, n := range ns {
		nsHosts = append(nsHosts, strings.TrimSuffix(n.Host, "."))
	}
	setJoined(out, "ns", nsHosts)

	if c, err := d.r.LookupCNAME(ctx, host); err == nil {
		if c = strings.TrimSuffix(c, "."); c != "" && !strings.EqualFold(c, host) {
			out["cname"] = c
		}
	} else {
		note(err)
	}

	mxs, err := d.r.LookupMX(ctx, host)
	note(err)
	var mxHosts []string
	for _, m := range mxs {
		mxHosts = append(mxHosts, strings.TrimSuffix(m.Host, "."))
	}
	setJoined(out, "mx", mxHosts)

	txts, err := d.r.LookupTXT(ctx, host)
	note(err)
	setJoined(out, "txt", txts)

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// PTR reverse-resolves IP addresses.
type PTR struct{ r Resolver }

// NewPTR returns a reverse lookup provider for IP addresses.
func NewPTR(r Resolver) *PTR {
	if r == nil {
		r = net.DefaultResolver
	}
	return &PTR{r: r}
}

func (p *PTR) Name() string                     { return "ptr" }
func (p *PTR) TTL() time.Duration               { return 6 * time.Hour }
func (p *PTR) Supports(t types.EntityType) bool { return t == types.EntityIP }

func (p *PTR) Enrich(ctx context.Context, e types.Entity) (map[string]string, error) {
	names, err := p.r.LookupAddr(ctx, e.Value)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	hosts := make([]string, 0, len(names))
	for _, n := range names {
		hosts = append(hosts, strings.TrimSuffix(n, "."))
	}
	return map[string]string{"ptr": strings.Join(hosts, ",")}, nil
}

func isNotFound(err error) bool {
	var de *net.DNSError
	return errors.As(err, &de) && de.IsNotFound
}

func setJoined(m map[string]string, k string, vs []string) {
	if len(vs) > 0 {
		m[k] = strings.Join(vs, ",")
	}
}
