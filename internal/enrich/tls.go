package enrich

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/osintd/internal/types"
)

// TLS records the leaf certificate a domain serves on 443.
type TLS struct {
	Port  string
	Roots *x509.CertPool // nil uses the system pool
	dial  func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTLS returns a provider reading the certificate a domain serves on 443.
func NewTLS() *TLS {
	d := &net.Dialer{Timeout: 8 * time.Second}
	return &TLS{Port: "443", dial: d.DialContext}
}

func (t *TLS) Name() string                     { return "tls" }
func (t *TLS) TTL() time.Duration               { return 24 * time.Hour }
func (t *TLS) Supports(k types.EntityType) bool { return k == types.EntityDomain }

func (t *TLS) Enrich(ctx context.Context, e types.Entity) (map[string]string, error) {
	raw, err := t.dial(ctx, "tcp", net.JoinHostPort(e.Value, t.Port))
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	// Chain validity is checked below so untrusted certificates are still reported.
	conn := tls.Client(raw, &tls.Config{ServerName: e.Value, InsecureSkipVerify: true})
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	cs := conn.ConnectionState()
	if len(cs.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificate")
	}
	leaf := cs.PeerCertificates[0]
	inter := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		inter.AddCert(c)
	}
	_, verr := leaf.Verify(x509.VerifyOptions{DNSName: e.Value, Roots: t.Roots, Intermediates: inter})

	spki := sha256.Sum256(leaf.RawSubjectPublicKeyInfo)
	return map[string]string{
		"spki_sha256": base64.StdEncoding.EncodeToString(spki[:]),
		"subject_cn":  leaf.Subject.CommonName,
		"issuer_cn":   leaf.Issuer.CommonName,
		"not_before":  leaf.NotBefore.UTC().Format(time.RFC3339),
		"not_after":   leaf.NotAfter.UTC().Format(time.RFC3339),
		"sans":        strings.Join(leaf.DNSNames, ","),
		"chain_valid": strconv.FormatBool(verr == nil),
	}, nil
}
