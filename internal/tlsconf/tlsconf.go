// Package tlsconf implements TLS configuration helpers and certificate
// name matching (spec §4.11): SAN-first then Common-Name fallback
// matching against an expected FQDN, with single-label wildcard support.
//
// Grounded on the teacher's internal/tlsconst for cipher/version naming
// (kept as a dependency here) and on the general shape of
// golang.org/x/net/idna use elsewhere in the pack for domain
// normalization before comparison.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/tlsconst"
)

// MatchesName reports whether cert is valid for the FQDN name, checking
// SAN DNS names first and falling back to the certificate's CommonName
// only when there are no SAN DNS names at all (modern clients should
// never need the fallback, but qmail-era deployments commonly carry
// CN-only certificates). A single leading wildcard label ("*.domain")
// matches exactly one label of name; it never matches across dots.
func MatchesName(cert *x509.Certificate, name string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))

	if len(cert.DNSNames) > 0 {
		for _, san := range cert.DNSNames {
			if matchesPattern(strings.ToLower(san), name) {
				return true
			}
		}
		return false
	}

	return matchesPattern(strings.ToLower(cert.Subject.CommonName), name)
}

func matchesPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	patRest := pattern[2:]
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return false
	}
	return name[i+1:] == patRest
}

// VerifyServerCert checks the first certificate in chain against a CA
// pool (when non-nil) and against the expected FQDN, per spec §4.11:
// "verify server cert against a CA bundle... when present; verify the
// cert name matches the expected FQDN".
func VerifyServerCert(chain []*x509.Certificate, roots *x509.CertPool, expectedName string) error {
	if len(chain) == 0 {
		return errNoCert
	}
	leaf := chain[0]

	if roots != nil {
		intermediates := x509.NewCertPool()
		for _, c := range chain[1:] {
			intermediates.AddCert(c)
		}
		opts := x509.VerifyOptions{Roots: roots, Intermediates: intermediates}
		if _, err := leaf.Verify(opts); err != nil {
			return err
		}
	}

	if !MatchesName(leaf, expectedName) {
		return &nameMismatchError{expected: expectedName}
	}
	return nil
}

type nameMismatchError struct{ expected string }

func (e *nameMismatchError) Error() string {
	return "tlsconf: certificate name does not match " + e.expected
}

var errNoCert = &nameMismatchError{expected: "<no certificate presented>"}

// ClientConfig builds a tls.Config for the outbound client, restricted
// to the cipher suites named in cipherNames (via internal/tlsconst),
// or the Go default set when cipherNames is empty.
func ClientConfig(serverName string, cipherNames []string, clientCert *tls.Certificate) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if clientCert != nil {
		cfg.Certificates = []tls.Certificate{*clientCert}
	}
	if len(cipherNames) > 0 {
		suites, err := tlsconst.CipherSuitesByName(cipherNames)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}
	return cfg, nil
}

// ServerConfig builds a tls.Config for the inbound daemon's STARTTLS
// handshake.
func ServerConfig(cert tls.Certificate, cipherNames []string, clientCAs *x509.CertPool) (*tls.Config, error) {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if clientCAs != nil {
		cfg.ClientCAs = clientCAs
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if len(cipherNames) > 0 {
		suites, err := tlsconst.CipherSuitesByName(cipherNames)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}
	return cfg, nil
}
