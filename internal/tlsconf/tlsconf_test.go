package tlsconf

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
)

func TestMatchesNameSANExact(t *testing.T) {
	cert := &x509.Certificate{DNSNames: []string{"mail.example.org"}}
	if !MatchesName(cert, "mail.example.org") {
		t.Errorf("expected match")
	}
	if MatchesName(cert, "other.example.org") {
		t.Errorf("expected no match")
	}
}

func TestMatchesNameWildcard(t *testing.T) {
	cert := &x509.Certificate{DNSNames: []string{"*.example.org"}}
	if !MatchesName(cert, "mail.example.org") {
		t.Errorf("expected wildcard match")
	}
	if MatchesName(cert, "a.mail.example.org") {
		t.Errorf("wildcard must not span multiple labels")
	}
	if MatchesName(cert, "example.org") {
		t.Errorf("wildcard must not match the bare domain")
	}
}

func TestMatchesNameCNFallback(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "mail.example.org"}}
	if !MatchesName(cert, "mail.example.org") {
		t.Errorf("expected CN fallback match")
	}
}

func TestMatchesNameSANPresentIgnoresCN(t *testing.T) {
	cert := &x509.Certificate{
		DNSNames: []string{"mail.example.org"},
		Subject:  pkix.Name{CommonName: "other.example.org"},
	}
	if MatchesName(cert, "other.example.org") {
		t.Errorf("CN should be ignored when SANs are present")
	}
}

func TestMatchesNameCaseInsensitive(t *testing.T) {
	cert := &x509.Certificate{DNSNames: []string{"Mail.Example.ORG"}}
	if !MatchesName(cert, "mail.example.org") {
		t.Errorf("expected case-insensitive match")
	}
}

func TestVerifyServerCertNoChain(t *testing.T) {
	if err := VerifyServerCert(nil, nil, "mail.example.org"); err == nil {
		t.Errorf("expected error for empty chain")
	}
}

func TestVerifyServerCertNameOnly(t *testing.T) {
	cert := &x509.Certificate{DNSNames: []string{"mail.example.org"}}
	if err := VerifyServerCert([]*x509.Certificate{cert}, nil, "mail.example.org"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := VerifyServerCert([]*x509.Certificate{cert}, nil, "other.example.org"); err == nil {
		t.Errorf("expected name mismatch error")
	}
}

func TestClientConfigUnknownCipher(t *testing.T) {
	if _, err := ClientConfig("mail.example.org", []string{"NOT_A_REAL_SUITE"}, nil); err == nil {
		t.Errorf("expected error for unknown cipher suite name")
	}
}
