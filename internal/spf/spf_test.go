package spf

import (
	"context"
	"net/netip"
	"testing"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

// fakeDNS is a map-driven stand-in for *resolver.Client, in the same
// spirit as the teacher's package-level lookupTXT/lookupMX/lookupIP
// override vars: tests populate the maps instead of hitting the network.
type fakeDNS struct {
	txt map[string][]string
	mx  map[string][]resolver.IPEntry
	a   map[string][]resolver.IPEntry
}

func newFakeDNS() *fakeDNS {
	return &fakeDNS{
		txt: map[string][]string{},
		mx:  map[string][]resolver.IPEntry{},
		a:   map[string][]resolver.IPEntry{},
	}
}

func (f *fakeDNS) LookupTXT(_ context.Context, name string) ([]string, resolver.Code, error) {
	v, ok := f.txt[name]
	if !ok {
		return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
	}
	return v, resolver.OK, nil
}

func (f *fakeDNS) LookupMX(_ context.Context, name string) ([]resolver.IPEntry, resolver.Code, error) {
	v, ok := f.mx[name]
	if !ok {
		return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
	}
	return v, resolver.OK, nil
}

func (f *fakeDNS) LookupA(_ context.Context, name string) ([]resolver.IPEntry, resolver.Code, error) {
	v, ok := f.a[name]
	if !ok {
		return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
	}
	return v, resolver.OK, nil
}

func (f *fakeDNS) LookupPTR(_ context.Context, ip string) ([]string, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}

func v4Entry(s string) resolver.IPEntry {
	addr := netip.MustParseAddr(s)
	b := addr.As4()
	var e resolver.IPEntry
	copy(e.Addr[12:], b[:])
	return e
}

func mustIP(s string) netip.Addr { return netip.MustParseAddr(s) }

func TestBasicMechanisms(t *testing.T) {
	dns := newFakeDNS()
	dns.a["d1110"] = []resolver.IPEntry{v4Entry("1.1.1.0")}
	dns.a["d1111"] = []resolver.IPEntry{v4Entry("1.1.1.1")}
	dns.mx["d1110"] = []resolver.IPEntry{
		{Priority: 5, Host: "d1110", Addr: v4Entry("1.1.1.0").Addr},
		{Priority: 10, Host: "nothing"},
	}

	cases := []struct {
		txt string
		res Result
	}{
		{"blah", None},
		{"v=spf1", Neutral},
		{"v=spf1 ", Neutral},
		{"v=spf1 all", Pass},
		{"v=spf1  +all", Pass},
		{"v=spf1 -all", Fail},
		{"v=spf1 ~all", SoftFail},
		{"v=spf1 ?all", Neutral},
		{"v=spf1 a ~all", SoftFail},
		{"v=spf1 a:d1110/24", Pass},
		{"v=spf1 a:d1110", Neutral},
		{"v=spf1 a:d1111", Pass},
		{"v=spf1 ip4:1.2.3.4 ~all", SoftFail},
		{"v=spf1 ip4:1.1.1.1 -all", Pass},
		{"v=spf1 bogus", PermError},
	}

	c := &Checker{DNS: dns}
	for _, tc := range cases {
		dns.txt["domain"] = []string{tc.txt}
		got := c.Check(context.Background(), Request{
			IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
			MailFrom: "foo@domain", LocalDomain: "domain",
		})
		if got.Result != tc.res {
			t.Errorf("%q: got %v, want %v", tc.txt, got.Result, tc.res)
		}
	}
}

func TestNoRecord(t *testing.T) {
	dns := newFakeDNS()
	dns.txt["d1"] = []string{""}
	dns.txt["d2"] = []string{"loco", "v=spf2"}
	// d3 and nospf are absent from the map entirely => Nxdomain => None.

	c := &Checker{DNS: dns}
	for _, domain := range []string{"d1", "d2", "d3", "nospf"} {
		got := c.Check(context.Background(), Request{
			IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
			MailFrom: "foo@" + domain, LocalDomain: domain,
		})
		if got.Result != None {
			t.Errorf("%s: got %v, want none", domain, got.Result)
		}
	}
}

func TestIncludeRecursionLoop(t *testing.T) {
	dns := newFakeDNS()
	dns.txt["domain"] = []string{"v=spf1 include:domain ~all"}

	c := &Checker{DNS: dns}
	got := c.Check(context.Background(), Request{
		IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
		MailFrom: "foo@domain", LocalDomain: "domain",
	})
	if got.Result != PermError {
		t.Errorf("got %v, want permerror", got.Result)
	}
}

func TestIncludePass(t *testing.T) {
	dns := newFakeDNS()
	dns.txt["domain"] = []string{"v=spf1 include:included -all"}
	dns.txt["included"] = []string{"v=spf1 ip4:1.1.1.1 -all"}

	c := &Checker{DNS: dns}
	got := c.Check(context.Background(), Request{
		IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
		MailFrom: "foo@domain", LocalDomain: "domain",
	})
	if got.Result != Pass {
		t.Errorf("got %v, want pass", got.Result)
	}
}

func TestRedirect(t *testing.T) {
	dns := newFakeDNS()
	dns.txt["domain"] = []string{"v=spf1 redirect=other"}
	dns.txt["other"] = []string{"v=spf1 ip4:1.1.1.1 -all"}

	c := &Checker{DNS: dns}
	got := c.Check(context.Background(), Request{
		IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
		MailFrom: "foo@domain", LocalDomain: "domain",
	})
	if got.Result != Pass {
		t.Errorf("got %v, want pass", got.Result)
	}
}

func TestMacroExpansionSenderLocal(t *testing.T) {
	dns := newFakeDNS()
	dns.txt["domain"] = []string{"v=spf1 exists:%{l}.%{d} -all"}
	dns.a["foo.domain"] = []resolver.IPEntry{v4Entry("9.9.9.9")}

	c := &Checker{DNS: dns}
	got := c.Check(context.Background(), Request{
		IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
		MailFrom: "foo@domain", LocalDomain: "domain",
	})
	if got.Result != Pass {
		t.Errorf("got %v, want pass", got.Result)
	}
}

func TestTooManyDNSLookups(t *testing.T) {
	dns := newFakeDNS()
	dns.txt["domain"] = []string{
		"v=spf1 exists:a.domain exists:b.domain exists:c.domain " +
			"exists:d.domain exists:e.domain exists:f.domain " +
			"exists:g.domain exists:h.domain exists:i.domain " +
			"exists:j.domain exists:k.domain -all",
	}
	c := &Checker{DNS: dns}
	got := c.Check(context.Background(), Request{
		IP: mustIP("1.1.1.1"), HELO: "mail.example.org",
		MailFrom: "foo@domain", LocalDomain: "domain",
	})
	if got.Result != PermError {
		t.Errorf("got %v, want permerror (lookup budget)", got.Result)
	}
}

func TestReceivedSPFHeader(t *testing.T) {
	h := ReceivedSPFHeader(CheckHostResult{Result: Pass}, mustIP("1.1.1.1"),
		"mail.example.org", "foo@domain", "mx.local")
	if h == "" {
		t.Fatal("expected non-empty header")
	}
}
