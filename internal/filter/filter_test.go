package filter

import (
	"context"
	"net/netip"
	"testing"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

type fakeConfig struct {
	lists     map[string][]string
	values    map[string]string
	failHard  bool
	nonexist  bool
}

func (f *fakeConfig) Lookup(key, _ string) (string, Scope, bool) {
	v, ok := f.values[key]
	if !ok {
		return "", ScopeNone, false
	}
	return v, ScopeGlobal, true
}

func (f *fakeConfig) LookupList(key, _ string) ([]string, Scope) {
	return f.lists[key], ScopeGlobal
}

func (f *fakeConfig) FailHardOnTemp(string) bool  { return f.failHard }
func (f *fakeConfig) NonexistOnBlock(string) bool { return f.nonexist }

func newFakeConfig() *fakeConfig {
	return &fakeConfig{lists: map[string][]string{}, values: map[string]string{}}
}

func TestMatchesListEntry(t *testing.T) {
	cases := []struct {
		addr, entry string
		want        bool
	}{
		{"foo@example.org", "foo@example.org", true},
		{"foo@example.org", "@example.org", true},
		{"foo@mail.example.org", "@example.org", false},
		{"foo@example.org", "example.org", true},
		{"foo@mail.example.org", "example.org", true},
		{"foo@notexample.org", "example.org", false},
		{"foo@example.org", "other.org", false},
	}
	for _, c := range cases {
		if got := matchesListEntry(c.addr, c.entry); got != c.want {
			t.Errorf("matchesListEntry(%q, %q) = %v, want %v", c.addr, c.entry, got, c.want)
		}
	}
}

func TestBadMailFrom(t *testing.T) {
	cfg := newFakeConfig()
	cfg.lists["badmailfrom"] = []string{"spammer.example"}
	fc := &Context{Config: cfg}
	fc.MailFrom = "joe@spammer.example"

	_, v := Pipeline{{"badmailfrom", BadMailFrom}}.Run(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

func TestBadCCConsidersPriorRecipients(t *testing.T) {
	cfg := newFakeConfig()
	cfg.lists["badcc"] = []string{"blocked@example.org"}
	fc := &Context{Config: cfg}
	fc.Prior = []string{"blocked@example.org"}
	fc.Recipient = "someone-else@example.org"

	v := BadCC(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

func TestBadHELOSuffix(t *testing.T) {
	cfg := newFakeConfig()
	cfg.lists["badhelo"] = []string{".dynamic.example"}
	fc := &Context{Config: cfg}
	fc.HELO = "host123.dynamic.example"

	v := BadHELO(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

func TestEscalationFailHardOnTemp(t *testing.T) {
	cfg := newFakeConfig()
	cfg.failHard = true
	fc := &Context{Config: cfg}

	tempFail := func(context.Context, *Context) Verdict {
		return Verdict{Result: DeniedTemp}
	}
	_, v := Pipeline{{"temp", tempFail}}.Run(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message after escalation", v.Result)
	}
}

func TestEscalationNonexistOnBlock(t *testing.T) {
	cfg := newFakeConfig()
	cfg.nonexist = true
	fc := &Context{Config: cfg}

	blocked := func(context.Context, *Context) Verdict {
		return Verdict{Result: DeniedMessage, Message: "reason"}
	}
	_, v := Pipeline{{"blocked", blocked}}.Run(context.Background(), fc)
	if v.Result != DeniedNouser {
		t.Errorf("got %v, want denied-nouser after escalation", v.Result)
	}
	if v.Message != "" {
		t.Errorf("expected message scrubbed on nonexist_on_block, got %q", v.Message)
	}
}

func TestSPFDenialReply(t *testing.T) {
	code, enhanced, text := SMTPReply(Verdict{Result: DeniedPolicy, Message: "should be ignored"})
	if code != 501 || enhanced != "5.7.1" || text != "mail denied by SPF policy" {
		t.Errorf("got %d %s %q, want 501 5.7.1 \"mail denied by SPF policy\"", code, enhanced, text)
	}
}

func TestWhitelistPreemptsLaterFilters(t *testing.T) {
	cfg := newFakeConfig()
	fc := &Context{Config: cfg}

	ran := false
	whitelist := func(context.Context, *Context) Verdict {
		return Verdict{Result: Whitelisted}
	}
	never := func(context.Context, *Context) Verdict {
		ran = true
		return Verdict{Result: DeniedMessage}
	}
	_, v := Pipeline{{"wl", whitelist}, {"never", never}}.Run(context.Background(), fc)
	if v.Result != Whitelisted {
		t.Errorf("got %v, want whitelisted", v.Result)
	}
	if ran {
		t.Errorf("expected later filter to be preempted by whitelist")
	}
}

func TestUserSize(t *testing.T) {
	cfg := newFakeConfig()
	cfg.values["usersize"] = "1000"
	fc := &Context{Config: cfg}
	fc.DeclaredSize = 2000

	v := UserSize(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

func TestForceSTARTTLS(t *testing.T) {
	cfg := newFakeConfig()
	cfg.values["forcestarttls"] = "1"
	fc := &Context{Config: cfg}

	v := ForceSTARTTLS(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
	fc.TLS = true
	if v := ForceSTARTTLS(context.Background(), fc); v.Result != Pass {
		t.Errorf("got %v, want pass under TLS", v.Result)
	}
}

func TestNoBounce(t *testing.T) {
	cfg := newFakeConfig()
	cfg.values["nobounce"] = "1"
	fc := &Context{Config: cfg}
	fc.MailFrom = ""

	v := NoBounce(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

type fakeBLDNS struct {
	listed map[string]bool
}

func (f *fakeBLDNS) LookupMX(context.Context, string) ([]resolver.IPEntry, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}
func (f *fakeBLDNS) LookupA(_ context.Context, name string) ([]resolver.IPEntry, resolver.Code, error) {
	if f.listed[name] {
		return []resolver.IPEntry{{}}, resolver.OK, nil
	}
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}
func (f *fakeBLDNS) LookupTXT(context.Context, string) ([]string, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}
func (f *fakeBLDNS) LookupPTR(context.Context, string) ([]string, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}

func TestDNSBL(t *testing.T) {
	cfg := newFakeConfig()
	cfg.lists["rblv"] = []string{"bl.example.org"}
	dns := &fakeBLDNS{listed: map[string]bool{"1.1.1.1.bl.example.org": true}}
	fc := &Context{Config: cfg, DNS: dns}
	fc.PeerIP = netip.MustParseAddr("1.1.1.1")

	v := DNSBL(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

func TestReverseIPLabels(t *testing.T) {
	got := reverseIPLabels(netip.MustParseAddr("1.2.3.4"))
	if got != "4.3.2.1" {
		t.Errorf("got %q, want 4.3.2.1", got)
	}
}

type fakeFromDomainDNS struct {
	mx map[string][]resolver.IPEntry
}

func (f *fakeFromDomainDNS) LookupMX(_ context.Context, name string) ([]resolver.IPEntry, resolver.Code, error) {
	v, ok := f.mx[name]
	if !ok {
		return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
	}
	return v, resolver.OK, nil
}
func (f *fakeFromDomainDNS) LookupA(context.Context, string) ([]resolver.IPEntry, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}
func (f *fakeFromDomainDNS) LookupTXT(context.Context, string) ([]string, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}
func (f *fakeFromDomainDNS) LookupPTR(context.Context, string) ([]string, resolver.Code, error) {
	return nil, resolver.Nxdomain, &resolver.Error{Code: resolver.Nxdomain}
}

func TestFromDomainNoMX(t *testing.T) {
	cfg := newFakeConfig()
	cfg.values["fromdomain"] = "1"
	dns := &fakeFromDomainDNS{mx: map[string][]resolver.IPEntry{}}
	fc := &Context{Config: cfg, DNS: dns}
	fc.MailFrom = "joe@nomx.example"

	v := FromDomain(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}

func TestFromDomainLoopbackMX(t *testing.T) {
	cfg := newFakeConfig()
	cfg.values["fromdomain"] = "2"
	loopback := resolver.IPEntry{}
	loopback.Addr[12] = 127
	loopback.Addr[15] = 1
	dns := &fakeFromDomainDNS{mx: map[string][]resolver.IPEntry{
		"loop.example": {loopback},
	}}
	fc := &Context{Config: cfg, DNS: dns}
	fc.MailFrom = "joe@loop.example"

	v := FromDomain(context.Background(), fc)
	if v.Result != DeniedMessage {
		t.Errorf("got %v, want denied-message", v.Result)
	}
}
