// Package spf implements RFC 4408 Sender Policy Framework evaluation
// (spec §4.6): macro expansion, the "all/ip4/ip6/a/mx/ptr/exists/include"
// mechanisms, the "redirect=" and "exp=" modifiers, and the DNS-lookup and
// recursion budgets that keep a malicious record from causing a denial of
// service against the evaluator itself.
//
// The teacher's own copy of this package is a thin wrapper around
// net.Lookup* that explicitly declines macros, "exp=", and "ptr" (see the
// package comment this file replaces); it is superseded here rather than
// adapted, since chasquid's SPF needs were limited to "is this sender
// authorized" while qsmtpd needs the complete mechanism/modifier set.
// What is kept is the house style: a resolution-style struct carrying
// per-check state through recursive evaluation, and an explicit lookup
// counter enforcing RFC 4408 §4.6.4's limit of 10 DNS lookups. DNS access
// itself goes through internal/resolver (built on github.com/miekg/dns)
// instead of net.Lookup*, so NXDOMAIN, SERVFAIL, and malformed responses
// can be told apart as the RFC requires.
package spf

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

// Result is the SPF result alphabet of RFC 4408 §2.6.
type Result string

const (
	None      Result = "none"
	Neutral   Result = "neutral"
	Pass      Result = "pass"
	Fail      Result = "fail"
	SoftFail  Result = "softfail"
	TempError Result = "temperror"
	PermError Result = "permerror"
)

const (
	maxDNSLookups  = 10
	maxRecursion   = 20
	maxVoidLookups = 2
)

// Request carries the fixed inputs to an SPF check (RFC 4408 §2.3): the
// connecting IP, the HELO/EHLO name, and the MAIL FROM address (or, when
// empty, the HELO identity is checked instead per RFC 4408 §2.4).
type Request struct {
	IP          netip.Addr
	HELO        string
	MailFrom    string // "local@domain"; may be "".
	LocalDomain string
}

// DNSClient is the subset of *resolver.Client that SPF evaluation needs;
// declared as an interface so tests can substitute a canned resolver
// without a real DNS round trip.
type DNSClient interface {
	LookupTXT(ctx context.Context, name string) ([]string, resolver.Code, error)
	LookupMX(ctx context.Context, name string) ([]resolver.IPEntry, resolver.Code, error)
	LookupA(ctx context.Context, name string) ([]resolver.IPEntry, resolver.Code, error)
	LookupPTR(ctx context.Context, ip string) ([]string, resolver.Code, error)
}

// Checker evaluates SPF records using a DNSClient.
type Checker struct {
	DNS DNSClient
}

// eval is the mutable per-check state threaded through every mechanism
// and macro evaluation; it exists so recursion (include/redirect) can
// share a single DNS-lookup budget, matching RFC 4408 §10.1's requirement
// that the limit apply to the whole check, not each record.
type eval struct {
	ctx         context.Context
	dns         DNSClient
	req         Request
	lookups     int
	voidLookups int
	depth       int
}

// CheckHostResult is returned by Check: the verdict plus, when a
// mechanism match produced one, the explanation string for a "exp="
// modifier (RFC 4408 §6.2), to be embedded in the SMTP rejection text.
type CheckHostResult struct {
	Result      Result
	Mechanism   string // the mechanism or modifier that produced the result.
	Explanation string
}

// Check runs the full SPF algorithm for req and returns the result, the
// deciding mechanism and any explanation; ReceivedSPFHeader turns that
// into the "Received-SPF:" header text (RFC 4408 §8).
func (c *Checker) Check(ctx context.Context, req Request) CheckHostResult {
	domain := req.LocalDomain
	if req.MailFrom == "" {
		domain = req.HELO
	}
	if domain == "" {
		return CheckHostResult{Result: None}
	}

	e := &eval{ctx: ctx, dns: c.DNS, req: req}
	return e.checkHost(domain)
}

func tempErr(mech string) CheckHostResult { return CheckHostResult{Result: TempError, Mechanism: mech} }
func permErr(mech string) CheckHostResult { return CheckHostResult{Result: PermError, Mechanism: mech} }

// checkHost implements the RFC 4408 §4 check_host() function against the
// given domain (which may differ from the original sender domain once
// "include" or "redirect" recurses).
func (e *eval) checkHost(domain string) CheckHostResult {
	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxRecursion {
		return permErr("recursion")
	}

	txts, code, err := e.dns.LookupTXT(e.ctx, domain)
	if err != nil {
		if code == resolver.Nxdomain {
			return CheckHostResult{Result: None}
		}
		return tempErr("dns")
	}

	var record string
	found := 0
	for _, t := range txts {
		if strings.HasPrefix(strings.ToLower(t), "v=spf1") &&
			(len(t) == 6 || t[6] == ' ') {
			record = t
			found++
		}
	}
	if found == 0 {
		return CheckHostResult{Result: None}
	}
	if found > 1 {
		return permErr("multiple records")
	}

	return e.evalRecord(domain, record)
}

func (e *eval) evalRecord(domain, record string) CheckHostResult {
	fields := strings.Fields(record)
	terms := fields[1:] // drop "v=spf1"

	var redirect string
	var expMod string

	for _, term := range terms {
		qualifier, mech, arg, isMod := splitTerm(term)

		if isMod {
			switch strings.ToLower(mech) {
			case "redirect":
				redirect = e.expandMacro(arg, domain)
			case "exp":
				expMod = e.expandMacro(arg, domain)
			}
			continue
		}

		matched, _, errRes := e.evalMechanism(domain, mech, arg)
		if errRes != nil {
			return *errRes
		}
		if matched {
			result := qualifierResult(qualifier)
			out := CheckHostResult{Result: result, Mechanism: mech}
			if result == Fail && expMod != "" {
				out.Explanation = e.expandMacro(expMod, domain)
			}
			return out
		}
	}

	if redirect != "" {
		if redirect == domain {
			return permErr("redirect loop")
		}
		return e.checkHost(redirect)
	}

	return CheckHostResult{Result: Neutral}
}

func qualifierResult(q byte) Result {
	switch q {
	case '+':
		return Pass
	case '-':
		return Fail
	case '~':
		return SoftFail
	case '?':
		return Neutral
	}
	return Pass
}

// splitTerm splits one SPF term into its qualifier ('+' default), the
// mechanism/modifier name, and its argument (after ':' or '=').
func splitTerm(term string) (qualifier byte, name, arg string, isModifier bool) {
	qualifier = '+'
	if len(term) > 0 {
		switch term[0] {
		case '+', '-', '~', '?':
			qualifier = term[0]
			term = term[1:]
		}
	}

	i := strings.IndexAny(term, ":=")
	if i < 0 {
		name = term
	} else {
		name = term[:i]
		arg = term[i+1:]
		if term[i] == '=' {
			isModifier = true
		}
	}
	low := strings.ToLower(name)
	if low == "redirect" || low == "exp" {
		isModifier = true
	}
	return
}

// evalMechanism evaluates a single mechanism against the request; it
// returns (matched, _, errResult). errResult is non-nil on a DNS/budget
// failure that must abort the whole check immediately.
func (e *eval) evalMechanism(domain, mech, arg string) (bool, Result, *CheckHostResult) {
	low := strings.ToLower(mech)

	switch low {
	case "all":
		return true, Pass, nil
	case "ip4", "ip6":
		return e.evalIP(arg, low == "ip6")
	case "a":
		return e.evalA(domain, arg)
	case "mx":
		return e.evalMX(domain, arg)
	case "ptr":
		return e.evalPTR(domain, arg)
	case "exists":
		return e.evalExists(domain, arg)
	case "include":
		return e.evalInclude(domain, arg)
	}

	r := permErr("unknown mechanism: " + mech)
	return false, PermError, &r
}

func (e *eval) chargeLookup() *CheckHostResult {
	e.lookups++
	if e.lookups > maxDNSLookups {
		r := permErr("too many DNS lookups")
		return &r
	}
	return nil
}

func (e *eval) evalIP(arg string, v6 bool) (bool, Result, *CheckHostResult) {
	prefix, err := parseCIDROrAddr(arg, v6)
	if err != nil {
		r := permErr("malformed ip mechanism")
		return false, PermError, &r
	}
	return prefix.Contains(e.req.IP), Pass, nil
}

func parseCIDROrAddr(s string, v6 bool) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	bits := 32
	if v6 {
		bits = 128
	}
	return netip.PrefixFrom(addr, bits), nil
}

// splitDualCIDR parses the optional dual "a/mx" mechanism argument of the
// form "domain/ip4len/ip6len" (RFC 4408 §5.3).
func splitDualCIDR(arg string) (domain string, v4len, v6len int) {
	v4len, v6len = 32, 128
	parts := strings.SplitN(arg, "/", 3)
	domain = parts[0]
	if len(parts) >= 2 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			v4len = n
		}
	}
	if len(parts) >= 3 {
		if n, err := strconv.Atoi(parts[2]); err == nil {
			v6len = n
		}
	}
	return
}

func (e *eval) evalA(domain, arg string) (bool, Result, *CheckHostResult) {
	if errRes := e.chargeLookup(); errRes != nil {
		return false, PermError, errRes
	}
	target, v4len, v6len := splitDualCIDR(arg)
	if target == "" {
		target = domain
	} else {
		target = e.expandMacro(target, domain)
	}

	entries, code, err := e.dns.LookupA(e.ctx, target)
	if err != nil {
		if code == resolver.Nxdomain {
			e.voidLookups++
			if errRes := e.checkVoidBudget(); errRes != nil {
				return false, PermError, errRes
			}
			return false, None, nil
		}
		r := tempErr("a")
		return false, TempError, &r
	}
	return e.matchEntries(entries, v4len, v6len), Pass, nil
}

func (e *eval) evalMX(domain, arg string) (bool, Result, *CheckHostResult) {
	if errRes := e.chargeLookup(); errRes != nil {
		return false, PermError, errRes
	}
	target, v4len, v6len := splitDualCIDR(arg)
	if target == "" {
		target = domain
	} else {
		target = e.expandMacro(target, domain)
	}

	mxs, code, err := e.dns.LookupMX(e.ctx, target)
	if err != nil {
		if code == resolver.Nxdomain {
			e.voidLookups++
			if errRes := e.checkVoidBudget(); errRes != nil {
				return false, PermError, errRes
			}
			return false, None, nil
		}
		r := tempErr("mx")
		return false, TempError, &r
	}
	// Each MX target resolution also counts against the lookup budget
	// (RFC 4408 §10.1: "each A or AAAA record lookup... counts").
	e.lookups += len(mxs)
	if e.lookups > maxDNSLookups {
		r := permErr("too many DNS lookups")
		return false, PermError, &r
	}
	return e.matchEntries(mxs, v4len, v6len), Pass, nil
}

func (e *eval) matchEntries(entries []resolver.IPEntry, v4len, v6len int) bool {
	for _, ent := range entries {
		addr := entryAddr(ent)
		bits := v4len
		if ent.IsV6 {
			bits = v6len
		}
		prefix, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if prefix.Contains(e.req.IP) {
			return true
		}
	}
	return false
}

func entryAddr(e resolver.IPEntry) netip.Addr {
	if e.IsV6 {
		return netip.AddrFrom16(e.Addr)
	}
	var b [4]byte
	copy(b[:], e.Addr[12:])
	return netip.AddrFrom4(b)
}

func (e *eval) evalPTR(domain, arg string) (bool, Result, *CheckHostResult) {
	if errRes := e.chargeLookup(); errRes != nil {
		return false, PermError, errRes
	}
	target := domain
	if arg != "" {
		target = e.expandMacro(arg, domain)
	}

	names, _, err := e.dns.LookupPTR(e.ctx, e.req.IP.String())
	if err != nil {
		return false, None, nil
	}
	// Cap validated PTR names examined at 10 per RFC 4408 §10.1.
	if len(names) > 10 {
		names = names[:10]
	}
	for _, name := range names {
		if !isDomainOf(name, target) {
			continue
		}
		// Forward-confirm: the name must resolve back to the connecting IP.
		addrs, _, err := e.dns.LookupA(e.ctx, name)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if entryAddr(a) == e.req.IP {
				return true, Pass, nil
			}
		}
	}
	return false, Pass, nil
}

func isDomainOf(name, domain string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	return name == domain || strings.HasSuffix(name, "."+domain)
}

func (e *eval) evalExists(domain, arg string) (bool, Result, *CheckHostResult) {
	if errRes := e.chargeLookup(); errRes != nil {
		return false, PermError, errRes
	}
	target := e.expandMacro(arg, domain)
	if target == "" {
		r := permErr("exists: empty domain-spec")
		return false, PermError, &r
	}
	_, code, err := e.dns.LookupA(e.ctx, target)
	if err != nil {
		if code == resolver.Nxdomain {
			return false, None, nil
		}
		r := tempErr("exists")
		return false, TempError, &r
	}
	return true, Pass, nil
}

func (e *eval) checkVoidBudget() *CheckHostResult {
	if e.voidLookups > maxVoidLookups {
		r := permErr("too many void lookups")
		return &r
	}
	return nil
}

func (e *eval) evalInclude(domain, arg string) (bool, Result, *CheckHostResult) {
	if errRes := e.chargeLookup(); errRes != nil {
		return false, PermError, errRes
	}
	if arg == "" {
		r := permErr("include: empty domain-spec")
		return false, PermError, &r
	}
	target := e.expandMacro(arg, domain)
	sub := e.checkHost(target)

	switch sub.Result {
	case Pass:
		return true, Pass, nil
	case Fail, SoftFail, Neutral:
		return false, Pass, nil // no match, continue evaluating terms.
	case None:
		r := permErr("include: no SPF record for " + target)
		return false, PermError, &r
	case TempError:
		r := tempErr("include")
		return false, TempError, &r
	default:
		r := permErr("include")
		return false, PermError, &r
	}
}

// expandMacro expands RFC 4408 §8.1 macros in s. Unsupported/malformed
// macro letters are dropped rather than aborting the whole check; a
// malformed "%{" with no closing "}" passes the rest through literally.
func (e *eval) expandMacro(s, domain string) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		c := s[i]
		if c == '%' && i+1 < len(s) {
			switch s[i+1] {
			case '%':
				out.WriteByte('%')
				i += 2
				continue
			case '_':
				out.WriteByte(' ')
				i += 2
				continue
			case '-':
				out.WriteString("%20")
				i += 2
				continue
			case '{':
				end := strings.IndexByte(s[i:], '}')
				if end < 0 {
					out.WriteString(s[i:])
					i = len(s)
					continue
				}
				expansion := e.expandMacroLetter(s[i+2:i+end], domain)
				out.WriteString(expansion)
				i += end + 1
				continue
			}
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

// expandMacroLetter expands one "{letter[digits][r][delim]}" macro spec
// per RFC 4408 §8.1.
func (e *eval) expandMacroLetter(spec, domain string) string {
	if spec == "" {
		return ""
	}
	letter := spec[0]
	rest := spec[1:]

	var raw string
	switch letter {
	case 's', 'S':
		raw = e.senderAddress()
	case 'l', 'L':
		raw = e.senderLocal()
	case 'o', 'O':
		raw = e.senderDomainPart()
	case 'd', 'D':
		raw = domain
	case 'i', 'I':
		raw = ipMacro(e.req.IP)
	case 'p', 'P':
		raw = "unknown" // validated-PTR macro: costly, degrade gracefully.
	case 'v', 'V':
		if e.req.IP.Is4() {
			raw = "in-addr"
		} else {
			raw = "ip6"
		}
	case 'h', 'H':
		raw = e.req.HELO
	case 'c', 'C':
		raw = e.req.IP.String()
	case 'r', 'R':
		raw = "unknown"
	case 't', 'T':
		raw = strconv.FormatInt(time.Now().Unix(), 10)
	default:
		return ""
	}

	return applyMacroTransform(raw, rest)
}

// applyMacroTransform applies the optional digit-count / "r" (reverse) /
// delimiter transform that follows a macro letter, e.g. the "2r" of
// "%{d2r}" (take the last 2 labels after reversing label order).
func applyMacroTransform(val, transform string) string {
	delims := "."
	reverse := false
	digits := 0
	haveDigits := false

	i := 0
	for i < len(transform) && transform[i] >= '0' && transform[i] <= '9' {
		haveDigits = true
		digits = digits*10 + int(transform[i]-'0')
		i++
	}
	if i < len(transform) && (transform[i] == 'r' || transform[i] == 'R') {
		reverse = true
		i++
	}
	if i < len(transform) {
		delims = transform[i:]
	}

	parts := splitAny(val, delims)
	if reverse {
		for a, b := 0, len(parts)-1; a < b; a, b = a+1, b-1 {
			parts[a], parts[b] = parts[b], parts[a]
		}
	}
	if haveDigits && digits > 0 && digits < len(parts) {
		parts = parts[len(parts)-digits:]
	}
	return strings.Join(parts, ".")
}

func splitAny(s, delims string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})
}

func (e *eval) senderAddress() string {
	if e.req.MailFrom != "" {
		return e.req.MailFrom
	}
	return "postmaster@" + e.req.HELO
}

func (e *eval) senderLocal() string {
	if e.req.MailFrom != "" {
		if i := strings.IndexByte(e.req.MailFrom, '@'); i >= 0 {
			return e.req.MailFrom[:i]
		}
	}
	return "postmaster"
}

func (e *eval) senderDomainPart() string {
	if e.req.MailFrom != "" {
		if i := strings.IndexByte(e.req.MailFrom, '@'); i >= 0 {
			return e.req.MailFrom[i+1:]
		}
	}
	return e.req.HELO
}

// ipMacro expands the "i" macro: dotted-quad for IPv4, dot-separated
// nibbles for IPv6 (RFC 4408 §8.1).
func ipMacro(ip netip.Addr) string {
	if ip.Is4() {
		return ip.String()
	}
	b := ip.As16()
	var nibbles []string
	for _, by := range b {
		nibbles = append(nibbles, fmt.Sprintf("%x", by>>4), fmt.Sprintf("%x", by&0xf))
	}
	return strings.Join(nibbles, ".")
}

// ReceivedSPFHeader builds the "Received-SPF:" header value (RFC 4408
// §8) to be prepended to the message by the qsmtpd state machine.
func ReceivedSPFHeader(res CheckHostResult, ip netip.Addr, helo, mailfrom, receiver string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s: ", res.Result, receiver)
	switch res.Result {
	case Pass:
		fmt.Fprintf(&sb, "domain of %s designates %s as permitted sender", mailfrom, ip)
	case Fail:
		fmt.Fprintf(&sb, "domain of %s does not designate %s as permitted sender", mailfrom, ip)
	case SoftFail:
		fmt.Fprintf(&sb, "domain of transitioning %s does not designate %s as permitted sender", mailfrom, ip)
	default:
		sb.WriteString(string(res.Result))
	}
	sb.WriteString(") client-ip=")
	sb.WriteString(ip.String())
	sb.WriteString("; envelope-from=")
	sb.WriteString(mailfrom)
	sb.WriteString("; helo=")
	sb.WriteString(helo)
	sb.WriteString(";")
	return sb.String()
}
