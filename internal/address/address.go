// Package address implements the address and domain parser (spec §4.3):
// FQDN validation per RFC 1035 with size caps, and RFC 5321 mailbox
// parsing for MAIL FROM / RCPT TO arguments, including source routes and
// address literals.
//
// It is grounded on the teacher's internal/envelope (user/domain
// splitting, lower-casing) generalized to the full mailbox grammar, and
// uses golang.org/x/net/idna for FQDN normalization (the teacher's
// internal/smtp and internal/sts both lean on the same package for IDNA
// handling of domains).
package address

import (
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
)

// Class classifies a parsed mailbox.
type Class int

const (
	ClassEmpty      Class = iota // "<>" -- only valid for MAIL FROM.
	ClassLocalOnly               // "postmaster" with no domain.
	ClassFull                    // local@domain
	ClassLiteral                 // local@[1.2.3.4] or local@[IPv6:...]
)

// Context selects which mailbox grammar relaxations apply.
type Context int

const (
	MailFrom Context = iota
	RcptTo
)

// Mailbox is a parsed <...> argument.
type Mailbox struct {
	// Normalized (lower-cased domain) address string, "local@domain", or
	// "" for ClassEmpty, or just "local" for ClassLocalOnly.
	Address string
	Local   string
	Domain  string
	Class   Class
}

var errSyntax = fmt.Errorf("address: syntax error")

// ParseMailbox parses a "<...>" argument from a MAIL FROM or RCPT TO
// command. It returns the parsed mailbox, the slice of s following the
// closing '>', and an error for anything that doesn't fit the grammar.
//
// Cases per spec §4.3:
//   - "<>" is accepted only in MailFrom context.
//   - "<postmaster>" (no domain) is accepted only in RcptTo context.
//   - A source route ("<@a,@b:user@domain>") is parsed and discarded.
//   - The domain may be an FQDN, or a bracketed literal.
func ParseMailbox(s string, ctx Context) (Mailbox, string, error) {
	if len(s) == 0 || s[0] != '<' {
		return Mailbox{}, s, errSyntax
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return Mailbox{}, s, errSyntax
	}
	inner := s[1:end]
	rest := s[end+1:]

	if inner == "" {
		if ctx != MailFrom {
			return Mailbox{}, rest, errSyntax
		}
		return Mailbox{Class: ClassEmpty}, rest, nil
	}

	// Discard a source route: "@a,@b,@c:rest".
	if inner[0] == '@' {
		i := strings.IndexByte(inner, ':')
		if i < 0 {
			return Mailbox{}, rest, errSyntax
		}
		route := inner[:i]
		for _, hop := range strings.Split(route, ",") {
			hop = strings.TrimPrefix(hop, "@")
			if !ValidFQDN(hop) {
				return Mailbox{}, rest, errSyntax
			}
		}
		inner = inner[i+1:]
	}

	local, domain, hasAt, err := splitMailbox(inner)
	if err != nil {
		return Mailbox{}, rest, err
	}

	if !hasAt {
		if ctx != RcptTo || !strings.EqualFold(local, "postmaster") {
			return Mailbox{}, rest, errSyntax
		}
		return Mailbox{Address: strings.ToLower(local), Local: local,
			Class: ClassLocalOnly}, rest, nil
	}

	if !validLocalPart(local) || len(local) > 64 {
		return Mailbox{}, rest, errSyntax
	}

	class := ClassFull
	normDomain := domain
	if strings.HasPrefix(domain, "[") && strings.HasSuffix(domain, "]") {
		lit := domain[1 : len(domain)-1]
		if !validAddressLiteral(lit) {
			return Mailbox{}, rest, errSyntax
		}
		class = ClassLiteral
		normDomain = "[" + lit + "]"
	} else {
		if !ValidFQDN(domain) {
			return Mailbox{}, rest, errSyntax
		}
		ascii, err := idna.ToASCII(strings.ToLower(domain))
		if err == nil {
			normDomain = ascii
		} else {
			normDomain = strings.ToLower(domain)
		}
	}

	addr := local + "@" + normDomain
	return Mailbox{Address: addr, Local: local, Domain: normDomain,
		Class: class}, rest, nil
}

// splitMailbox splits "local@domain" (or a bare "local"), respecting
// quoted-string local parts that may contain '@'.
func splitMailbox(s string) (local, domain string, hasAt bool, err error) {
	if len(s) > 0 && s[0] == '"' {
		i := 1
		for i < len(s) {
			if s[i] == '\\' && i+1 < len(s) {
				i += 2
				continue
			}
			if s[i] == '"' {
				break
			}
			i++
		}
		if i >= len(s) || s[i] != '"' {
			return "", "", false, errSyntax
		}
		local = s[:i+1]
		rest := s[i+1:]
		if rest == "" {
			return local, "", false, nil
		}
		if rest[0] != '@' {
			return "", "", false, errSyntax
		}
		return local, rest[1:], true, nil
	}

	i := strings.IndexByte(s, '@')
	if i < 0 {
		return s, "", false, nil
	}
	return s[:i], s[i+1:], true, nil
}

// validLocalPart validates the dot-atom or quoted-string grammar of RFC
// 5321 §4.1.2, with limited escaping in quoted strings.
func validLocalPart(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '"' {
		return len(s) >= 2 && s[len(s)-1] == '"'
	}
	// dot-atom: atext ("." atext)*, no leading/trailing/double dots.
	if s[0] == '.' || s[len(s)-1] == '.' || strings.Contains(s, "..") {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' {
			continue
		}
		if !isAtext(c) {
			return false
		}
	}
	return true
}

func isAtext(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '/', '=', '?',
		'^', '_', '`', '{', '|', '}', '~':
		return true
	}
	return false
}

// validAddressLiteral validates the contents of "[...]" for both IPv4
// literals ("1.2.3.4") and IPv6 literals ("IPv6:::1").
func validAddressLiteral(s string) bool {
	if strings.HasPrefix(s, "IPv6:") {
		_, err := netip.ParseAddr(s[len("IPv6:"):])
		return err == nil
	}
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// ValidFQDN validates a fully-qualified domain name per spec §4.3: only
// [A-Za-z0-9.-], 1-255 bytes, at least one dot, no label over 63 bytes, no
// empty label, no leading dot, a single trailing dot tolerated, and the
// TLD must end in a letter.
func ValidFQDN(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if len(s) == 0 || len(s) > 255 {
		return false
	}
	if !strings.Contains(s, ".") {
		return false
	}
	if s[0] == '.' || s[0] == '-' {
		return false
	}

	labels := strings.Split(s, ".")
	for _, l := range labels {
		if len(l) == 0 || len(l) > 63 {
			return false
		}
		for i := 0; i < len(l); i++ {
			c := l[i]
			ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
				(c >= '0' && c <= '9') || c == '-'
			if !ok {
				return false
			}
		}
	}

	tld := labels[len(labels)-1]
	last := tld[len(tld)-1]
	if !((last >= 'a' && last <= 'z') || (last >= 'A' && last <= 'Z')) {
		return false
	}
	return true
}

// Split splits a normalized "local@domain" address at its last '@'; for
// local-only mailboxes, domain will be empty, and for literal mailboxes it
// is the bracketed literal (e.g. "[192.0.2.1]").
func Split(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
