package filter

import (
	"context"
	"strings"
)

// matchesListEntry implements the matching rule shared by badmailfrom and
// badcc (spec §4.7): an entry is either a full address, "@domain" (exact
// domain match), or a bare "domain" (suffix match anchored at a '.' or
// '@' boundary, so "example.org" matches "foo@example.org" and
// "foo@mail.example.org" but not "foo@notexample.org").
func matchesListEntry(address, entry string) bool {
	address = strings.ToLower(address)
	entry = strings.ToLower(entry)

	if strings.HasPrefix(entry, "@") {
		_, domain := splitAddr(address)
		return domain == entry[1:]
	}
	if strings.Contains(entry, "@") {
		return address == entry
	}

	// Bare domain: suffix match on '.' or '@' boundary.
	if address == entry {
		return true
	}
	return strings.HasSuffix(address, "."+entry) || strings.HasSuffix(address, "@"+entry)
}

func splitAddr(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}

// BadMailFrom rejects the sender if it matches an entry of the
// recipient's (or domain's, or global) badmailfrom list.
func BadMailFrom(_ context.Context, fc *Context) Verdict {
	if fc.MailFrom == "" {
		return pass()
	}
	entries, scope := fc.Config.LookupList("badmailfrom", fc.Recipient)
	for _, e := range entries {
		if matchesListEntry(fc.MailFrom, e) {
			return deny(DeniedMessage, scope, "sender address rejected")
		}
	}
	return pass()
}

// BadCC rejects the transaction if the sender, or any recipient already
// accepted earlier in the same transaction, matches a badcc entry (spec
// §4.7: "Bad-CC considers earlier recipients of the same transaction").
func BadCC(_ context.Context, fc *Context) Verdict {
	entries, scope := fc.Config.LookupList("badcc", fc.Recipient)
	if len(entries) == 0 {
		return pass()
	}
	candidates := append([]string{fc.MailFrom}, fc.Prior...)
	for _, cand := range candidates {
		if cand == "" {
			continue
		}
		for _, e := range entries {
			if matchesListEntry(cand, e) {
				return deny(DeniedMessage, scope, "recipient rejected (bad cc)")
			}
		}
	}
	return pass()
}
