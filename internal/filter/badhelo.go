package filter

import (
	"context"
	"strings"
)

// BadHELO rejects the session if the HELO/EHLO name matches a badhelo
// entry: an entry starting with '.' is a suffix match, otherwise it must
// match the HELO name exactly (spec §4.7).
func BadHELO(_ context.Context, fc *Context) Verdict {
	entries, scope := fc.Config.LookupList("badhelo", fc.Recipient)
	helo := strings.ToLower(fc.HELO)
	for _, e := range entries {
		e = strings.ToLower(e)
		if strings.HasPrefix(e, ".") {
			if strings.HasSuffix(helo, e) || helo == strings.TrimPrefix(e, ".") {
				return deny(DeniedMessage, scope, "invalid HELO name")
			}
			continue
		}
		if helo == e {
			return deny(DeniedMessage, scope, "invalid HELO name")
		}
	}
	return pass()
}
