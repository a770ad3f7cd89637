package filter

import (
	"context"
	"strconv"
)

// UserSize rejects the message when the peer-declared SIZE= exceeds the
// recipient's configured cap (spec §4.7).
func UserSize(_ context.Context, fc *Context) Verdict {
	if fc.DeclaredSize <= 0 {
		return pass()
	}
	val, scope, ok := fc.Config.Lookup("usersize", fc.Recipient)
	if !ok || val == "" {
		return pass()
	}
	cap, err := strconv.ParseInt(val, 10, 64)
	if err != nil || cap <= 0 {
		return pass()
	}
	if fc.DeclaredSize > cap {
		return deny(DeniedMessage, scope, "message size exceeds recipient's limit")
	}
	return pass()
}

// ForceSTARTTLS rejects a cleartext session when the recipient requires
// TLS (spec §4.7).
func ForceSTARTTLS(_ context.Context, fc *Context) Verdict {
	val, scope, ok := fc.Config.Lookup("forcestarttls", fc.Recipient)
	if !ok || val == "" || val == "0" {
		return pass()
	}
	if fc.TLS {
		return pass()
	}
	return deny(DeniedMessage, scope, "must issue STARTTLS first")
}

// NoBounce rejects an empty (bounce) sender for recipients flagged as
// unable to receive bounces (spec §4.7).
func NoBounce(_ context.Context, fc *Context) Verdict {
	if fc.MailFrom != "" {
		return pass()
	}
	val, scope, ok := fc.Config.Lookup("nobounce", fc.Recipient)
	if !ok || val == "" || val == "0" {
		return pass()
	}
	return deny(DeniedMessage, scope, "this recipient does not accept bounce messages")
}
