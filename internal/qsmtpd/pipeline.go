package qsmtpd

import "github.com/qsmtpd/qsmtpd/internal/filter"

// DefaultPipeline is the filter order run for every accepted RCPT TO
// (spec §4.7/§2): whitelist first (it preempts everything else), then
// the cheap local-list checks, then the checks that need DNS, and last
// the session and per-recipient checks (forcestarttls, nobounce,
// usersize).
var DefaultPipeline = filter.Pipeline{
	{Name: "ipwl", Fn: filter.IPWhitelistFilter},
	{Name: "ipbl", Fn: filter.IPBlacklistFilter},
	{Name: "badmailfrom", Fn: filter.BadMailFrom},
	{Name: "badcc", Fn: filter.BadCC},
	{Name: "badhelo", Fn: filter.BadHELO},
	{Name: "fromdomain", Fn: filter.FromDomain},
	{Name: "dnsbl", Fn: filter.DNSBL},
	{Name: "spf", Fn: filter.SPF},
	{Name: "forcestarttls", Fn: filter.ForceSTARTTLS},
	{Name: "nobounce", Fn: filter.NoBounce},
	{Name: "usersize", Fn: filter.UserSize},
}
