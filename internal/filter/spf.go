package filter

import (
	"context"
	"strconv"

	"github.com/qsmtpd/qsmtpd/internal/spf"
)

// spfEnforcement maps an SPF result onto a decision at a given policy
// level (spec §4.7: "per-domain policy level (1-5) mapping results to
// accept/softfail/fail outcomes"):
//
//	1  SPF consulted for logging only, never rejects.
//	2  reject Fail; decided exactly like level 3, no separate
//	   strictness test is applied to the record.
//	3  reject Fail.
//	4  reject Fail and SoftFail.
//	5  reject anything short of Pass (Fail, SoftFail, Neutral, None,
//	   TempError); the strictest level, for domains on spfstrict.
// spfDecision assumes res is never TempError; the caller handles that
// case itself since its treatment also depends on policy level.
func spfDecision(level int, res spf.Result) bool {
	switch {
	case level <= 1:
		return false
	case level <= 3:
		return res == spf.Fail
	case level == 4:
		return res == spf.Fail || res == spf.SoftFail
	default: // level >= 5
		return res != spf.Pass
	}
}

// SPFConfig extends Config with a configured Checker; the real qsmtpd
// Config wires this to a *resolver.Client-backed spf.Checker, tests can
// supply a fake DNS-backed one directly.
type SPFConfig interface {
	Config
	SPFChecker() *spf.Checker
	SPFPolicy(recipient, senderDomain string) (level int, scope Scope)
}

// SPF runs the RFC 4408 evaluator against the sender domain and HELO
// name and rejects per the configured policy level; spfignore exempts a
// sender domain entirely, spfstrict forces policy level 5.
func SPF(ctx context.Context, fc *Context) Verdict {
	sc, ok := fc.Config.(SPFConfig)
	if !ok {
		return pass()
	}

	_, domain := splitAddr(fc.MailFrom)
	if domain == "" {
		domain = fc.HELO
	}
	if domain == "" {
		return pass()
	}

	ignore, _ := fc.Config.LookupList("spfignore", fc.Recipient)
	for _, d := range ignore {
		if d == domain {
			return pass()
		}
	}

	level, scope := sc.SPFPolicy(fc.Recipient, domain)
	strict, _ := fc.Config.LookupList("spfstrict", fc.Recipient)
	for _, d := range strict {
		if d == domain {
			level = 5
		}
	}
	if level <= 0 {
		return pass()
	}

	checker := sc.SPFChecker()
	if checker == nil {
		return pass()
	}

	res := checker.Check(ctx, spf.Request{
		IP:          fc.PeerIP,
		HELO:        fc.HELO,
		MailFrom:    fc.MailFrom,
		LocalDomain: domain,
	})

	if res.Result == spf.TempError {
		if level >= 5 {
			return Verdict{Result: DeniedTemp, Scope: scope,
				Message: "temporary failure evaluating sender policy"}
		}
		return pass()
	}

	if spfDecision(level, res.Result) {
		msg := "sender policy framework check failed"
		if res.Explanation != "" {
			msg = res.Explanation
		}
		return deny(DeniedPolicy, scope, "%s", msg)
	}
	return pass()
}

// ParsePolicyLevel parses a "spfpolicy" control-file value, clamping to
// [0, 5].
func ParsePolicyLevel(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	if n < 0 {
		return 0
	}
	if n > 5 {
		return 5
	}
	return n
}
