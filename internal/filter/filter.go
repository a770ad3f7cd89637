// Package filter implements the recipient filter pipeline (spec §4.7):
// an ordered array of named filter functions sharing one per-recipient
// Context, a small FilterResult alphabet, and two global escalation
// knobs (fail_hard_on_temp, nonexist_on_block).
//
// The shape — an ordered slice of functions over a shared context
// struct, each allowed to short-circuit the rest — is grounded on the
// teacher's internal/auth.Authenticator.Authenticate/Exists backend
// chain (try backend, fall through on no-result, stop on a definite
// answer); here the chain is reified as data (FilterFunc values in a
// slice) rather than a fixed two-step fallback, since spec §4.7 calls
// for an arbitrary, configurable sequence.
package filter

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/qsmtpd/qsmtpd/internal/resolver"
)

// DNS is the DNS surface the filters that need it (fromdomain, dnsbl,
// spf) consult; it is the same shape as *resolver.Client, declared here
// as an interface so filter tests can supply a canned implementation.
type DNS interface {
	LookupMX(ctx context.Context, name string) ([]resolver.IPEntry, resolver.Code, error)
	LookupA(ctx context.Context, name string) ([]resolver.IPEntry, resolver.Code, error)
	LookupTXT(ctx context.Context, name string) ([]string, resolver.Code, error)
	LookupPTR(ctx context.Context, ip string) ([]string, resolver.Code, error)
}

// Result is the verdict alphabet every filter function returns.
type Result int

const (
	Pass Result = iota
	DeniedMessage
	DeniedUnspecific
	DeniedNouser
	DeniedTemp
	DeniedPolicy // SPF-specific denial; carries its own enhanced reply.
	Whitelisted
	Error
)

func (r Result) String() string {
	switch r {
	case Pass:
		return "pass"
	case DeniedMessage:
		return "denied-message"
	case DeniedUnspecific:
		return "denied-unspecific"
	case DeniedNouser:
		return "denied-nouser"
	case DeniedTemp:
		return "denied-temp"
	case DeniedPolicy:
		return "denied-policy"
	case Whitelisted:
		return "whitelisted"
	case Error:
		return "error"
	}
	return "unknown"
}

// Scope records which configuration level supplied the setting that
// produced a verdict (spec §3's Configuration Scope).
type Scope int

const (
	ScopeNone Scope = iota
	ScopeUser
	ScopeDomain
	ScopeGlobal
)

func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeDomain:
		return "domain"
	case ScopeGlobal:
		return "global"
	}
	return "none"
}

// Verdict is the full outcome of one filter function: the result, the
// scope of the setting that produced it, and an optional human-readable
// message (used verbatim in a DeniedMessage SMTP reply).
type Verdict struct {
	Result  Result
	Scope   Scope
	Message string
}

func pass() Verdict { return Verdict{Result: Pass} }

// Session is the fixed, per-connection facts available to every filter:
// set once at MAIL FROM time and never mutated by the filters themselves.
type Session struct {
	PeerIP      netip.Addr
	HELO        string
	MailFrom    string // "" for the null sender.
	TLS         bool
	Authed      bool
	AuthName    string
	DeclaredSize int64 // peer-declared SIZE=, 0 if not given.
}

// Context is threaded through every filter invocation for one recipient.
// Earlier recipients of the same transaction remain visible via Prior,
// which badcc uses.
type Context struct {
	Session
	Recipient string
	Prior     []string // recipients already accepted this transaction.

	Config Config
	DNS    DNS
}

// Config is the subset of loaded control-file state a filter consults.
// It is an interface so the qsmtpd state machine's real control-file-
// backed implementation and filter unit tests can both satisfy it.
type Config interface {
	// Lookup returns a control-file value plus the scope it was found at
	// for the given recipient ("" scope/false if absent everywhere).
	Lookup(key, recipient string) (value string, scope Scope, ok bool)
	// LookupList returns a control-file's list entries (e.g. badmailfrom)
	// plus the scope the list came from.
	LookupList(key, recipient string) (entries []string, scope Scope)
	// FailHardOnTemp / NonexistOnBlock report the two global escalation
	// knobs for this recipient.
	FailHardOnTemp(recipient string) bool
	NonexistOnBlock(recipient string) bool
}

// Func is one filter function. ctx carries everything it may need; it
// must not mutate ctx.Prior or ctx.Session.
type Func func(ctx context.Context, fc *Context) Verdict

// Named pairs a Func with the name used in logs (spec §4.7: "records
// which configuration scope matched" — the name identifies which
// filter that was).
type Named struct {
	Name string
	Fn   Func
}

// Pipeline is the ordered filter sequence run for every recipient.
type Pipeline []Named

// Run executes the pipeline in order, stopping at the first non-Pass
// verdict (including Whitelisted, which preempts all further filters
// per spec §7's propagation policy). It applies the two global
// escalation knobs before returning.
func (p Pipeline) Run(ctx context.Context, fc *Context) (string, Verdict) {
	for _, f := range p {
		v := f.Fn(ctx, fc)
		if v.Result == Pass {
			continue
		}
		return f.Name, escalate(fc, v)
	}
	return "", pass()
}

func escalate(fc *Context, v Verdict) Verdict {
	if v.Result == DeniedTemp && fc.Config.FailHardOnTemp(fc.Recipient) {
		v.Result = DeniedMessage
		if v.Message == "" {
			v.Message = "temporary failure treated as permanent"
		}
	}
	if (v.Result == DeniedMessage || v.Result == DeniedUnspecific || v.Result == DeniedPolicy) &&
		fc.Config.NonexistOnBlock(fc.Recipient) {
		v.Result = DeniedNouser
		v.Message = ""
	}
	return v
}

// SMTPReply maps a Verdict onto the SMTP status line the qsmtpd state
// machine should send (spec §4.7/§7): enhanced status codes throughout.
func SMTPReply(v Verdict) (code int, enhanced string, text string) {
	switch v.Result {
	case Pass, Whitelisted:
		return 250, "2.0.0", "ok"
	case DeniedMessage:
		msg := v.Message
		if msg == "" {
			msg = "message denied by policy"
		}
		return 550, "5.7.1", msg
	case DeniedUnspecific:
		return 550, "5.7.1", "mail denied"
	case DeniedNouser:
		return 550, "5.1.1", "no such user"
	case DeniedTemp:
		return 450, "4.7.1", "temporary failure, please try again later"
	case DeniedPolicy:
		return 501, "5.7.1", "mail denied by SPF policy"
	case Error:
		return 451, "4.3.0", "internal error"
	}
	return 451, "4.3.0", "internal error"
}

func deny(result Result, scope Scope, msg string, args ...interface{}) Verdict {
	return Verdict{Result: result, Scope: scope, Message: fmt.Sprintf(msg, args...)}
}
