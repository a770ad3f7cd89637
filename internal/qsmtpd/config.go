package qsmtpd

import (
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/ctlfile"
	"github.com/qsmtpd/qsmtpd/internal/filter"
	"github.com/qsmtpd/qsmtpd/internal/spf"
)

// Config is the control-file-backed settings tree qsmtpd consults for
// both its own behavior and the filter.Config contract (spec §4.2/§4.7):
// three layers, consulted user, then domain, then global, the first
// layer where a file exists wins (spec §3's Configuration Scope).
//
// Layout (spec §4.2, as deployed under qmail's control/users convention):
//
//	<Root>/control/<key>                     global scope
//	<Root>/users/<domain>/<key>               domain scope
//	<Root>/users/<domain>/<local>/<key>        user scope
type Config struct {
	Root string

	// Checker is the shared SPF evaluator, built once per process over
	// an internal/resolver.Client; nil disables SPF entirely.
	Checker *spf.Checker
}

// SPFChecker implements filter.SPFConfig.
func (c *Config) SPFChecker() *spf.Checker { return c.Checker }

// SPFPolicy implements filter.SPFConfig: "spfpolicy" is looked up for the
// recipient through the user, domain and global scopes (recipient="" looks
// up global only), defaulting to policy level 0 (disabled). senderDomain
// is not consulted.
func (c *Config) SPFPolicy(recipient, senderDomain string) (int, filter.Scope) {
	if v, scope, ok := c.Lookup("spfpolicy", recipient); ok {
		return filter.ParsePolicyLevel(v), scope
	}
	if v, ok := c.Oneliner("spfpolicy"); ok {
		return filter.ParsePolicyLevel(v), filter.ScopeGlobal
	}
	return 0, filter.ScopeNone
}

func (c *Config) globalPath(key string) string { return filepath.Join(c.Root, "control", key) }

func (c *Config) domainPath(domain, key string) string {
	return filepath.Join(c.Root, "users", strings.ToLower(domain), key)
}

func (c *Config) userPath(local, domain, key string) string {
	return filepath.Join(c.Root, "users", strings.ToLower(domain), strings.ToLower(local), key)
}

func splitRecipient(recipient string) (local, domain string) {
	i := strings.LastIndexByte(recipient, '@')
	if i < 0 {
		return recipient, ""
	}
	return recipient[:i], recipient[i+1:]
}

// Lookup implements filter.Config.
func (c *Config) Lookup(key, recipient string) (string, filter.Scope, bool) {
	local, domain := splitRecipient(recipient)
	if local != "" && domain != "" {
		if v, ok := ctlfile.LoadOneliner(c.userPath(local, domain, key), true); ok {
			return v, filter.ScopeUser, true
		}
	}
	if domain != "" {
		if v, ok := ctlfile.LoadOneliner(c.domainPath(domain, key), true); ok {
			return v, filter.ScopeDomain, true
		}
	}
	if v, ok := ctlfile.LoadOneliner(c.globalPath(key), true); ok {
		return v, filter.ScopeGlobal, true
	}
	return "", filter.ScopeNone, false
}

// LookupList implements filter.Config.
func (c *Config) LookupList(key, recipient string) ([]string, filter.Scope) {
	local, domain := splitRecipient(recipient)
	if local != "" && domain != "" {
		p := c.userPath(local, domain, key)
		if ctlfile.Exists(p) {
			return ctlfile.LoadList(p, nil), filter.ScopeUser
		}
	}
	if domain != "" {
		p := c.domainPath(domain, key)
		if ctlfile.Exists(p) {
			return ctlfile.LoadList(p, nil), filter.ScopeDomain
		}
	}
	p := c.globalPath(key)
	if ctlfile.Exists(p) {
		return ctlfile.LoadList(p, nil), filter.ScopeGlobal
	}
	return nil, filter.ScopeNone
}

// FailHardOnTemp implements filter.Config.
func (c *Config) FailHardOnTemp(recipient string) bool {
	v, _, ok := c.Lookup("fail_hard_on_temp", recipient)
	return ok && v == "1"
}

// NonexistOnBlock implements filter.Config.
func (c *Config) NonexistOnBlock(recipient string) bool {
	v, _, ok := c.Lookup("nonexist_on_block", recipient)
	return ok && v == "1"
}

// Integer reads a global integer control (e.g. databytes, timeout).
func (c *Config) Integer(key string, def uint64) uint64 {
	return ctlfile.LoadInteger(c.globalPath(key), def)
}

// Oneliner reads a global one-line control (e.g. me, plugins).
func (c *Config) Oneliner(key string) (string, bool) {
	return ctlfile.LoadOneliner(c.globalPath(key), true)
}

// List reads a global list control.
func (c *Config) List(key string) []string {
	return ctlfile.LoadList(c.globalPath(key), nil)
}

// UserSizeBytes returns the per-recipient usersize control, falling
// back to databytes when absent.
func (c *Config) UserSizeBytes(recipient string, databytes uint64) uint64 {
	v, _, ok := c.Lookup("usersize", recipient)
	if !ok {
		return databytes
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return databytes
	}
	return n
}

// cidrFileList implements filter.CIDRList against a pair of packed CIDR
// files (spec §4.2's `find_cidr_match`).
type cidrFileList struct{ path4, path6 string }

func (l cidrFileList) Contains(ip netip.Addr) bool {
	ok, err := ctlfile.FindCIDRMatch(l.path4, l.path6, ip)
	return err == nil && ok
}

// IPBlacklist implements filter.IPConfig.
func (c *Config) IPBlacklist(recipient string) (filter.CIDRList, filter.Scope) {
	return c.cidrScoped(recipient, "ipbl", "ipblv6")
}

// IPWhitelist implements filter.IPConfig.
func (c *Config) IPWhitelist(recipient string) (filter.CIDRList, filter.Scope) {
	return c.cidrScoped(recipient, "ipwl", "ipwlv6")
}

func (c *Config) cidrScoped(recipient, key4, key6 string) (filter.CIDRList, filter.Scope) {
	local, domain := splitRecipient(recipient)
	if local != "" && domain != "" {
		p4, p6 := c.userPath(local, domain, key4), c.userPath(local, domain, key6)
		if ctlfile.Exists(p4) || ctlfile.Exists(p6) {
			return cidrFileList{p4, p6}, filter.ScopeUser
		}
	}
	if domain != "" {
		p4, p6 := c.domainPath(domain, key4), c.domainPath(domain, key6)
		if ctlfile.Exists(p4) || ctlfile.Exists(p6) {
			return cidrFileList{p4, p6}, filter.ScopeDomain
		}
	}
	p4, p6 := c.globalPath(key4), c.globalPath(key6)
	if ctlfile.Exists(p4) || ctlfile.Exists(p6) {
		return cidrFileList{p4, p6}, filter.ScopeGlobal
	}
	return nil, filter.ScopeNone
}
