package qsmtpd

import (
	"crypto/tls"
	"fmt"
	"strings"

	"github.com/qsmtpd/qsmtpd/internal/address"
	"github.com/qsmtpd/qsmtpd/internal/filter"
	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/smtpauth"
)

// cmdHELO is lenient about the HELO argument's syntax (qmail-smtpd
// convention); only an empty argument is rejected.
func (c *Conn) cmdHELO(arg string) bool {
	if arg == "" {
		return c.reject("501", "5.5.4", "HELO requires a domain argument")
	}
	c.resetBadCommands()
	c.helo = arg
	c.ext = 0
	c.state = (c.state &^ (StateConnected | StateMAIL | StateRCPT | StateDATA | StateBDAT)) | StateHELO
	c.io.WriteLine(fmt.Sprintf("250 %s", c.hostname))
	return true
}

func (c *Conn) cmdEHLO(arg string) bool {
	if arg == "" {
		return c.reject("501", "5.5.4", "EHLO requires a domain argument")
	}
	c.resetBadCommands()
	c.helo = arg
	c.state = (c.state &^ (StateConnected | StateMAIL | StateRCPT | StateDATA | StateBDAT)) | StateEHLO

	c.ext = extPIPELINING | ext8BITMIME | extSIZE
	lines := []string{
		fmt.Sprintf("250-%s", c.hostname),
		"250-ENHANCEDSTATUSCODES",
		"250-PIPELINING",
		"250-8BITMIME",
	}
	if c.chunkingEnabled() {
		c.ext |= extCHUNKING
		lines = append(lines, "250-CHUNKING")
	}
	if c.starttlsOfferable() {
		c.ext |= extSTARTTLS
		lines = append(lines, "250-STARTTLS")
	}
	if mechs := c.authMechanisms(); len(mechs) > 0 {
		c.ext |= extAUTH
		lines = append(lines, "250-AUTH "+strings.Join(mechs, " "))
	}
	if c.databytes > 0 {
		lines = append(lines, fmt.Sprintf("250 SIZE %d", c.databytes))
	} else {
		lines = append(lines, "250 SIZE")
	}

	// The 250 after EHLO enables PIPELINING for the peer; discard any
	// input already buffered before sending it (spec §4.9's
	// CVE-2011-1431 mitigation).
	if c.io.DataPending() {
		c.io.Discard()
		c.io.WriteLine("550 5.5.0 pipelining violation")
		return true
	}

	c.io.WriteLines(lines)
	return true
}

// chunkingEnabled reports whether BDAT/CHUNKING is compiled in (spec §6:
// "plus BDAT when CHUNKING is compiled in"); qsmtpd always compiles it.
func (c *Conn) chunkingEnabled() bool { return true }

func (c *Conn) starttlsOfferable() bool {
	return c.tlsConfig != nil && len(c.tlsConfig.Certificates) > 0 &&
		!c.tls && !c.implicitTLSPort
}

func (c *Conn) authMechanisms() []string {
	if c.authChecker == nil || len(c.authMechs) == 0 {
		return nil
	}
	if c.forceSSLAuth && !c.tls {
		return nil
	}
	return c.authMechs
}

func (c *Conn) cmdSTARTTLS() bool {
	if c.tls {
		return c.reject("503", "5.5.1", "already in TLS")
	}
	if !c.starttlsOfferable() {
		return c.reject("454", "4.7.0", "TLS not available")
	}
	c.resetBadCommands()

	// Pipelining sync: the 220 timing matters, so discard any buffered
	// plaintext before it (spec §4.9).
	if c.io.DataPending() {
		c.io.Discard()
		c.io.WriteLine("550 5.5.0 pipelining violation")
		return true
	}

	c.io.WriteLine("220 2.0.0 ready to start TLS")

	tlsConn := tls.Server(c.io.Raw(), c.tlsConfig)
	hctx, cancel := contextWithTimeout(c.cmdTimeout)
	err := tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		c.tr.Debugf("TLS handshake failed: %v", err)
		return false
	}
	c.io.SetConn(tlsConn)
	c.tls = true

	c.helo = ""
	c.ext = 0
	c.state = StateConnected | StateSTARTTLS
	return true
}

func (c *Conn) cmdAUTH(arg string) bool {
	if c.authChecker == nil || len(c.authMechanisms()) == 0 {
		return c.reject("503", "5.5.1", "authentication not available")
	}
	mech, rest, _ := strings.Cut(arg, " ")
	mech = strings.ToUpper(mech)

	var ok bool
	var user string
	var err error

	switch mech {
	case smtpauth.Plain:
		ok, user, err = c.authPlain(rest)
	case smtpauth.Login:
		ok, user, err = c.authLogin(rest)
	case smtpauth.CramMD5:
		ok, user, err = c.authCram()
	default:
		return c.reject("504", "5.5.4", "unrecognized authentication mechanism")
	}

	if err != nil {
		if err == smtpauth.ErrCancelled {
			c.io.WriteLine("501 5.7.0 authentication cancelled")
			return true
		}
		c.resetBadCommands()
		c.io.WriteLine("501 5.5.4 malformed authentication input")
		return true
	}
	c.resetBadCommands()
	if !ok {
		c.io.WriteLine("535 5.7.8 authentication failed")
		return true
	}

	c.authed = true
	c.authName = user
	c.io.WriteLine("235 2.7.0 authentication successful")
	return true
}

func (c *Conn) authPlain(initial string) (ok bool, user string, err error) {
	resp := initial
	if resp == "" {
		c.io.WriteLine("334 ")
		line, rerr := c.io.ReadLine()
		if rerr != nil {
			return false, "", rerr
		}
		resp = string(line)
	}
	if resp == "*" {
		return false, "", smtpauth.ErrCancelled
	}
	user, pass, err := smtpauth.DecodePlain(resp)
	if err != nil {
		return false, "", err
	}
	actx, cancel := contextWithTimeout(c.cmdTimeout)
	defer cancel()
	ok, err = c.authChecker.CheckPlain(actx, user, pass)
	return ok, user, err
}

func (c *Conn) authLogin(initial string) (ok bool, user string, err error) {
	userB64 := initial
	if userB64 == "" {
		c.io.WriteLine("334 VXNlcm5hbWU6")
		line, rerr := c.io.ReadLine()
		if rerr != nil {
			return false, "", rerr
		}
		userB64 = string(line)
	}
	if userB64 == "*" {
		return false, "", smtpauth.ErrCancelled
	}
	user, err = smtpauth.DecodeLogin(userB64)
	if err != nil {
		return false, "", err
	}

	c.io.WriteLine("334 UGFzc3dvcmQ6")
	passLine, rerr := c.io.ReadLine()
	if rerr != nil {
		return false, "", rerr
	}
	if string(passLine) == "*" {
		return false, "", smtpauth.ErrCancelled
	}
	pass, err := smtpauth.DecodeLogin(string(passLine))
	if err != nil {
		return false, "", err
	}

	actx, cancel := contextWithTimeout(c.cmdTimeout)
	defer cancel()
	ok, err = c.authChecker.CheckPlain(actx, user, pass)
	return ok, user, err
}

func (c *Conn) authCram() (ok bool, user string, err error) {
	rawChallenge, challenge := smtpauth.NewCramChallenge(cramPID(), cramNow(), c.hostname)
	c.io.WriteLine("334 " + challenge)

	line, rerr := c.io.ReadLine()
	if rerr != nil {
		return false, "", rerr
	}
	if string(line) == "*" {
		return false, "", smtpauth.ErrCancelled
	}
	user, digest, err := smtpauth.DecodeCramResponse(string(line))
	if err != nil {
		return false, "", err
	}
	actx, cancel := contextWithTimeout(c.cmdTimeout)
	defer cancel()
	ok, err = c.authChecker.CheckCram(actx, user, rawChallenge, digest)
	return ok, user, err
}

func (c *Conn) cmdMAIL(arg string) bool {
	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		return c.reject("501", "5.5.4", "syntax error in MAIL FROM")
	}
	mbox, rest, err := address.ParseMailbox(strings.TrimSpace(arg[len("FROM:"):]), address.MailFrom)
	if err != nil {
		return c.reject("501", "5.1.7", "malformed MAIL FROM address")
	}

	var size int64
	for _, param := range strings.Fields(rest) {
		k, v, _ := strings.Cut(param, "=")
		switch strings.ToUpper(k) {
		case "SIZE":
			n, ok := parseSize(v)
			if !ok {
				return c.reject("501", "5.5.4", "malformed SIZE parameter")
			}
			size = n
			if c.databytes > 0 && uint64(n) > c.databytes {
				return c.reject("552", "5.3.4", "message too large")
			}
		case "BODY":
			if v != "7BIT" && v != "8BITMIME" {
				return c.reject("501", "5.5.4", "unrecognized BODY parameter")
			}
		}
	}

	c.resetBadCommands()
	c.resetTransaction()
	c.mailFrom = mbox.Address
	c.declSize = size
	c.state |= StateMAIL
	c.io.WriteLine("250 2.1.0 ok")
	return true
}

func (c *Conn) cmdRCPT(arg string) bool {
	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		return c.reject("501", "5.5.4", "syntax error in RCPT TO")
	}
	mbox, _, err := address.ParseMailbox(strings.TrimSpace(arg[len("TO:"):]), address.RcptTo)
	if err != nil {
		return c.reject("501", "5.1.3", "malformed RCPT TO address")
	}

	// Bad bounce (spec §3): a null-sender message with more than one
	// recipient. Once triggered, no recipient of this envelope may be
	// marked ok, so any previously accepted ones are un-accepted too.
	if c.mailFrom == "" && (len(c.recipients) >= 1 || c.badBounce) {
		c.badBounce = true
		c.recipients = nil
		c.resetBadCommands()
		c.io.WriteLine("550 5.5.3 bounce messages must not have more than one recipient")
		return true
	}

	ctx, fc := c.filterContext(mbox.Address)
	name, verdict := DefaultPipeline.Run(ctx, fc)
	if name != "" {
		metrics.FilterVerdict(name, verdict.Result.String())
	}

	code, enhanced, text := filter.SMTPReply(verdict)
	if verdict.Result != filter.Pass && verdict.Result != filter.Whitelisted {
		c.resetBadCommands() // a filter denial is not a protocol error.
		c.io.WriteLine(fmt.Sprintf("%d %s %s", code, enhanced, text))
		return true
	}

	c.resetBadCommands()
	c.recipients = append(c.recipients, mbox.Address)
	c.state |= StateRCPT
	c.io.WriteLine(fmt.Sprintf("%d %s %s", code, enhanced, text))
	return true
}
