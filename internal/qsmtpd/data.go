package qsmtpd

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/metrics"
	"github.com/qsmtpd/qsmtpd/internal/queuewriter"
	"github.com/qsmtpd/qsmtpd/internal/spf"
)

// maxReceivedLines is the loop-detection ceiling of spec §4.10.
const maxReceivedLines = 100

func (c *Conn) cmdDATA() bool {
	if len(c.recipients) == 0 {
		if c.badBounce {
			return c.reject("554", "5.1.1", "no valid recipients")
		}
		return c.reject("503", "5.5.1", "need RCPT TO first")
	}
	if c.io.DataPending() {
		return c.reject("550", "5.5.0", "pipelining violation")
	}
	c.resetBadCommands()
	c.state |= StateDATA

	c.io.WriteLine("354 go ahead")

	body, rerr := c.readDotTerminatedBody()
	if rerr != nil {
		c.io.WriteLine("552 5.3.4 " + rerr.Error())
		c.resetTransaction()
		return true
	}

	return c.finishMessage(body)
}

// readDotTerminatedBody reads the classic DATA body: CRLF-terminated
// lines, undoing dot-stuffing, until a line consisting of a single "."
// (spec §4.10). It also runs the header-scanning checks (loop detection,
// Delivered-To matching) while the header section is being read.
func (c *Conn) readDotTerminatedBody() ([]byte, error) {
	var buf bytes.Buffer
	inHeader := true
	receivedCount := 0
	var sizeErr error

	max := c.databytes
	if u := c.cfg.UserSizeBytes(c.currentRecipient(), c.databytes); u > 0 {
		max = u
	}

	for {
		line, err := c.io.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("connection lost during DATA")
		}
		if string(line) == "." {
			break
		}

		// Dot-stuffing: a leading '.' on a line (other than the
		// terminator) stands for a literal '.'.
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		if inHeader {
			if len(line) == 0 {
				inHeader = false
			} else if hasHeaderPrefix(line, "Received:") {
				receivedCount++
				if receivedCount > maxReceivedLines && sizeErr == nil {
					sizeErr = fmt.Errorf("too many Received: lines, possible mail loop")
				}
			} else if hasHeaderPrefix(line, "Delivered-To:") {
				addr := strings.TrimSpace(string(line[len("Delivered-To:"):]))
				for _, r := range c.recipients {
					if strings.EqualFold(addr, r) {
						sizeErr = fmt.Errorf("mail loop detected (Delivered-To: %s)", addr)
					}
				}
			}
		}

		if max > 0 && uint64(buf.Len()+len(line)+2) > max {
			// Keep consuming until the terminating dot, so the SMTP
			// dialog stays in sync, but stop accumulating (spec §4.10).
			sizeErr = fmt.Errorf("message exceeds maximum size")
			continue
		}

		buf.Write(line)
		buf.WriteString("\r\n")
	}

	if sizeErr != nil {
		return nil, sizeErr
	}
	return buf.Bytes(), nil
}

func hasHeaderPrefix(line []byte, prefix string) bool {
	return len(line) >= len(prefix) && strings.EqualFold(string(line[:len(prefix)]), prefix)
}

func (c *Conn) currentRecipient() string {
	if len(c.recipients) == 0 {
		return ""
	}
	return c.recipients[len(c.recipients)-1]
}

// cmdBDAT implements chunked reception (spec §4.10): "BDAT <n> [LAST]".
func (c *Conn) cmdBDAT(arg string) bool {
	if len(c.recipients) == 0 {
		if c.badBounce {
			return c.reject("554", "5.1.1", "no valid recipients")
		}
		return c.reject("503", "5.5.1", "need RCPT TO first")
	}
	fields := strings.Fields(arg)
	if len(fields) == 0 || len(fields) > 2 {
		return c.reject("501", "5.5.4", "malformed BDAT argument")
	}
	n, err := strconv.ParseUint(fields[0], 10, 63)
	if err != nil {
		return c.reject("501", "5.5.4", "malformed BDAT chunk size")
	}
	last := false
	if len(fields) == 2 {
		if !strings.EqualFold(fields[1], "LAST") {
			return c.reject("501", "5.5.4", "malformed BDAT argument")
		}
		last = true
	}

	c.resetBadCommands()
	c.state |= StateBDAT
	c.usedBDAT = true

	if !c.bdatBody.init {
		c.bdatBody.init = true
	}

	chunk, rerr := c.io.ReadBinary(int64(n))
	if rerr != nil {
		return false
	}
	c.appendBDATChunk(chunk)

	if c.bdatBody.total > 0 && c.databytes > 0 && c.bdatBody.total > c.databytes {
		c.io.WriteLine("552 5.3.4 message too large")
		c.resetTransaction()
		c.bdatBody = bdatState{}
		return true
	}

	if !last {
		c.io.WriteLine("250 2.0.0 ok")
		return true
	}

	body := c.bdatBody.buf.Bytes()
	c.bdatBody = bdatState{}
	return c.finishMessage(body)
}

// bdatState accumulates BDAT chunks across successive ReadBinary calls.
// BDAT carries a raw octet stream (RFC 3030): chunk boundaries are not
// required to respect CRLF pairs, so chunks are appended verbatim with
// no line-oriented interpretation.
type bdatState struct {
	init  bool
	buf   bytes.Buffer
	total uint64
}

func (c *Conn) appendBDATChunk(chunk []byte) {
	c.bdatBody.buf.Write(chunk)
	c.bdatBody.total += uint64(len(chunk))
}

// finishMessage synthesizes the trace headers, hands the message to the
// queue writer, and replies.
func (c *Conn) finishMessage(body []byte) bool {
	headers := c.synthesizeHeaders()
	full := append([]byte(headers), body...)

	binary := c.queueWriterBinary()
	qctx, cancel := contextWithTimeout(c.cmdTimeout)
	defer cancel()
	reply, err := queuewriter.Write(qctx, binary, c.cmdTimeout, c.mailFrom, c.recipients, full)
	logExitMetric(reply)
	if err != nil && reply.Code == 0 {
		reply = queuewriter.ReplyFor(81)
	}

	c.io.WriteLine(fmt.Sprintf("%d %s %s", reply.Code, reply.Enhanced, reply.Text))
	if reply.Code == 250 {
		metrics.MessageAccepted()
	}
	c.resetTransaction()
	return true
}

// synthesizeHeaders builds the Received-SPF: and Received: trace headers
// (spec §4.10), prepended before the peer's own headers.
func (c *Conn) synthesizeHeaders() string {
	var b strings.Builder

	if c.cfg != nil && c.cfg.Checker != nil {
		_, senderDomain := splitAddr(c.mailFrom)
		if senderDomain == "" {
			senderDomain = c.helo
		}
		if senderDomain != "" {
			sctx, cancel := contextWithTimeout(c.cmdTimeout)
			defer cancel()
			res := c.cfg.Checker.Check(sctx, spf.Request{
				IP:          c.peerIP,
				HELO:        c.helo,
				MailFrom:    c.mailFrom,
				LocalDomain: senderDomain,
			})
			b.WriteString(spf.ReceivedSPFHeader(res, c.peerIP, c.helo, c.mailFrom, c.hostname))
			b.WriteString("\r\n")
		}
	}

	remoteInfo := c.helo
	authOrInfo := fmt.Sprintf("(%s)", remoteInfo)
	if c.authed {
		authOrInfo = fmt.Sprintf("auth=%s", c.authName)
	}

	chunked := ""
	if c.usedBDAT {
		chunked = " (chunked)"
	}

	for _, rcpt := range c.recipients {
		fmt.Fprintf(&b, "Received: from %s (%s %s) %s\r\n  by %s with %s%s id %s\r\n  for <%s>; %s\r\n",
			c.helo, c.peerAddr, authOrInfo, c.peerAddr,
			c.hostname, c.protocolToken(), chunked, sessionID(),
			rcpt, time.Now().Format(time.RFC1123Z))
	}

	return b.String()
}

func sessionID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

// splitAddr splits "local@domain" at the last '@'; a local copy of the
// unexported helper of the same shape in internal/filter (used there for
// badmailfrom/SPF).
func splitAddr(addr string) (local, domain string) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, ""
	}
	return addr[:i], addr[i+1:]
}
