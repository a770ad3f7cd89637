// Package lineio implements the SMTP line I/O and framing layer (spec
// §4.1): a buffered reader that emits CRLF-terminated SMTP command lines
// (never bare CR or bare LF), enforces the general 1000-octet line limit
// (the stricter 512-byte command-line ceiling is enforced by the qsmtpd
// command dispatcher, see MaxLineLength), provides a binary reader for BDAT
// chunks, and a deadline-aware writer for multi-line SMTP replies.
//
// It is used on both sides of the protocol: internal/qsmtpd reads commands
// from the peer through it, and internal/remoteclient reads greeting/reply
// lines from a remote MX through the same type. Once TLS has been
// negotiated, the underlying net.Conn is transparently replaced by a
// *tls.Conn; lineio only depends on the net.Conn interface, so no special
// casing is needed (spec §4.1 "TLS is a transparent substitute").
package lineio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxLineLength is the largest SMTP command line we accept by default
// (spec §4.1: "enforces a 512-byte command-line ceiling unless an
// extension raises it"). RFC 5321 allows up to 512 octets including the
// trailing CRLF; we use the 1000-octet ceiling from RFC 5321 §4.5.3.1.4
// for lines in general (header folding, pipelined command batches), and
// the stricter 512 is enforced by the command dispatcher itself.
const MaxLineLength = 1000

// bufSize is the size of the line buffer plus overflow buffer. It must be
// large enough to hold one maximum-length line plus its terminating CRLF.
const bufSize = MaxLineLength + 2

var (
	// ErrLineTooLong is returned when a line exceeds MaxLineLength
	// characters; the reader has already resynchronized on the next CRLF.
	ErrLineTooLong = errors.New("lineio: line too long")

	// ErrBadCRLF is returned when a lone CR or lone LF is found where a
	// CRLF was expected.
	ErrBadCRLF = errors.New("lineio: malformed line terminator")
)

// Conn wraps a net.Conn (plain or TLS) with SMTP line framing and a
// configurable I/O deadline.
type Conn struct {
	conn    net.Conn
	r       *bufio.Reader
	w       *bufio.Writer
	Timeout time.Duration
}

// New wraps conn for line-oriented SMTP I/O, with the given per-operation
// timeout (spec §5: "Each [suspension point] is wall-clock bounded by a
// single configured timeout, default 320s").
func New(conn net.Conn, timeout time.Duration) *Conn {
	return &Conn{
		conn:    conn,
		r:       bufio.NewReaderSize(conn, bufSize),
		w:       bufio.NewWriterSize(conn, bufSize),
		Timeout: timeout,
	}
}

// SetConn replaces the underlying connection (used right after a STARTTLS
// handshake substitutes a *tls.Conn for the plain socket). Both buffers are
// replaced: the write side holds nothing, since every write method flushes
// before returning, and the read buffer is reset since pipelined plaintext
// after STARTTLS must never survive into the TLS session (this is the
// qsmtpd pipelining-sync discipline of spec §4.9 applied at the framing
// layer).
func (c *Conn) SetConn(conn net.Conn) {
	c.conn = conn
	c.r = bufio.NewReaderSize(conn, bufSize)
	c.w = bufio.NewWriterSize(conn, bufSize)
}

func (c *Conn) deadline() {
	if c.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.Timeout))
	}
}

// DataPending reports whether there is already buffered, unread input --
// used to detect PIPELINING abuse/smuggling (spec §4.9's CVE-2011-1431
// mitigation) and the too-early-talker case in the greeting.
func (c *Conn) DataPending() bool {
	return c.r.Buffered() > 0
}

// Discard drops any already-buffered input. Used right before sending a
// reply whose timing matters (the 220 after STARTTLS, the 250 after EHLO).
func (c *Conn) Discard() int {
	n := c.r.Buffered()
	c.r.Discard(n)
	return n
}

// ReadLine reads one SMTP line, without its terminating CRLF.
//
// A lone CR or LF is ErrBadCRLF. A line longer than MaxLineLength is
// ErrLineTooLong, but the reader still consumes input up to (and
// including) the next CRLF so it can resynchronize for the following
// command, per spec §4.1.
func (c *Conn) ReadLine() ([]byte, error) {
	c.deadline()

	line := make([]byte, 0, 128)
	sawCR := false
	tooLong := false

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, classifyErr(err)
		}

		if b == '\n' {
			if !sawCR {
				return nil, ErrBadCRLF
			}
			if tooLong {
				return nil, ErrLineTooLong
			}
			// line currently ends in the CR we buffered; drop it.
			return line[:len(line)-1], nil
		}

		if sawCR {
			// A CR not immediately followed by LF.
			return nil, ErrBadCRLF
		}
		sawCR = b == '\r'

		// line holds the payload plus the buffered CR, so a payload of
		// exactly MaxLineLength bytes still fits.
		if len(line) >= MaxLineLength+1 {
			tooLong = true
			continue
		}
		line = append(line, b)
	}
}

func classifyErr(err error) error {
	if err == io.EOF {
		return io.EOF
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("lineio: timeout: %w", err)
	}
	return err
}

// ReadBinary reads exactly n bytes and returns them in a newly allocated
// slice, used for BDAT chunk bodies (spec §4.10), which are not CRLF/dot-stuffing
// processed at this layer.
func (c *Conn) ReadBinary(n int64) ([]byte, error) {
	c.deadline()
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, classifyErr(err)
	}
	return buf, nil
}

// WriteLine writes a single complete SMTP reply line (e.g. "250 2.0.0 ok"),
// appending CRLF.
func (c *Conn) WriteLine(s string) error {
	return c.WriteLines([]string{s})
}

// WriteLines writes a multi-line SMTP reply, each element followed by CRLF,
// then flushes. Elements are written verbatim: each must already include
// its reply code and separator ("250-PIPELINING" for every line but the
// last, "250 2.0.0 ok" for the last); WriteLines does not insert or correct
// the '-' / ' ' separators, mirroring how chasquid's conn.go builds
// multi-line EHLO responses line by line.
func (c *Conn) WriteLines(lines []string) error {
	c.deadline()
	for _, l := range lines {
		if _, err := c.w.WriteString(l); err != nil {
			return err
		}
		if _, err := c.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.w.Flush()
}

// WriteAll writes a raw byte slice verbatim (used for the message body
// stream and BDAT framing) and flushes it.
func (c *Conn) WriteAll(b []byte) error {
	c.deadline()
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Raw exposes the underlying net.Conn, e.g. to perform the STARTTLS
// handshake (after which SetConn must be called).
func (c *Conn) Raw() net.Conn { return c.conn }
