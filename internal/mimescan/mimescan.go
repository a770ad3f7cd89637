// Package mimescan implements the MIME header scanner (spec §4.4): header
// folding/comment skipping, Content-Type boundary extraction, multipart
// part walking, and the RFC 2045 token/param grammar.
//
// No teacher package covers this (chasquid is DATA-opaque, it never
// inspects the body it relays); it is implemented from scratch against
// RFC 2045/2046, using golang.org/x/text for encoded-word-aware display of
// header values in trace/log lines (mirroring how the teacher leans on
// golang.org/x/text elsewhere for text processing).
package mimescan

import (
	"bytes"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// SkipWhitespace skips RFC 822 linear whitespace, including CRLF-folding
// and properly nested "(...)" comments, per spec §4.4.
func SkipWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch {
		case b[i] == ' ' || b[i] == '\t':
			i++
		case b[i] == '\r' && i+1 < len(b) && b[i+1] == '\n' &&
			i+2 < len(b) && (b[i+2] == ' ' || b[i+2] == '\t'):
			i += 3
		case b[i] == '(':
			depth := 1
			j := i + 1
			for j < len(b) && depth > 0 {
				if b[j] == '\\' && j+1 < len(b) {
					j += 2
					continue
				}
				if b[j] == '(' {
					depth++
				} else if b[j] == ')' {
					depth--
				}
				j++
			}
			if depth != 0 {
				return b[i:] // unterminated comment: stop skipping.
			}
			i = j
		default:
			return b[i:]
		}
	}
	return b[i:]
}

// tspecials per RFC 2045 §5.1.
const tspecials = `()<>@,;:\"/[]?=`

// IsTokenChar reports whether c may appear in an RFC 2045 "token".
func IsTokenChar(c byte) bool {
	if c <= 32 || c >= 127 {
		return false
	}
	return !strings.ContainsRune(tspecials, rune(c))
}

// Token scans one RFC 2045 token from the start of b (after skipping
// whitespace), returning the token and the remainder.
func Token(b []byte) (tok string, rest []byte) {
	b = SkipWhitespace(b)
	i := 0
	for i < len(b) && IsTokenChar(b[i]) {
		i++
	}
	return string(b[:i]), b[i:]
}

// QuotedString scans an RFC 2045 quoted-string (the opening quote must be
// the first byte), returning the unescaped value and the remainder.
func QuotedString(b []byte) (val string, rest []byte, ok bool) {
	if len(b) == 0 || b[0] != '"' {
		return "", b, false
	}
	var buf bytes.Buffer
	i := 1
	for i < len(b) {
		if b[i] == '\\' && i+1 < len(b) {
			buf.WriteByte(b[i+1])
			i += 2
			continue
		}
		if b[i] == '"' {
			return buf.String(), b[i+1:], true
		}
		buf.WriteByte(b[i])
		i++
	}
	return "", b, false // unterminated.
}

// Param is one "name=value" pair of a Content-Type/Content-Disposition
// header.
type Param struct {
	Name, Value string
}

// MIMEParam scans one ";name=value" or ";name=\"value\"" parameter,
// returning the parsed param and the remainder (starting past the
// value). The leading ';' must already have been consumed by the caller.
func MIMEParam(b []byte) (p Param, rest []byte, ok bool) {
	b = SkipWhitespace(b)
	name, b := Token(b)
	if name == "" {
		return Param{}, b, false
	}
	b = SkipWhitespace(b)
	if len(b) == 0 || b[0] != '=' {
		return Param{}, b, false
	}
	b = SkipWhitespace(b[1:])

	if len(b) > 0 && b[0] == '"' {
		val, rest, ok := QuotedString(b)
		if !ok {
			return Param{}, rest, false
		}
		return Param{Name: strings.ToLower(name), Value: val}, rest, true
	}

	val, rest := Token(b)
	if val == "" {
		return Param{}, rest, false
	}
	return Param{Name: strings.ToLower(name), Value: val}, rest, true
}

// ContentType is a parsed Content-Type header.
type ContentType struct {
	Type, Subtype string
	Params        map[string]string
}

// IsMultipart reports whether ct is a "multipart/*" content type.
func (ct ContentType) IsMultipart() bool {
	return strings.EqualFold(ct.Type, "multipart")
}

// Boundary returns the "boundary" parameter, if present and syntactically
// valid: length <= 70, characters restricted to the RFC 2046 bchars set
// plus space (only legal when the value was quoted, which MIMEParam
// already required for any value containing a space).
func (ct ContentType) Boundary() (string, bool) {
	b, ok := ct.Params["boundary"]
	if !ok || len(b) == 0 || len(b) > 70 {
		return "", false
	}
	for i := 0; i < len(b); i++ {
		if !isBchar(b[i]) {
			return "", false
		}
	}
	return b, true
}

const bcharsNoSpace = "'()+_,-./:=?"

func isBchar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	if c == ' ' {
		return true
	}
	return strings.IndexByte(bcharsNoSpace, c) >= 0
}

// ParseContentType parses a (already unfolded) Content-Type header value,
// e.g. `multipart/mixed; boundary="abc123"`.
func ParseContentType(line []byte) (ContentType, bool) {
	typ, rest := Token(line)
	rest = SkipWhitespace(rest)
	if typ == "" || len(rest) == 0 || rest[0] != '/' {
		return ContentType{}, false
	}
	sub, rest := Token(rest[1:])
	if sub == "" {
		return ContentType{}, false
	}

	ct := ContentType{Type: typ, Subtype: sub, Params: map[string]string{}}

	rest = SkipWhitespace(rest)
	for len(rest) > 0 && rest[0] == ';' {
		p, next, ok := MIMEParam(rest[1:])
		if !ok {
			break
		}
		ct.Params[p.Name] = p.Value
		rest = SkipWhitespace(next)
	}
	return ct, true
}

// FindBoundary returns the offset just after the next "CRLF--boundary"
// delimiter in buf, and whether it was an end-boundary (followed by "--")
// as opposed to a normal part boundary (followed by CRLF). It returns
// ok=false if no delimiter is found.
func FindBoundary(buf []byte, boundary string) (offset int, end bool, ok bool) {
	delim := []byte("\r\n--" + boundary)
	// A part may also start at the very beginning of buf with "--boundary"
	// (the preamble is implicitly skipped by starting the search one byte
	// before buf, so we special-case offset 0).
	start := 0
	if bytes.HasPrefix(buf, delim[2:]) {
		return checkTrailer(buf, len(delim)-2)
	}

	idx := bytes.Index(buf[start:], delim)
	if idx < 0 {
		return 0, false, false
	}
	return checkTrailer(buf, idx+len(delim))
}

func checkTrailer(buf []byte, pos int) (int, bool, bool) {
	if pos+2 <= len(buf) && buf[pos] == '-' && buf[pos+1] == '-' {
		return pos + 2, true, true
	}
	if pos+2 <= len(buf) && buf[pos] == '\r' && buf[pos+1] == '\n' {
		return pos + 2, false, true
	}
	if pos == len(buf) {
		// Boundary right at EOF with no trailing CRLF: treat as malformed,
		// the caller (spec §4.4) aborts the connection rather than guess.
		return 0, false, false
	}
	return 0, false, false
}

// headerDecoder decodes RFC 2047 encoded-words for inclusion in a
// log/trace line. It is never used for protocol decisions: the filter
// pipeline and the queue writer always act on the raw header bytes.
var headerDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

// DecodeHeaderDisplay best-effort decodes an RFC 2047 encoded-word header
// value for display in a log/trace line.
func DecodeHeaderDisplay(raw string) string {
	if !strings.Contains(raw, "=?") {
		return raw
	}
	decoded, err := headerDecoder.DecodeHeader(raw)
	if err != nil {
		return raw
	}
	return decoded
}
