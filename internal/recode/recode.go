// Package recode implements the outbound content recoder (spec §4.11/
// §9): header line folding, quoted-printable fallback recoding for
// peers that lack 8BITMIME, and the part-walking needed to recode only
// the 8-bit parts of a multipart body.
//
// There is no teacher equivalent (chasquid never recodes; it either
// relays 8BITMIME end-to-end or refuses), so this is grounded directly
// on RFC 2045 §6.7's quoted-printable rules and on internal/mimescan's
// boundary/Content-Type grammar for the multipart walk.
package recode

import (
	"bytes"
	"fmt"
	"time"

	"github.com/qsmtpd/qsmtpd/internal/mimescan"
)

// foldWidth is the header line-folding width of spec §4.11 ("folding at
// 998 chars on a space").
const foldWidth = 998

// qpLineWidth is RFC 2045 §6.7's maximum encoded line length, leaving
// room for the soft line break's trailing "=".
const qpLineWidth = 76

// Is8BitClean reports whether body contains any octet with the high bit
// set, i.e. whether the body needs 8BITMIME relay or quoted-printable
// recoding (false means it is 7-bit clean and can be sent as-is).
func Is8BitClean(body []byte) bool {
	for _, b := range body {
		if b >= 0x80 {
			return true
		}
	}
	return false
}

// FoldHeaderLine wraps an unfolded header line at foldWidth characters,
// breaking on the last space before the limit (spec §4.11). Lines
// already within the limit are returned unchanged.
func FoldHeaderLine(line string) []string {
	if len(line) <= foldWidth {
		return []string{line}
	}
	var out []string
	for len(line) > foldWidth {
		cut := bytes.LastIndexByte([]byte(line[:foldWidth]), ' ')
		if cut <= 0 {
			// No fold point; emit the line whole rather than break mid-word.
			break
		}
		out = append(out, line[:cut])
		line = line[cut+1:]
	}
	out = append(out, line)
	return out
}

// encodeQPLine quoted-printable-encodes one CRLF-free line, inserting
// soft line breaks ("=\r\n") so no output line exceeds qpLineWidth, and
// encoding trailing whitespace so it survives transport.
func encodeQPLine(line []byte) []byte {
	var b bytes.Buffer
	col := 0
	flush := func(need int) {
		// Keep one column free for the soft break's "=".
		if col+need > qpLineWidth-1 {
			b.WriteString("=\r\n")
			col = 0
		}
	}
	for i, c := range line {
		last := i == len(line)-1
		switch {
		case c == '=':
			flush(3)
			fmt.Fprintf(&b, "=%02X", c)
			col += 3
		case c >= 0x80 || c < 0x20 && c != '\t':
			flush(3)
			fmt.Fprintf(&b, "=%02X", c)
			col += 3
		case (c == ' ' || c == '\t') && last:
			flush(3)
			fmt.Fprintf(&b, "=%02X", c)
			col += 3
		default:
			flush(1)
			b.WriteByte(c)
			col++
		}
	}
	return b.Bytes()
}

// EncodeQuotedPrintable recodes a full CRLF-delimited octet stream into
// quoted-printable form (RFC 2045 §6.7), leaving line boundaries intact.
func EncodeQuotedPrintable(body []byte) []byte {
	var out bytes.Buffer
	for _, line := range splitCRLFLines(body) {
		out.Write(encodeQPLine(line))
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

// splitCRLFLines splits on CRLF, dropping a single trailing empty
// element caused by a terminal CRLF (the caller always re-adds one
// CRLF per line).
func splitCRLFLines(body []byte) [][]byte {
	lines := bytes.Split(body, []byte("\r\n"))
	if n := len(lines); n > 0 && len(lines[n-1]) == 0 {
		lines = lines[:n-1]
	}
	return lines
}

// cteHeader builds the "Content-Transfer-Encoding:" annotation line
// spec §4.11 requires when recoding: "(recoded by: <helo> at <time>)".
func cteHeader(helo string, at time.Time) string {
	return fmt.Sprintf("Content-Transfer-Encoding: quoted-printable (recoded by: %s at %s)",
		helo, at.UTC().Format(time.RFC1123Z))
}

// Message recodes headers+body to quoted-printable when the peer lacks
// 8BITMIME (spec §4.11). For a multipart body it descends into each
// part and recodes only the 8-bit ones, copying the boundary lines,
// preamble and epilogue as found (a missing preamble or epilogue is not
// added); for a flat body it recodes
// the whole thing. headers must not include the trailing blank line
// separating them from body.
func Message(headers, body []byte, helo string, at time.Time) []byte {
	ct, boundary, ok := contentTypeAndBoundary(headers)
	multipart := ok && ct.IsMultipart() && boundary != ""

	var out bytes.Buffer
	out.Write(headers)
	if !multipart {
		// A multipart body's actual transfer encoding lives on its
		// individual parts; only a flat body gets a top-level CTE.
		out.WriteString("\r\n" + cteHeader(helo, at))
	}
	out.WriteString("\r\n\r\n")

	if multipart {
		out.Write(recodeMultipart(body, boundary, helo, at))
	} else {
		out.Write(EncodeQuotedPrintable(body))
	}
	return out.Bytes()
}

func contentTypeAndBoundary(headers []byte) (mimescan.ContentType, string, bool) {
	for _, line := range splitHeaderLines(headers) {
		if !hasFoldedPrefix(line, "Content-Type:") {
			continue
		}
		value := bytes.TrimSpace(line[len("Content-Type:"):])
		ct, ok := mimescan.ParseContentType(value)
		if !ok {
			return mimescan.ContentType{}, "", false
		}
		boundary, _ := ct.Boundary()
		return ct, boundary, true
	}
	return mimescan.ContentType{}, "", false
}

// splitHeaderLines joins folded continuation lines (leading space/tab)
// back onto their parent header, then splits into one entry per header.
func splitHeaderLines(headers []byte) [][]byte {
	raw := bytes.Split(headers, []byte("\r\n"))
	var out [][]byte
	for _, line := range raw {
		if len(line) == 0 {
			continue
		}
		if (line[0] == ' ' || line[0] == '\t') && len(out) > 0 {
			out[len(out)-1] = append(out[len(out)-1], line...)
			continue
		}
		out = append(out, line)
	}
	return out
}

func hasFoldedPrefix(line []byte, prefix string) bool {
	return len(line) >= len(prefix) && bytes.EqualFold(line[:len(prefix)], []byte(prefix))
}

// recodeMultipart walks each part delimited by boundary, recoding any
// part whose own Content-Type is not multipart and whose body is not
// 7-bit clean, and passing the rest through unchanged. A malformed
// boundary is NOT considered fatal here (unlike the receive-side
// scanner, spec §4.4): the caller has already committed to sending a
// message, so a best-effort pass-through is used instead of aborting a
// delivery attempt that the receive side already accepted.
func recodeMultipart(body []byte, boundary string, helo string, at time.Time) []byte {
	var out bytes.Buffer
	rest := body

	delim := append([]byte("\r\n--"), boundary...)
	segments := bytes.Split(rest, delim)
	if len(segments) < 2 {
		// No boundary found at all; pass through rather than abort an
		// already-accepted message.
		return body
	}

	// segments[0] is the preamble (may be empty); it precedes the first
	// boundary line and is never recoded.
	out.Write(segments[0])

	for _, seg := range segments[1:] {
		if bytes.HasPrefix(seg, []byte("--")) {
			// End boundary: the rest of seg is the epilogue.
			out.WriteString(string(delim) + "--")
			out.Write(seg[2:])
			continue
		}
		seg = bytes.TrimPrefix(seg, []byte("\r\n"))
		out.WriteString(string(delim) + "\r\n")
		out.Write(recodePart(seg, helo, at))
	}
	return out.Bytes()
}

func recodePart(part []byte, helo string, at time.Time) []byte {
	headerEnd := bytes.Index(part, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		if Is8BitClean(part) {
			return EncodeQuotedPrintable(part)
		}
		return part
	}
	headers := part[:headerEnd]
	partBody := part[headerEnd+4:]

	ct, subBoundary, ok := contentTypeAndBoundary(headers)
	if ok && ct.IsMultipart() && subBoundary != "" {
		var out bytes.Buffer
		out.Write(headers)
		out.WriteString("\r\n\r\n")
		out.Write(recodeMultipart(partBody, subBoundary, helo, at))
		return out.Bytes()
	}

	if !Is8BitClean(partBody) {
		// Already 7-bit clean; no recoding needed for this part.
		var out bytes.Buffer
		out.Write(headers)
		out.WriteString("\r\n\r\n")
		out.Write(partBody)
		return out.Bytes()
	}

	var out bytes.Buffer
	out.Write(headers)
	out.WriteString("\r\n" + cteHeader(helo, at) + "\r\n\r\n")
	out.Write(EncodeQuotedPrintable(partBody))
	return out.Bytes()
}
