// Package envelope implements functions related to handling SMTP envelopes
// (sender + recipients), including the wire protocol used to hand a
// validated envelope to the external queue writer (spec §6).
package envelope

import (
	"bytes"
	"fmt"
	"strings"
)

// Split an user@domain address into user and domain.
func Split(addr string) (string, string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}
	return ps[0], ps[1]
}

// UserOf user@domain returns user.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf user@domain returns domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// AddHeader prepends a MIME header to the message.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.Replace(v, "\n", "\n\t", -1)
	}
	header := []byte(fmt.Sprintf("%s: %s\r\n", k, v))
	return append(header, data...)
}

// Build encodes the envelope (sender plus recipients) using the queue
// writer's wire protocol (spec §6):
//
//	F<sender>\0 (T<recipient>\0)+ \0
//
// This is written verbatim to the queue writer's envelope pipe (fd 1 of the
// child), after the message body has been fully written and accepted on
// the body pipe (fd 0).
func Build(sender string, recipients []string) []byte {
	var buf bytes.Buffer
	buf.WriteByte('F')
	buf.WriteString(sender)
	buf.WriteByte(0)
	for _, r := range recipients {
		buf.WriteByte('T')
		buf.WriteString(r)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}
