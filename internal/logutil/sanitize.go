// Package logutil keeps client-controlled strings from corrupting the broker
// log. Identities, session ids, event names and close reasons all originate
// on the wire and pass through here before being logged.
package logutil

import "strings"

// SanitizeForLog maps newlines, carriage returns and tabs to spaces and drops
// the remaining control characters, so a crafted value cannot forge extra log
// lines.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32:
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
