package logging

import "strings"

// Sanitize strips line breaks and control characters from user supplied
// strings (unit names, hosts, paths) before they are logged, so a value
// cannot forge extra log lines.
func Sanitize(s string) string {
	s = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}
