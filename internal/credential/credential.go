// Package credential pulls the caller's backend key out of an Authorization header.
package credential

import "strings"

var prefixes = []string{"Bearer ", "Key "}

// Extract strips a literal "Bearer " or "Key " prefix. Any other value is
// returned whole. An empty return means no credential was supplied.
func Extract(header string) string {
	for _, prefix := range prefixes {
		if strings.HasPrefix(header, prefix) {
			return header[len(prefix):]
		}
	}
	return header
}

// Redact keeps the first and last five characters for log lines.
func Redact(key string) string {
	if len(key) <= 10 {
		if len(key) <= 5 {
			return "..."
		}
		return key[:5] + "..."
	}
	return key[:5] + "..." + key[len(key)-5:]
}
