package utils

import (
	"regexp"
	"strings"
)

var (
	dsnPasswordPattern = regexp.MustCompile(`((?:postgres|postgresql|redis)://[^:/@]*:)([^@]+)(@)`)
	bearerPattern      = regexp.MustCompile(`(?i)(bearer\s+|x-api-key:\s*|api[_-]?key["=:\s]+)([A-Za-z0-9._\-]{6,})`)
)

// MaskSecret keeps a short prefix and suffix of a credential so operators can
// tell keys apart in logs. Short values are fully masked.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) < 12 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}

// MaskConnectionString hides the password part of postgres and redis URLs.
func MaskConnectionString(connStr string) string {
	return dsnPasswordPattern.ReplaceAllString(connStr, "${1}***${3}")
}

// RedactCredentials masks bearer tokens and api keys embedded in free text,
// such as provider error bodies.
func RedactCredentials(text string) string {
	return bearerPattern.ReplaceAllStringFunc(text, func(match string) string {
		parts := bearerPattern.FindStringSubmatch(match)
		if len(parts) != 3 {
			return match
		}
		return parts[1] + MaskSecret(parts[2])
	})
}
