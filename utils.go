package go_dzdecrypt

import "strings"

// ObfuscateSecret masks the middle of a secret value (e.g. a hex encoded key)
// so that it can be logged without leaking it.
func ObfuscateSecret(secret string) string {
	if len(secret) < 8 {
		return strings.Repeat("*", len(secret))
	}

	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
