package helpers

import "strings"

// sensitiveAttributes are policy request attributes that identify a user or
// a client certificate and are masked in debug logs.
var sensitiveAttributes = map[string]struct{}{
	"sasl_username":            {},
	"sasl_sender":              {},
	"ccert_subject":            {},
	"ccert_fingerprint":        {},
	"ccert_pubkey_fingerprint": {},
}

// MaskSensitive redacts the value of attributes that should not appear in
// logs verbatim. Usernames keep their first character and domain so related
// log lines can still be correlated.
func MaskSensitive(name, value string) string {
	if value == "" {
		return value
	}
	if _, ok := sensitiveAttributes[strings.ToLower(name)]; !ok {
		return value
	}
	if local, domain, ok := strings.Cut(value, "@"); ok && local != "" {
		return local[:1] + "***@" + domain
	}
	return "[REDACTED]"
}

// MaskSecret hides all but the last four characters of a credential such as
// an API key.
func MaskSecret(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}
