// Package redact strips sensitive values from strings before they leave the
// process boundary.
//
// Two things must never reach an untrusted caller or a shared log sink: the
// relay's privileged shared secret and the internal network address of an
// instance's nodes. Redaction is best-effort and string based; callers pass the
// values to hide.
package redact

import (
	"net"
	"net/url"
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Endpoint hides every spelling of rawURL's location in s: the full URL, the
// host:port pair and the bare host. Longer forms are replaced first so the
// output never contains a half-redacted address.
func Endpoint(s, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return String(s, rawURL)
	}
	host, _, splitErr := net.SplitHostPort(u.Host)
	if splitErr != nil {
		host = u.Host
	}
	return String(s, rawURL, strings.TrimRight(rawURL, "/"), u.Host, host)
}

// Map returns a copy of m in which values under secret-looking keys are
// replaced by [REDACTED]. Empty values are left alone so that "unset" stays
// visible in configuration dumps.
func Map(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" && isSensitiveKey(k) {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "token", "secret", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
