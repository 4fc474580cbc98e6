// Package environment reads sandboxd settings from environment variables.
//
// Every helper falls back to a default when the variable is unset or empty.
// Helpers that can reject a value return an error instead of exiting, so the
// binaries decide how to report bad configuration.
package environment

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of name, or def when it is unset or empty.
func StringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// OneOf returns the lower-cased value of name (or def) and fails when it is
// not one of allowed.
func OneOf(name, def string, allowed ...string) (string, error) {
	v := strings.ToLower(StringOr(name, def))
	if !slices.Contains(allowed, v) {
		return "", fmt.Errorf("%s: %q is not one of %s", name, v, strings.Join(allowed, ", "))
	}
	return v, nil
}

// BoolOr parses name with strconv.ParseBool. Unparseable values yield def.
func BoolOr(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// IntOr parses name as a decimal integer. Unparseable values yield def.
func IntOr(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DurationOr parses name with time.ParseDuration ("1s", "250ms").
// Unparseable values yield def.
func DurationOr(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
