package gena

import (
	"strconv"
	"strings"
	"time"
)

// formatTimeout renders a lease as a TIMEOUT header value.
func formatTimeout(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return "Second-" + strconv.FormatInt(secs, 10)
}

// parseTimeout reads a TIMEOUT header. Missing, malformed and infinite
// values yield fallback.
func parseTimeout(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	const prefix = "second-"
	if len(v) <= len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return fallback
	}
	n, err := strconv.ParseInt(v[len(prefix):], 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}
