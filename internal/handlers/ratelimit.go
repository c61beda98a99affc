package handlers

import (
	"net"
	"net/http"
	"strings"
)

// RateLimitKey buckets requests by caller: the user id when present,
// otherwise the client IP.
func RateLimitKey(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get(UserIDHeader)); owner != "" {
		return "user:" + owner
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
