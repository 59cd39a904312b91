package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotConfigured is returned by a backend whose collaborator (provider
	// key, browser binary) is missing. The orchestrator degrades to the next
	// strategy instead of aborting.
	ErrNotConfigured = errors.New("transport backend not configured")
)

// Backend is one concrete strategy for issuing an HTTP fetch. Backends are
// stateless between calls: identity (cookies, profile, proxy) comes in through
// headers and constructor-time providers. A backend never retries; it surfaces
// status and body even for 4xx/5xx so the caller owns the retry policy.
type Backend interface {
	Name() string
	Fetch(ctx context.Context, url string) (statusCode int, body string, err error)
	FetchWithHeaders(ctx context.Context, url string, headers map[string]string) (statusCode int, body string, err error)
}

// DefaultHeaders are sent on every fetch unless overridden per call.
func DefaultHeaders(userAgent string) map[string]string {
	return map[string]string{
		"User-Agent":                userAgent,
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Cache-Control":             "no-cache",
		"Pragma":                    "no-cache",
		"Upgrade-Insecure-Requests": "1",
	}
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
