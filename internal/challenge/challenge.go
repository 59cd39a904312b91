package challenge

import (
	"regexp"
	"strings"
)

// Reason buckets for failed fetches. The orchestrator keys its retry and
// credential-rotation decisions off these three values.
const (
	ReasonChallenge = "challenge"
	ReasonTimeout   = "timeout"
	ReasonOther     = "other"
)

// Interstitial fragments the bot-defense layer serves instead of content.
var textMarkers = []string{
	"just a moment",
	"attention required",
	"checking your browser",
	"cf-browser-verification",
	"cdn-cgi/challenge-platform",
}

// minPlausibleBody: a real listing or detail page is never this small.
const minPlausibleBody = 512

var sitekeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)data-sitekey=["']([^"']+)["']`),
	regexp.MustCompile(`(?i)turnstile\.render\([^,]*,\s*\{[^}]*sitekey:\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)sitekey["']?\s*[:=]\s*["']([^"']+)["']`),
	regexp.MustCompile(`(?i)[?&]sitekey=([0-9A-Za-z_-]+)`),
}

// Verdict classifies a fetched page. It is transient and never persisted.
type Verdict struct {
	Challenged bool
	StatusCode int
	Markers    []string
}

// Captcha identifies a detected widget so a solver task can be created.
type Captcha struct {
	Kind    string // turnstile, hcaptcha, recaptcha
	SiteKey string
}

// Classify inspects a response and decides whether it is a challenge
// interstitial rather than the requested content. Pure function.
func Classify(statusCode int, body string) Verdict {
	v := Verdict{StatusCode: statusCode}
	lower := strings.ToLower(body)

	for _, marker := range textMarkers {
		if strings.Contains(lower, marker) {
			v.Markers = append(v.Markers, marker)
		}
	}
	if c := DetectCaptcha(body); c != nil {
		v.Markers = append(v.Markers, c.Kind)
	}
	if len(strings.TrimSpace(body)) < minPlausibleBody {
		v.Markers = append(v.Markers, "short_body")
	}

	v.Challenged = len(v.Markers) > 0
	return v
}

// DetectCaptcha finds a CAPTCHA widget signature in the page. The site key is
// needed to hand the challenge to a solving provider.
func DetectCaptcha(body string) *Captcha {
	if body == "" {
		return nil
	}
	lower := strings.ToLower(body)
	for _, pattern := range sitekeyPatterns {
		match := pattern.FindStringSubmatch(body)
		if match == nil {
			continue
		}
		siteKey := match[1]
		switch {
		case strings.Contains(lower, "turnstile") ||
			strings.Contains(lower, "challenges.cloudflare.com") ||
			strings.Contains(lower, "challenge-platform"):
			return &Captcha{Kind: "turnstile", SiteKey: siteKey}
		case strings.Contains(lower, "hcaptcha"):
			return &Captcha{Kind: "hcaptcha", SiteKey: siteKey}
		case strings.Contains(lower, "recaptcha") || strings.Contains(lower, "g-recaptcha"):
			return &Captcha{Kind: "recaptcha", SiteKey: siteKey}
		}
	}
	return nil
}

// ClassifyFailure maps an error message into one of the three retry buckets.
// The mapping is deliberately substring-based: upstream error wording is part
// of the contract, and is exercised by tests.
func ClassifyFailure(err error) string {
	if err == nil {
		return ReasonOther
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "challenge"):
		return ReasonChallenge
	case strings.Contains(lower, "http 403"),
		strings.Contains(lower, "http 429"),
		strings.Contains(lower, "http 503"):
		return ReasonChallenge
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "deadline exceeded"):
		return ReasonTimeout
	default:
		return ReasonOther
	}
}

// IsTerminalStatus reports whether a status code must stop pagination and
// bypass retries entirely. Terminal status takes priority over challenge
// markers in the body.
func IsTerminalStatus(statusCode int) bool {
	switch statusCode {
	case 400, 404, 410:
		return true
	}
	return false
}
