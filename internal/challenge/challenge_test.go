package challenge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanPage() string {
	return "<html><body>" + strings.Repeat("<p>Submariner Date 41mm</p>", 100) + "</body></html>"
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		challenged bool
		marker     string
	}{
		{
			name:       "clean page",
			status:     200,
			body:       cleanPage(),
			challenged: false,
		},
		{
			name:       "interstitial title",
			status:     503,
			body:       "<html><title>Just a moment...</title>" + strings.Repeat("x", 600) + "</html>",
			challenged: true,
			marker:     "just a moment",
		},
		{
			name:       "attention required page",
			status:     403,
			body:       "<html><title>Attention Required! | Cloudflare</title>" + strings.Repeat("x", 600) + "</html>",
			challenged: true,
			marker:     "attention required",
		},
		{
			name:       "browser check text",
			status:     200,
			body:       "<html>Checking your browser before accessing the site." + strings.Repeat("x", 600) + "</html>",
			challenged: true,
			marker:     "checking your browser",
		},
		{
			name:       "implausibly short body",
			status:     200,
			body:       "<html></html>",
			challenged: true,
			marker:     "short_body",
		},
		{
			name:       "empty body",
			status:     200,
			body:       "",
			challenged: true,
			marker:     "short_body",
		},
		{
			name:   "turnstile widget",
			status: 200,
			body: `<html><script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>` +
				`<div class="cf-turnstile" data-sitekey="0x4AAAAAAA"></div>` + strings.Repeat("x", 600) + `</html>`,
			challenged: true,
			marker:     "turnstile",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(tt.status, tt.body)
			assert.Equal(t, tt.challenged, v.Challenged)
			assert.Equal(t, tt.status, v.StatusCode)
			if tt.marker != "" {
				assert.Contains(t, v.Markers, tt.marker)
			}
		})
	}
}

func TestDetectCaptcha(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		kind    string
		siteKey string
	}{
		{
			name: "turnstile",
			body: `<script src="https://challenges.cloudflare.com/turnstile/v0/api.js"></script>
				<div class="cf-turnstile" data-sitekey="0x4AAAAAAABkMY"></div>`,
			kind:    "turnstile",
			siteKey: "0x4AAAAAAABkMY",
		},
		{
			name:    "hcaptcha",
			body:    `<script src="https://js.hcaptcha.com/1/api.js"></script><div class="h-captcha" data-sitekey="10000000-ffff-ffff"></div>`,
			kind:    "hcaptcha",
			siteKey: "10000000-ffff-ffff",
		},
		{
			name:    "recaptcha",
			body:    `<div class="g-recaptcha" data-sitekey="6LeIxAcTAAAAAJcZ"></div>`,
			kind:    "recaptcha",
			siteKey: "6LeIxAcTAAAAAJcZ",
		},
		{
			name: "no widget",
			body: cleanPage(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DetectCaptcha(tt.body)
			if tt.kind == "" {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, tt.kind, c.Kind)
			assert.Equal(t, tt.siteKey, c.SiteKey)
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"nil error", nil, ReasonOther},
		{"challenge page error", fmt.Errorf("challenge page (markers [turnstile])"), ReasonChallenge},
		{"forbidden", fmt.Errorf("http 403"), ReasonChallenge},
		{"rate limited", fmt.Errorf("http 429"), ReasonChallenge},
		{"service unavailable", fmt.Errorf("http 503"), ReasonChallenge},
		{"fetch timeout", fmt.Errorf("fetch https://example.com: timeout after 30s"), ReasonTimeout},
		{"context deadline", context.DeadlineExceeded, ReasonTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), ReasonOther},
		{"not found", fmt.Errorf("http 404"), ReasonOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reason, ClassifyFailure(tt.err))
		})
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, status := range []int{400, 404, 410} {
		assert.True(t, IsTerminalStatus(status), "status %d", status)
	}
	for _, status := range []int{200, 301, 403, 429, 500, 503} {
		assert.False(t, IsTerminalStatus(status), "status %d", status)
	}
}

// Terminal status takes priority even when the body looks like a challenge;
// the verdict may carry markers but the caller must consult the status first.
func TestTerminalStatusPriority(t *testing.T) {
	body := "<html><title>Just a moment...</title>" + strings.Repeat("x", 600) + "</html>"
	v := Classify(404, body)
	assert.True(t, IsTerminalStatus(v.StatusCode))
	assert.True(t, v.Challenged, "markers are still reported")
}
