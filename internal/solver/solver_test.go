package solver

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Options{APIKey: "test-key"})
	require.NoError(t, err)
	c.pollWait = 10 * time.Millisecond
	httpmock.ActivateNonDefault(c.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSolveTurnstile(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "https://api.anti-captcha.com/createTask",
		func(req *http.Request) (*http.Response, error) {
			var payload map[string]any
			require.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "test-key", payload["clientKey"])
			task := payload["task"].(map[string]any)
			assert.Equal(t, "TurnstileTaskProxyless", task["type"])
			assert.Equal(t, "0x4AAA", task["websiteKey"])
			return httpmock.NewJsonResponse(200, map[string]any{"errorId": 0, "taskId": 42})
		})

	polls := 0
	httpmock.RegisterResponder("POST", "https://api.anti-captcha.com/getTaskResult",
		func(req *http.Request) (*http.Response, error) {
			polls++
			if polls < 2 {
				return httpmock.NewJsonResponse(200, map[string]any{"errorId": 0, "status": "processing"})
			}
			return httpmock.NewJsonResponse(200, map[string]any{
				"errorId":  0,
				"status":   "ready",
				"solution": map[string]any{"token": "solved-token"},
			})
		})

	token, err := c.Solve(context.Background(), Challenge{
		Kind:    "turnstile",
		SiteKey: "0x4AAA",
		PageURL: "https://example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "solved-token", token)
	assert.Equal(t, 2, polls)
}

func TestSolveRecaptchaUsesGResponse(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "https://api.anti-captcha.com/createTask",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"errorId": 0, "taskId": 7}))
	httpmock.RegisterResponder("POST", "https://api.anti-captcha.com/getTaskResult",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"errorId":  0,
			"status":   "ready",
			"solution": map[string]any{"gRecaptchaResponse": "g-token"},
		}))

	token, err := c.Solve(context.Background(), Challenge{Kind: "recaptcha", SiteKey: "6Le", PageURL: "https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, "g-token", token)
}

func TestSolveIPBlocked(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("POST", "https://api.anti-captcha.com/createTask",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{
			"errorId":          11,
			"errorCode":        "ERROR_IP_BLOCKED",
			"errorDescription": "Your source IP blocked",
		}))

	_, err := c.Solve(context.Background(), Challenge{Kind: "turnstile", SiteKey: "x", PageURL: "https://example.com/"})
	assert.ErrorIs(t, err, ErrIPBlocked)
}

func TestSolveUnsupportedKind(t *testing.T) {
	c := newTestClient(t)
	_, err := c.Solve(context.Background(), Challenge{Kind: "funcaptcha"})
	assert.Error(t, err)
}

func TestBuildTaskTurnstileExtras(t *testing.T) {
	task, err := buildTask(Challenge{
		Kind:    "turnstile",
		SiteKey: "key",
		PageURL: "https://example.com/",
		Action:  "managed",
		CData:   "cdata",
	})
	require.NoError(t, err)
	assert.Equal(t, "managed", task["action"])
	assert.Equal(t, "cdata", task["cData"])
	_, hasPageData := task["chlPageData"]
	assert.False(t, hasPageData, "absent extras are omitted")
}
