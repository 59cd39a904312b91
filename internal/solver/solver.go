// Package solver talks to an anti-captcha style solving provider over its
// JSON task API. The session manager is the only caller; it owns the cooldown
// bookkeeping around repeated failures.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrIPBlocked is the provider's hard-block signal. The session manager
// reacts with a long cooldown instead of hammering a paid service.
var ErrIPBlocked = errors.New("solver: source ip blocked")

// Challenge describes a detected widget to solve.
type Challenge struct {
	Kind    string // turnstile, hcaptcha, recaptcha
	SiteKey string
	PageURL string

	// Turnstile-specific context; optional.
	Action      string
	CData       string
	ChlPageData string
}

type Client struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	pollWait time.Duration
}

type Options struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("solver: api key required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.anti-captcha.com"
	}
	timeout := opts.Timeout
	if timeout < 30*time.Second {
		timeout = 30 * time.Second
	}
	return &Client{
		apiKey:   opts.APIKey,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 30 * time.Second},
		timeout:  timeout,
		pollWait: 3 * time.Second,
	}, nil
}

type taskPayload struct {
	ClientKey string         `json:"clientKey"`
	Task      map[string]any `json:"task"`
}

type taskCreated struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           int64  `json:"taskId"`
}

type taskResult struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	Status           string `json:"status"`
	Solution         struct {
		Token             string `json:"token"`
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// Solve creates a solving task and polls until the provider returns a token
// or the configured ceiling passes.
func (c *Client) Solve(ctx context.Context, ch Challenge) (string, error) {
	task, err := buildTask(ch)
	if err != nil {
		return "", err
	}

	var created taskCreated
	if err := c.post(ctx, "/createTask", taskPayload{ClientKey: c.apiKey, Task: task}, &created); err != nil {
		return "", err
	}
	if created.ErrorID != 0 {
		return "", providerError(created.ErrorCode, created.ErrorDescription)
	}

	deadline := time.Now().Add(c.timeout)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollWait):
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("solver: timeout waiting for task %d", created.TaskID)
		}

		var result taskResult
		payload := map[string]any{"clientKey": c.apiKey, "taskId": created.TaskID}
		if err := c.postRaw(ctx, "/getTaskResult", payload, &result); err != nil {
			return "", err
		}
		if result.ErrorID != 0 {
			return "", providerError(result.ErrorCode, result.ErrorDescription)
		}
		if result.Status == "ready" {
			if result.Solution.Token != "" {
				return result.Solution.Token, nil
			}
			if result.Solution.GRecaptchaResponse != "" {
				return result.Solution.GRecaptchaResponse, nil
			}
			return "", fmt.Errorf("solver: task %d ready without token", created.TaskID)
		}
	}
}

func buildTask(ch Challenge) (map[string]any, error) {
	switch ch.Kind {
	case "turnstile":
		task := map[string]any{
			"type":       "TurnstileTaskProxyless",
			"websiteURL": ch.PageURL,
			"websiteKey": ch.SiteKey,
		}
		if ch.Action != "" {
			task["action"] = ch.Action
		}
		if ch.CData != "" {
			task["cData"] = ch.CData
		}
		if ch.ChlPageData != "" {
			task["chlPageData"] = ch.ChlPageData
		}
		return task, nil
	case "hcaptcha":
		return map[string]any{
			"type":       "HCaptchaTaskProxyless",
			"websiteURL": ch.PageURL,
			"websiteKey": ch.SiteKey,
		}, nil
	case "recaptcha":
		return map[string]any{
			"type":       "RecaptchaV2TaskProxyless",
			"websiteURL": ch.PageURL,
			"websiteKey": ch.SiteKey,
		}, nil
	default:
		return nil, fmt.Errorf("solver: unsupported challenge kind %q", ch.Kind)
	}
}

func providerError(code, description string) error {
	if code == "ERROR_IP_BLOCKED" || strings.Contains(strings.ToLower(description), "ip blocked") {
		return fmt.Errorf("%w: %s", ErrIPBlocked, code)
	}
	if description != "" {
		return fmt.Errorf("solver: %s (%s)", code, description)
	}
	return fmt.Errorf("solver: %s", code)
}

func (c *Client) post(ctx context.Context, path string, payload taskPayload, out any) error {
	return c.postRaw(ctx, path, payload, out)
}

func (c *Client) postRaw(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("solver: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("solver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("solver: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("solver: read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("solver: decode response: %w", err)
	}
	return nil
}
