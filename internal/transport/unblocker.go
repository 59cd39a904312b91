package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// UnblockerClient routes fetches through a managed unblocking provider's
// request API. The provider handles proxies and challenge solving on its
// side; from here it is just another fetch strategy.
type UnblockerClient struct {
	apiKey   string
	zone     string
	endpoint string
	format   string
	client   *http.Client

	// The provider meters by requests per minute; a simple serialized
	// min-interval keeps us under the plan limit.
	mu          sync.Mutex
	minInterval time.Duration
	lastRequest time.Time
}

type UnblockerOptions struct {
	APIKey       string
	Zone         string
	Endpoint     string
	Format       string
	Timeout      time.Duration
	RateLimitRPM int
}

func NewUnblockerClient(opts UnblockerOptions) (*UnblockerClient, error) {
	if opts.APIKey == "" || opts.Zone == "" {
		return nil, fmt.Errorf("%w: unblocker requires api key and zone", ErrNotConfigured)
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "https://api.brightdata.com/request"
	}
	format := opts.Format
	if format == "" {
		format = "raw"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rpm := opts.RateLimitRPM
	if rpm <= 0 {
		rpm = 1000
	}

	return &UnblockerClient{
		apiKey:      opts.APIKey,
		zone:        opts.Zone,
		endpoint:    endpoint,
		format:      format,
		client:      &http.Client{Timeout: timeout},
		minInterval: time.Minute / time.Duration(rpm),
	}, nil
}

func (c *UnblockerClient) Name() string { return "unblocker" }

func (c *UnblockerClient) Fetch(ctx context.Context, rawURL string) (int, string, error) {
	return c.FetchWithHeaders(ctx, rawURL, nil)
}

func (c *UnblockerClient) FetchWithHeaders(ctx context.Context, rawURL string, headers map[string]string) (int, string, error) {
	if err := c.waitInterval(ctx); err != nil {
		return 0, "", err
	}

	payload := map[string]any{
		"zone":   c.zone,
		"url":    rawURL,
		"format": c.format,
	}
	if len(headers) > 0 {
		payload["headers"] = headers
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("encode unblocker payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build unblocker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("unblocker request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read unblocker body: %w", err)
	}

	text, err := decodeProviderBody(resp.Header.Get("Content-Type"), raw)
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, text, nil
}

// decodeProviderBody unwraps JSON-framed responses. Some plans return the
// upstream body inside a JSON envelope, others return it raw.
func decodeProviderBody(contentType string, raw []byte) (string, error) {
	if !bytes.Contains([]byte(contentType), []byte("application/json")) {
		return string(raw), nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return string(raw), nil
	}
	for _, key := range []string{"response", "body", "data"} {
		if s, ok := data[key].(string); ok {
			return s, nil
		}
	}
	for _, key := range []string{"error", "message"} {
		if s, ok := data[key].(string); ok && s != "" {
			return "", fmt.Errorf("unblocker provider error: %s", s)
		}
	}
	return string(raw), nil
}

func (c *UnblockerClient) waitInterval(ctx context.Context) error {
	c.mu.Lock()
	wait := c.minInterval - time.Since(c.lastRequest)
	if wait < 0 {
		wait = 0
	}
	c.lastRequest = time.Now().Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
