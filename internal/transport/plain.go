package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/thalysguimaraes/watchcollection/internal/ratelimit"
)

// PlainClient fetches with a stock net/http client. It carries no TLS
// fingerprint disguise; useful against the chart API and for local testing.
type PlainClient struct {
	client  *http.Client
	pacer   ratelimit.Pacer
	headers func() map[string]string
}

type PlainOptions struct {
	Timeout  time.Duration
	ProxyURL string
	Pacer    ratelimit.Pacer
	// Headers returns the base headers for each request, typically the
	// session snapshot's user-agent and cookie header.
	Headers func() map[string]string
}

func NewPlainClient(opts PlainOptions) (*PlainClient, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = ratelimit.NopPacer{}
	}

	return &PlainClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		pacer:   pacer,
		headers: opts.Headers,
	}, nil
}

func (c *PlainClient) Name() string { return "plain" }

func (c *PlainClient) Fetch(ctx context.Context, rawURL string) (int, string, error) {
	return c.FetchWithHeaders(ctx, rawURL, nil)
}

func (c *PlainClient) FetchWithHeaders(ctx context.Context, rawURL string, extra map[string]string) (int, string, error) {
	if err := c.pacer.Wait(ctx, rawURL); err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}

	var base map[string]string
	if c.headers != nil {
		base = c.headers()
	}
	for k, v := range mergeHeaders(base, extra) {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, string(body), nil
}
