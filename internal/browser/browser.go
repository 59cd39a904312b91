// Package browser wraps a stealth-configured Chromium instance used for two
// jobs only: establishing a cleared session (cookies plus user agent) and
// issuing authenticated in-page fetches when every plain transport has been
// blocked.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Cookie is the subset of browser cookie state the session manager imports.
type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

type Client struct {
	mu      sync.Mutex
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	opts    Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
}

func DefaultOptions() Options {
	return Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "America/New_York",
		Locale:         "en-US",
	}
}

// stealthScript runs before any page script and hides the usual automation
// tells that interstitial checks probe for.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
const origQuery = window.navigator.permissions.query;
window.navigator.permissions.query = (parameters) => (
  parameters.name === 'notifications'
    ? Promise.resolve({ state: Notification.permission })
    : origQuery(parameters)
);
`

func New(opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	c := &Client{
		pw:     pw,
		opts:   opts,
		logger: slog.Default().With("component", "browser"),
	}
	if err := c.launch(); err != nil {
		pw.Stop()
		return nil, err
	}
	return c, nil
}

func (c *Client) launch() error {
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &c.opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", c.opts.ViewportWidth, c.opts.ViewportHeight),
		},
	}
	if c.opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: c.opts.ProxyServer}
	}

	browser, err := c.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &c.opts.UserAgent,
		Locale:            &c.opts.Locale,
		TimezoneId:        &c.opts.TimezoneID,
		JavaScriptEnabled: playwright.Bool(true),
		Viewport: &playwright.Size{
			Width:  c.opts.ViewportWidth,
			Height: c.opts.ViewportHeight,
		},
		ExtraHttpHeaders: map[string]string{
			"Accept-Language": c.opts.AcceptLanguage,
		},
	}
	ctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return fmt.Errorf("create browser context: %w", err)
	}
	if err := ctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		ctx.Close()
		browser.Close()
		return fmt.Errorf("install stealth script: %w", err)
	}

	c.browser = browser
	c.context = ctx
	c.page = nil
	return nil
}

func (c *Client) currentPage() (playwright.Page, error) {
	if c.page != nil && !c.page.IsClosed() {
		return c.page, nil
	}
	page, err := c.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultTimeout(float64(c.opts.Timeout.Milliseconds()))
	c.page = page
	return page, nil
}

// Navigate loads a URL and returns the rendered HTML. The context deadline
// caps the wait when shorter than the configured timeout.
func (c *Client) Navigate(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.currentPage()
	if err != nil {
		return "", err
	}

	timeout := c.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return "", ctx.Err()
	}

	if _, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		return "", fmt.Errorf("navigate %s: %w", url, err)
	}

	content, err := page.Content()
	if err != nil {
		return "", fmt.Errorf("read page content: %w", err)
	}
	return content, nil
}

// Content returns the current page HTML without a navigation.
func (c *Client) Content() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.currentPage()
	if err != nil {
		return "", err
	}
	return page.Content()
}

// Cookies returns the context's cookie jar.
func (c *Client) Cookies() ([]Cookie, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.context.Cookies()
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, ck := range raw {
		cookies = append(cookies, Cookie{
			Name:   ck.Name,
			Value:  ck.Value,
			Domain: ck.Domain,
			Path:   ck.Path,
		})
	}
	return cookies, nil
}

func (c *Client) UserAgent() string { return c.opts.UserAgent }

// InjectToken writes a solved CAPTCHA token into the widget's hidden response
// field and fires the input event so the page script picks it up.
func (c *Client) InjectToken(kind, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.currentPage()
	if err != nil {
		return err
	}

	field := "cf-turnstile-response"
	switch kind {
	case "hcaptcha":
		field = "h-captcha-response"
	case "recaptcha":
		field = "g-recaptcha-response"
	}

	script := fmt.Sprintf(`(token) => {
		const fields = document.querySelectorAll('[name="%s"]');
		for (const f of fields) {
			f.value = token;
			f.dispatchEvent(new Event('input', { bubbles: true }));
		}
		return fields.length;
	}`, field)

	count, err := page.Evaluate(script, token)
	if err != nil {
		return fmt.Errorf("inject %s token: %w", kind, err)
	}
	if n, ok := count.(int); ok && n == 0 {
		return fmt.Errorf("no %s response field on page", field)
	}
	c.logger.Debug("token injected", "kind", kind)
	return nil
}

// EvaluateFetch performs a same-origin fetch inside the authenticated page
// context and returns the raw response text. Used as the last price-history
// fallback when direct transports are blocked.
func (c *Client) EvaluateFetch(ctx context.Context, fetchURL string, headers map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.currentPage()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	script := `async (args) => {
		const resp = await fetch(args.url, {
			method: 'GET',
			headers: args.headers,
			credentials: 'include',
		});
		return await resp.text();
	}`
	result, err := page.Evaluate(script, map[string]any{
		"url":     fetchURL,
		"headers": headers,
	})
	if err != nil {
		return "", fmt.Errorf("in-page fetch %s: %w", fetchURL, err)
	}
	text, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("in-page fetch %s: unexpected result type %T", fetchURL, result)
	}
	return text, nil
}

// Reset discards the browser session (context, cookies, pages) and starts a
// fresh one. Used when credentials rotate.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.context != nil {
		c.context.Close()
	}
	if c.browser != nil {
		c.browser.Close()
	}
	return c.launch()
}

// SetProxy changes the upstream proxy for subsequent sessions and resets.
func (c *Client) SetProxy(server string) error {
	c.mu.Lock()
	c.opts.ProxyServer = server
	c.mu.Unlock()
	return c.Reset()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []string
	if c.context != nil {
		if err := c.context.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if c.pw != nil {
		if err := c.pw.Stop(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close browser: %s", strings.Join(errs, "; "))
	}
	return nil
}
