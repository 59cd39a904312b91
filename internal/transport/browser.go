package transport

import (
	"context"
	"net/http"
)

// PageLoader is the slice of the headless-browser collaborator this backend
// needs: load a URL in the authenticated browser context and return the HTML.
type PageLoader interface {
	Navigate(ctx context.Context, url string) (string, error)
}

// BrowserBackend drives a full headless page load for each fetch. Slowest
// strategy, but it executes the challenge JavaScript instead of avoiding it.
type BrowserBackend struct {
	loader PageLoader
}

func NewBrowserBackend(loader PageLoader) *BrowserBackend {
	return &BrowserBackend{loader: loader}
}

func (b *BrowserBackend) Name() string { return "browser" }

func (b *BrowserBackend) Fetch(ctx context.Context, url string) (int, string, error) {
	return b.FetchWithHeaders(ctx, url, nil)
}

// FetchWithHeaders ignores extra headers: the browser context owns its own
// header and cookie state. A successful navigation reports 200; the challenge
// detector still inspects the returned document.
func (b *BrowserBackend) FetchWithHeaders(ctx context.Context, url string, _ map[string]string) (int, string, error) {
	if b.loader == nil {
		return 0, "", ErrNotConfigured
	}
	html, err := b.loader.Navigate(ctx, url)
	if err != nil {
		return 0, "", err
	}
	return http.StatusOK, html, nil
}
