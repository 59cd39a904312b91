// Package pricehistory enriches a harvested record with its market chart
// series. The chart endpoint sits behind the same bot defense as the pages,
// so fetching walks an ordered fallback chain ending at an in-page browser
// fetch from an authenticated session.
package pricehistory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/thalysguimaraes/watchcollection/internal/models"
	"github.com/thalysguimaraes/watchcollection/internal/transport"
)

// PageContext holds the tokens a detail page embeds for its chart endpoint.
// A page without them simply has no history.
type PageContext struct {
	CSRFToken string
	ProductID string
}

var (
	csrfMetaPattern  = regexp.MustCompile(`<meta[^>]+name="csrf-token"[^>]+content="([^"]+)"`)
	csrfJSONPattern  = regexp.MustCompile(`"csrf"\s*:\s*"([^"]+)"`)
	productIDPattern = regexp.MustCompile(`data-(?:product|watch)-id="(\d+)"`)
)

// ExtractContext pulls the anti-forgery token and chart identifier from an
// already-fetched detail page. Returns nil when either is absent.
func ExtractContext(html string) *PageContext {
	pc := &PageContext{}
	if m := csrfMetaPattern.FindStringSubmatch(html); m != nil {
		pc.CSRFToken = m[1]
	} else if m := csrfJSONPattern.FindStringSubmatch(html); m != nil {
		pc.CSRFToken = m[1]
	}
	if m := productIDPattern.FindStringSubmatch(html); m != nil {
		pc.ProductID = m[1]
	}
	if pc.CSRFToken == "" || pc.ProductID == "" {
		return nil
	}
	return pc
}

// Refresher is the slice of the session manager the fallback chain needs.
type Refresher interface {
	RefreshCookies(ctx context.Context) (bool, error)
}

// PageFetcher issues a fetch from inside an authenticated browser page.
type PageFetcher interface {
	Navigate(ctx context.Context, url string) (string, error)
	EvaluateFetch(ctx context.Context, url string, headers map[string]string) (string, error)
}

type Client struct {
	baseURL   string
	backend   transport.Backend
	unblocker transport.Backend
	refresher Refresher
	browser   PageFetcher
	headers   func() map[string]string
	logger    *slog.Logger
}

type Options struct {
	BaseURL   string
	Backend   transport.Backend
	Unblocker transport.Backend // optional
	Refresher Refresher         // optional
	Browser   PageFetcher       // optional
	Headers   func() map[string]string
}

func NewClient(opts Options) *Client {
	headers := opts.Headers
	if headers == nil {
		headers = func() map[string]string { return nil }
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		backend:   opts.Backend,
		unblocker: opts.Unblocker,
		refresher: opts.Refresher,
		browser:   opts.Browser,
		headers:   headers,
		logger:    slog.Default().With("component", "pricehistory"),
	}
}

func (c *Client) chartURL(pc *PageContext) string {
	return fmt.Sprintf("%s/charts/watch_model/%s/prices", c.baseURL, pc.ProductID)
}

// strategy is one rung of the fallback chain. Each returns the raw endpoint
// body; the shared success predicate is a decodable series payload.
type strategy struct {
	name string
	run  func(ctx context.Context, url string, headers map[string]string) (string, error)
}

// Fetch resolves a record's price history from its detail page HTML. Returns
// (nil, nil) when the page has no chart context or the series is empty.
func (c *Client) Fetch(ctx context.Context, record *models.Record, detailHTML string) (*models.PriceHistory, error) {
	pc := ExtractContext(detailHTML)
	if pc == nil {
		return nil, nil
	}

	url := c.chartURL(pc)
	headers := c.headers()
	if headers == nil {
		headers = map[string]string{}
	}
	headers["X-CSRF-Token"] = pc.CSRFToken
	headers["Referer"] = record.URL
	headers["Accept"] = "application/json"
	headers["X-Requested-With"] = "XMLHttpRequest"

	var lastErr error
	for _, s := range c.strategies(record) {
		body, err := s.run(ctx, url, headers)
		if err != nil {
			lastErr = err
			c.logger.Debug("history strategy failed", "strategy", s.name, "id", record.ExternalID, "error", err)
			continue
		}
		points, err := decodeSeries(body)
		if err != nil {
			lastErr = err
			c.logger.Debug("history payload undecodable", "strategy", s.name, "id", record.ExternalID, "error", err)
			continue
		}
		if len(points) == 0 {
			return nil, nil
		}
		return &models.PriceHistory{
			Currency: "USD",
			Points:   points,
			Source:   s.name,
		}, nil
	}
	return nil, fmt.Errorf("price history for %s: %w", record.ExternalID, lastErr)
}

func (c *Client) strategies(record *models.Record) []strategy {
	chain := []strategy{{
		name: "direct",
		run: func(ctx context.Context, url string, headers map[string]string) (string, error) {
			return c.fetchVia(ctx, c.backend, url, headers)
		},
	}}

	if c.refresher != nil {
		chain = append(chain, strategy{
			name: "refresh",
			run: func(ctx context.Context, url string, headers map[string]string) (string, error) {
				if _, err := c.refresher.RefreshCookies(ctx); err != nil {
					return "", err
				}
				return c.fetchVia(ctx, c.backend, url, headers)
			},
		})
	}
	if c.unblocker != nil {
		chain = append(chain, strategy{
			name: "unblocker",
			run: func(ctx context.Context, url string, headers map[string]string) (string, error) {
				return c.fetchVia(ctx, c.unblocker, url, headers)
			},
		})
	}
	if c.browser != nil {
		chain = append(chain, strategy{
			name: "browser",
			run: func(ctx context.Context, url string, headers map[string]string) (string, error) {
				if _, err := c.browser.Navigate(ctx, record.URL); err != nil {
					return "", err
				}
				return c.browser.EvaluateFetch(ctx, url, headers)
			},
		})
	}
	return chain
}

func (c *Client) fetchVia(ctx context.Context, backend transport.Backend, url string, headers map[string]string) (string, error) {
	status, body, err := backend.FetchWithHeaders(ctx, url, headers)
	if err != nil {
		return "", err
	}
	if status != 200 {
		return "", fmt.Errorf("chart endpoint returned http %d", status)
	}
	return body, nil
}

// seriesPayload is the chart endpoint's shape: up to three parallel series
// keyed by unix timestamp, values independently nullable.
type seriesPayload struct {
	All map[string]*float64 `json:"all"`
	Min map[string]*float64 `json:"min"`
	Max map[string]*float64 `json:"max"`
}

// decodeSeries tolerates payloads wrapped in HTML (some proxies return the
// JSON inside a rendered page) by cutting to the outermost braces.
func decodeSeries(body string) ([]models.PriceHistoryPoint, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		start := strings.Index(trimmed, "{")
		end := strings.LastIndex(trimmed, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("no JSON object in payload")
		}
		trimmed = trimmed[start : end+1]
	}

	var payload seriesPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	return MergeSeries(payload.All, payload.Min, payload.Max), nil
}

// MergeSeries builds the point index as the sorted union of the three series'
// timestamp keys. Each point's price, min and max are set independently.
func MergeSeries(all, min, max map[string]*float64) []models.PriceHistoryPoint {
	index := make(map[int64]struct{})
	collect := func(series map[string]*float64) {
		for key := range series {
			ts, err := strconv.ParseInt(key, 10, 64)
			if err != nil {
				continue
			}
			index[ts] = struct{}{}
		}
	}
	collect(all)
	collect(min)
	collect(max)

	timestamps := make([]int64, 0, len(index))
	for ts := range index {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })

	points := make([]models.PriceHistoryPoint, 0, len(timestamps))
	for _, ts := range timestamps {
		key := strconv.FormatInt(ts, 10)
		points = append(points, models.PriceHistoryPoint{
			Timestamp: ts,
			Price:     all[key],
			MinPrice:  min[key],
			MaxPrice:  max[key],
		})
	}
	return points
}
