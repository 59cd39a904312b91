package pricehistory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thalysguimaraes/watchcollection/internal/models"
)

const detailWithContext = `<html><head>
<meta name="csrf-token" content="tok-abc123">
</head><body>
<div id="price-chart" data-product-id="21813"></div>
</body></html>`

func TestExtractContext(t *testing.T) {
	pc := ExtractContext(detailWithContext)
	require.NotNil(t, pc)
	assert.Equal(t, "tok-abc123", pc.CSRFToken)
	assert.Equal(t, "21813", pc.ProductID)
}

func TestExtractContextFromEmbeddedJSON(t *testing.T) {
	html := `<script>window.metaData = {"csrf":"json-tok","locale":"en"};</script>
		<div data-watch-id="555"></div>`
	pc := ExtractContext(html)
	require.NotNil(t, pc)
	assert.Equal(t, "json-tok", pc.CSRFToken)
	assert.Equal(t, "555", pc.ProductID)
}

// Absent context means the record has no history, not an error.
func TestExtractContextAbsent(t *testing.T) {
	assert.Nil(t, ExtractContext("<html><body>no chart here</body></html>"))
	assert.Nil(t, ExtractContext(`<meta name="csrf-token" content="tok">`), "token without product id")
	assert.Nil(t, ExtractContext(`<div data-product-id="1"></div>`), "product id without token")
}

func fptr(v float64) *float64 { return &v }

func TestMergeSeries(t *testing.T) {
	all := map[string]*float64{"100": fptr(50.0)}
	minS := map[string]*float64{"100": fptr(45.0)}
	maxS := map[string]*float64{"200": fptr(60.0)}

	points := MergeSeries(all, minS, maxS)

	require.Len(t, points, 2)

	assert.Equal(t, int64(100), points[0].Timestamp)
	require.NotNil(t, points[0].Price)
	assert.Equal(t, 50.0, *points[0].Price)
	require.NotNil(t, points[0].MinPrice)
	assert.Equal(t, 45.0, *points[0].MinPrice)
	assert.Nil(t, points[0].MaxPrice)

	assert.Equal(t, int64(200), points[1].Timestamp)
	assert.Nil(t, points[1].Price)
	assert.Nil(t, points[1].MinPrice)
	require.NotNil(t, points[1].MaxPrice)
	assert.Equal(t, 60.0, *points[1].MaxPrice)
}

func TestMergeSeriesSortsTimestamps(t *testing.T) {
	all := map[string]*float64{"300": fptr(3), "100": fptr(1), "200": fptr(2)}
	points := MergeSeries(all, nil, nil)
	require.Len(t, points, 3)
	assert.Equal(t, int64(100), points[0].Timestamp)
	assert.Equal(t, int64(200), points[1].Timestamp)
	assert.Equal(t, int64(300), points[2].Timestamp)
}

func TestDecodeSeriesToleratesHTMLWrapper(t *testing.T) {
	body := `<html><body><pre>{"all":{"100":50.0},"min":{},"max":{}}</pre></body></html>`
	points, err := decodeSeries(body)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, int64(100), points[0].Timestamp)
}

func TestDecodeSeriesRejectsGarbage(t *testing.T) {
	_, err := decodeSeries("<html>not json at all</html>")
	assert.Error(t, err)
}

// fakeBackend scripts per-call responses for fallback-chain tests.
type fakeBackend struct {
	name      string
	responses []response
	calls     int
}

type response struct {
	status int
	body   string
	err    error
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Fetch(ctx context.Context, url string) (int, string, error) {
	return f.FetchWithHeaders(ctx, url, nil)
}

func (f *fakeBackend) FetchWithHeaders(_ context.Context, _ string, _ map[string]string) (int, string, error) {
	r := f.responses[min(f.calls, len(f.responses)-1)]
	f.calls++
	return r.status, r.body, r.err
}

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) RefreshCookies(context.Context) (bool, error) {
	f.calls++
	return true, nil
}

const validSeries = `{"all":{"100":50.0},"min":{"100":45.0},"max":{"200":60.0}}`

func TestFetchDirectSuccess(t *testing.T) {
	backend := &fakeBackend{name: "direct", responses: []response{{status: 200, body: validSeries}}}
	c := NewClient(Options{BaseURL: "https://example.com", Backend: backend})

	rec := &models.Record{ExternalID: "21813", URL: "https://example.com/watch_model/21813-x"}
	hist, err := c.Fetch(context.Background(), rec, detailWithContext)
	require.NoError(t, err)
	require.NotNil(t, hist)
	assert.Len(t, hist.Points, 2)
	assert.Equal(t, "direct", hist.Source)
}

func TestFetchNoContext(t *testing.T) {
	backend := &fakeBackend{responses: []response{{status: 200, body: validSeries}}}
	c := NewClient(Options{BaseURL: "https://example.com", Backend: backend})

	hist, err := c.Fetch(context.Background(), &models.Record{}, "<html>no tokens</html>")
	require.NoError(t, err)
	assert.Nil(t, hist)
	assert.Zero(t, backend.calls, "no context means no request at all")
}

func TestFetchEmptySeriesIsNoHistory(t *testing.T) {
	backend := &fakeBackend{responses: []response{{status: 200, body: `{"all":{},"min":{},"max":{}}`}}}
	c := NewClient(Options{BaseURL: "https://example.com", Backend: backend})

	hist, err := c.Fetch(context.Background(), &models.Record{ExternalID: "1"}, detailWithContext)
	require.NoError(t, err)
	assert.Nil(t, hist)
}

func TestFetchFallsBackThroughChain(t *testing.T) {
	// Direct fails twice (initial + after refresh), unblocker succeeds.
	backend := &fakeBackend{name: "direct", responses: []response{{status: 403, body: "blocked"}}}
	unblocker := &fakeBackend{name: "unblocker", responses: []response{{status: 200, body: validSeries}}}
	refresher := &fakeRefresher{}

	c := NewClient(Options{
		BaseURL:   "https://example.com",
		Backend:   backend,
		Unblocker: unblocker,
		Refresher: refresher,
	})

	rec := &models.Record{ExternalID: "21813", URL: "https://example.com/watch_model/21813-x"}
	hist, err := c.Fetch(context.Background(), rec, detailWithContext)
	require.NoError(t, err)
	require.NotNil(t, hist)
	assert.Equal(t, "unblocker", hist.Source)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 2, backend.calls)
}

func TestFetchAllStrategiesFail(t *testing.T) {
	backend := &fakeBackend{responses: []response{{err: errors.New("connection reset")}}}
	c := NewClient(Options{BaseURL: "https://example.com", Backend: backend})

	_, err := c.Fetch(context.Background(), &models.Record{ExternalID: "1"}, detailWithContext)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "price history")
}

func TestChartEndpointURL(t *testing.T) {
	c := NewClient(Options{BaseURL: "https://example.com/", Backend: &fakeBackend{responses: []response{{}}}})
	assert.Equal(t, "https://example.com/charts/watch_model/21813/prices",
		c.chartURL(&PageContext{ProductID: "21813"}))
}
