package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingHTML = `
<html><body>
<div class="card">
  <a href="/watch_model/21813-rolex-submariner-date-126610ln" title="Rolex Submariner Date 126610LN">
    <img data-src="https://cdn.example.com/21813.jpg" src="data:image/gif;base64,x">
  </a>
  <div class="price">$13,500</div>
  <div>41mm</div>
</div>
<div class="card">
  <a href="/watch_model/21900-rolex-explorer-224270">Rolex Explorer 224270</a>
  <div class="market-price">$8,200</div>
</div>
<div class="card">
  <a href="/watch_model/21813-rolex-submariner-date-126610ln">duplicate tile</a>
</div>
<a href="/watches/rolex">not a model link</a>
</body></html>`

func TestParseListing(t *testing.T) {
	p := NewCatalogParser()

	entries, err := p.ParseListing(listingHTML)
	require.NoError(t, err)
	require.Len(t, entries, 2, "duplicates and non-model links are skipped")

	first := entries[0]
	assert.Equal(t, "21813", first.ExternalID)
	assert.Equal(t, "/watch_model/21813-rolex-submariner-date-126610ln", first.DetailURL)
	assert.Equal(t, "Rolex Submariner Date 126610LN", first.Name)
	assert.Equal(t, "https://cdn.example.com/21813.jpg", first.ImageURL, "data: URIs are never images")
	require.NotNil(t, first.MarketPriceUSD)
	assert.Equal(t, 13500, *first.MarketPriceUSD)
	require.NotNil(t, first.CaseDiameterMM)
	assert.Equal(t, 41.0, *first.CaseDiameterMM)
	assert.Equal(t, 0, first.OrderIdx)

	second := entries[1]
	assert.Equal(t, "21900", second.ExternalID)
	assert.Equal(t, "Rolex Explorer 224270", second.Name)
	require.NotNil(t, second.MarketPriceUSD)
	assert.Equal(t, 8200, *second.MarketPriceUSD)
}

func TestParseListingEmptyPage(t *testing.T) {
	p := NewCatalogParser()
	entries, err := p.ParseListing("<html><body><p>No watches found.</p></body></html>")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

const detailHTML = `
<html>
<head><meta property="og:image" content="https://cdn.example.com/detail.jpg"></head>
<body>
<nav class="breadcrumb"><a href="/">Home</a><a href="/watches/rolex">Rolex</a><a href="/watches/rolex/submariner">Submariner</a></nav>
<h1>Rolex Submariner Date 126610LN</h1>
<table>
<tr><th>Reference</th><td>126610LN / 126610LN-0001</td></tr>
<tr><th>Brand</th><td>Rolex</td></tr>
<tr><th>Production Status</th><td>Currently produced</td></tr>
<tr><th>Case Diameter</th><td>41 mm</td></tr>
<tr><th>Case Thickness</th><td>12.5 mm</td></tr>
<tr><th>Case Material</th><td>Oystersteel</td></tr>
<tr><th>Water Resistance</th><td>300 m</td></tr>
<tr><th>Movement</th><td>Automatic</td></tr>
<tr><th>Caliber</th><td>3235</td></tr>
<tr><th>Power Reserve</th><td>70 hours</td></tr>
<tr><th>Frequency</th><td>28,800 bph</td></tr>
<tr><th>Complications</th><td>Date, Rotating Bezel</td></tr>
<tr><th>Market Price</th><td>$13,450</td></tr>
<tr><th>Retail Price</th><td>$10,250</td></tr>
</table>
</body></html>`

func TestParseDetail(t *testing.T) {
	p := NewCatalogParser()

	rec, err := p.ParseDetail(detailHTML, "https://example.com/watch_model/21813-rolex-submariner")
	require.NoError(t, err)

	assert.Equal(t, "21813", rec.ExternalID)
	assert.Equal(t, "126610LN", rec.Reference)
	assert.Equal(t, []string{"126610LN-0001"}, rec.ReferenceAliases)
	assert.Equal(t, "Rolex Submariner Date 126610LN", rec.FullName)
	assert.Equal(t, "Rolex", rec.Brand)
	assert.Equal(t, "Submariner", rec.Collection, "collection falls back to the breadcrumb")

	require.NotNil(t, rec.IsCurrent)
	assert.True(t, *rec.IsCurrent)

	require.NotNil(t, rec.Case)
	require.NotNil(t, rec.Case.DiameterMM)
	assert.Equal(t, 41.0, *rec.Case.DiameterMM)
	require.NotNil(t, rec.Case.ThicknessMM)
	assert.Equal(t, 12.5, *rec.Case.ThicknessMM)
	assert.Equal(t, "Oystersteel", rec.Case.Material)
	require.NotNil(t, rec.Case.WaterResistanceM)
	assert.Equal(t, 300, *rec.Case.WaterResistanceM)

	require.NotNil(t, rec.Movement)
	assert.Equal(t, "Automatic", rec.Movement.Type)
	assert.Equal(t, "3235", rec.Movement.Caliber)
	require.NotNil(t, rec.Movement.PowerReserveHours)
	assert.Equal(t, 70, *rec.Movement.PowerReserveHours)
	require.NotNil(t, rec.Movement.FrequencyBPH)
	assert.Equal(t, 28800, *rec.Movement.FrequencyBPH)

	assert.Equal(t, []string{"Date", "Rotating Bezel"}, rec.Complications)
	require.NotNil(t, rec.MarketPriceUSD)
	assert.Equal(t, 13450, *rec.MarketPriceUSD)
	require.NotNil(t, rec.RetailPriceUSD)
	assert.Equal(t, 10250, *rec.RetailPriceUSD)
	assert.Equal(t, "https://cdn.example.com/detail.jpg", rec.ImageURL)
}

func TestParseDetailDiscontinued(t *testing.T) {
	p := NewCatalogParser()
	html := `<html><body><h1>Old Model</h1><table>
		<tr><th>Reference</th><td>16610</td></tr>
		<tr><th>Production Status</th><td>Discontinued (2010)</td></tr>
	</table></body></html>`

	rec, err := p.ParseDetail(html, "https://example.com/watch_model/100-old")
	require.NoError(t, err)
	require.NotNil(t, rec.IsCurrent)
	assert.False(t, *rec.IsCurrent)
}

// A page without a reference must error so the crawl records an empty
// outcome, never a success.
func TestParseDetailNoReference(t *testing.T) {
	p := NewCatalogParser()
	html := `<html><body><h1>Mystery Watch</h1><table>
		<tr><th>Brand</th><td>Rolex</td></tr>
	</table></body></html>`

	_, err := p.ParseDetail(html, "https://example.com/watch_model/999-mystery")
	assert.ErrorIs(t, err, ErrNoReference)
}

func TestParseDetailDefinitionList(t *testing.T) {
	p := NewCatalogParser()
	html := `<html><body><h1>Speedmaster</h1>
	<dl>
		<dt>Reference:</dt><dd>311.30.42.30.01.005</dd>
		<dt>Brand</dt><dd>Omega</dd>
	</dl></body></html>`

	rec, err := p.ParseDetail(html, "https://example.com/watch_model/500-speedy")
	require.NoError(t, err)
	assert.Equal(t, "311.30.42.30.01.005", rec.Reference)
	assert.Equal(t, "Omega", rec.Brand)
}
