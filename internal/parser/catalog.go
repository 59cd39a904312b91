package parser

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/thalysguimaraes/watchcollection/internal/models"
)

// ErrNoReference is returned when a detail page fetched cleanly but no
// reference number could be extracted. The crawl treats this as an empty
// record, not a transport failure.
var ErrNoReference = errors.New("no reference found on detail page")

type CatalogParser struct {
	modelIDPattern  *regexp.Regexp
	pricePattern    *regexp.Regexp
	diameterPattern *regexp.Regexp
	refSplitPattern *regexp.Regexp
}

func NewCatalogParser() *CatalogParser {
	return &CatalogParser{
		modelIDPattern:  regexp.MustCompile(`/watch_model/(\d+)-`),
		pricePattern:    regexp.MustCompile(`[\$€£]\s*([\d,]+)`),
		diameterPattern: regexp.MustCompile(`(\d+(?:\.\d+)?)\s*mm`),
		refSplitPattern: regexp.MustCompile(`\s*[/,]\s*`),
	}
}

// ParseListing extracts one entry per model tile on a listing page. A page
// with zero tiles returns an empty slice and no error so the caller can
// distinguish "last page" from "broken page".
func (p *CatalogParser) ParseListing(html string) ([]models.ListingEntry, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing HTML: %w", err)
	}

	seen := make(map[string]struct{})
	var entries []models.ListingEntry

	doc.Find(`a[href*="/watch_model/"]`).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		m := p.modelIDPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id := m[1]
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}

		tile := sel.Closest("div.card, div.watch-card, li")
		if tile.Length() == 0 {
			tile = sel
		}

		entry := models.ListingEntry{
			ExternalID: id,
			DetailURL:  href,
			Name:       p.extractTileName(sel, tile),
			ImageURL:   p.extractTileImage(tile),
			OrderIdx:   len(entries),
		}
		entry.MarketPriceUSD = p.extractTilePrice(tile, "market")
		entry.RetailPriceUSD = p.extractTilePrice(tile, "retail")
		if d := p.diameterPattern.FindStringSubmatch(tile.Text()); d != nil {
			if v, err := strconv.ParseFloat(d[1], 64); err == nil {
				entry.CaseDiameterMM = &v
			}
		}

		entries = append(entries, entry)
	})

	return entries, nil
}

// ParseDetail extracts a full record from a model detail page. The reference
// is mandatory; everything else degrades to empty fields.
func (p *CatalogParser) ParseDetail(html string, pageURL string) (*models.Record, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse detail HTML: %w", err)
	}

	specs := p.extractSpecTable(doc)

	record := &models.Record{
		ExternalID: p.externalIDFromURL(pageURL),
		URL:        pageURL,
		FullName:   strings.TrimSpace(doc.Find("h1").First().Text()),
	}

	reference := specs["reference"]
	if reference == "" {
		reference = specs["reference number"]
	}
	if reference == "" {
		return nil, ErrNoReference
	}
	refs := p.refSplitPattern.Split(reference, -1)
	record.Reference = strings.TrimSpace(refs[0])
	for _, alias := range refs[1:] {
		if alias = strings.TrimSpace(alias); alias != "" {
			record.ReferenceAliases = append(record.ReferenceAliases, alias)
		}
	}
	if record.Reference == "" {
		return nil, ErrNoReference
	}

	record.Brand = specs["brand"]
	record.Collection = specs["collection"]
	if record.Collection == "" {
		record.Collection = specs["series"]
	}
	record.Style = specs["style"]

	if crumbs := doc.Find("nav.breadcrumb a, ol.breadcrumb a"); crumbs.Length() >= 2 {
		if record.Brand == "" {
			record.Brand = strings.TrimSpace(crumbs.Eq(1).Text())
		}
		if record.Collection == "" && crumbs.Length() >= 3 {
			record.Collection = strings.TrimSpace(crumbs.Eq(2).Text())
		}
	}

	if status, ok := specs["production status"]; ok {
		current := !strings.Contains(strings.ToLower(status), "discontinued")
		record.IsCurrent = &current
	}

	record.Case = p.extractCase(specs)
	record.Movement = p.extractMovement(specs)
	record.Complications = splitList(specs["complications"])
	record.Features = splitList(specs["features"])

	record.MarketPriceUSD = p.parsePrice(specs["market price"])
	if record.MarketPriceUSD == nil {
		record.MarketPriceUSD = p.parsePrice(doc.Find(".market-price, [data-market-price]").First().Text())
	}
	record.RetailPriceUSD = p.parsePrice(specs["retail price"])

	if img, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
		record.ImageURL = img
	}

	return record, nil
}

// extractSpecTable flattens every two-cell table row and dt/dd pair on the
// page into a lowercase key map. Later occurrences never overwrite earlier
// ones because the summary table appears before marketing blocks.
func (p *CatalogParser) extractSpecTable(doc *goquery.Document) map[string]string {
	specs := make(map[string]string)

	put := func(key, value string) {
		key = strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(key), ":")))
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			return
		}
		if _, exists := specs[key]; !exists {
			specs[key] = value
		}
	}

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		cells := row.Find("th, td")
		if cells.Length() == 2 {
			put(cells.Eq(0).Text(), cells.Eq(1).Text())
		}
	})
	doc.Find("dl dt").Each(func(_ int, dt *goquery.Selection) {
		put(dt.Text(), dt.NextFiltered("dd").Text())
	})

	return specs
}

func (p *CatalogParser) extractCase(specs map[string]string) *models.CaseSpecs {
	cs := &models.CaseSpecs{
		Material:      specs["case material"],
		BezelMaterial: specs["bezel material"],
		Crystal:       specs["crystal"],
		DialColor:     specs["dial color"],
	}
	cs.DiameterMM = p.parseMillimeters(specs["case diameter"], specs["diameter"])
	cs.ThicknessMM = p.parseMillimeters(specs["case thickness"], specs["thickness"])
	cs.LugWidthMM = p.parseMillimeters(specs["lug width"])
	if wr := specs["water resistance"]; wr != "" {
		if m := regexp.MustCompile(`(\d+)\s*m`).FindStringSubmatch(wr); m != nil {
			if v, err := strconv.Atoi(m[1]); err == nil {
				cs.WaterResistanceM = &v
			}
		}
	}
	if *cs == (models.CaseSpecs{}) {
		return nil
	}
	return cs
}

func (p *CatalogParser) extractMovement(specs map[string]string) *models.MovementSpecs {
	ms := &models.MovementSpecs{
		Type:    specs["movement"],
		Caliber: specs["caliber"],
	}
	if ms.Caliber == "" {
		ms.Caliber = specs["calibre"]
	}
	ms.PowerReserveHours = parseLeadingInt(specs["power reserve"])
	ms.FrequencyBPH = parseLeadingInt(strings.ReplaceAll(specs["frequency"], ",", ""))
	ms.JewelsCount = parseLeadingInt(specs["jewels"])
	if *ms == (models.MovementSpecs{}) {
		return nil
	}
	return ms
}

func (p *CatalogParser) extractTileName(link, tile *goquery.Selection) string {
	if title, ok := link.Attr("title"); ok && title != "" {
		return strings.TrimSpace(title)
	}
	for _, sel := range []string{".card-title", ".watch-name", "h3", "h5"} {
		if name := strings.TrimSpace(tile.Find(sel).First().Text()); name != "" {
			return name
		}
	}
	return strings.TrimSpace(link.Text())
}

func (p *CatalogParser) extractTileImage(tile *goquery.Selection) string {
	img := tile.Find("img").First()
	for _, attr := range []string{"data-src", "src"} {
		if src, ok := img.Attr(attr); ok && src != "" && !strings.HasPrefix(src, "data:") {
			return src
		}
	}
	return ""
}

func (p *CatalogParser) extractTilePrice(tile *goquery.Selection, kind string) *int {
	text := tile.Find(fmt.Sprintf(".%s-price, [data-%s-price]", kind, kind)).First().Text()
	if text == "" && kind == "market" {
		text = tile.Find(".price").First().Text()
	}
	return p.parsePrice(text)
}

func (p *CatalogParser) parsePrice(text string) *int {
	m := p.pricePattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return nil
	}
	return &v
}

// parseMillimeters returns the first parseable "NN mm" value among the given
// candidate fields.
func (p *CatalogParser) parseMillimeters(candidates ...string) *float64 {
	for _, text := range candidates {
		if m := p.diameterPattern.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return &v
			}
		}
	}
	return nil
}

func (p *CatalogParser) externalIDFromURL(pageURL string) string {
	if m := p.modelIDPattern.FindStringSubmatch(pageURL); m != nil {
		return m[1]
	}
	if u, err := url.Parse(pageURL); err == nil {
		parts := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(parts) > 0 {
			return parts[len(parts)-1]
		}
	}
	return pageURL
}

func parseLeadingInt(text string) *int {
	m := regexp.MustCompile(`(\d+)`).FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &v
}

func splitList(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(text, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
