package models

import (
	"time"
)

// ListingEntry is one tile parsed from a catalog listing page. Entries are
// immutable once created and deduplicated by ExternalID.
type ListingEntry struct {
	ExternalID     string   `json:"external_id"`
	DetailURL      string   `json:"detail_url"`
	Name           string   `json:"name,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	Collection     string   `json:"collection,omitempty"`
	MarketPriceUSD *int     `json:"market_price_usd,omitempty"`
	RetailPriceUSD *int     `json:"retail_price_usd,omitempty"`
	CaseDiameterMM *float64 `json:"case_diameter_mm,omitempty"`
	IsCurrent      *bool    `json:"is_current,omitempty"`

	// OrderIdx preserves the entry's position in the full listing so retry
	// rounds can report stable progress indices.
	OrderIdx int `json:"order_idx"`
}

type CaseSpecs struct {
	DiameterMM       *float64 `json:"diameter_mm,omitempty"`
	ThicknessMM      *float64 `json:"thickness_mm,omitempty"`
	Material         string   `json:"material,omitempty"`
	BezelMaterial    string   `json:"bezel_material,omitempty"`
	Crystal          string   `json:"crystal,omitempty"`
	WaterResistanceM *int     `json:"water_resistance_m,omitempty"`
	LugWidthMM       *float64 `json:"lug_width_mm,omitempty"`
	DialColor        string   `json:"dial_color,omitempty"`
}

type MovementSpecs struct {
	Type              string `json:"type,omitempty"`
	Caliber           string `json:"caliber,omitempty"`
	PowerReserveHours *int   `json:"power_reserve_hours,omitempty"`
	FrequencyBPH      *int   `json:"frequency_bph,omitempty"`
	JewelsCount       *int   `json:"jewels_count,omitempty"`
}

// PriceHistoryPoint is one merged point of the market chart. Price, MinPrice
// and MaxPrice are independently nullable because the upstream series do not
// share a timestamp index.
type PriceHistoryPoint struct {
	Timestamp int64    `json:"timestamp"`
	Price     *float64 `json:"price,omitempty"`
	MinPrice  *float64 `json:"min_price,omitempty"`
	MaxPrice  *float64 `json:"max_price,omitempty"`
}

type PriceHistory struct {
	Currency string              `json:"currency,omitempty"`
	Points   []PriceHistoryPoint `json:"points"`
	Source   string              `json:"source"`
}

// Record is a fully harvested watch model. Identity is ExternalID; a Record
// with an empty Reference must never be persisted as a success.
type Record struct {
	ExternalID       string         `json:"external_id"`
	Reference        string         `json:"reference"`
	ReferenceAliases []string       `json:"reference_aliases,omitempty"`
	FullName         string         `json:"full_name"`
	Brand            string         `json:"brand"`
	Collection       string         `json:"collection,omitempty"`
	Style            string         `json:"style,omitempty"`
	IsCurrent        *bool          `json:"is_current,omitempty"`
	Case             *CaseSpecs     `json:"case,omitempty"`
	Movement         *MovementSpecs `json:"movement,omitempty"`
	Complications    []string       `json:"complications,omitempty"`
	Features         []string       `json:"features,omitempty"`
	MarketPriceUSD   *int           `json:"market_price_usd,omitempty"`
	RetailPriceUSD   *int           `json:"retail_price_usd,omitempty"`
	URL              string         `json:"url"`
	ImageURL         string         `json:"image_url,omitempty"`
	History          *PriceHistory  `json:"market_price_history,omitempty"`
	HarvestedAt      time.Time      `json:"harvested_at"`
}

// FailureEntry records one detail page the harvest could not turn into a
// Record. The original listing is carried along so retries need no re-crawl
// of the listing phase.
type FailureEntry struct {
	ExternalID string       `json:"external_id"`
	URL        string       `json:"url"`
	Reason     string       `json:"reason"`
	Listing    ListingEntry `json:"listing"`
	Attempts   int          `json:"attempts"`
}

// Catalog is the final harvest output for one brand/entry URL.
type Catalog struct {
	Brand          string    `json:"brand"`
	BrandSlug      string    `json:"brand_slug"`
	Models         []Record  `json:"models"`
	CrawledAt      time.Time `json:"crawled_at"`
	Source         string    `json:"source"`
	TotalAvailable int       `json:"total_available"`
	EntryURL       string    `json:"entry_url,omitempty"`
}

func (r *Record) HasHistory() bool {
	return r.History != nil && len(r.History.Points) > 0
}

// MergeRecords appends records from src that are not already present in dst,
// keyed by ExternalID. dst order is preserved.
func MergeRecords(dst, src []Record) []Record {
	seen := make(map[string]struct{}, len(dst))
	for _, r := range dst {
		seen[r.ExternalID] = struct{}{}
	}
	for _, r := range src {
		if _, ok := seen[r.ExternalID]; ok {
			continue
		}
		seen[r.ExternalID] = struct{}{}
		dst = append(dst, r)
	}
	return dst
}
