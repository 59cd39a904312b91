package parser

import (
	"github.com/thalysguimaraes/watchcollection/internal/models"
)

// Parser turns raw catalog HTML into structured entries and records. The
// harvest engine only inspects the returned Reference field to decide whether
// a detail page produced a usable record.
type Parser interface {
	ParseListing(html string) ([]models.ListingEntry, error)
	ParseDetail(html string, url string) (*models.Record, error)
}
