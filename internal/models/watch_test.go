package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeRecords(t *testing.T) {
	dst := []Record{
		{ExternalID: "100", Reference: "126610LN"},
		{ExternalID: "200", Reference: "311.30.42.30.01.005"},
	}
	src := []Record{
		{ExternalID: "200", Reference: "updated"}, // duplicate, must not replace
		{ExternalID: "300", Reference: "5711/1A"},
		{ExternalID: "300", Reference: "dup-within-src"},
	}

	merged := MergeRecords(dst, src)

	assert.Len(t, merged, 3)
	assert.Equal(t, "126610LN", merged[0].Reference)
	assert.Equal(t, "311.30.42.30.01.005", merged[1].Reference, "existing entry wins")
	assert.Equal(t, "5711/1A", merged[2].Reference)
}

func TestMergeRecordsNilDst(t *testing.T) {
	merged := MergeRecords(nil, []Record{{ExternalID: "1"}, {ExternalID: "1"}})
	assert.Len(t, merged, 1)
}

func TestHasHistory(t *testing.T) {
	var r Record
	assert.False(t, r.HasHistory())

	r.History = &PriceHistory{}
	assert.False(t, r.HasHistory(), "empty point list counts as no history")

	price := 50.0
	r.History.Points = []PriceHistoryPoint{{Timestamp: 100, Price: &price}}
	assert.True(t, r.HasHistory())
}
