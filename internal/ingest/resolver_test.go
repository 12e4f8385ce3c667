package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/quotes"
	"github.com/sawpanic/marketrank/internal/reference"
)

func TestDefaultResolver(t *testing.T) {
	ref := reference.Reference{Symbol: "AAPL", Name: "Apple Inc.", Sector: "Technology", SharesOutstanding: 1000, PreviousClose: 100}

	tests := []struct {
		name    string
		quote   quotes.RawQuote
		chg     float64
		cap     float64
		capDiff float64
	}{
		{"reference fills gaps", quotes.RawQuote{Symbol: "AAPL", Price: 110}, 10, 110000, 10000},
		{"quote wins", quotes.RawQuote{Symbol: "AAPL", Price: 90, PreviousClose: 120, SharesOutstanding: 10}, -25, 900, -300},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DefaultResolver{}.Resolve(tt.quote, ref)
			require.NoError(t, err)
			assert.InDelta(t, tt.chg, f.ChangePct, 1e-9)
			assert.InDelta(t, tt.cap, f.MarketCap, 1e-9)
			assert.InDelta(t, tt.capDiff, f.MarketCapDiff, 1e-9)
			assert.Equal(t, "Apple Inc.", f.Name)
		})
	}
}

func TestDefaultResolver_MissingReference(t *testing.T) {
	f, err := DefaultResolver{}.Resolve(quotes.RawQuote{Symbol: "NEW", Price: 12}, reference.Reference{})
	require.NoError(t, err)
	assert.Equal(t, 12.0, f.Price)
	assert.Zero(t, f.ChangePct)
	assert.Zero(t, f.MarketCap)
}

func TestDefaultResolver_RejectsBadPrice(t *testing.T) {
	_, err := DefaultResolver{}.Resolve(quotes.RawQuote{Symbol: "X", Price: 0}, reference.Reference{})
	assert.Error(t, err)
}
