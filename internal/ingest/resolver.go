package ingest

import (
	"fmt"

	"github.com/sawpanic/marketrank/internal/quotes"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/reference"
)

// Resolver turns a raw quote and its reference data into rank fields.
type Resolver interface {
	Resolve(q quotes.RawQuote, ref reference.Reference) (rank.Fields, error)
}

// DefaultResolver derives percent change, market cap and market-cap delta.
// Quote values take precedence over reference values when both are present.
type DefaultResolver struct{}

// Resolve implements Resolver. Without a previous close the change fields
// are zero; without shares outstanding the cap fields are zero.
func (DefaultResolver) Resolve(q quotes.RawQuote, ref reference.Reference) (rank.Fields, error) {
	if q.Price <= 0 {
		return rank.Fields{}, fmt.Errorf("%s: non-positive price %v", q.Symbol, q.Price)
	}
	prev := q.PreviousClose
	if prev <= 0 {
		prev = ref.PreviousClose
	}
	shares := q.SharesOutstanding
	if shares <= 0 {
		shares = ref.SharesOutstanding
	}

	f := rank.Fields{
		Price:     q.Price,
		MarketCap: q.Price * shares,
		Name:      ref.Name,
		Sector:    ref.Sector,
		Industry:  ref.Industry,
	}
	if prev > 0 {
		f.ChangePct = (q.Price - prev) / prev * 100
		f.MarketCapDiff = (q.Price - prev) * shares
	}
	return f, f.Validate()
}
