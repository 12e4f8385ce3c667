package rank

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Field is a score dimension of the universe.
type Field string

const (
	FieldPrice   Field = "price"
	FieldCap     Field = "cap"
	FieldCapDiff Field = "capdiff"
	FieldChg     Field = "chg"
)

// AllFields lists every rank field in a fixed order.
var AllFields = []Field{FieldPrice, FieldCap, FieldCapDiff, FieldChg}

// ChgScale converts percent change into an integer score so ordering does not
// depend on float formatting.
const ChgScale = 10000

// ParseField validates a field name.
func ParseField(s string) (Field, error) {
	switch Field(s) {
	case FieldPrice, FieldCap, FieldCapDiff, FieldChg:
		return Field(s), nil
	default:
		return "", fmt.Errorf("unknown rank field %q", s)
	}
}

// Order is the direction of a ranked range.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// ParseOrder validates an order name.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case Asc, Desc:
		return Order(s), nil
	default:
		return "", fmt.Errorf("unknown order %q", s)
	}
}

// Fields are the values written for one symbol by one ingestion.
type Fields struct {
	Price         float64 `json:"price"`
	ChangePct     float64 `json:"change_pct"`
	MarketCap     float64 `json:"market_cap"`
	MarketCapDiff float64 `json:"market_cap_diff"`
	Name          string  `json:"name,omitempty"`
	Sector        string  `json:"sector,omitempty"`
	Industry      string  `json:"industry,omitempty"`
}

// Validate rejects values that cannot be stored as sorted-set scores.
func (f Fields) Validate() error {
	for _, v := range []float64{f.Price, f.ChangePct, f.MarketCap, f.MarketCapDiff} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite field value %v", v)
		}
	}
	return nil
}

// LastRecord is the latest full snapshot of one symbol.
type LastRecord struct {
	Symbol    string    `json:"symbol"`
	Fields    Fields    `json:"fields"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Score returns the sorted-set score of field for f.
func Score(field Field, f Fields) float64 {
	switch field {
	case FieldPrice:
		return f.Price
	case FieldCap:
		return f.MarketCap
	case FieldCapDiff:
		return f.MarketCapDiff
	case FieldChg:
		return math.Round(f.ChangePct * ChgScale)
	default:
		return 0
	}
}

// Unscale converts a stored score back to the field's natural unit.
func Unscale(field Field, score float64) float64 {
	if field == FieldChg {
		return score / ChgScale
	}
	return score
}

const (
	hSymbol        = "symbol"
	hPrice         = "price"
	hChangePct     = "change_pct"
	hMarketCap     = "market_cap"
	hMarketCapDiff = "market_cap_diff"
	hName          = "name"
	hSector        = "sector"
	hIndustry      = "industry"
	hUpdatedAt     = "updated_at"
)

func encodeRecord(r LastRecord) map[string]interface{} {
	return map[string]interface{}{
		hSymbol:        r.Symbol,
		hPrice:         formatFloat(r.Fields.Price),
		hChangePct:     formatFloat(r.Fields.ChangePct),
		hMarketCap:     formatFloat(r.Fields.MarketCap),
		hMarketCapDiff: formatFloat(r.Fields.MarketCapDiff),
		hName:          r.Fields.Name,
		hSector:        r.Fields.Sector,
		hIndustry:      r.Fields.Industry,
		hUpdatedAt:     strconv.FormatInt(r.UpdatedAt.UnixMilli(), 10),
	}
}

// decodeRecord is the single typed decode for LastRecord hashes.
func decodeRecord(m map[string]string) (LastRecord, error) {
	var r LastRecord
	var err error

	r.Symbol = m[hSymbol]
	if r.Symbol == "" {
		return r, fmt.Errorf("record missing symbol")
	}
	if r.Fields.Price, err = parseFloat(m, hPrice); err != nil {
		return r, err
	}
	if r.Fields.ChangePct, err = parseFloat(m, hChangePct); err != nil {
		return r, err
	}
	if r.Fields.MarketCap, err = parseFloat(m, hMarketCap); err != nil {
		return r, err
	}
	if r.Fields.MarketCapDiff, err = parseFloat(m, hMarketCapDiff); err != nil {
		return r, err
	}
	r.Fields.Name = m[hName]
	r.Fields.Sector = m[hSector]
	r.Fields.Industry = m[hIndustry]

	ms, err := strconv.ParseInt(m[hUpdatedAt], 10, 64)
	if err != nil {
		return r, fmt.Errorf("record %s: bad %s: %w", r.Symbol, hUpdatedAt, err)
	}
	r.UpdatedAt = time.UnixMilli(ms)
	return r, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(m map[string]string, key string) (float64, error) {
	raw, ok := m[key]
	if !ok {
		return 0, fmt.Errorf("record missing %s", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("record bad %s: %w", key, err)
	}
	return v, nil
}
