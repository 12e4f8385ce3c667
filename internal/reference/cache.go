// Package reference caches slow-moving per-symbol reference data (names,
// classification, shares outstanding, previous close) and the tracked
// universe in the backing store, so ingestion never touches the relational
// store on its hot path.
package reference

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/store"
)

// Reference is the static data needed to resolve a raw quote.
type Reference struct {
	Symbol            string  `json:"symbol" db:"symbol"`
	Name              string  `json:"name" db:"name"`
	Sector            string  `json:"sector" db:"sector"`
	Industry          string  `json:"industry" db:"industry"`
	SharesOutstanding float64 `json:"shares_outstanding" db:"shares_outstanding"`
	PreviousClose     float64 `json:"previous_close" db:"previous_close"`
}

// Cache reads and writes reference hashes and the universe set.
type Cache struct {
	store *store.Store
}

// NewCache creates a Cache over s.
func NewCache(s *store.Store) *Cache {
	return &Cache{store: s}
}

// Put overwrites the reference hash of every given symbol in one transaction.
func (c *Cache) Put(ctx context.Context, refs []Reference) error {
	if len(refs) == 0 {
		return nil
	}
	_, err := c.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, r := range refs {
			key := store.ReferenceKey(r.Symbol)
			p.Del(ctx, key)
			p.HSet(ctx, key, encode(r))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %d references: %w", len(refs), err)
	}
	return nil
}

// Get returns references for symbols; unknown symbols are absent.
func (c *Cache) Get(ctx context.Context, symbols []string) (map[string]Reference, error) {
	out := make(map[string]Reference, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(symbols))
	_, err := c.store.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, sym := range symbols {
			cmds[i] = p.HGetAll(ctx, store.ReferenceKey(sym))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get references: %w", err)
	}

	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		ref, err := decodeReference(raw)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbols[i]).Msg("Skipping undecodable reference")
			continue
		}
		out[ref.Symbol] = ref
	}
	return out, nil
}

// SetUniverse atomically replaces the tracked universe.
func (c *Cache) SetUniverse(ctx context.Context, symbols []string) error {
	_, err := c.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, store.UniverseKey)
		if len(symbols) == 0 {
			return nil
		}
		members := make([]interface{}, len(symbols))
		for i, s := range symbols {
			members[i] = s
		}
		p.SAdd(ctx, store.UniverseKey, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set universe: %w", err)
	}
	return nil
}

// Universe returns the tracked symbols in lexical order.
func (c *Cache) Universe(ctx context.Context) ([]string, error) {
	ctx, cancel := c.store.Context(ctx)
	defer cancel()
	symbols, err := c.store.Client().SMembers(ctx, store.UniverseKey).Result()
	if err != nil {
		return nil, fmt.Errorf("universe: %w", err)
	}
	sort.Strings(symbols)
	return symbols, nil
}

func encode(r Reference) map[string]interface{} {
	return map[string]interface{}{
		"symbol":             r.Symbol,
		"name":               r.Name,
		"sector":             r.Sector,
		"industry":           r.Industry,
		"shares_outstanding": strconv.FormatFloat(r.SharesOutstanding, 'f', -1, 64),
		"previous_close":     strconv.FormatFloat(r.PreviousClose, 'f', -1, 64),
	}
}

func decodeReference(m map[string]string) (Reference, error) {
	r := Reference{
		Symbol:   m["symbol"],
		Name:     m["name"],
		Sector:   m["sector"],
		Industry: m["industry"],
	}
	if r.Symbol == "" {
		return r, fmt.Errorf("reference missing symbol")
	}
	var err error
	if r.SharesOutstanding, err = strconv.ParseFloat(m["shares_outstanding"], 64); err != nil {
		return r, fmt.Errorf("reference %s: shares_outstanding: %w", r.Symbol, err)
	}
	if r.PreviousClose, err = strconv.ParseFloat(m["previous_close"], 64); err != nil {
		return r, fmt.Errorf("reference %s: previous_close: %w", r.Symbol, err)
	}
	return r, nil
}
