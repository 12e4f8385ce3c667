// Package rank maintains the per-(date, session) sorted views of the universe
// together with the point-lookup record cache and the min/max stats hash.
package rank

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store"
)

var (
	// ErrInvalidSession is returned for writes under a non-storage session.
	ErrInvalidSession = errors.New("closed is not a storage session")
	// ErrInvalidSymbol is returned for symbols that are not short uppercase tickers.
	ErrInvalidSymbol = errors.New("invalid symbol")
	// ErrInvalidDate is returned for date keys that are not YYYY-MM-DD.
	ErrInvalidDate = errors.New("invalid date key")
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,11}$`)

// ValidSymbol reports whether s is a well-formed ticker.
func ValidSymbol(s string) bool { return symbolPattern.MatchString(s) }

// statsScript recomputes the stats hash from the extremes of every rank set.
// KEYS[1] is the stats hash, KEYS[2..] the rank sets; ARGV holds the field
// names in KEYS order followed by the TTL in seconds.
var statsScript = redis.NewScript(`
local ttl = tonumber(ARGV[#ARGV])
for i = 2, #KEYS do
  local field = ARGV[i - 1]
  local lo = redis.call('ZRANGE', KEYS[i], '0', '0', 'WITHSCORES')
  local hi = redis.call('ZREVRANGE', KEYS[i], '0', '0', 'WITHSCORES')
  if #lo == 2 and #hi == 2 then
    redis.call('HSET', KEYS[1],
      field .. ':min_symbol', lo[1], field .. ':min', lo[2],
      field .. ':max_symbol', hi[1], field .. ':max', hi[2])
  end
end
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[#ARGV])
end
return 1
`)

// Entry is a ranked symbol with its score in natural units.
type Entry struct {
	Symbol string  `json:"symbol"`
	Score  float64 `json:"score"`
}

// Extreme is one end of a field's range.
type Extreme struct {
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

// MinMax holds both extremes of a field; nil ends mean the index is empty.
type MinMax struct {
	Field Field    `json:"field"`
	Min   *Extreme `json:"min,omitempty"`
	Max   *Extreme `json:"max,omitempty"`
}

// Stats is the combined min/max of every field.
type Stats map[Field]MinMax

// Options tunes key retention.
type Options struct {
	Retention          time.Duration `yaml:"retention"`
	FreshnessRetention time.Duration `yaml:"freshness_retention"`
}

// DefaultOptions keeps rank data for three days and freshness for a week.
func DefaultOptions() Options {
	return Options{
		Retention:          72 * time.Hour,
		FreshnessRetention: 7 * 24 * time.Hour,
	}
}

// Index is the RankIndex. It performs no retries; store failures surface to
// the caller.
type Index struct {
	store *store.Store
	opts  Options
	now   func() time.Time
}

// NewIndex creates a RankIndex over s.
func NewIndex(s *store.Store, opts Options) *Index {
	return &Index{store: s, opts: opts, now: time.Now}
}

// WithClock overrides the time source used for UpdatedAt and freshness.
func (ix *Index) WithClock(now func() time.Time) *Index {
	ix.now = now
	return ix
}

func validateKey(date string, sess session.Session) error {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	if !sess.IsStorage() {
		return fmt.Errorf("%w: %q", ErrInvalidSession, sess)
	}
	return nil
}

// Upsert writes every rank score, the LastRecord, the stats hash and the
// freshness timestamp for one symbol in a single MULTI/EXEC.
func (ix *Index) Upsert(ctx context.Context, date string, sess session.Session, symbol string, f Fields) error {
	if err := validateKey(date, sess); err != nil {
		return err
	}
	if !ValidSymbol(symbol) {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("upsert %s: %w", symbol, err)
	}

	now := ix.now()
	rec := LastRecord{Symbol: symbol, Fields: f, UpdatedAt: now}
	s := string(sess)
	lastKey := store.LastKey(date, s, symbol)
	statsKey := store.StatsKey(date, s)

	scriptKeys := make([]string, 0, len(AllFields)+1)
	scriptArgs := make([]interface{}, 0, len(AllFields)+1)
	scriptKeys = append(scriptKeys, statsKey)

	_, err := ix.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, field := range AllFields {
			key := store.RankKey(date, s, string(field))
			p.ZAdd(ctx, key, redis.Z{Score: Score(field, f), Member: symbol})
			if ix.opts.Retention > 0 {
				p.Expire(ctx, key, ix.opts.Retention)
			}
			scriptKeys = append(scriptKeys, key)
			scriptArgs = append(scriptArgs, string(field))
		}

		p.Del(ctx, lastKey)
		p.HSet(ctx, lastKey, encodeRecord(rec))
		if ix.opts.Retention > 0 {
			p.Expire(ctx, lastKey, ix.opts.Retention)
		}

		p.HSet(ctx, store.FreshnessKey, symbol, now.UnixMilli())
		if ix.opts.FreshnessRetention > 0 {
			p.Expire(ctx, store.FreshnessKey, ix.opts.FreshnessRetention)
		}

		scriptArgs = append(scriptArgs, int64(ix.opts.Retention/time.Second))
		statsScript.Eval(ctx, p, scriptKeys, scriptArgs...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert %s %s/%s: %w", symbol, date, s, err)
	}
	return nil
}

// RankedRange returns symbols ordered by field. Equal scores are ordered by
// symbol; desc is the exact reverse of asc, so pages never overlap.
func (ix *Index) RankedRange(ctx context.Context, date string, sess session.Session, field Field, order Order, offset, limit int) ([]string, error) {
	entries, err := ix.RankedEntries(ctx, date, sess, field, order, offset, limit)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, len(entries))
	for i, e := range entries {
		symbols[i] = e.Symbol
	}
	return symbols, nil
}

// RankedEntries is RankedRange with scores in natural units.
func (ix *Index) RankedEntries(ctx context.Context, date string, sess session.Session, field Field, order Order, offset, limit int) ([]Entry, error) {
	if err := validateKey(date, sess); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	key := store.RankKey(date, string(sess), string(field))
	start, stop := int64(offset), int64(offset+limit-1)

	ctx, cancel := ix.store.Context(ctx)
	defer cancel()

	var zs []redis.Z
	var err error
	switch order {
	case Desc:
		zs, err = ix.store.Client().ZRevRangeWithScores(ctx, key, start, stop).Result()
	case Asc:
		zs, err = ix.store.Client().ZRangeWithScores(ctx, key, start, stop).Result()
	default:
		return nil, fmt.Errorf("unknown order %q", order)
	}
	if err != nil {
		return nil, fmt.Errorf("ranked range %s: %w", key, err)
	}

	entries := make([]Entry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{Symbol: member, Score: Unscale(field, z.Score)})
	}
	return entries, nil
}

// Count returns the cardinality of one rank set.
func (ix *Index) Count(ctx context.Context, date string, sess session.Session, field Field) (int64, error) {
	if err := validateKey(date, sess); err != nil {
		return 0, err
	}
	ctx, cancel := ix.store.Context(ctx)
	defer cancel()
	return ix.store.Client().ZCard(ctx, store.RankKey(date, string(sess), string(field))).Result()
}

// MinMax reads both extremes of one field in a single pipeline.
func (ix *Index) MinMax(ctx context.Context, date string, sess session.Session, field Field) (MinMax, error) {
	if err := validateKey(date, sess); err != nil {
		return MinMax{}, err
	}
	key := store.RankKey(date, string(sess), string(field))

	var lo, hi *redis.ZSliceCmd
	_, err := ix.store.Pipelined(ctx, func(p redis.Pipeliner) error {
		lo = p.ZRangeWithScores(ctx, key, 0, 0)
		hi = p.ZRevRangeWithScores(ctx, key, 0, 0)
		return nil
	})
	if err != nil {
		return MinMax{}, fmt.Errorf("min/max %s: %w", key, err)
	}

	mm := MinMax{Field: field}
	if zs := lo.Val(); len(zs) == 1 {
		mm.Min = extreme(field, zs[0])
	}
	if zs := hi.Val(); len(zs) == 1 {
		mm.Max = extreme(field, zs[0])
	}
	return mm, nil
}

func extreme(field Field, z redis.Z) *Extreme {
	member, _ := z.Member.(string)
	return &Extreme{Symbol: member, Value: Unscale(field, z.Score)}
}

// StatsSnapshot returns the cached min/max for every field in one read,
// computing it from the rank sets when the cache entry is missing.
func (ix *Index) StatsSnapshot(ctx context.Context, date string, sess session.Session) (Stats, error) {
	if err := validateKey(date, sess); err != nil {
		return nil, err
	}
	key := store.StatsKey(date, string(sess))

	sctx, cancel := ix.store.Context(ctx)
	raw, err := ix.store.Client().HGetAll(sctx, key).Result()
	cancel()
	if err != nil {
		return nil, fmt.Errorf("stats %s: %w", key, err)
	}

	if stats, ok := decodeStats(raw); ok {
		return stats, nil
	}

	log.Debug().Str("key", key).Msg("Stats cache miss, computing from rank sets")
	stats := make(Stats, len(AllFields))
	for _, field := range AllFields {
		mm, err := ix.MinMax(ctx, date, sess, field)
		if err != nil {
			return nil, err
		}
		stats[field] = mm
	}
	return stats, nil
}

// decodeStats is the typed decode of the stats hash. ok is false unless every
// field is present.
func decodeStats(raw map[string]string) (Stats, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	stats := make(Stats, len(AllFields))
	for _, field := range AllFields {
		f := string(field)
		minSym, okA := raw[f+":min_symbol"]
		maxSym, okB := raw[f+":max_symbol"]
		minV, errA := strconv.ParseFloat(raw[f+":min"], 64)
		maxV, errB := strconv.ParseFloat(raw[f+":max"], 64)
		if !okA || !okB || errA != nil || errB != nil {
			return nil, false
		}
		stats[field] = MinMax{
			Field: field,
			Min:   &Extreme{Symbol: minSym, Value: Unscale(field, minV)},
			Max:   &Extreme{Symbol: maxSym, Value: Unscale(field, maxV)},
		}
	}
	return stats, true
}

// ManyLast fetches LastRecords for symbols in one pipeline. Symbols with no
// record are absent from the result.
func (ix *Index) ManyLast(ctx context.Context, date string, sess session.Session, symbols []string) (map[string]LastRecord, error) {
	if err := validateKey(date, sess); err != nil {
		return nil, err
	}
	out := make(map[string]LastRecord, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(symbols))
	_, err := ix.store.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, sym := range symbols {
			cmds[i] = p.HGetAll(ctx, store.LastKey(date, string(sess), sym))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("many last %s/%s: %w", date, sess, err)
	}

	for i, cmd := range cmds {
		raw := cmd.Val()
		if len(raw) == 0 {
			continue
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbols[i]).Msg("Skipping undecodable last record")
			continue
		}
		out[rec.Symbol] = rec
	}
	return out, nil
}
