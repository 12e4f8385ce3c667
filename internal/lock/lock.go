// Package lock implements the TTL-bounded maintenance lock. The stored value
// records the owner and acquisition time so any observer can report a hold
// that has lasted suspiciously long.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/store"
)

// ErrBusy is returned by callers that could not acquire the lock.
var ErrBusy = errors.New("lock held by another owner")

// Record is the stored lock value.
type Record struct {
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// DecodeRecord parses a stored lock value. createdAt may be RFC3339 or epoch
// milliseconds; an unreadable createdAt decodes as zero. Values that are not
// JSON are the legacy encoding of a bare owner id and decode with a zero
// CreatedAt.
func DecodeRecord(raw string) (Record, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Record{}, fmt.Errorf("empty lock value")
	}
	if strings.HasPrefix(raw, "{") {
		var wire struct {
			OwnerID   string          `json:"ownerId"`
			CreatedAt json.RawMessage `json:"createdAt"`
		}
		if err := json.Unmarshal([]byte(raw), &wire); err == nil && wire.OwnerID != "" {
			return Record{OwnerID: wire.OwnerID, CreatedAt: decodeCreatedAt(wire.CreatedAt)}, nil
		}
	}
	return Record{OwnerID: raw}, nil
}

func decodeCreatedAt(raw json.RawMessage) time.Time {
	v := strings.TrimSpace(string(raw))
	switch {
	case v == "" || v == "null":
		return time.Time{}
	case strings.HasPrefix(v, `"`):
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return time.Time{}
		}
		return t
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC()
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.UnixMilli(int64(f)).UTC()
	}
	return time.Time{}
}

// Holder describes the current lock holder.
type Holder struct {
	Record
	TTL time.Duration `json:"ttl"`
}

// Legacy reports whether the holder used the bare-string encoding.
func (h Holder) Legacy() bool { return h.CreatedAt.IsZero() }

// HeldFor returns how long the lock has been held. Legacy records report zero.
func (h Holder) HeldFor(now time.Time) time.Duration {
	if h.Legacy() {
		return 0
	}
	return now.Sub(h.CreatedAt)
}

// Suspicious reports whether h has been held longer than maxHold.
func Suspicious(h *Holder, now time.Time, maxHold time.Duration) bool {
	if h == nil || maxHold <= 0 {
		return false
	}
	return h.HeldFor(now) > maxHold
}

// Lock is a named lock with a fixed TTL.
type Lock struct {
	store *store.Store
	key   string
	ttl   time.Duration
	now   func() time.Time
}

// New creates a lock on key.
func New(s *store.Store, key string, ttl time.Duration) *Lock {
	return &Lock{store: s, key: key, ttl: ttl, now: time.Now}
}

// WithClock overrides the time source used for CreatedAt.
func (l *Lock) WithClock(now func() time.Time) *Lock {
	l.now = now
	return l
}

// Key returns the lock key.
func (l *Lock) Key() string { return l.key }

// TTL returns the lock lifetime.
func (l *Lock) TTL() time.Duration { return l.ttl }

// Acquire tries once to take the lock. It never waits.
func (l *Lock) Acquire(ctx context.Context) (bool, string, error) {
	owner := uuid.NewString()
	val, err := json.Marshal(Record{OwnerID: owner, CreatedAt: l.now().UTC()})
	if err != nil {
		return false, "", err
	}

	ctx, cancel := l.store.Context(ctx)
	defer cancel()
	ok, err := l.store.Client().SetNX(ctx, l.key, val, l.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if !ok {
		log.Debug().Str("key", l.key).Msg("Lock busy")
		return false, "", nil
	}
	log.Info().Str("key", l.key).Str("owner", owner).Dur("ttl", l.ttl).Msg("Lock acquired")
	return true, owner, nil
}

// Renew extends the TTL if owner still holds the lock.
func (l *Lock) Renew(ctx context.Context, owner string) (bool, error) {
	return l.ifOwner(ctx, owner, "renew", func(p redis.Pipeliner) {
		p.PExpire(ctx, l.key, l.ttl)
	})
}

// Release deletes the lock if owner holds it. Releasing a lock owned by
// someone else is a logged no-op.
func (l *Lock) Release(ctx context.Context, owner string) (bool, error) {
	return l.ifOwner(ctx, owner, "release", func(p redis.Pipeliner) {
		p.Del(ctx, l.key)
	})
}

func (l *Lock) ifOwner(ctx context.Context, owner, op string, apply func(redis.Pipeliner)) (bool, error) {
	ctx, cancel := l.store.Context(ctx)
	defer cancel()

	var matched bool
	err := l.store.Client().Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, l.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, err := DecodeRecord(raw)
		if err != nil || rec.OwnerID != owner {
			log.Warn().Str("key", l.key).Str("owner", owner).Str("holder", rec.OwnerID).Str("op", op).Msg("Lock not owned, ignoring")
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			apply(p)
			return nil
		})
		if err == nil {
			matched = true
		}
		return err
	}, l.key)

	if errors.Is(err, redis.TxFailedErr) {
		// The value changed between read and write, so ownership can no longer be assumed.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", op, l.key, err)
	}
	return matched, nil
}

// Inspect returns the current holder, or nil when the lock is free.
func (l *Lock) Inspect(ctx context.Context) (*Holder, error) {
	var get *redis.StringCmd
	var ttl *redis.DurationCmd
	_, err := l.store.Pipelined(ctx, func(p redis.Pipeliner) error {
		get = p.Get(ctx, l.key)
		ttl = p.PTTL(ctx, l.key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", l.key, err)
	}
	raw, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", l.key, err)
	}
	rec, err := DecodeRecord(raw)
	if err != nil {
		return nil, err
	}
	return &Holder{Record: rec, TTL: ttl.Val()}, nil
}

// Held reports whether anyone holds the lock.
func (l *Lock) Held(ctx context.Context) (bool, error) {
	ctx, cancel := l.store.Context(ctx)
	defer cancel()
	n, err := l.store.Client().Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("check %s: %w", l.key, err)
	}
	return n > 0, nil
}
