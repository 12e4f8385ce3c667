package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/store"
	"github.com/sawpanic/marketrank/internal/store/storetest"
)

func TestDecodeRecord(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		owner   string
		created time.Time
	}{
		{"json", `{"ownerId":"abc","createdAt":"2024-03-04T15:00:00Z"}`, "abc", time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)},
		{"epoch millis", `{"ownerId":"x","createdAt":1700000000000}`, "x", time.UnixMilli(1700000000000).UTC()},
		{"no createdAt", `{"ownerId":"x"}`, "x", time.Time{}},
		{"unreadable createdAt", `{"ownerId":"x","createdAt":true}`, "x", time.Time{}},
		{"legacy bare owner", "worker-7", "worker-7", time.Time{}},
		{"json without owner falls back", `{"foo":1}`, `{"foo":1}`, time.Time{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.owner, rec.OwnerID)
			assert.True(t, tt.created.Equal(rec.CreatedAt), "created %v, got %v", tt.created, rec.CreatedAt)
		})
	}

	_, err := DecodeRecord("  ")
	assert.Error(t, err)
}

func TestLock_ConcurrentAcquire(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()

	const contenders = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners []string
		losers int
	)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, owner, err := New(s, store.StaticLockKey, 30*time.Minute).Acquire(ctx)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				owners = append(owners, owner)
			} else {
				losers++
			}
		}()
	}
	wg.Wait()

	require.Len(t, owners, 1, "exactly one contender wins")
	assert.Equal(t, contenders-1, losers)

	l := New(s, store.StaticLockKey, 30*time.Minute)
	renewed, err := l.Renew(ctx, "not-the-owner")
	require.NoError(t, err)
	assert.False(t, renewed)
	released, err := l.Release(ctx, "not-the-owner")
	require.NoError(t, err)
	assert.False(t, released)

	h, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, owners[0], h.OwnerID, "loser calls leave the winner in place")

	released, err = l.Release(ctx, owners[0])
	require.NoError(t, err)
	assert.True(t, released)
	held, err := l.Held(ctx)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLock_RenewExtendsTTL(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	l := New(s, store.StaticLockKey, 10*time.Minute)

	ok, owner, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(8 * time.Minute)
	renewed, err := l.Renew(ctx, owner)
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, 10*time.Minute, mr.TTL(store.StaticLockKey))

	mr.FastForward(8 * time.Minute)
	held, err := l.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held, "renewal outlived the original expiry")
}

func TestLock_ExpiryAllowsReclaim(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	l := New(s, store.StaticLockKey, 30*time.Minute)

	ok, first, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(31 * time.Minute)

	renewed, err := l.Renew(ctx, first)
	require.NoError(t, err)
	assert.False(t, renewed, "expired lock cannot be renewed")

	ok, second, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, first, second)

	released, err := l.Release(ctx, first)
	require.NoError(t, err)
	assert.False(t, released, "stale owner cannot release the new holder")
	held, err := l.Held(ctx)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLock_LegacyValue(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	l := New(s, store.StaticLockKey, 30*time.Minute)

	require.NoError(t, mr.Set(store.StaticLockKey, "legacy-owner"))
	mr.SetTTL(store.StaticLockKey, time.Minute)

	h, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Legacy())
	assert.Equal(t, "legacy-owner", h.OwnerID)
	assert.Zero(t, h.HeldFor(time.Now()))

	renewed, err := l.Renew(ctx, "legacy-owner")
	require.NoError(t, err)
	assert.True(t, renewed)
	assert.Equal(t, 30*time.Minute, mr.TTL(store.StaticLockKey))

	released, err := l.Release(ctx, "legacy-owner")
	require.NoError(t, err)
	assert.True(t, released)
}

func TestLock_EpochMillisValue(t *testing.T) {
	s, mr := storetest.New(t)
	ctx := context.Background()
	l := New(s, store.StaticLockKey, 30*time.Minute)

	require.NoError(t, mr.Set(store.StaticLockKey, `{"ownerId":"x","createdAt":1700000000000}`))
	mr.SetTTL(store.StaticLockKey, time.Minute)

	h, err := l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "x", h.OwnerID)
	assert.False(t, h.Legacy())

	renewed, err := l.Renew(ctx, "x")
	require.NoError(t, err)
	assert.True(t, renewed)

	released, err := l.Release(ctx, "x")
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, mr.Exists(store.StaticLockKey))
}

func TestLock_InspectAndSuspicious(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	acquired := time.Date(2024, 3, 4, 2, 0, 0, 0, time.UTC)
	l := New(s, store.StaticLockKey, 30*time.Minute).WithClock(func() time.Time { return acquired })

	h, err := l.Inspect(ctx)
	require.NoError(t, err)
	assert.Nil(t, h)
	assert.False(t, Suspicious(h, acquired, time.Minute))

	ok, owner, err := l.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	h, err = l.Inspect(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, owner, h.OwnerID)
	assert.True(t, h.CreatedAt.Equal(acquired))
	assert.Greater(t, h.TTL, 29*time.Minute)

	assert.False(t, Suspicious(h, acquired.Add(10*time.Minute), 20*time.Minute))
	assert.True(t, Suspicious(h, acquired.Add(25*time.Minute), 20*time.Minute))
	assert.False(t, Suspicious(h, acquired.Add(25*time.Minute), 0), "disabled threshold")
}
