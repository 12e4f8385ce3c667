package reference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/store"
	"github.com/sawpanic/marketrank/internal/store/storetest"
)

func TestCache_PutGet(t *testing.T) {
	s, _ := storetest.New(t)
	c := NewCache(s)
	ctx := context.Background()

	refs := []Reference{
		{Symbol: "AAPL", Name: "Apple Inc.", Sector: "Technology", Industry: "Consumer Electronics", SharesOutstanding: 15.4e9, PreviousClose: 185.64},
		{Symbol: "MSFT", Name: "Microsoft", SharesOutstanding: 7.43e9, PreviousClose: 376.04},
	}
	require.NoError(t, c.Put(ctx, refs))

	got, err := c.Get(ctx, []string{"AAPL", "MSFT", "NOPE"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, refs[0], got["AAPL"])
	assert.Equal(t, refs[1], got["MSFT"])
}

func TestCache_SkipsCorruptEntries(t *testing.T) {
	s, mr := storetest.New(t)
	c := NewCache(s)

	mr.HSet(store.ReferenceKey("BAD"), "symbol", "BAD", "shares_outstanding", "lots", "previous_close", "1")

	got, err := c.Get(context.Background(), []string{"BAD"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCache_Universe(t *testing.T) {
	s, _ := storetest.New(t)
	c := NewCache(s)
	ctx := context.Background()

	require.NoError(t, c.SetUniverse(ctx, []string{"MSFT", "AAPL", "NVDA"}))
	got, err := c.Universe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT", "NVDA"}, got)

	// Replacing drops symbols that left the universe.
	require.NoError(t, c.SetUniverse(ctx, []string{"AAPL"}))
	got, err = c.Universe(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL"}, got)

	require.NoError(t, c.SetUniverse(ctx, nil))
	got, err = c.Universe(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
