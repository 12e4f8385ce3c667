package snapshot

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/reference"
	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store/storetest"
)

func TestWriter_Write(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	ix := rank.NewIndex(s, rank.DefaultOptions())
	refs := reference.NewCache(s)
	monitor := health.NewMonitor(s, health.DefaultMonitorConfig())
	date := "2024-03-05"

	require.NoError(t, refs.SetUniverse(ctx, []string{"AAPL", "MSFT", "NVDA", "IDLE"}))
	require.NoError(t, ix.Upsert(ctx, date, session.Live, "AAPL", rank.Fields{Price: 170}))
	require.NoError(t, ix.Upsert(ctx, date, session.After, "AAPL", rank.Fields{Price: 171, Name: "Apple"}))
	require.NoError(t, ix.Upsert(ctx, date, session.After, "NVDA", rank.Fields{Price: 850}))
	require.NoError(t, ix.Upsert(ctx, date, session.Live, "MSFT", rank.Fields{Price: 400}))

	dir := t.TempDir()
	w := NewWriter(dir, ix, refs, monitor)
	res, err := w.Write(ctx, date)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, date+".parquet"), res.Path)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 1, res.FromLive)

	rows, err := ReadFile(res.Path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "AAPL", rows[0].Symbol)
	assert.Equal(t, "after", rows[0].Session)
	assert.Equal(t, 171.0, rows[0].Price)
	assert.Equal(t, "Apple", rows[0].Name)
	assert.Equal(t, "MSFT", rows[1].Symbol)
	assert.Equal(t, "live", rows[1].Session)
	assert.Equal(t, "NVDA", rows[2].Symbol)

	st, err := monitor.Status(ctx, health.OpCloseSnapshot)
	require.NoError(t, err)
	assert.True(t, st.Healthy)
}

func TestWriter_Errors(t *testing.T) {
	s, _ := storetest.New(t)
	ctx := context.Background()
	ix := rank.NewIndex(s, rank.DefaultOptions())
	refs := reference.NewCache(s)
	monitor := health.NewMonitor(s, health.DefaultMonitorConfig())
	w := NewWriter(t.TempDir(), ix, refs, monitor)

	_, err := w.Write(ctx, "03/05/2024")
	require.ErrorIs(t, err, rank.ErrInvalidDate)

	require.NoError(t, refs.SetUniverse(ctx, []string{"AAPL"}))
	_, err = w.Write(ctx, "2024-03-05")
	require.ErrorIs(t, err, ErrEmpty)

	st, err := monitor.Status(ctx, health.OpCloseSnapshot)
	require.NoError(t, err)
	assert.False(t, st.Healthy)
	assert.EqualValues(t, 2, st.Failures)
}
