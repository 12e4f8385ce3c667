package metadata

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/reference"
)

func newMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return NewRepository(sqlx.NewDb(mockDB, "postgres"), 5*time.Second), mock
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 5, cfg.MaxIdleConns)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.False(t, cfg.Enabled)
}

func TestOpen_MissingDSN(t *testing.T) {
	_, err := Open(Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN is required")
}

func TestRepository_Universe(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"symbol"}).AddRow("AAPL").AddRow("MSFT")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT symbol")).WillReturnRows(rows)

	symbols, err := repo.Universe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_References(t *testing.T) {
	repo, mock := newMock(t)

	rows := sqlmock.NewRows([]string{"symbol", "name", "sector", "industry", "shares_outstanding", "previous_close"}).
		AddRow("AAPL", "Apple Inc.", "Technology", "Consumer Electronics", 15.4e9, 185.64)
	mock.ExpectQuery(regexp.QuoteMeta("FROM tickers")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)

	refs, err := repo.References(context.Background(), []string{"AAPL", "NOPE"})
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, reference.Reference{
		Symbol: "AAPL", Name: "Apple Inc.", Sector: "Technology", Industry: "Consumer Electronics",
		SharesOutstanding: 15.4e9, PreviousClose: 185.64,
	}, refs[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ReferencesEmptyInput(t *testing.T) {
	repo, mock := newMock(t)

	refs, err := repo.References(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_QueryError(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT symbol")).WillReturnError(errors.New("connection reset"))

	_, err := repo.Universe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query universe")
}

func TestRepository_Ping(t *testing.T) {
	repo, mock := newMock(t)

	mock.ExpectPing()
	assert.NoError(t, repo.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	assert.Error(t, repo.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
