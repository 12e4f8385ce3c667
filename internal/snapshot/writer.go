// Package snapshot exports the close-of-day ranks to Parquet.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/session"
)

// ErrEmpty means no records existed for the requested date.
var ErrEmpty = errors.New("no records to snapshot")

// Row is the on-disk schema of one symbol's closing record.
type Row struct {
	Symbol        string  `parquet:"symbol"`
	Session       string  `parquet:"session"`
	Price         float64 `parquet:"price"`
	ChangePct     float64 `parquet:"change_pct"`
	MarketCap     float64 `parquet:"market_cap"`
	MarketCapDiff float64 `parquet:"market_cap_diff"`
	Name          string  `parquet:"name"`
	Sector        string  `parquet:"sector"`
	Industry      string  `parquet:"industry"`
	UpdatedAt     int64   `parquet:"updated_at"` // Unix ms
}

// RecordReader is the point-lookup side of the rank index.
type RecordReader interface {
	ManyLast(ctx context.Context, date string, sess session.Session, symbols []string) (map[string]rank.LastRecord, error)
}

// UniverseSource lists the tracked symbols.
type UniverseSource interface {
	Universe(ctx context.Context) ([]string, error)
}

// HealthRecorder records snapshot outcomes.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, op health.Operation, count int) error
	RecordFailure(ctx context.Context, op health.Operation, err error) error
}

// Result describes a written snapshot.
type Result struct {
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	FromLive int    `json:"from_live"`
}

// Writer writes <dir>/<date>.parquet.
type Writer struct {
	dir      string
	records  RecordReader
	universe UniverseSource
	health   HealthRecorder
}

// NewWriter creates a Writer. health may be nil.
func NewWriter(dir string, records RecordReader, universe UniverseSource, health HealthRecorder) *Writer {
	return &Writer{dir: dir, records: records, universe: universe, health: health}
}

// Path returns the snapshot file for date.
func (w *Writer) Path(date string) string {
	return filepath.Join(w.dir, date+".parquet")
}

// Write exports every universe symbol's after-hours record for date,
// falling back to the live record for symbols that never traded after hours.
func (w *Writer) Write(ctx context.Context, date string) (Result, error) {
	res, err := w.write(ctx, date)
	if w.health != nil {
		if err != nil {
			_ = w.health.RecordFailure(ctx, health.OpCloseSnapshot, err)
		} else {
			_ = w.health.RecordSuccess(ctx, health.OpCloseSnapshot, res.Rows)
		}
	}
	if err != nil {
		log.Error().Err(err).Str("date", date).Msg("Close snapshot failed")
		return res, err
	}
	log.Info().Str("path", res.Path).Int("rows", res.Rows).Int("from_live", res.FromLive).Msg("Close snapshot written")
	return res, nil
}

func (w *Writer) write(ctx context.Context, date string) (Result, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return Result{}, fmt.Errorf("%w: %q", rank.ErrInvalidDate, date)
	}
	symbols, err := w.universe.Universe(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load universe: %w", err)
	}

	after, err := w.records.ManyLast(ctx, date, session.After, symbols)
	if err != nil {
		return Result{}, err
	}
	var missing []string
	for _, s := range symbols {
		if _, ok := after[s]; !ok {
			missing = append(missing, s)
		}
	}
	live := map[string]rank.LastRecord{}
	if len(missing) > 0 {
		if live, err = w.records.ManyLast(ctx, date, session.Live, missing); err != nil {
			return Result{}, err
		}
	}

	rows := make([]Row, 0, len(after)+len(live))
	for _, r := range after {
		rows = append(rows, toRow(r, session.After))
	}
	for _, r := range live {
		rows = append(rows, toRow(r, session.Live))
	}
	if len(rows) == 0 {
		return Result{}, fmt.Errorf("%w for %s", ErrEmpty, date)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	path := w.Path(date)
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return Result{}, err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Result{}, err
	}
	return Result{Path: path, Rows: len(rows), FromLive: len(live)}, nil
}

func toRow(r rank.LastRecord, sess session.Session) Row {
	return Row{
		Symbol:        r.Symbol,
		Session:       string(sess),
		Price:         r.Fields.Price,
		ChangePct:     r.Fields.ChangePct,
		MarketCap:     r.Fields.MarketCap,
		MarketCapDiff: r.Fields.MarketCapDiff,
		Name:          r.Fields.Name,
		Sector:        r.Fields.Sector,
		Industry:      r.Fields.Industry,
		UpdatedAt:     r.UpdatedAt.UnixMilli(),
	}
}

// ReadFile loads a snapshot.
func ReadFile(path string) ([]Row, error) {
	return parquet.ReadFile[Row](path)
}
