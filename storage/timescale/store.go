// Package timescale stores time-series blocks in TimescaleDB or plain
// PostgreSQL through lib/pq. Each block is one row keyed by its id; inserts
// are idempotent.
package timescale

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/timeseries"
)

// DefaultTable is the block table name.
const DefaultTable = "daq_blocks"

// Config configures a Store.
type Config struct {
	Table string
	// Hypertable converts the table into a Timescale hypertable on start_time.
	Hypertable bool
	Logger     *slog.Logger
}

// Store is a timeseries.Store backed by SQL.
type Store struct {
	db         *sql.DB
	name       string
	table      string
	hypertable bool
	logger     *slog.Logger
}

// Open connects to dsn with the postgres driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.WrapInvalid(err, "timescale", "Open", "parse dsn")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
			"timescale", "Open", "ping database")
	}
	return db, nil
}

// New wraps an open database.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "timescale")
	}
	return &Store{
		db:         db,
		name:       cfg.Table,
		table:      pq.QuoteIdentifier(cfg.Table),
		hypertable: cfg.Hypertable,
		logger:     cfg.Logger,
	}
}

// EnsureSchema creates the block table and its index if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + s.table + ` (
	id UUID NOT NULL,
	sensor_id UUID NOT NULL,
	channel INTEGER NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	start_time TIMESTAMPTZ NOT NULL,
	end_time TIMESTAMPTZ NOT NULL,
	encoding TEXT NOT NULL,
	sample_count INTEGER NOT NULL,
	min_value DOUBLE PRECISION,
	max_value DOUBLE PRECISION,
	mean_value DOUBLE PRECISION,
	stddev_value DOUBLE PRECISION,
	payload BYTEA NOT NULL,
	PRIMARY KEY (id, start_time)
)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return classify(err, "EnsureSchema", "create table")
	}
	idx := `CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier(s.name+"_sensor_time") +
		` ON ` + s.table + ` (sensor_id, start_time)`
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return classify(err, "EnsureSchema", "create index")
	}
	if s.hypertable {
		if _, err := s.db.ExecContext(ctx,
			`SELECT create_hypertable($1, 'start_time', if_not_exists => TRUE)`, s.name); err != nil {
			return classify(err, "EnsureSchema", "create hypertable")
		}
	}
	s.logger.Info("Block table ready", "table", s.table, "hypertable", s.hypertable)
	return nil
}

// Store inserts one block. Re-inserting a stored block is a no-op.
func (s *Store) Store(ctx context.Context, b *timeseries.Block) error {
	rec := b.Record()
	query := `INSERT INTO ` + s.table + ` (id, sensor_id, channel, unit, start_time, end_time, encoding, ` +
		`sample_count, min_value, max_value, mean_value, stddev_value, payload) ` +
		`VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID.String(),
		rec.SensorID.String(),
		int64(rec.Channel),
		rec.Unit,
		rec.Start,
		rec.End,
		string(rec.Encoding),
		int64(rec.Stats.Count),
		rec.Stats.Min,
		rec.Stats.Max,
		rec.Stats.Mean,
		rec.Stats.StdDev,
		rec.Payload,
	)
	if err != nil {
		return classify(err, "Store", "insert block")
	}
	return nil
}

// Query reads the blocks overlapping r and returns their points inside r.
func (s *Store) Query(ctx context.Context, sensorID uuid.UUID, r timeseries.TimeRange, decimation int) ([]timeseries.Point, error) {
	if r.To.Before(r.From) {
		return nil, errors.WrapInvalid(fmt.Errorf("range ends before it starts"), "timescale.Store", "Query", "check range")
	}
	query := `SELECT id, sensor_id, channel, unit, start_time, end_time, encoding, sample_count, ` +
		`min_value, max_value, mean_value, stddev_value, payload FROM ` + s.table +
		` WHERE sensor_id = $1 AND end_time >= $2 AND start_time <= $3 ORDER BY start_time, channel`
	rows, err := s.db.QueryContext(ctx, query, sensorID.String(), r.From, r.To)
	if err != nil {
		return nil, classify(err, "Query", "select blocks")
	}
	defer rows.Close()

	var out []timeseries.Point
	for rows.Next() {
		var (
			rec     timeseries.BlockRecord
			channel int64
			enc     string
		)
		if err := rows.Scan(&rec.ID, &rec.SensorID, &channel, &rec.Unit, &rec.Start, &rec.End, &enc,
			&rec.Stats.Count, &rec.Stats.Min, &rec.Stats.Max, &rec.Stats.Mean, &rec.Stats.StdDev,
			&rec.Payload); err != nil {
			return nil, classify(err, "Query", "scan block")
		}
		rec.Channel = uint16(channel)
		rec.Encoding = timeseries.Encoding(enc)

		b, err := timeseries.FromRecord(rec)
		if err != nil {
			s.logger.Warn("Skipping unreadable block", "block_id", rec.ID, "error", err)
			continue
		}
		points, err := b.Points()
		if err != nil {
			continue
		}
		for _, p := range points {
			if r.Contains(p.Time) {
				out = append(out, p)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "Query", "iterate blocks")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Time.Before(out[j].Time)
	})
	return timeseries.Decimate(out, decimation), nil
}

// classify marks data and syntax errors invalid and everything else,
// connection loss included, transient.
func classify(err error, method, action string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return errors.WrapInvalid(err, "timescale.Store", method, action)
		}
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err),
		"timescale.Store", method, action)
}
