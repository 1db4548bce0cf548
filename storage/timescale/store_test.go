package timescale

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnarwell/wit-sub006/errors"
	"github.com/jnarwell/wit-sub006/timeseries"
)

var base = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

var columns = []string{"id", "sensor_id", "channel", "unit", "start_time", "end_time", "encoding",
	"sample_count", "min_value", "max_value", "mean_value", "stddev_value", "payload"}

func counterBlock(t *testing.T, sensorID uuid.UUID, channel uint16, from time.Time, n int) *timeseries.Block {
	t.Helper()
	points := make([]timeseries.Point, n)
	for i := range points {
		points[i] = timeseries.Point{Time: from.Add(time.Duration(i) * time.Second), Value: float64(100 + i)}
	}
	b, err := timeseries.NewBlock(sensorID, channel, "count", points)
	require.NoError(t, err)
	return b
}

func row(rows *sqlmock.Rows, b *timeseries.Block) *sqlmock.Rows {
	rec := b.Record()
	return rows.AddRow(rec.ID.String(), rec.SensorID.String(), int64(rec.Channel), rec.Unit, rec.Start, rec.End,
		string(rec.Encoding), int64(rec.Stats.Count), rec.Stats.Min, rec.Stats.Max, rec.Stats.Mean,
		rec.Stats.StdDev, rec.Payload)
}

func TestStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Config{})
	b := counterBlock(t, uuid.New(), 1, base, 20)
	rec := b.Record()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "daq_blocks" (id, sensor_id, channel`)).
		WithArgs(rec.ID.String(), rec.SensorID.String(), int64(1), "count", rec.Start, rec.End,
			string(rec.Encoding), int64(20), rec.Stats.Min, rec.Stats.Max, rec.Stats.Mean,
			rec.Stats.StdDev, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Store(context.Background(), b))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertErrorClassification(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Config{Table: "blocks"})
	b := counterBlock(t, uuid.New(), 0, base, 10)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "blocks"`)).
		WillReturnError(&pq.Error{Code: "42P01", Message: "relation does not exist"})
	err = s.Store(context.Background(), b)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "blocks"`)).
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})
	err = s.Store(context.Background(), b)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.Is(err, errors.ErrStorageUnavailable))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Query(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Config{})
	id := uuid.New()
	first := counterBlock(t, id, 0, base, 10)
	second := counterBlock(t, id, 0, base.Add(10*time.Second), 10)
	r := timeseries.TimeRange{From: base.Add(5 * time.Second), To: base.Add(14 * time.Second)}

	rows := sqlmock.NewRows(columns)
	row(rows, first)
	row(rows, second)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "daq_blocks" WHERE sensor_id = $1`)).
		WithArgs(id.String(), r.From, r.To).
		WillReturnRows(rows)

	points, err := s.Query(context.Background(), id, r, 1)
	require.NoError(t, err)
	require.Len(t, points, 10)
	for i, p := range points {
		assert.Equal(t, float64(105+i), p.Value)
		assert.True(t, p.Time.Equal(base.Add(time.Duration(5+i)*time.Second)))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryDecimation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Config{})
	id := uuid.New()
	b := counterBlock(t, id, 3, base, 30)
	r := timeseries.TimeRange{From: base, To: base.Add(time.Hour)}

	mock.ExpectQuery("SELECT").WillReturnRows(row(sqlmock.NewRows(columns), b))

	points, err := s.Query(context.Background(), id, r, 10)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, []float64{100, 110, 120}, []float64{points[0].Value, points[1].Value, points[2].Value})
}

func TestStore_QueryRejectsInvertedRange(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(db, Config{}).Query(context.Background(), uuid.New(),
		timeseries.TimeRange{From: base.Add(time.Second), To: base}, 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_EnsureSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New(db, Config{Hypertable: true})
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "daq_blocks"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "daq_blocks_sensor_time"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT create_hypertable($1`)).
		WithArgs("daq_blocks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
