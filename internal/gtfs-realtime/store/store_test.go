package store

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/db"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/decoder"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/feedtest"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/silver"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.New(context.Background(), "sqlite", ":memory:", logger.New(nil))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	s := New(conn, logger.New(nil))
	require.NoError(t, s.EnsureSchema(context.Background()))
	return s
}

func testBatch(t *testing.T) (string, silver.Batch) {
	t.Helper()
	at := feedtest.FeedTime
	doc, err := decoder.FromMessage(feedtest.Message(
		feedtest.Vehicle("v1", "1234", 60.17, 24.94),
		feedtest.TripUpdate("t1", feedtest.Trip("55", "20250101", "08:00:00", 0),
			feedtest.StopUpdate("S1", 1, at, at), feedtest.StopUpdate("S2", 2, at, at)),
		feedtest.Alert("a1", feedtest.RouteSelector("HSL", "55"), feedtest.StopSelector("H1")),
	))
	require.NoError(t, err)

	rec := bronze.Record{
		ID:            "dt=2025-01-01/vehicle_positions_1735718403.json",
		PartitionDate: "2025-01-01",
		IngestedAt:    at.Add(3 * time.Second),
		Document:      doc,
	}
	return string(rec.ID), silver.Transform(rec)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestWriteAndCount(t *testing.T) {
	s := newTestStore(t)
	id, batch := testBatch(t)

	written, err := s.Write(context.Background(), id, batch)
	require.NoError(t, err)
	assert.True(t, written)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[TableVehiclePositions])
	assert.Equal(t, int64(2), counts[TableTripUpdates])
	assert.Equal(t, int64(1), counts[TableServiceAlerts])
	assert.Equal(t, int64(2), counts[TableAlertEntities])
}

func TestWriteSkipsProcessedRecord(t *testing.T) {
	s := newTestStore(t)
	id, batch := testBatch(t)

	_, err := s.Write(context.Background(), id, batch)
	require.NoError(t, err)
	written, err := s.Write(context.Background(), id, batch)
	require.NoError(t, err)
	assert.False(t, written)

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[TableTripUpdates])
}

func TestWriteStoresValuesAndNulls(t *testing.T) {
	s := newTestStore(t)
	id, batch := testBatch(t)
	_, err := s.Write(context.Background(), id, batch)
	require.NoError(t, err)

	var tripID, stopID sql.NullString
	var uncertainty sql.NullInt64
	err = s.db.Conn().QueryRow(`SELECT trip_id, stop_id, arrival_uncertainty_seconds FROM silver_trip_updates WHERE stop_sequence = 2`).
		Scan(&tripID, &stopID, &uncertainty)
	require.NoError(t, err)
	assert.Equal(t, "55_20250101_08:00:00", tripID.String)
	assert.Equal(t, "S2", stopID.String)
	assert.Equal(t, int64(60), uncertainty.Int64)

	var speed sql.NullFloat64
	var partition string
	err = s.db.Conn().QueryRow(`SELECT speed_kmh, partition_date FROM silver_vehicle_positions`).Scan(&speed, &partition)
	require.NoError(t, err)
	assert.False(t, speed.Valid)
	assert.Equal(t, "2025-01-01", partition)

	var periods, informed string
	err = s.db.Conn().QueryRow(`SELECT active_periods, informed_entities FROM silver_service_alerts`).Scan(&periods, &informed)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(periods, `[{"start":`))
	assert.Contains(t, informed, `"route_id":"55"`)

	var cause, route sql.NullString
	err = s.db.Conn().QueryRow(`SELECT cause, affected_route_id FROM silver_service_alerts_entities WHERE affected_stop_id = 'H1'`).Scan(&cause, &route)
	require.NoError(t, err)
	assert.Equal(t, "CONSTRUCTION", cause.String)
	assert.False(t, route.Valid)
}

func TestWriteEmptyBatchStillMarks(t *testing.T) {
	s := newTestStore(t)

	written, err := s.Write(context.Background(), "dt=2025-01-01/trip_updates_1.json", silver.Batch{})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = s.Write(context.Background(), "dt=2025-01-01/trip_updates_1.json", silver.Batch{})
	require.NoError(t, err)
	assert.False(t, written)
}

func TestSchemaStatementsPerDialect(t *testing.T) {
	pg := strings.Join(schemaStatements(db.Postgres), "\n")
	assert.Contains(t, pg, "TIMESTAMPTZ")
	assert.Contains(t, pg, "CREATE INDEX IF NOT EXISTS idx_silver_trip_updates_feed_timestamp")

	my := strings.Join(schemaStatements(db.MySQL), "\n")
	assert.Contains(t, my, "DATETIME(6)")
	assert.Contains(t, my, "INDEX idx_silver_vehicle_positions_feed_timestamp (feed_timestamp)")
	assert.NotContains(t, my, "CREATE INDEX")

	lite := strings.Join(schemaStatements(db.SQLite), "\n")
	assert.Contains(t, lite, "CREATE TABLE IF NOT EXISTS silver_service_alerts_entities")
}

func TestColumnValueArity(t *testing.T) {
	_, batch := testBatch(t)
	assert.Len(t, vehiclePositionValues(batch.VehiclePositions[0]), len(vehiclePositionsTable.columns))
	assert.Len(t, tripUpdateValues(batch.TripStopUpdates[0]), len(tripUpdatesTable.columns))
	values, err := serviceAlertValues(batch.ServiceAlerts[0])
	require.NoError(t, err)
	assert.Len(t, values, len(serviceAlertsTable.columns))
	assert.Len(t, alertEntityValues(batch.AlertEntities[0]), len(alertEntitiesTable.columns))
}
