// Package store writes Silver row sets to PostgreSQL, MySQL or SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/db"
	"github.com/jarmstrongdbrx/rt-transit/internal/common/logger"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/silver"
)

type Store struct {
	db     *db.DB
	logger logger.Logger
}

func New(conn *db.DB, log logger.Logger) *Store {
	return &Store{db: conn, logger: log}
}

// EnsureSchema creates the Silver tables and indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.db.Dialect()) {
		if _, err := s.db.Conn().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	s.logger.Debug("Silver schema ensured", "dialect", string(s.db.Dialect()))
	return nil
}

// Write stores every row derived from one Bronze record in a single
// transaction. A record already written is skipped and reported as false.
func (s *Store) Write(ctx context.Context, recordID string, batch silver.Batch) (bool, error) {
	startTime := time.Now()

	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	d := s.db.Dialect()
	var seen int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE bronze_record_id = %s", tableProcessed, d.Placeholder(1))
	if err := tx.QueryRowContext(ctx, query, recordID).Scan(&seen); err != nil {
		return false, fmt.Errorf("checking processed records: %w", err)
	}
	if seen > 0 {
		s.logger.Debug("Bronze record already in silver, skipping", "record_id", recordID)
		return false, nil
	}

	vehicleRows := make([][]interface{}, 0, len(batch.VehiclePositions))
	for _, r := range batch.VehiclePositions {
		vehicleRows = append(vehicleRows, vehiclePositionValues(r))
	}
	tripRows := make([][]interface{}, 0, len(batch.TripStopUpdates))
	for _, r := range batch.TripStopUpdates {
		tripRows = append(tripRows, tripUpdateValues(r))
	}
	alertRows := make([][]interface{}, 0, len(batch.ServiceAlerts))
	for _, r := range batch.ServiceAlerts {
		values, err := serviceAlertValues(r)
		if err != nil {
			return false, err
		}
		alertRows = append(alertRows, values)
	}
	entityRows := make([][]interface{}, 0, len(batch.AlertEntities))
	for _, r := range batch.AlertEntities {
		entityRows = append(entityRows, alertEntityValues(r))
	}

	for _, w := range []struct {
		t    table
		rows [][]interface{}
	}{
		{vehiclePositionsTable, vehicleRows},
		{tripUpdatesTable, tripRows},
		{serviceAlertsTable, alertRows},
		{alertEntitiesTable, entityRows},
	} {
		if err := s.insert(ctx, tx, w.t, w.rows); err != nil {
			return false, err
		}
	}

	mark := fmt.Sprintf("INSERT INTO %s (bronze_record_id, row_count, processed_at) VALUES (%s, %s, %s)",
		tableProcessed, d.Placeholder(1), d.Placeholder(2), d.Placeholder(3))
	if _, err := tx.ExecContext(ctx, mark, recordID, batch.Len(), time.Now().UTC()); err != nil {
		return false, fmt.Errorf("marking record processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("Wrote silver rows",
		"record_id", recordID,
		"vehicle_positions", len(vehicleRows),
		"trip_updates", len(tripRows),
		"service_alerts", len(alertRows),
		"alert_entities", len(entityRows),
		"duration_ms", time.Since(startTime).Milliseconds())
	return true, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, t table, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	if s.db.Dialect() == db.Postgres {
		return copyIn(ctx, tx, t, rows)
	}

	cols := t.columnNames()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), marks))
	if err != nil {
		return fmt.Errorf("failed to prepare %s insert: %w", t.name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", t.name, err)
		}
	}
	return nil
}

// copyIn bulk loads rows with PostgreSQL COPY.
func copyIn(ctx context.Context, tx *sql.Tx, t table, rows [][]interface{}) error {
	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(t.name, t.columnNames()...))
	if err != nil {
		return fmt.Errorf("failed to prepare %s copy: %w", t.name, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to add row to %s batch: %w", t.name, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to execute %s copy: %w", t.name, err)
	}
	return nil
}

// Counts returns the row count of every Silver table.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	for _, name := range Tables {
		var n int64
		if err := s.db.Conn().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+name).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", name, err)
		}
		counts[name] = n
	}
	return counts, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Conn().PingContext(ctx)
}

func vehiclePositionValues(r silver.VehiclePositionRow) []interface{} {
	return []interface{}{
		r.BronzeRecordID, r.EntityID, r.VehicleID, r.VehicleLabel, r.RouteID, r.DirectionID,
		r.TripStartDate, r.TripStartTime, r.TripScheduleRelationship,
		r.Latitude, r.Longitude, r.Bearing, r.Odometer, r.SpeedMPS, r.SpeedKMH,
		r.OccupancyStatus, r.CurrentStatus, r.CurrentStopID, r.CurrentStopSequence,
		r.VehicleTimestamp, r.FeedTimestamp, r.PartitionDate, r.IngestionTimestamp,
	}
}

func tripUpdateValues(r silver.TripStopUpdateRow) []interface{} {
	return []interface{}{
		r.BronzeRecordID, r.EntityID, r.TripID, r.FeedTripID, r.RouteID, r.DirectionID,
		r.TripStartDate, r.TripStartTime, r.TripScheduleRelationship, r.VehicleID, r.TripUpdateTimestamp,
		r.StopID, r.StopSequence, r.StopScheduleRelationship,
		r.PredictedArrivalTime, r.ArrivalDelaySeconds, r.ArrivalUncertainty,
		r.PredictedDepartureTime, r.DepartureDelaySeconds, r.DepartureUncertainty,
		r.FeedTimestamp, r.PartitionDate, r.IngestionTimestamp,
	}
}

func serviceAlertValues(r silver.ServiceAlertRow) ([]interface{}, error) {
	periods, err := jsonList(r.ActivePeriods)
	if err != nil {
		return nil, fmt.Errorf("encoding active periods of %s: %w", r.AlertID, err)
	}
	informed, err := jsonList(r.InformedEntities)
	if err != nil {
		return nil, fmt.Errorf("encoding informed entities of %s: %w", r.AlertID, err)
	}
	return []interface{}{
		r.BronzeRecordID, r.AlertID, r.Cause, r.Effect, r.SeverityLevel,
		r.HeaderText, r.HeaderLanguage, r.DescriptionText, r.DescriptionLanguage, r.URL,
		periods, informed,
		r.FeedTimestamp, r.PartitionDate, r.IngestionTimestamp,
	}, nil
}

func alertEntityValues(r silver.AlertEntityRow) []interface{} {
	return []interface{}{
		r.BronzeRecordID, r.AlertID, r.Cause, r.Effect, r.SeverityLevel,
		r.AffectedAgencyID, r.AffectedRouteID, r.AffectedRouteType, r.AffectedStopID, r.AffectedTripID,
		r.HeaderText, r.DescriptionText, r.URL,
		r.FeedTimestamp, r.PartitionDate, r.IngestionTimestamp,
	}
}

func jsonList[T any](items []T) (string, error) {
	if len(items) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
