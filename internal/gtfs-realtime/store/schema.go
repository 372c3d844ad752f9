package store

import (
	"fmt"
	"strings"

	"github.com/jarmstrongdbrx/rt-transit/internal/common/db"
)

type colKind int

const (
	kindID colKind = iota
	kindText
	kindInt
	kindFloat
	kindTime
	kindDate
)

type column struct {
	name string
	kind colKind
}

type table struct {
	name    string
	columns []column
	indexed []string
}

const (
	TableVehiclePositions = "silver_vehicle_positions"
	TableTripUpdates      = "silver_trip_updates"
	TableServiceAlerts    = "silver_service_alerts"
	TableAlertEntities    = "silver_service_alerts_entities"
	tableProcessed        = "silver_processed_records"
)

var vehiclePositionsTable = table{
	name: TableVehiclePositions,
	columns: []column{
		{"bronze_record_id", kindID},
		{"entity_id", kindID},
		{"vehicle_id", kindID},
		{"vehicle_label", kindText},
		{"route_id", kindID},
		{"direction_id", kindInt},
		{"trip_start_date", kindID},
		{"trip_start_time", kindID},
		{"trip_schedule_relationship", kindID},
		{"latitude", kindFloat},
		{"longitude", kindFloat},
		{"bearing", kindFloat},
		{"odometer", kindFloat},
		{"speed_mps", kindFloat},
		{"speed_kmh", kindFloat},
		{"occupancy_status", kindID},
		{"current_status", kindID},
		{"current_stop_id", kindID},
		{"current_stop_sequence", kindInt},
		{"vehicle_timestamp", kindTime},
		{"feed_timestamp", kindTime},
		{"partition_date", kindDate},
		{"ingestion_timestamp", kindTime},
	},
	indexed: []string{"feed_timestamp", "partition_date", "route_id"},
}

var tripUpdatesTable = table{
	name: TableTripUpdates,
	columns: []column{
		{"bronze_record_id", kindID},
		{"entity_id", kindID},
		{"trip_id", kindID},
		{"feed_trip_id", kindID},
		{"route_id", kindID},
		{"direction_id", kindInt},
		{"trip_start_date", kindID},
		{"trip_start_time", kindID},
		{"trip_schedule_relationship", kindID},
		{"vehicle_id", kindID},
		{"trip_update_timestamp", kindTime},
		{"stop_id", kindID},
		{"stop_sequence", kindInt},
		{"stop_schedule_relationship", kindID},
		{"predicted_arrival_time", kindTime},
		{"arrival_delay_seconds", kindInt},
		{"arrival_uncertainty_seconds", kindInt},
		{"predicted_departure_time", kindTime},
		{"departure_delay_seconds", kindInt},
		{"departure_uncertainty_seconds", kindInt},
		{"feed_timestamp", kindTime},
		{"partition_date", kindDate},
		{"ingestion_timestamp", kindTime},
	},
	indexed: []string{"feed_timestamp", "partition_date", "trip_id", "stop_id"},
}

var serviceAlertsTable = table{
	name: TableServiceAlerts,
	columns: []column{
		{"bronze_record_id", kindID},
		{"alert_id", kindID},
		{"cause", kindID},
		{"effect", kindID},
		{"severity_level", kindID},
		{"header_text", kindText},
		{"header_language", kindID},
		{"description_text", kindText},
		{"description_language", kindID},
		{"url", kindText},
		{"active_periods", kindText},
		{"informed_entities", kindText},
		{"feed_timestamp", kindTime},
		{"partition_date", kindDate},
		{"ingestion_timestamp", kindTime},
	},
	indexed: []string{"feed_timestamp", "partition_date", "alert_id"},
}

var alertEntitiesTable = table{
	name: TableAlertEntities,
	columns: []column{
		{"bronze_record_id", kindID},
		{"alert_id", kindID},
		{"cause", kindID},
		{"effect", kindID},
		{"severity_level", kindID},
		{"affected_agency_id", kindID},
		{"affected_route_id", kindID},
		{"affected_route_type", kindInt},
		{"affected_stop_id", kindID},
		{"affected_trip_id", kindID},
		{"header_text", kindText},
		{"description_text", kindText},
		{"url", kindText},
		{"feed_timestamp", kindTime},
		{"partition_date", kindDate},
		{"ingestion_timestamp", kindTime},
	},
	indexed: []string{"feed_timestamp", "partition_date", "affected_route_id", "affected_stop_id"},
}

// Tables lists the Silver row sets in creation order.
var Tables = []string{TableVehiclePositions, TableTripUpdates, TableServiceAlerts, TableAlertEntities}

var silverTables = []table{vehiclePositionsTable, tripUpdatesTable, serviceAlertsTable, alertEntitiesTable}

func (t table) columnNames() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

func sqlType(d db.Dialect, k colKind) string {
	switch d {
	case db.Postgres:
		return [...]string{"TEXT", "TEXT", "BIGINT", "DOUBLE PRECISION", "TIMESTAMPTZ", "DATE"}[k]
	case db.MySQL:
		return [...]string{"VARCHAR(255)", "TEXT", "BIGINT", "DOUBLE", "DATETIME(6)", "DATE"}[k]
	default:
		return [...]string{"TEXT", "TEXT", "INTEGER", "REAL", "TIMESTAMP", "TEXT"}[k]
	}
}

// schemaStatements renders the DDL for a dialect. MySQL has no
// CREATE INDEX IF NOT EXISTS, so its indexes are declared inline.
func schemaStatements(d db.Dialect) []string {
	var stmts []string
	for _, t := range silverTables {
		var defs []string
		for _, c := range t.columns {
			defs = append(defs, fmt.Sprintf("%s %s", c.name, sqlType(d, c.kind)))
		}
		if d == db.MySQL {
			for _, col := range t.indexed {
				defs = append(defs, fmt.Sprintf("INDEX idx_%s_%s (%s)", t.name, col, col))
			}
		}

		create := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.name, strings.Join(defs, ",\n\t"))
		if d == db.MySQL {
			create += " ENGINE=InnoDB DEFAULT CHARSET=utf8mb4"
		}
		stmts = append(stmts, create)

		if d != db.MySQL {
			for _, col := range t.indexed {
				stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)", t.name, col, t.name, col))
			}
		}
	}

	stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bronze_record_id %s PRIMARY KEY,
	row_count BIGINT NOT NULL,
	processed_at %s NOT NULL
)`, tableProcessed, sqlType(d, kindID), sqlType(d, kindTime)))

	return stmts
}
