package silver

import "time"

// Nil pointer fields are SQL NULLs. Every row carries the Bronze record it
// came from.

type VehiclePositionRow struct {
	BronzeRecordID           string
	EntityID                 string
	VehicleID                *string
	VehicleLabel             *string
	RouteID                  *string
	DirectionID              *int64
	TripStartDate            *string
	TripStartTime            *string
	TripScheduleRelationship *string
	Latitude                 *float64
	Longitude                *float64
	Bearing                  *float64
	Odometer                 *float64
	SpeedMPS                 *float64
	SpeedKMH                 *float64
	OccupancyStatus          *string
	CurrentStatus            *string
	CurrentStopID            *string
	CurrentStopSequence      *int64
	VehicleTimestamp         *time.Time
	FeedTimestamp            *time.Time
	PartitionDate            string
	IngestionTimestamp       time.Time
}

type TripStopUpdateRow struct {
	BronzeRecordID           string
	EntityID                 string
	TripID                   *string
	FeedTripID               *string
	RouteID                  *string
	DirectionID              *int64
	TripStartDate            *string
	TripStartTime            *string
	TripScheduleRelationship *string
	VehicleID                *string
	TripUpdateTimestamp      *time.Time
	StopID                   *string
	StopSequence             *int64
	StopScheduleRelationship *string
	PredictedArrivalTime     *time.Time
	ArrivalDelaySeconds      *int64
	ArrivalUncertainty       *int64
	PredictedDepartureTime   *time.Time
	DepartureDelaySeconds    *int64
	DepartureUncertainty     *int64
	FeedTimestamp            *time.Time
	PartitionDate            string
	IngestionTimestamp       time.Time
}

type ActivePeriod struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// InformedEntity is one selector of an alert's informed_entity list.
type InformedEntity struct {
	AgencyID  *string `json:"agency_id,omitempty"`
	RouteID   *string `json:"route_id,omitempty"`
	RouteType *int64  `json:"route_type,omitempty"`
	StopID    *string `json:"stop_id,omitempty"`
	TripID    *string `json:"trip_id,omitempty"`
}

type ServiceAlertRow struct {
	BronzeRecordID      string
	AlertID             string
	Cause               *string
	Effect              *string
	SeverityLevel       *string
	HeaderText          *string
	HeaderLanguage      *string
	DescriptionText     *string
	DescriptionLanguage *string
	URL                 *string
	ActivePeriods       []ActivePeriod
	InformedEntities    []InformedEntity
	FeedTimestamp       *time.Time
	PartitionDate       string
	IngestionTimestamp  time.Time
}

type AlertEntityRow struct {
	BronzeRecordID     string
	AlertID            string
	Cause              *string
	Effect             *string
	SeverityLevel      *string
	AffectedAgencyID   *string
	AffectedRouteID    *string
	AffectedRouteType  *int64
	AffectedStopID     *string
	AffectedTripID     *string
	HeaderText         *string
	DescriptionText    *string
	URL                *string
	FeedTimestamp      *time.Time
	PartitionDate      string
	IngestionTimestamp time.Time
}

// Batch holds everything derived from one Bronze record.
type Batch struct {
	VehiclePositions []VehiclePositionRow
	TripStopUpdates  []TripStopUpdateRow
	ServiceAlerts    []ServiceAlertRow
	AlertEntities    []AlertEntityRow
}

func (b Batch) Len() int {
	return len(b.VehiclePositions) + len(b.TripStopUpdates) + len(b.ServiceAlerts) + len(b.AlertEntities)
}
