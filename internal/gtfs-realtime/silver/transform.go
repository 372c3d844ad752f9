// Package silver flattens Bronze records into relational rows. Every function
// here is pure: one record in, zero or more rows out, no shared state.
package silver

import (
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/bronze"
	"github.com/jarmstrongdbrx/rt-transit/internal/gtfs-realtime/decoder"
)

// MetersPerSecondToKMH converts the feed's speed unit.
const MetersPerSecondToKMH = 3.6

type recordMeta struct {
	id            string
	partitionDate string
	ingestedAt    time.Time
	feedTimestamp *time.Time
}

func metaOf(rec bronze.Record) (recordMeta, []decoder.Entity) {
	m := recordMeta{
		id:            string(rec.ID),
		partitionDate: rec.PartitionDate,
		ingestedAt:    rec.IngestedAt,
	}
	if rec.Document == nil {
		return m, nil
	}
	m.feedTimestamp = rec.Document.Header.Timestamp

	// deleted entities stay in Bronze but produce no rows
	entities := make([]decoder.Entity, 0, len(rec.Document.Entities))
	for _, e := range rec.Document.Entities {
		if !e.IsDeleted {
			entities = append(entities, e)
		}
	}
	return m, entities
}

// Transform applies every transformer to rec.
func Transform(rec bronze.Record) Batch {
	alerts := ServiceAlerts(rec)
	return Batch{
		VehiclePositions: VehiclePositions(rec),
		TripStopUpdates:  TripStopUpdates(rec),
		ServiceAlerts:    alerts,
		AlertEntities:    AlertEntities(alerts),
	}
}

// VehiclePositions emits one row per vehicle position entity.
func VehiclePositions(rec bronze.Record) []VehiclePositionRow {
	meta, entities := metaOf(rec)

	var rows []VehiclePositionRow
	for _, e := range entities {
		if e.Kind != decoder.KindVehiclePosition {
			continue
		}
		vp := e.VehiclePosition

		row := VehiclePositionRow{
			BronzeRecordID:     meta.id,
			EntityID:           e.ID,
			CurrentStopID:      vp.StopId,
			VehicleTimestamp:   epoch(vp.Timestamp),
			FeedTimestamp:      meta.feedTimestamp,
			PartitionDate:      meta.partitionDate,
			IngestionTimestamp: meta.ingestedAt,
		}

		if v := vp.GetVehicle(); v != nil {
			row.VehicleID = v.Id
			row.VehicleLabel = v.Label
		}
		if trip := vp.GetTrip(); trip != nil {
			row.RouteID = trip.RouteId
			row.DirectionID = uint32Ptr(trip.DirectionId)
			row.TripStartDate = trip.StartDate
			row.TripStartTime = trip.StartTime
			if trip.ScheduleRelationship != nil {
				row.TripScheduleRelationship = enumName(trip.GetScheduleRelationship().String())
			}
		}
		if pos := vp.GetPosition(); pos != nil {
			row.Latitude = float32Ptr(pos.Latitude)
			row.Longitude = float32Ptr(pos.Longitude)
			row.Bearing = float32Ptr(pos.Bearing)
			row.Odometer = pos.Odometer
			row.SpeedMPS = float32Ptr(pos.Speed)
			if row.SpeedMPS != nil {
				kmh := *row.SpeedMPS * MetersPerSecondToKMH
				row.SpeedKMH = &kmh
			}
		}
		if vp.OccupancyStatus != nil {
			row.OccupancyStatus = enumName(vp.GetOccupancyStatus().String())
		}
		if vp.CurrentStatus != nil {
			row.CurrentStatus = enumName(vp.GetCurrentStatus().String())
		}
		row.CurrentStopSequence = uint32Ptr(vp.CurrentStopSequence)

		rows = append(rows, row)
	}
	return rows
}

// TripStopUpdates explodes trip update entities, then each entity's stop time
// updates. An entity without stop time updates contributes no rows.
func TripStopUpdates(rec bronze.Record) []TripStopUpdateRow {
	meta, entities := metaOf(rec)

	var rows []TripStopUpdateRow
	for _, e := range entities {
		if e.Kind != decoder.KindTripUpdate {
			continue
		}
		tu := e.TripUpdate

		base := TripStopUpdateRow{
			BronzeRecordID:      meta.id,
			EntityID:            e.ID,
			TripUpdateTimestamp: epoch(tu.Timestamp),
			FeedTimestamp:       meta.feedTimestamp,
			PartitionDate:       meta.partitionDate,
			IngestionTimestamp:  meta.ingestedAt,
		}
		if trip := tu.GetTrip(); trip != nil {
			base.FeedTripID = trip.TripId
			base.RouteID = trip.RouteId
			base.DirectionID = uint32Ptr(trip.DirectionId)
			base.TripStartDate = trip.StartDate
			base.TripStartTime = trip.StartTime
			if trip.ScheduleRelationship != nil {
				base.TripScheduleRelationship = enumName(trip.GetScheduleRelationship().String())
			}
		}
		if v := tu.GetVehicle(); v != nil {
			base.VehicleID = v.Id
		}
		base.TripID = TripID(base.RouteID, base.TripStartDate, base.TripStartTime)

		for _, stu := range tu.GetStopTimeUpdate() {
			if stu == nil {
				continue
			}
			row := base
			row.StopID = stu.StopId
			row.StopSequence = uint32Ptr(stu.StopSequence)
			if stu.ScheduleRelationship != nil {
				row.StopScheduleRelationship = enumName(stu.GetScheduleRelationship().String())
			}
			if arr := stu.GetArrival(); arr != nil {
				row.PredictedArrivalTime = epochSigned(arr.Time)
				row.ArrivalDelaySeconds = int32Ptr(arr.Delay)
				row.ArrivalUncertainty = int32Ptr(arr.Uncertainty)
			}
			if dep := stu.GetDeparture(); dep != nil {
				row.PredictedDepartureTime = epochSigned(dep.Time)
				row.DepartureDelaySeconds = int32Ptr(dep.Delay)
				row.DepartureUncertainty = int32Ptr(dep.Uncertainty)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// TripID joins route, start date and start time with underscores. It is nil
// when any part is missing and is not guaranteed to be unique.
func TripID(routeID, startDate, startTime *string) *string {
	if routeID == nil || startDate == nil || startTime == nil {
		return nil
	}
	id := *routeID + "_" + *startDate + "_" + *startTime
	return &id
}

// ServiceAlerts emits one row per alert entity. Translated fields keep only
// their first translation.
func ServiceAlerts(rec bronze.Record) []ServiceAlertRow {
	meta, entities := metaOf(rec)

	var rows []ServiceAlertRow
	for _, e := range entities {
		if e.Kind != decoder.KindAlert {
			continue
		}
		a := e.Alert

		row := ServiceAlertRow{
			BronzeRecordID:     meta.id,
			AlertID:            e.ID,
			FeedTimestamp:      meta.feedTimestamp,
			PartitionDate:      meta.partitionDate,
			IngestionTimestamp: meta.ingestedAt,
		}
		if a.Cause != nil {
			row.Cause = enumName(a.GetCause().String())
		}
		if a.Effect != nil {
			row.Effect = enumName(a.GetEffect().String())
		}
		if a.SeverityLevel != nil {
			row.SeverityLevel = enumName(a.GetSeverityLevel().String())
		}
		row.HeaderText, row.HeaderLanguage = firstTranslation(a.GetHeaderText())
		row.DescriptionText, row.DescriptionLanguage = firstTranslation(a.GetDescriptionText())
		row.URL, _ = firstTranslation(a.GetUrl())

		for _, period := range a.GetActivePeriod() {
			if period == nil {
				continue
			}
			row.ActivePeriods = append(row.ActivePeriods, ActivePeriod{
				Start: epoch(period.Start),
				End:   epoch(period.End),
			})
		}
		for _, sel := range a.GetInformedEntity() {
			if sel == nil {
				continue
			}
			ie := InformedEntity{
				AgencyID:  sel.AgencyId,
				RouteID:   sel.RouteId,
				RouteType: int32Ptr(sel.RouteType),
				StopID:    sel.StopId,
			}
			if sel.GetTrip() != nil {
				ie.TripID = sel.GetTrip().TripId
			}
			row.InformedEntities = append(row.InformedEntities, ie)
		}

		rows = append(rows, row)
	}
	return rows
}

// AlertEntities explodes each alert's informed entities, copying the alert
// level fields onto every row.
func AlertEntities(alerts []ServiceAlertRow) []AlertEntityRow {
	var rows []AlertEntityRow
	for _, a := range alerts {
		for _, ie := range a.InformedEntities {
			rows = append(rows, AlertEntityRow{
				BronzeRecordID:     a.BronzeRecordID,
				AlertID:            a.AlertID,
				Cause:              a.Cause,
				Effect:             a.Effect,
				SeverityLevel:      a.SeverityLevel,
				AffectedAgencyID:   ie.AgencyID,
				AffectedRouteID:    ie.RouteID,
				AffectedRouteType:  ie.RouteType,
				AffectedStopID:     ie.StopID,
				AffectedTripID:     ie.TripID,
				HeaderText:         a.HeaderText,
				DescriptionText:    a.DescriptionText,
				URL:                a.URL,
				FeedTimestamp:      a.FeedTimestamp,
				PartitionDate:      a.PartitionDate,
				IngestionTimestamp: a.IngestionTimestamp,
			})
		}
	}
	return rows
}

func firstTranslation(ts *gtfs.TranslatedString) (text, language *string) {
	if ts == nil || len(ts.GetTranslation()) == 0 || ts.GetTranslation()[0] == nil {
		return nil, nil
	}
	first := ts.GetTranslation()[0]
	return first.Text, first.Language
}

func enumName(s string) *string {
	return &s
}

func epoch(v *uint64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(int64(*v), 0).UTC()
	return &t
}

func epochSigned(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

func float32Ptr(v *float32) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

func uint32Ptr(v *uint32) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func int32Ptr(v *int32) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}
