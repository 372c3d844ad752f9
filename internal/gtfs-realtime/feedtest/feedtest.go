// Package feedtest builds GTFS-realtime fixtures for tests.
package feedtest

import (
	"testing"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// FeedTime is the header timestamp used by Message.
var FeedTime = time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)

// Message wraps entities in a FULL_DATASET feed stamped with FeedTime.
func Message(entities ...*gtfs.FeedEntity) *gtfs.FeedMessage {
	incrementality := gtfs.FeedHeader_FULL_DATASET
	return &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(FeedTime.Unix())),
		},
		Entity: entities,
	}
}

// Marshal encodes msg, failing the test on error.
func Marshal(t testing.TB, msg *gtfs.FeedMessage) []byte {
	t.Helper()
	data, err := proto.Marshal(msg)
	require.NoError(t, err)
	return data
}

// Trip returns a scheduled trip descriptor.
func Trip(routeID, startDate, startTime string, directionID uint32) *gtfs.TripDescriptor {
	rel := gtfs.TripDescriptor_SCHEDULED
	return &gtfs.TripDescriptor{
		RouteId:              proto.String(routeID),
		StartDate:            proto.String(startDate),
		StartTime:            proto.String(startTime),
		DirectionId:          proto.Uint32(directionID),
		ScheduleRelationship: &rel,
	}
}

// Vehicle returns a vehicle position entity at the given coordinates.
func Vehicle(id, vehicleID string, lat, lon float32) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Vehicle: &gtfs.VehiclePosition{
			Vehicle: &gtfs.VehicleDescriptor{
				Id:    proto.String(vehicleID),
				Label: proto.String("label-" + vehicleID),
			},
			Position: &gtfs.Position{
				Latitude:  proto.Float32(lat),
				Longitude: proto.Float32(lon),
			},
			Timestamp: proto.Uint64(uint64(FeedTime.Add(-10 * time.Second).Unix())),
		},
	}
}

// StopUpdate returns a stop time update with arrival and departure predictions.
func StopUpdate(stopID string, seq uint32, arrival, departure time.Time) *gtfs.TripUpdate_StopTimeUpdate {
	rel := gtfs.TripUpdate_StopTimeUpdate_SCHEDULED
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopSequence:         proto.Uint32(seq),
		StopId:               proto.String(stopID),
		ScheduleRelationship: &rel,
		Arrival: &gtfs.TripUpdate_StopTimeEvent{
			Delay:       proto.Int32(30),
			Time:        proto.Int64(arrival.Unix()),
			Uncertainty: proto.Int32(60),
		},
		Departure: &gtfs.TripUpdate_StopTimeEvent{
			Time:        proto.Int64(departure.Unix()),
			Uncertainty: proto.Int32(90),
		},
	}
}

// TripUpdate returns a trip update entity.
func TripUpdate(id string, trip *gtfs.TripDescriptor, stops ...*gtfs.TripUpdate_StopTimeUpdate) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		TripUpdate: &gtfs.TripUpdate{
			Trip:           trip,
			StopTimeUpdate: stops,
			Timestamp:      proto.Uint64(uint64(FeedTime.Unix())),
		},
	}
}

// Text builds a translated string from language/text pairs.
func Text(pairs ...string) *gtfs.TranslatedString {
	ts := &gtfs.TranslatedString{}
	for i := 0; i+1 < len(pairs); i += 2 {
		ts.Translation = append(ts.Translation, &gtfs.TranslatedString_Translation{
			Language: proto.String(pairs[i]),
			Text:     proto.String(pairs[i+1]),
		})
	}
	return ts
}

// Alert returns an alert entity affecting the given selectors.
func Alert(id string, informed ...*gtfs.EntitySelector) *gtfs.FeedEntity {
	cause := gtfs.Alert_CONSTRUCTION
	effect := gtfs.Alert_DETOUR
	return &gtfs.FeedEntity{
		Id: proto.String(id),
		Alert: &gtfs.Alert{
			ActivePeriod: []*gtfs.TimeRange{
				{
					Start: proto.Uint64(uint64(FeedTime.Unix())),
					End:   proto.Uint64(uint64(FeedTime.Add(2 * time.Hour).Unix())),
				},
			},
			InformedEntity:  informed,
			Cause:           &cause,
			Effect:          &effect,
			HeaderText:      Text("fi", "Poikkeusreitti", "en", "Detour"),
			DescriptionText: Text("fi", "Linja 55 kulkee poikkeusreittiä", "en", "Route 55 is detoured"),
			Url:             Text("fi", "https://example.org/hairiot"),
		},
	}
}

// RouteSelector selects a route of an agency.
func RouteSelector(agencyID, routeID string) *gtfs.EntitySelector {
	return &gtfs.EntitySelector{
		AgencyId: proto.String(agencyID),
		RouteId:  proto.String(routeID),
	}
}

// StopSelector selects a single stop.
func StopSelector(stopID string) *gtfs.EntitySelector {
	return &gtfs.EntitySelector{StopId: proto.String(stopID)}
}
