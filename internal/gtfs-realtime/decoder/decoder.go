// Package decoder turns GTFS-realtime protobuf payloads into a Document whose
// entities are a closed set of variants: vehicle position, trip update or alert.
package decoder

import (
	"fmt"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Kind identifies which payload an entity carries.
type Kind int

const (
	KindVehiclePosition Kind = iota + 1
	KindTripUpdate
	KindAlert
)

func (k Kind) String() string {
	switch k {
	case KindVehiclePosition:
		return "vehicle_position"
	case KindTripUpdate:
		return "trip_update"
	case KindAlert:
		return "alert"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Header struct {
	GTFSRealtimeVersion string
	Incrementality      string
	// Timestamp is nil when the feed omits it.
	Timestamp *time.Time
}

// Entity holds exactly one non-nil payload, matching Kind.
type Entity struct {
	ID              string
	IsDeleted       bool
	Kind            Kind
	VehiclePosition *gtfs.VehiclePosition
	TripUpdate      *gtfs.TripUpdate
	Alert           *gtfs.Alert
}

type Document struct {
	Header   Header
	Entities []Entity
	// Message is the parsed feed the document was built from.
	Message *gtfs.FeedMessage
}

// DecodeError reports a payload that cannot become a Document.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var jsonMarshal = protojson.MarshalOptions{
	UseProtoNames: true,
	Multiline:     true,
	Indent:        "  ",
}

var jsonUnmarshal = protojson.UnmarshalOptions{
	DiscardUnknown: true,
}

// Decode parses a binary FeedMessage.
func Decode(data []byte) (*Document, error) {
	msg := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Reason: "malformed protobuf payload", Err: err}
	}
	return FromMessage(msg)
}

// DecodeJSON parses a document previously written with EncodeJSON.
func DecodeJSON(data []byte) (*Document, error) {
	msg := &gtfs.FeedMessage{}
	if err := jsonUnmarshal.Unmarshal(data, msg); err != nil {
		return nil, &DecodeError{Reason: "malformed json document", Err: err}
	}
	return FromMessage(msg)
}

// EncodeJSON renders the document with proto field names, two-space indent
// and unescaped UTF-8.
func EncodeJSON(doc *Document) ([]byte, error) {
	if doc == nil || doc.Message == nil {
		return nil, fmt.Errorf("encode: empty document")
	}
	return jsonMarshal.Marshal(doc.Message)
}

// FromMessage classifies every entity of msg. An entity with no payload, or
// with more than one, fails the whole message.
func FromMessage(msg *gtfs.FeedMessage) (*Document, error) {
	if msg == nil || msg.GetHeader() == nil {
		return nil, &DecodeError{Reason: "missing feed header"}
	}

	h := msg.GetHeader()
	doc := &Document{
		Header: Header{
			GTFSRealtimeVersion: h.GetGtfsRealtimeVersion(),
			Incrementality:      h.GetIncrementality().String(),
		},
		Entities: make([]Entity, 0, len(msg.GetEntity())),
		Message:  msg,
	}
	if h.Timestamp != nil {
		ts := time.Unix(int64(h.GetTimestamp()), 0).UTC()
		doc.Header.Timestamp = &ts
	}

	for i, fe := range msg.GetEntity() {
		entity, err := classify(fe)
		if err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("entity %d (%q)", i, fe.GetId()), Err: err}
		}
		doc.Entities = append(doc.Entities, entity)
	}

	return doc, nil
}

func classify(fe *gtfs.FeedEntity) (Entity, error) {
	entity := Entity{
		ID:        fe.GetId(),
		IsDeleted: fe.GetIsDeleted(),
	}

	populated := 0
	if v := fe.GetVehicle(); v != nil {
		entity.Kind = KindVehiclePosition
		entity.VehiclePosition = v
		populated++
	}
	if tu := fe.GetTripUpdate(); tu != nil {
		entity.Kind = KindTripUpdate
		entity.TripUpdate = tu
		populated++
	}
	if a := fe.GetAlert(); a != nil {
		entity.Kind = KindAlert
		entity.Alert = a
		populated++
	}

	switch populated {
	case 1:
		return entity, nil
	case 0:
		return Entity{}, fmt.Errorf("no vehicle, trip_update or alert payload")
	default:
		return Entity{}, fmt.Errorf("%d payloads populated, want exactly one", populated)
	}
}
