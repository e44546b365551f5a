// Package events carries session events over NATS. Events are encoded as
// protobuf Struct messages so any protobuf client can read them.
package events

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Montimage/maip-sub000/internal/model"
)

// Subject returns the subject an event of kind for sessionID is published on.
func Subject(prefix, sessionID, kind string) string {
	return strings.Join([]string{prefix, sessionID, kind}, ".")
}

// ToStruct converts an event into its protobuf representation.
func ToStruct(ev model.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"kind":      ev.Kind,
		"sessionId": ev.SessionID,
		"time":      ev.Time.UTC().Format(time.RFC3339Nano),
	}
	if len(ev.Attrs) > 0 {
		fields["attrs"] = normalize(ev.Attrs)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to convert event %s: %w", ev.Kind, err)
	}
	return s, nil
}

// Encode serializes an event to protobuf wire format.
func Encode(ev model.Event) ([]byte, error) {
	s, err := ToStruct(ev)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// Decode parses an event from protobuf wire format. Numeric attributes come
// back as float64.
func Decode(data []byte) (model.Event, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return model.Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	m := s.AsMap()
	ev := model.Event{}
	ev.Kind, _ = m["kind"].(string)
	ev.SessionID, _ = m["sessionId"].(string)
	if ts, ok := m["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			ev.Time = t
		}
	}
	if attrs, ok := m["attrs"].(map[string]any); ok {
		ev.Attrs = attrs
	}
	if ev.Kind == "" {
		return model.Event{}, fmt.Errorf("event without kind")
	}
	return ev, nil
}

// normalize widens attribute values to the types structpb accepts.
func normalize(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case time.Time:
			out[k] = val.UTC().Format(time.RFC3339Nano)
		case time.Duration:
			out[k] = val.String()
		case []string:
			list := make([]any, len(val))
			for i, s := range val {
				list[i] = s
			}
			out[k] = list
		case error:
			out[k] = val.Error()
		case fmt.Stringer:
			out[k] = val.String()
		default:
			out[k] = widen(v)
		}
	}
	return out
}

// widen unwraps named scalar types such as model.SliceState.
func widen(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	default:
		return v
	}
}
