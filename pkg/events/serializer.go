package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidData is returned when a payload cannot be decoded into a RunEvent.
var ErrInvalidData = errors.New("invalid event data")

// Serializer encodes run events for the wire.
type Serializer interface {
	Serialize(event RunEvent) ([]byte, error)
	Deserialize(data []byte) (RunEvent, error)
	ContentType() string
}

// NewSerializer returns the serializer registered under name.
func NewSerializer(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSONSerializer{}, nil
	case "protobuf":
		return ProtobufSerializer{}, nil
	default:
		return nil, fmt.Errorf("unsupported events serializer %q (supported: json, protobuf)", name)
	}
}

// JSONSerializer encodes events as JSON objects.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(event RunEvent) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("json serialization failed: %w", err)
	}
	return data, nil
}

func (JSONSerializer) Deserialize(data []byte) (RunEvent, error) {
	var event RunEvent
	if len(data) == 0 {
		return event, fmt.Errorf("%w: empty payload", ErrInvalidData)
	}
	if err := json.Unmarshal(data, &event); err != nil {
		return event, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return event, nil
}

func (JSONSerializer) ContentType() string { return "application/json" }

// ProtobufSerializer encodes events as a google.protobuf.Struct so consumers
// can decode them with the well-known types alone.
type ProtobufSerializer struct{}

func (ProtobufSerializer) Serialize(event RunEvent) ([]byte, error) {
	fields := map[string]any{
		"id":         event.ID,
		"type":       event.Type,
		"service":    event.Service,
		"build":      event.Build,
		"jobKey":     event.JobKey,
		"reason":     event.Reason,
		"startedAt":  event.StartedAt.Format(time.RFC3339Nano),
		"finishedAt": event.FinishedAt.Format(time.RFC3339Nano),
		"durationMs": event.DurationMS,
		"fetched":    event.Fetched,
		"written":    event.Written,
		"failed":     event.Failed,
	}
	if event.ExecutionID != "" {
		fields["executionId"] = event.ExecutionID
	}
	if event.Error != "" {
		fields["error"] = event.Error
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("protobuf serialization failed: %w", err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protobuf serialization failed: %w", err)
	}
	return data, nil
}

func (ProtobufSerializer) Deserialize(data []byte) (RunEvent, error) {
	var event RunEvent
	if len(data) == 0 {
		return event, fmt.Errorf("%w: empty payload", ErrInvalidData)
	}
	msg := &structpb.Struct{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return event, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	f := msg.GetFields()
	str := func(key string) string { return f[key].GetStringValue() }
	num := func(key string) float64 { return f[key].GetNumberValue() }

	event = RunEvent{
		ID:          str("id"),
		Type:        str("type"),
		Service:     str("service"),
		Build:       str("build"),
		JobKey:      str("jobKey"),
		ExecutionID: str("executionId"),
		Reason:      str("reason"),
		DurationMS:  int64(num("durationMs")),
		Fetched:     int(num("fetched")),
		Written:     int(num("written")),
		Failed:      int(num("failed")),
		Error:       str("error"),
	}
	var err error
	if event.StartedAt, err = time.Parse(time.RFC3339Nano, str("startedAt")); err != nil {
		return event, fmt.Errorf("%w: startedAt: %v", ErrInvalidData, err)
	}
	if event.FinishedAt, err = time.Parse(time.RFC3339Nano, str("finishedAt")); err != nil {
		return event, fmt.Errorf("%w: finishedAt: %v", ErrInvalidData, err)
	}
	return event, nil
}

func (ProtobufSerializer) ContentType() string { return "application/protobuf" }
