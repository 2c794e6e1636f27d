package validator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/eddielth/agri-pipeline/event"
)

var (
	// ErrTopic is returned for topics that do not name a field and a sensor
	ErrTopic = errors.New("invalid topic")
	// ErrPayload is returned when the payload is not a JSON object
	ErrPayload = errors.New("invalid payload")
	// ErrMissingField is returned when a required payload field is absent
	ErrMissingField = errors.New("missing field")
	// ErrInvalidField is returned when a payload field has the wrong type or is empty
	ErrInvalidField = errors.New("invalid field")
	// ErrNaiveTimestamp is returned for timestamps without an offset or zone
	ErrNaiveTimestamp = errors.New("timestamp has no timezone")
	// ErrFutureTimestamp is returned for timestamps later than the current time
	ErrFutureTimestamp = errors.New("timestamp is in the future")
)

// RequiredFields lists the payload keys every device message carries
var RequiredFields = []string{"sensor_type", "value", "unit", "timestamp"}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Topic is the device identity carried by an MQTT topic
type Topic struct {
	FieldID  string
	SensorID string
	Metric   string
}

// ParseTopic splits sensors/{field}/{sensor}/{metric}. minSegments below 3 is raised to 3.
// Field and sensor ids become routing key words, so '.', '*' and '#' are rejected.
func ParseTopic(topic string, minSegments int) (Topic, error) {
	if minSegments < 3 {
		minSegments = 3
	}
	parts := strings.Split(topic, "/")
	if len(parts) < minSegments {
		return Topic{}, fmt.Errorf("%w: %q has %d segments, need %d", ErrTopic, topic, len(parts), minSegments)
	}
	for _, p := range parts {
		if p == "" {
			return Topic{}, fmt.Errorf("%w: %q has an empty segment", ErrTopic, topic)
		}
	}

	for _, p := range parts[1:3] {
		if strings.ContainsAny(p, ".*#") {
			return Topic{}, fmt.Errorf("%w: segment %q cannot appear in a routing key", ErrTopic, p)
		}
	}

	t := Topic{FieldID: parts[1], SensorID: parts[2]}
	if len(parts) > 3 {
		t.Metric = parts[3]
	}
	return t, nil
}

// Decode parses a raw device payload into a generic object, keeping numbers exact
func Decode(payload []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayload, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrPayload)
	}
	return obj, nil
}

// Reading decodes and validates payload for the device identified by t
func Reading(t Topic, payload []byte, now time.Time) (event.Reading, error) {
	obj, err := Decode(payload)
	if err != nil {
		return event.Reading{}, err
	}
	return Object(t, obj, now)
}

// Object validates an already decoded payload and builds the normalized reading
func Object(t Topic, obj map[string]interface{}, now time.Time) (event.Reading, error) {
	for _, name := range RequiredFields {
		if v, ok := obj[name]; !ok || v == nil {
			return event.Reading{}, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	sensorType, err := text(obj, "sensor_type")
	if err != nil {
		return event.Reading{}, err
	}
	unit, err := text(obj, "unit")
	if err != nil {
		return event.Reading{}, err
	}
	value, err := number(obj["value"])
	if err != nil {
		return event.Reading{}, err
	}

	raw, ok := obj["timestamp"].(string)
	if !ok {
		return event.Reading{}, fmt.Errorf("%w: timestamp must be a string", ErrInvalidField)
	}
	ts, err := Timestamp(raw, now)
	if err != nil {
		return event.Reading{}, err
	}

	return event.Reading{
		SensorID:   t.SensorID,
		FieldID:    t.FieldID,
		SensorType: sensorType,
		Value:      value,
		Unit:       unit,
		Timestamp:  ts,
	}, nil
}

// Timestamp parses an ISO-8601 instant that must carry an offset and must not be after now
func Timestamp(raw string, now time.Time) (time.Time, error) {
	for _, layout := range zonedLayouts {
		ts, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		if ts.After(now) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrFutureTimestamp, raw)
		}
		return ts, nil
	}

	for _, layout := range naiveLayouts {
		if _, err := time.Parse(layout, raw); err == nil {
			return time.Time{}, fmt.Errorf("%w: %s", ErrNaiveTimestamp, raw)
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q is not ISO-8601", ErrInvalidField, raw)
}

func text(obj map[string]interface{}, name string) (string, error) {
	s, ok := obj[name].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, name)
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidField, name)
	}
	return s, nil
}

// number accepts JSON numbers and the numeric kinds a script transformer exports
func number(v interface{}) (float64, error) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: value %q: %v", ErrInvalidField, n, err)
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case int:
		f = float64(n)
	default:
		return 0, fmt.Errorf("%w: value must be numeric, got %T", ErrInvalidField, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: value is not finite", ErrInvalidField)
	}
	return f, nil
}
