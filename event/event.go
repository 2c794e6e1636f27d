package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope types pushed to WebSocket subscribers
const (
	TypeReading = "reading"
	TypeAlert   = "alert"
)

// Reading is a validated device measurement as it travels through the broker
type Reading struct {
	SensorID   string    `json:"sensor_id"`
	FieldID    string    `json:"field_id"`
	SensorType string    `json:"sensor_type"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Timestamp  time.Time `json:"timestamp"`
}

// Rule is a per-field threshold owned by the rules collaborator
type Rule struct {
	ID         int64   `json:"id,omitempty"`
	SensorType string  `json:"sensor_type"`
	Condition  string  `json:"condition"`
	Threshold  float64 `json:"threshold"`
	Message    string  `json:"message"`
	FieldID    string  `json:"field_id"`
	OwnerID    int64   `json:"owner_id"`
}

// Alert is raised once per observed rule violation
type Alert struct {
	SensorType string    `json:"sensor_type"`
	Message    string    `json:"message"`
	FieldID    string    `json:"field_id"`
	OwnerID    int64     `json:"owner_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// Envelope wraps a broker payload for delivery to browsers
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps an already encoded payload; data must be valid JSON
func NewEnvelope(kind string, data []byte) ([]byte, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%s payload is not valid JSON", kind)
	}
	return json.Marshal(Envelope{Type: kind, Data: data})
}

// ReadingKey returns the routing key for a sensor reading
func ReadingKey(fieldID, sensorID string) string {
	return "field." + fieldID + ".device." + sensorID
}

// AlertKey returns the routing key for a field alert
func AlertKey(fieldID string) string {
	return "alerts." + fieldID
}

// ParseReadingKey extracts field and sensor identifiers from a reading routing key
func ParseReadingKey(key string) (fieldID, sensorID string, err error) {
	parts := strings.Split(key, ".")
	if len(parts) != 4 || parts[0] != "field" || parts[2] != "device" || parts[1] == "" || parts[3] == "" {
		return "", "", fmt.Errorf("invalid reading routing key %q", key)
	}
	return parts[1], parts[3], nil
}

// ParseAlertKey extracts the field identifier from an alert routing key
func ParseAlertKey(key string) (string, error) {
	fieldID, ok := strings.CutPrefix(key, "alerts.")
	if !ok || fieldID == "" || strings.Contains(fieldID, ".") {
		return "", fmt.Errorf("invalid alert routing key %q", key)
	}
	return fieldID, nil
}

// Decision is the outcome of a field ownership check
type Decision string

// Ownership outcomes
const (
	Allow    Decision = "allow"
	Deny     Decision = "deny"
	NotFound Decision = "not_found"
)

// Valid reports whether d is one of the known outcomes
func (d Decision) Valid() bool {
	return d == Allow || d == Deny || d == NotFound
}
