// Package ingest turns inbound fleet webhooks into signals and pending
// alerts. Payloads that cannot be mapped are parked and retried later.
package ingest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
)

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type ref struct {
	ID   flexString `json:"id"`
	Name string     `json:"name"`
}

// webhook lists the field spellings accepted from providers.
type webhook struct {
	ID             flexString `json:"id"`
	EventID        flexString `json:"eventId"`
	EventType      string     `json:"eventType"`
	EventTypeSnake string     `json:"event_type"`
	Vehicle        *ref       `json:"vehicle"`
	VehicleID      flexString `json:"vehicleId"`
	Driver         *ref       `json:"driver"`
	DriverID       flexString `json:"driverId"`
	HappenedAt     string     `json:"happenedAtTime"`
	OccurredAt     string     `json:"occurred_at"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Map validates a raw webhook and builds its signal. Mapping errors are
// validation failures.
func Map(companyID int64, source string, raw json.RawMessage, receivedAt time.Time) (alert.Signal, alert.Severity, error) {
	const op = "ingest.map"
	var w webhook
	if err := json.Unmarshal(raw, &w); err != nil {
		return alert.Signal{}, "", failure.Validation(op, fmt.Errorf("malformed payload: %w", err))
	}

	eventType := firstNonEmpty(w.EventType, w.EventTypeSnake)
	if eventType == "" {
		return alert.Signal{}, "", failure.Validation(op, errors.New("event type is required"))
	}
	var vehicleID, driverID string
	if w.Vehicle != nil {
		vehicleID = string(w.Vehicle.ID)
	}
	vehicleID = firstNonEmpty(vehicleID, string(w.VehicleID))
	if vehicleID == "" {
		return alert.Signal{}, "", failure.Validation(op, errors.New("vehicle id is required"))
	}
	if w.Driver != nil {
		driverID = string(w.Driver.ID)
	}
	driverID = firstNonEmpty(driverID, string(w.DriverID))

	occurredAt := receivedAt
	if ts := firstNonEmpty(w.HappenedAt, w.OccurredAt); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return alert.Signal{}, "", failure.Validation(op, fmt.Errorf("invalid event time %q", ts))
		}
		occurredAt = t.UTC()
	}

	externalID := firstNonEmpty(string(w.ID), string(w.EventID))
	if externalID == "" {
		externalID = payloadDigest(raw)
	}

	return alert.Signal{
		CompanyID:  companyID,
		Source:     source,
		ExternalID: externalID,
		EventType:  eventType,
		VehicleID:  vehicleID,
		DriverID:   driverID,
		RawPayload: raw,
		OccurredAt: occurredAt,
		ReceivedAt: receivedAt,
	}, SeverityFor(eventType), nil
}

// payloadDigest identifies payloads that carry no event id, so redelivery of
// the same body stays idempotent.
func payloadDigest(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	sum := sha256.Sum256(buf.Bytes())
	return "sha256:" + hex.EncodeToString(sum[:])
}

var (
	criticalEvents = []string{"panic", "sos", "crash", "collision"}
	warningEvents  = []string{
		"harsh_brake", "harsh_braking", "harsh_acceleration", "harsh_turn",
		"speeding", "distracted", "drowsy", "mobile_usage", "tailgating",
	}
)

// normalizeEventType lowercases t and turns camel case, spaces, dots and
// hyphens into underscores: "HarshBrake" and "harsh-brake" both become
// "harsh_brake".
func normalizeEventType(t string) string {
	var b strings.Builder
	var prev rune
	for _, r := range strings.TrimSpace(t) {
		switch {
		case r == ' ' || r == '-' || r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
		prev = r
	}
	return b.String()
}

// SeverityFor derives the severity of an event type.
func SeverityFor(eventType string) alert.Severity {
	t := normalizeEventType(eventType)
	for _, marker := range criticalEvents {
		if strings.Contains(t, marker) {
			return alert.SeverityCritical
		}
	}
	for _, marker := range warningEvents {
		if strings.Contains(t, marker) {
			return alert.SeverityWarning
		}
	}
	return alert.SeverityInfo
}
