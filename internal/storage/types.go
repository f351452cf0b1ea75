package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Field names used by every backend.
const (
	FieldTotalVoiceMillis  = "total_voice_ms"
	FieldMessageCount      = "message_count"
	FieldVoiceConnectCount = "voice_connect_count"
	FieldClickCount        = "click_count"
)

// StatsRecord is the durable form of the activity counters.
//
// Values are float64 because records written by older clients may hold
// fractional or otherwise out-of-range numbers. Callers sanitize on load.
// Missing fields decode as zero and unknown fields are ignored. A field
// that is present but not a number decodes as NaN, leaving the other
// fields intact.
type StatsRecord struct {
	TotalVoiceMillis  float64 `json:"total_voice_ms"`
	MessageCount      float64 `json:"message_count"`
	VoiceConnectCount float64 `json:"voice_connect_count"`
	ClickCount        float64 `json:"click_count"`
}

// Fields returns the record as a flat field map, in the form hash-based
// backends store it.
func (r StatsRecord) Fields() map[string]string {
	return map[string]string{
		FieldTotalVoiceMillis:  formatCounter(r.TotalVoiceMillis),
		FieldMessageCount:      formatCounter(r.MessageCount),
		FieldVoiceConnectCount: formatCounter(r.VoiceConnectCount),
		FieldClickCount:        formatCounter(r.ClickCount),
	}
}

func (r *StatsRecord) targets() map[string]*float64 {
	return map[string]*float64{
		FieldTotalVoiceMillis:  &r.TotalVoiceMillis,
		FieldMessageCount:      &r.MessageCount,
		FieldVoiceConnectCount: &r.VoiceConnectCount,
		FieldClickCount:        &r.ClickCount,
	}
}

// RecordFromFields parses a flat field map. Absent fields are zero.
func RecordFromFields(data map[string]string) (*StatsRecord, error) {
	if len(data) == 0 {
		return nil, ErrNotFound
	}

	var record StatsRecord
	for field, target := range record.targets() {
		raw, ok := data[field]
		if !ok || raw == "" {
			continue
		}
		*target = parseCounter(raw)
	}

	return &record, nil
}

// DecodeRecord decodes a JSON document into a record. Only a document that
// is not a JSON object is an error.
func DecodeRecord(data []byte) (*StatsRecord, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("unmarshal stats record: %w", err)
	}

	var record StatsRecord
	for field, target := range record.targets() {
		raw, ok := fields[field]
		if !ok || string(raw) == "null" {
			continue
		}
		value := string(raw)
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		}
		*target = parseCounter(value)
	}

	return &record, nil
}

// EncodeRecord encodes a record as JSON.
func EncodeRecord(record StatsRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal stats record: %w", err)
	}
	return data, nil
}

// parseCounter parses a stored counter. Values too large for a float64
// come back as infinities; anything that is not a number is NaN.
func parseCounter(raw string) float64 {
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return math.NaN()
	}
	return value
}

func formatCounter(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
