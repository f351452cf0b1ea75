// Package stats accumulates voice time, message and click counters and
// persists them through a cached repository.
package stats

import (
	"fmt"
	"math"
	"time"

	"github.com/goodtune/kstats/internal/storage"
	"github.com/rs/zerolog"
)

// Aggregate holds the running activity counters.
type Aggregate struct {
	TotalVoiceMillis  int64
	MessageCount      int64
	VoiceConnectCount int64
	ClickCount        int64
}

// TotalVoice returns the accumulated voice time as a duration.
func (a Aggregate) TotalVoice() time.Duration {
	return time.Duration(a.TotalVoiceMillis) * time.Millisecond
}

// IsZero reports whether every counter is zero.
func (a Aggregate) IsZero() bool {
	return a == Aggregate{}
}

func (a Aggregate) record() storage.StatsRecord {
	return storage.StatsRecord{
		TotalVoiceMillis:  float64(a.TotalVoiceMillis),
		MessageCount:      float64(a.MessageCount),
		VoiceConnectCount: float64(a.VoiceConnectCount),
		ClickCount:        float64(a.ClickCount),
	}
}

// aggregateFromRecord converts a durable record, clamping values that can
// not be counters (negative, NaN, infinite or out of range) to zero and
// truncating fractional ones.
func aggregateFromRecord(r storage.StatsRecord, logger zerolog.Logger) Aggregate {
	return Aggregate{
		TotalVoiceMillis:  sanitizeCounter(storage.FieldTotalVoiceMillis, r.TotalVoiceMillis, logger),
		MessageCount:      sanitizeCounter(storage.FieldMessageCount, r.MessageCount, logger),
		VoiceConnectCount: sanitizeCounter(storage.FieldVoiceConnectCount, r.VoiceConnectCount, logger),
		ClickCount:        sanitizeCounter(storage.FieldClickCount, r.ClickCount, logger),
	}
}

func sanitizeCounter(field string, v float64, logger zerolog.Logger) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v >= math.MaxInt64 {
		logger.Warn().
			Str("field", field).
			Float64("value", v).
			Msg("Stored counter is not a valid count, resetting it to zero")
		return 0
	}
	if v != math.Trunc(v) {
		logger.Debug().
			Str("field", field).
			Float64("value", v).
			Msg("Truncating fractional stored counter")
	}
	return int64(v)
}

// FormatDuration renders ms as HH:MM:SS. Hours are zero padded to two
// digits and grow past 99 rather than wrapping.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSeconds := ms / 1000
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// Snapshot is a read-only view of the counters for presentation.
type Snapshot struct {
	TotalVoiceMillis  int64  `json:"total_voice_ms"`
	MessageCount      int64  `json:"message_count"`
	VoiceConnectCount int64  `json:"voice_connect_count"`
	ClickCount        int64  `json:"click_count"`
	VoiceTime         string `json:"voice_time"`
	Connected         bool   `json:"connected"`
}

func newSnapshot(a Aggregate, connected bool) Snapshot {
	return Snapshot{
		TotalVoiceMillis:  a.TotalVoiceMillis,
		MessageCount:      a.MessageCount,
		VoiceConnectCount: a.VoiceConnectCount,
		ClickCount:        a.ClickCount,
		VoiceTime:         FormatDuration(a.TotalVoiceMillis),
		Connected:         connected,
	}
}

// Aggregate returns the counters held by the snapshot.
func (s Snapshot) Aggregate() Aggregate {
	return Aggregate{
		TotalVoiceMillis:  s.TotalVoiceMillis,
		MessageCount:      s.MessageCount,
		VoiceConnectCount: s.VoiceConnectCount,
		ClickCount:        s.ClickCount,
	}
}
