package model

import "time"

// TimestampLayout is the ISO-8601 UTC layout used for defaulted timestamps.
// Lexical order of formatted values matches chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// TimestampLayoutNano is used for provider timestamps with sub-microsecond digits
const TimestampLayoutNano = "2006-01-02T15:04:05.000000000Z"

// SeverityUnknown is stored when the provider gives no severity classification
const SeverityUnknown = "unknown"

// SeverityHigh is assigned to VirusTotal verdicts with at least one malicious engine
const SeverityHigh = "high"

// Indicator is the canonical threat indicator document persisted by the store.
// Documents are never updated after insertion.
type Indicator struct {
	Indicator string `json:"indicator" bson:"indicator"` // Raw value (IP, domain, hash, URL)
	Type      string `json:"type" bson:"type"`           // Category, e.g. "IPv4", "domain"
	Severity  string `json:"severity" bson:"severity"`   // Coarse label, "unknown" when absent
	Timestamp string `json:"timestamp" bson:"timestamp"` // Source modification time, ISO-8601 with Z
}

// Key is the natural key of an indicator document.
// Two documents with the same indicator and type but different timestamps are distinct.
type Key struct {
	Indicator string
	Type      string
	Timestamp string
}

// Key returns the natural key of the document
func (i Indicator) Key() Key {
	return Key{Indicator: i.Indicator, Type: i.Type, Timestamp: i.Timestamp}
}

// FormatTimestamp renders t in TimestampLayout after converting to UTC
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// CanonicalTimestamp renders t like FormatTimestamp unless that would drop
// sub-microsecond digits, in which case TimestampLayoutNano is used so distinct
// instants never share a natural key.
func CanonicalTimestamp(t time.Time) string {
	if t.Nanosecond()%int(time.Microsecond) != 0 {
		return t.UTC().Format(TimestampLayoutNano)
	}
	return FormatTimestamp(t)
}

// ParseTimestamp parses a stored timestamp. It accepts TimestampLayout and any
// RFC 3339 value, with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// OTX sends "2024-01-01T00:00:00.123456" without a zone designator
	t, err := time.Parse("2006-01-02T15:04:05.999999999", s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
