// Package normalize converts raw provider records into canonical indicator documents.
package normalize

import (
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/ppiankov/threatintel/internal/feed"
	"github.com/ppiankov/threatintel/internal/model"
)

// Indicator converts one raw record. It returns false when the record has no
// indicator value or no type; every other missing field is defaulted:
// severity to "unknown", timestamp to now.
//
// Provider timestamps that parse are rewritten with model.CanonicalTimestamp
// so the same observation always produces the same natural key. Unparseable
// values are kept as sent. Domain and hostname values are lowercased, and
// internationalised names are converted to their ASCII form.
func Indicator(raw feed.RawRecord, now time.Time) (model.Indicator, bool) {
	value := strings.TrimSpace(raw.Indicator)
	typ := strings.TrimSpace(raw.Type)
	if value == "" || typ == "" {
		return model.Indicator{}, false
	}

	severity := strings.TrimSpace(raw.Severity)
	if severity == "" {
		severity = model.SeverityUnknown
	}

	return model.Indicator{
		Indicator: canonicalValue(value, typ),
		Type:      typ,
		Severity:  severity,
		Timestamp: timestamp(raw.Modified, now),
	}, true
}

// All normalizes raws in order and returns the documents plus the number of
// records dropped.
func All(raws []feed.RawRecord, now time.Time) ([]model.Indicator, int) {
	docs := make([]model.Indicator, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		doc, ok := Indicator(raw, now)
		if !ok {
			dropped++
			continue
		}
		docs = append(docs, doc)
	}
	return docs, dropped
}

func timestamp(modified string, now time.Time) string {
	modified = strings.TrimSpace(modified)
	if modified == "" {
		return model.FormatTimestamp(now)
	}
	t, err := model.ParseTimestamp(modified)
	if err != nil {
		return modified
	}
	return model.CanonicalTimestamp(t)
}

func canonicalValue(value, typ string) string {
	switch typ {
	case "domain", "hostname":
	default:
		return value
	}
	if isASCII(value) {
		return strings.ToLower(value)
	}
	ascii, err := idna.Lookup.ToASCII(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return ascii
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
