// Package feed retrieves raw threat indicators from upstream providers.
package feed

import (
	"errors"
	"fmt"
)

// Provider names used in logs, metrics and cache keys
const (
	ProviderOTX        = "otx"
	ProviderVirusTotal = "virustotal"
)

// TypeIPv4 is the OTX indicator type eligible for VirusTotal enrichment
const TypeIPv4 = "IPv4"

// RawRecord is one indicator as reported by a provider, before normalization.
// Any field may be empty; the normalizer decides what is usable.
type RawRecord struct {
	Indicator string
	Type      string
	Severity  string
	Modified  string // Provider modification time as sent, may lack a zone
	Source    string
}

var (
	// ErrUpstreamTransient covers network errors, timeouts and non-2xx responses
	ErrUpstreamTransient = errors.New("upstream transient failure")

	// ErrUpstreamMalformed is returned when the top level of a response has an
	// unexpected shape. It is never retried.
	ErrUpstreamMalformed = errors.New("upstream response malformed")
)

// StatusError is a non-2xx upstream response
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Is makes every StatusError match ErrUpstreamTransient
func (e *StatusError) Is(target error) bool {
	return target == ErrUpstreamTransient
}
