package model

import "time"

// CycleResult summarises one fetch cycle. It is ephemeral: observers read it
// for logging and metrics and it is discarded when the cycle ends.
type CycleResult struct {
	ID             string         `json:"id"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
	Extracted      int            `json:"extracted"`          // Raw records received from upstream
	Enriched       int            `json:"enriched,omitempty"` // Records replaced by a VirusTotal verdict
	Records        []Indicator    `json:"records,omitempty"`  // Normalized documents, in upsert order
	Inserted       int            `json:"inserted"`
	InsertedByType map[string]int `json:"inserted_by_type,omitempty"`
	Duplicates     int            `json:"duplicates"`
	Dropped        int            `json:"dropped"` // Raw records missing indicator or type
	Err            error          `json:"-"`
}

// Duration returns how long the cycle ran
func (r *CycleResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome returns "success" or "failure" for metric labels
func (r *CycleResult) Outcome() string {
	if r.Err != nil {
		return "failure"
	}
	return "success"
}
