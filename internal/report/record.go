// Package report assembles analysis runs into records and persists them to an
// append-only log, optionally forwarding them to Splunk and Kafka.
package report

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/matcher"
)

// Record is one analysis run.
type Record struct {
	ID              string               `json:"id"`
	Timestamp       time.Time            `json:"timestamp"`
	Logs            []map[string]any     `json:"logs"`
	Description     string               `json:"description"`
	NetworkAnalysis []matcher.Candidate  `json:"network_analysis"`
	TTPs            []matcher.MatchedTTP `json:"ttps"`
	APTs            []attribution.Result `json:"apts"`
	ElapsedSeconds  float64              `json:"elapsed_seconds"`
}

// NewRecord creates a record with a fresh id and timestamp.
func NewRecord() *Record {
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
}

// TopAPT returns the best attribution's group id, or "".
func (r *Record) TopAPT() string {
	if len(r.APTs) == 0 {
		return ""
	}
	return r.APTs[0].MitreID
}

// Sink receives finished records.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec *Record) error
}
