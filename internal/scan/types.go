package scan

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a tracked scan.
type Status string

// Scan lifecycle states. A scan only ever moves pending -> completed or
// pending -> error; credits refreshes re-assert the current state.
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Summary aggregates provider-reported totals for a scan.
type Summary struct {
	TotalResults int             `json:"totalResults"`
	Score        float64         `json:"score"`
	TotalWords   int             `json:"totalWords"`
	Message      string          `json:"message,omitempty"`
	Credits      json.RawMessage `json:"credits,omitempty"`
}

// SummaryPatch carries a partial summary update. Nil fields leave the
// stored value untouched.
type SummaryPatch struct {
	TotalResults *int            `json:"totalResults,omitempty"`
	Score        *float64        `json:"score,omitempty"`
	TotalWords   *int            `json:"totalWords,omitempty"`
	Message      *string         `json:"message,omitempty"`
	Credits      json.RawMessage `json:"credits,omitempty"`
}

// Apply merges the patch into a summary field-wise.
func (p SummaryPatch) Apply(s Summary) Summary {
	if p.TotalResults != nil {
		s.TotalResults = *p.TotalResults
	}
	if p.Score != nil {
		s.Score = *p.Score
	}
	if p.TotalWords != nil {
		s.TotalWords = *p.TotalWords
	}
	if p.Message != nil {
		s.Message = *p.Message
	}
	if len(p.Credits) > 0 {
		s.Credits = append(json.RawMessage(nil), p.Credits...)
	}
	return s
}

// ResultMeta is the per-result metadata assembled from completion and
// export callbacks.
type ResultMeta struct {
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	MatchPercentage float64 `json:"matchPercentage"`
}

// MetaPatch carries a partial metadata update for one result. Nil fields
// leave existing values in place, so completion and export callbacks can
// each contribute their half regardless of arrival order.
type MetaPatch struct {
	URL             *string  `json:"url,omitempty"`
	Title           *string  `json:"title,omitempty"`
	MatchPercentage *float64 `json:"matchPercentage,omitempty"`
}

// Apply merges the patch into existing metadata.
func (p MetaPatch) Apply(m ResultMeta) ResultMeta {
	if p.URL != nil {
		m.URL = *p.URL
	}
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.MatchPercentage != nil {
		m.MatchPercentage = *p.MatchPercentage
	}
	return m
}

// Crawled holds the provider's crawled-document delivery for a scan.
type Crawled struct {
	Raw  json.RawMessage `json:"raw"`
	Text *string         `json:"text,omitempty"`
}

// Record is the full tracked state of one scan.
type Record struct {
	ID              string                     `json:"id"`
	Status          Status                     `json:"status"`
	Summary         Summary                    `json:"summary"`
	ExportStarted   bool                       `json:"exportStarted"`
	ExportCompleted bool                       `json:"exportCompleted"`
	ResultMetadata  map[string]ResultMeta      `json:"resultMetadata"`
	Results         []json.RawMessage          `json:"results"`
	ExportedResults map[string]json.RawMessage `json:"exportedResults"`
	Crawled         *Crawled                   `json:"crawled,omitempty"`
	PDF             json.RawMessage            `json:"pdf,omitempty"`
	CreatedAt       time.Time                  `json:"createdAt"`
	UpdatedAt       time.Time                  `json:"updatedAt"`
}

// NewRecord returns a pending record for a freshly initiated scan.
func NewRecord(id string, now time.Time) Record {
	return Record{
		ID:              id,
		Status:          StatusPending,
		ResultMetadata:  make(map[string]ResultMeta),
		ExportedResults: make(map[string]json.RawMessage),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Clock abstracts time for record stamping.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces scan identifiers for locally initiated scans.
type IDGenerator interface {
	NewID() (string, error)
}
