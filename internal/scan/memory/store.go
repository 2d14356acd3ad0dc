// Package memory provides an in-memory scan store for development/testing.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/textsentry/scanhook/internal/scan"
)

// Store implements scan.Store with a mutex-guarded map. The single lock
// serializes the export latch check-and-set per process.
type Store struct {
	mu      sync.RWMutex
	records map[string]scan.Record
	clock   scan.Clock
}

// NewStore constructs a Store.
func NewStore(clock scan.Clock) *Store {
	return &Store{
		records: make(map[string]scan.Record),
		clock:   clock,
	}
}

// Create registers a new scan record.
func (s *Store) Create(_ context.Context, rec scan.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return scan.ErrExists
	}
	s.records[rec.ID] = cloneRecord(rec)
	return nil
}

// Get fetches a copy of a record.
func (s *Store) Get(_ context.Context, scanID string) (scan.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[scanID]
	if !ok {
		return scan.Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

// UpdateStatus sets the status and merges the summary patch.
func (s *Store) UpdateStatus(_ context.Context, scanID string, status scan.Status, patch scan.SummaryPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.Summary = patch.Apply(rec.Summary)
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

// UpsertResultMetadata merges the patch into one result's metadata.
func (s *Store) UpsertResultMetadata(_ context.Context, scanID, resultID string, patch scan.MetaPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	if rec.ResultMetadata == nil {
		rec.ResultMetadata = make(map[string]scan.ResultMeta)
	}
	rec.ResultMetadata[resultID] = patch.Apply(rec.ResultMetadata[resultID])
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

// AppendResult appends a raw new-result payload.
func (s *Store) AppendResult(_ context.Context, scanID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	rec.Results = append(rec.Results, append(json.RawMessage(nil), raw...))
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

// MarkExportStarted flips the export latch, reporting whether this call won.
func (s *Store) MarkExportStarted(_ context.Context, scanID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok || rec.ExportStarted {
		return false, nil
	}
	rec.ExportStarted = true
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return true, nil
}

// MarkExportCompleted records export-batch completion.
func (s *Store) MarkExportCompleted(_ context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	rec.ExportCompleted = true
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

// StoreCrawled saves the crawled payload and extraction outcome.
func (s *Store) StoreCrawled(_ context.Context, scanID string, raw json.RawMessage, text *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	crawled := &scan.Crawled{Raw: append(json.RawMessage(nil), raw...)}
	if text != nil {
		t := *text
		crawled.Text = &t
	}
	rec.Crawled = crawled
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

// StorePDF saves the rendered-document payload.
func (s *Store) StorePDF(_ context.Context, scanID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	rec.PDF = append(json.RawMessage(nil), raw...)
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

// StoreExportedResult saves an exported-result payload by result ID.
func (s *Store) StoreExportedResult(_ context.Context, scanID, resultID string, raw json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[scanID]
	if !ok {
		return nil
	}
	if rec.ExportedResults == nil {
		rec.ExportedResults = make(map[string]json.RawMessage)
	}
	rec.ExportedResults[resultID] = append(json.RawMessage(nil), raw...)
	rec.UpdatedAt = s.now()
	s.records[scanID] = rec
	return nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}

func cloneRecord(rec scan.Record) scan.Record {
	cp := rec
	if rec.ResultMetadata != nil {
		cp.ResultMetadata = make(map[string]scan.ResultMeta, len(rec.ResultMetadata))
		for k, v := range rec.ResultMetadata {
			cp.ResultMetadata[k] = v
		}
	}
	if rec.Results != nil {
		cp.Results = make([]json.RawMessage, len(rec.Results))
		for i, r := range rec.Results {
			cp.Results[i] = append(json.RawMessage(nil), r...)
		}
	}
	if rec.ExportedResults != nil {
		cp.ExportedResults = make(map[string]json.RawMessage, len(rec.ExportedResults))
		for k, v := range rec.ExportedResults {
			cp.ExportedResults[k] = append(json.RawMessage(nil), v...)
		}
	}
	if rec.Crawled != nil {
		crawled := &scan.Crawled{Raw: append(json.RawMessage(nil), rec.Crawled.Raw...)}
		if rec.Crawled.Text != nil {
			t := *rec.Crawled.Text
			crawled.Text = &t
		}
		cp.Crawled = crawled
	}
	if rec.PDF != nil {
		cp.PDF = append(json.RawMessage(nil), rec.PDF...)
	}
	return cp
}
