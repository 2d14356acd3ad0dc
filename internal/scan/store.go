// Package scan defines the scan record model and the store contract the
// webhook handlers mutate it through.
package scan

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrExists is returned by Create when the scan ID is already tracked.
var ErrExists = errors.New("scan already exists")

// Store is keyed storage of scan state. Every mutator is a clean no-op for
// unknown scan IDs; Get is the existence check callers perform first.
// Implementations must serialize per-scan read-modify-write, in particular
// the MarkExportStarted check-and-set: two concurrent calls for the same
// scan must not both report the latch acquired.
type Store interface {
	// Create registers a new record, failing with ErrExists on duplicates.
	Create(ctx context.Context, rec Record) error
	// Get fetches a record. The second return reports whether it exists.
	Get(ctx context.Context, scanID string) (Record, bool, error)
	// UpdateStatus sets the status and merges the summary patch field-wise.
	UpdateStatus(ctx context.Context, scanID string, status Status, patch SummaryPatch) error
	// UpsertResultMetadata merges the patch into the result's metadata,
	// creating the entry when absent.
	UpsertResultMetadata(ctx context.Context, scanID, resultID string, patch MetaPatch) error
	// AppendResult appends a raw new-result payload, no deduplication.
	AppendResult(ctx context.Context, scanID string, raw json.RawMessage) error
	// MarkExportStarted flips the export latch false -> true. It reports
	// true only for the single call that flipped it.
	MarkExportStarted(ctx context.Context, scanID string) (bool, error)
	// MarkExportCompleted records that the provider finished the export batch.
	MarkExportCompleted(ctx context.Context, scanID string) error
	// StoreCrawled saves the raw crawled payload and any extracted text.
	StoreCrawled(ctx context.Context, scanID string, raw json.RawMessage, text *string) error
	// StorePDF saves the raw rendered-document payload verbatim.
	StorePDF(ctx context.Context, scanID string, raw json.RawMessage) error
	// StoreExportedResult saves a raw exported-result payload by result ID.
	StoreExportedResult(ctx context.Context, scanID, resultID string, raw json.RawMessage) error
}
