// Package notify defines scan lifecycle event publishing.
package notify

import (
	"context"
	"time"
)

// Event kinds published on the scan lifecycle topic.
const (
	KindScanCompleted   = "scan.completed"
	KindScanError       = "scan.error"
	KindExportCompleted = "scan.export_completed"
)

// Event is one scan lifecycle notification.
type Event struct {
	Kind         string    `json:"kind"`
	ScanID       string    `json:"scanId"`
	TotalResults int       `json:"totalResults,omitempty"`
	Score        float64   `json:"score,omitempty"`
	Message      string    `json:"message,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher delivers events to downstream consumers. Publish failures are
// side-channel only; callers log and move on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
