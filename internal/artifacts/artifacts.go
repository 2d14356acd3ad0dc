// Package artifacts defines blob storage for raw webhook payloads
// (crawled documents and rendered PDFs). The scan store copy remains
// authoritative; blob writes are best-effort.
package artifacts

import (
	"context"
	"io"
	"strings"
)

// Store persists raw payload blobs and returns a URI for the stored object.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ObjectPath builds the canonical object key for a payload artifact.
func ObjectPath(prefix, scanID, kind, digest string) string {
	parts := []string{scanID, kind, digest + ".json"}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}
