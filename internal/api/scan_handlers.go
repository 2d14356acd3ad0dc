package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/textsentry/scanhook/internal/scan"
)

// ScanHandler serves the local scan initiation and read API.
type ScanHandler struct {
	store     scan.Store
	submitter Submitter
	idGen     scan.IDGenerator
	clock     scan.Clock
	timeout   time.Duration
	logger    *zap.Logger
}

type createScanRequest struct {
	ScanID   string `json:"scanId"`
	Filename string `json:"filename"`
	Base64   string `json:"base64"`
}

type createScanResponse struct {
	ScanID    string    `json:"scanId"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

type scanResponse struct {
	ScanID          string       `json:"scanId"`
	Status          string       `json:"status"`
	Summary         scan.Summary `json:"summary"`
	ExportStarted   bool         `json:"exportStarted"`
	ExportCompleted bool         `json:"exportCompleted"`
	ResultCount     int          `json:"resultCount"`
	HasCrawledText  bool         `json:"hasCrawledText"`
	HasPDF          bool         `json:"hasPdf"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

type scanResultEntry struct {
	ResultID        string  `json:"resultId"`
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	MatchPercentage float64 `json:"matchPercentage"`
	Exported        bool    `json:"exported"`
}

type scanResultsResponse struct {
	ScanID          string            `json:"scanId"`
	ExportStarted   bool              `json:"exportStarted"`
	ExportCompleted bool              `json:"exportCompleted"`
	Results         []scanResultEntry `json:"results"`
}

// CreateScan registers a scan record and submits the document to the
// provider. The record exists before submission so callbacks arriving
// mid-flight already resolve.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Base64) == "" {
		writeError(w, http.StatusBadRequest, "base64 document content is required")
		return
	}
	if strings.TrimSpace(req.Filename) == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	scanID := strings.TrimSpace(req.ScanID)
	if scanID == "" {
		id, err := h.idGen.NewID()
		if err != nil {
			h.logger.Error("scan id generation failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to allocate scan id")
			return
		}
		scanID = id
	}

	rec := scan.NewRecord(scanID, h.now())
	if err := h.store.Create(ctx, rec); err != nil {
		if errors.Is(err, scan.ErrExists) {
			writeError(w, http.StatusConflict, "scan already exists")
			return
		}
		h.logger.Error("scan create failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create scan")
		return
	}

	sub := ProviderSubmission{Base64: req.Base64, Filename: req.Filename}
	if err := h.submitter.SubmitScan(ctx, scanID, sub); err != nil {
		// The record stays; the scan can be resubmitted or cleaned up
		// out of band.
		h.logger.Error("provider submission failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "provider submission failed")
		return
	}

	h.logger.Info("scan submitted", zap.String("scan_id", scanID), zap.String("filename", req.Filename))
	writeJSON(w, http.StatusAccepted, createScanResponse{
		ScanID:    scanID,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt,
	})
}

// GetScan returns the tracked state of one scan.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID := chi.URLParam(r, "scan_id")
	rec, found, err := h.store.Get(ctx, scanID)
	if err != nil {
		h.logger.Error("scan lookup failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	writeJSON(w, http.StatusOK, scanResponse{
		ScanID:          rec.ID,
		Status:          string(rec.Status),
		Summary:         rec.Summary,
		ExportStarted:   rec.ExportStarted,
		ExportCompleted: rec.ExportCompleted,
		ResultCount:     len(rec.Results),
		HasCrawledText:  rec.Crawled != nil && rec.Crawled.Text != nil,
		HasPDF:          len(rec.PDF) > 0,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	})
}

// GetScanResults lists per-result metadata sorted by result id.
func (h *ScanHandler) GetScanResults(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID := chi.URLParam(r, "scan_id")
	rec, found, err := h.store.Get(ctx, scanID)
	if err != nil {
		h.logger.Error("scan lookup failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}

	entries := make([]scanResultEntry, 0, len(rec.ResultMetadata))
	for id, meta := range rec.ResultMetadata {
		_, exported := rec.ExportedResults[id]
		entries = append(entries, scanResultEntry{
			ResultID:        id,
			URL:             meta.URL,
			Title:           meta.Title,
			MatchPercentage: meta.MatchPercentage,
			Exported:        exported,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ResultID < entries[j].ResultID })

	writeJSON(w, http.StatusOK, scanResultsResponse{
		ScanID:          rec.ID,
		ExportStarted:   rec.ExportStarted,
		ExportCompleted: rec.ExportCompleted,
		Results:         entries,
	})
}

func (h *ScanHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *ScanHandler) now() time.Time {
	if h.clock != nil {
		return h.clock.Now()
	}
	return time.Now().UTC()
}
