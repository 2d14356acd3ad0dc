package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/textsentry/scanhook/internal/artifacts"
	"github.com/textsentry/scanhook/internal/extract"
	"github.com/textsentry/scanhook/internal/metrics"
	"github.com/textsentry/scanhook/internal/notify"
	"github.com/textsentry/scanhook/internal/scan"
)

// Status values the provider delivers on the status callback.
const (
	statusCompleted      = "completed"
	statusErrored        = "error"
	statusCreditsChecked = "creditsChecked"
)

// maxPayloadBytes caps webhook bodies; provider payloads are far smaller.
const maxPayloadBytes = 16 << 20

// WebhookHandler folds provider callbacks into scan records. Every handler
// follows the same contract: unknown scans are acknowledged with 202 and
// ignored, downstream failures (export, events, blobs) are logged but never
// surfaced — the provider must always see success or it retries forever.
type WebhookHandler struct {
	store      scan.Store
	exporter   Exporter
	events     notify.Publisher
	blobs      artifacts.Store
	hasher     Hasher
	blobPrefix string
	topic      string
	clock      scan.Clock
	timeout    time.Duration
	logger     *zap.Logger
}

type statusPayload struct {
	Results *struct {
		Internet []internetResult `json:"internet"`
		Score    *struct {
			AggregatedScore float64 `json:"aggregatedScore"`
		} `json:"score"`
	} `json:"results"`
	ScannedDocument *struct {
		TotalWords int `json:"totalWords"`
	} `json:"scannedDocument"`
	Error   string          `json:"error"`
	Credits json.RawMessage `json:"credits"`
}

type internetResult struct {
	ID              string  `json:"id"`
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	MatchPercentage float64 `json:"matchPercentage"`
}

// HandleStatus processes the status callback for completed, error, and
// creditsChecked transitions. Unrecognized status kinds are acknowledged
// without mutation so new provider states never bounce.
func (h *WebhookHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := chi.URLParam(r, "status")
	kind := "status:" + status

	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID, rec, ok := h.resolveScan(ctx, w, r, kind)
	if !ok {
		return
	}

	raw := readBody(r)
	var payload statusPayload
	// Partial or malformed bodies are tolerated; absent fields default.
	_ = json.Unmarshal(raw, &payload)

	switch status {
	case statusCompleted:
		if err := h.applyCompleted(ctx, scanID, rec, payload); err != nil {
			h.logger.Error("apply completed status failed", zap.String("scan_id", scanID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process status callback")
			return
		}
	case statusErrored:
		msg := payload.Error
		patch := scan.SummaryPatch{Message: &msg}
		if err := h.store.UpdateStatus(ctx, scanID, scan.StatusError, patch); err != nil {
			h.logger.Error("apply error status failed", zap.String("scan_id", scanID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process status callback")
			return
		}
		h.publish(ctx, notify.Event{
			Kind:    notify.KindScanError,
			ScanID:  scanID,
			Message: msg,
			At:      h.now(),
		})
	case statusCreditsChecked:
		// Credits refreshes re-assert the current status; a scan at error
		// stays at error.
		patch := scan.SummaryPatch{Credits: payload.Credits}
		if err := h.store.UpdateStatus(ctx, scanID, rec.Status, patch); err != nil {
			h.logger.Error("apply credits status failed", zap.String("scan_id", scanID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to process status callback")
			return
		}
	default:
		h.logger.Warn("unhandled status callback", zap.String("scan_id", scanID), zap.String("status", status))
	}

	metrics.ObserveCallback(kind, metrics.OutcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// applyCompleted merges the completion summary, upserts per-result
// metadata, and evaluates the export trigger.
func (h *WebhookHandler) applyCompleted(ctx context.Context, scanID string, rec scan.Record, payload statusPayload) error {
	var (
		results []internetResult
		score   float64
		words   int
	)
	if payload.Results != nil {
		results = payload.Results.Internet
		if payload.Results.Score != nil {
			score = payload.Results.Score.AggregatedScore
		}
	}
	if payload.ScannedDocument != nil {
		words = payload.ScannedDocument.TotalWords
	}

	total := len(results)
	patch := scan.SummaryPatch{TotalResults: &total, Score: &score, TotalWords: &words}
	if err := h.store.UpdateStatus(ctx, scanID, scan.StatusCompleted, patch); err != nil {
		return err
	}

	resultIDs := make([]string, 0, len(results))
	for _, res := range results {
		res := res
		metaPatch := scan.MetaPatch{
			URL:             &res.URL,
			Title:           &res.Title,
			MatchPercentage: &res.MatchPercentage,
		}
		if err := h.store.UpsertResultMetadata(ctx, scanID, res.ID, metaPatch); err != nil {
			return err
		}
		resultIDs = append(resultIDs, res.ID)
	}

	if len(resultIDs) > 0 && !rec.ExportStarted {
		latched, err := h.store.MarkExportStarted(ctx, scanID)
		if err != nil {
			return err
		}
		if latched {
			metrics.ExportTriggered()
			// The latch stays set even when the call fails; retries happen
			// through other mechanisms, never by replaying this callback.
			if err := h.exporter.ExportResults(ctx, scanID, resultIDs); err != nil {
				metrics.ExportFailed()
				h.logger.Error("failed to initiate export",
					zap.String("scan_id", scanID),
					zap.Error(err),
				)
			} else {
				h.logger.Info("export initiated from completion callback",
					zap.String("scan_id", scanID),
					zap.Int("results", len(resultIDs)),
				)
			}
		}
	}

	h.publish(ctx, notify.Event{
		Kind:         notify.KindScanCompleted,
		ScanID:       scanID,
		TotalResults: total,
		Score:        score,
		At:           h.now(),
	})
	return nil
}

// HandleNewResult appends an incrementally discovered result. Payloads are
// stored raw and never deduplicated; the completion summary finalizes them.
func (h *WebhookHandler) HandleNewResult(w http.ResponseWriter, r *http.Request) {
	const kind = "newResult"
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID, _, ok := h.resolveScan(ctx, w, r, kind)
	if !ok {
		return
	}

	if err := h.store.AppendResult(ctx, scanID, readBody(r)); err != nil {
		h.logger.Error("append result failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store result")
		return
	}

	metrics.ObserveCallback(kind, metrics.OutcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// HandleResultExport stores the detailed exported payload for one result
// and merges its match percentage into whatever metadata already exists,
// whether or not the completion callback arrived first.
func (h *WebhookHandler) HandleResultExport(w http.ResponseWriter, r *http.Request) {
	const kind = "resultExport"
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID, _, ok := h.resolveScan(ctx, w, r, kind)
	if !ok {
		return
	}
	resultID := chi.URLParam(r, "result_id")

	raw := readBody(r)
	if err := h.store.StoreExportedResult(ctx, scanID, resultID, raw); err != nil {
		h.logger.Error("store exported result failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store exported result")
		return
	}

	var exported struct {
		MatchPercentage float64 `json:"matchPercentage"`
	}
	_ = json.Unmarshal(raw, &exported)
	patch := scan.MetaPatch{MatchPercentage: &exported.MatchPercentage}
	if err := h.store.UpsertResultMetadata(ctx, scanID, resultID, patch); err != nil {
		h.logger.Error("merge exported metadata failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store exported result")
		return
	}

	metrics.ObserveCallback(kind, metrics.OutcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// HandleCrawled stores the crawled source document and reports whether
// text extraction succeeded. Extraction failure is loggable, not an error.
func (h *WebhookHandler) HandleCrawled(w http.ResponseWriter, r *http.Request) {
	const kind = "crawled"
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID, _, ok := h.resolveScan(ctx, w, r, kind)
	if !ok {
		return
	}

	raw := readBody(r)
	text, extracted := extract.Text(raw)
	var textPtr *string
	if extracted {
		textPtr = &text
	} else {
		h.logger.Warn("unable to extract text from crawled payload", zap.String("scan_id", scanID))
	}

	if err := h.store.StoreCrawled(ctx, scanID, raw, textPtr); err != nil {
		h.logger.Error("store crawled payload failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store crawled payload")
		return
	}
	h.storeArtifact(ctx, scanID, "crawled", raw)

	metrics.ObserveCallback(kind, metrics.OutcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "extractedText": extracted})
}

// HandlePDF stores the rendered-document payload verbatim.
func (h *WebhookHandler) HandlePDF(w http.ResponseWriter, r *http.Request) {
	const kind = "pdf"
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID, _, ok := h.resolveScan(ctx, w, r, kind)
	if !ok {
		return
	}

	raw := readBody(r)
	if err := h.store.StorePDF(ctx, scanID, raw); err != nil {
		h.logger.Error("store pdf payload failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store pdf payload")
		return
	}
	h.storeArtifact(ctx, scanID, "pdf", raw)

	metrics.ObserveCallback(kind, metrics.OutcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// HandleExportCompleted marks the export batch finished.
func (h *WebhookHandler) HandleExportCompleted(w http.ResponseWriter, r *http.Request) {
	const kind = "exportCompleted"
	ctx, cancel := h.requestContext(r)
	defer cancel()

	scanID, _, ok := h.resolveScan(ctx, w, r, kind)
	if !ok {
		return
	}

	if err := h.store.MarkExportCompleted(ctx, scanID); err != nil {
		h.logger.Error("mark export completed failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to mark export completed")
		return
	}
	h.publish(ctx, notify.Event{
		Kind:   notify.KindExportCompleted,
		ScanID: scanID,
		At:     h.now(),
	})

	metrics.ObserveCallback(kind, metrics.OutcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

// resolveScan performs the shared handler preamble: look up the scan and
// acknowledge-but-ignore callbacks for unknown identifiers. The provider
// may deliver callbacks after local cleanup or for scans never tracked
// here; neither is an error.
func (h *WebhookHandler) resolveScan(ctx context.Context, w http.ResponseWriter, r *http.Request, kind string) (string, scan.Record, bool) {
	scanID := chi.URLParam(r, "scan_id")
	rec, found, err := h.store.Get(ctx, scanID)
	if err != nil {
		h.logger.Error("scan lookup failed", zap.String("scan_id", scanID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load scan")
		return "", scan.Record{}, false
	}
	if !found {
		h.logger.Warn("received webhook for unknown scan",
			zap.String("scan_id", scanID),
			zap.String("kind", kind),
		)
		metrics.ObserveCallback(kind, metrics.OutcomeIgnored)
		writeJSON(w, http.StatusAccepted, map[string]any{"ignored": true})
		return "", scan.Record{}, false
	}
	return scanID, rec, true
}

func (h *WebhookHandler) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return r.Context(), func() {}
	}
	return context.WithTimeout(r.Context(), h.timeout)
}

func (h *WebhookHandler) publish(ctx context.Context, evt notify.Event) {
	if h.events == nil {
		return
	}
	if _, err := h.events.Publish(ctx, h.topic, evt); err != nil {
		metrics.EventPublishFailed()
		h.logger.Warn("event publish failed",
			zap.String("scan_id", evt.ScanID),
			zap.String("kind", evt.Kind),
			zap.Error(err),
		)
	}
}

func (h *WebhookHandler) storeArtifact(ctx context.Context, scanID, kind string, raw []byte) {
	if h.blobs == nil || h.hasher == nil || len(raw) == 0 {
		return
	}
	digest, err := h.hasher.Hash(raw)
	if err != nil {
		h.logger.Warn("artifact digest failed", zap.String("scan_id", scanID), zap.Error(err))
		return
	}
	path := artifacts.ObjectPath(h.blobPrefix, scanID, kind, digest)
	if _, err := h.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(raw)); err != nil {
		h.logger.Warn("artifact store failed",
			zap.String("scan_id", scanID),
			zap.String("path", path),
			zap.Error(err),
		)
	}
}

func (h *WebhookHandler) now() time.Time {
	if h.clock != nil {
		return h.clock.Now()
	}
	return time.Now().UTC()
}

// readBody drains the request body, tolerating absent or oversized input.
func readBody(r *http.Request) json.RawMessage {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		return nil
	}
	return data
}
