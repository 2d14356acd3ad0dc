package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/textsentry/scanhook/internal/scan"
	scanmem "github.com/textsentry/scanhook/internal/scan/memory"
)

type fakeSubmitter struct {
	submissions map[string]ProviderSubmission
	err         error
}

func (f *fakeSubmitter) SubmitScan(_ context.Context, scanID string, sub ProviderSubmission) error {
	if f.err != nil {
		return f.err
	}
	if f.submissions == nil {
		f.submissions = make(map[string]ProviderSubmission)
	}
	f.submissions[scanID] = sub
	return nil
}

type fakeIDGen struct {
	id  string
	err error
}

func (f *fakeIDGen) NewID() (string, error) { return f.id, f.err }

func newScanHandler(store *scanmem.Store, submitter *fakeSubmitter, idGen *fakeIDGen) *ScanHandler {
	return &ScanHandler{
		store:     store,
		submitter: submitter,
		idGen:     idGen,
		clock:     fixedClock{},
		logger:    zap.NewNop(),
	}
}

func getScanRequest(scanID, path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("scan_id", scanID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateScan(t *testing.T) {
	t.Parallel()

	store := scanmem.NewStore(fixedClock{})
	submitter := &fakeSubmitter{}
	h := newScanHandler(store, submitter, &fakeIDGen{id: "gen-1"})

	body := `{"filename":"essay.txt","base64":"aGVsbG8="}`
	rec := httptest.NewRecorder()
	h.CreateScan(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp createScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "gen-1", resp.ScanID)
	require.Equal(t, string(scan.StatusPending), resp.Status)

	require.Equal(t, ProviderSubmission{Base64: "aGVsbG8=", Filename: "essay.txt"}, submitter.submissions["gen-1"])

	_, found, err := store.Get(context.Background(), "gen-1")
	require.NoError(t, err)
	require.True(t, found)
}

func TestCreateScanWithCallerID(t *testing.T) {
	t.Parallel()

	store := scanmem.NewStore(fixedClock{})
	h := newScanHandler(store, &fakeSubmitter{}, &fakeIDGen{id: "unused"})

	body := `{"scanId":"mine-7","filename":"essay.txt","base64":"aGVsbG8="}`
	rec := httptest.NewRecorder()
	h.CreateScan(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	_, found, err := store.Get(context.Background(), "mine-7")
	require.NoError(t, err)
	require.True(t, found)
}

func TestCreateScanValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{broken`},
		{"missing base64", `{"filename":"essay.txt"}`},
		{"missing filename", `{"base64":"aGVsbG8="}`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newScanHandler(scanmem.NewStore(fixedClock{}), &fakeSubmitter{}, &fakeIDGen{id: "x"})
			rec := httptest.NewRecorder()
			h.CreateScan(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(tc.body)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateScanDuplicateConflicts(t *testing.T) {
	t.Parallel()

	store := scanmem.NewStore(fixedClock{})
	h := newScanHandler(store, &fakeSubmitter{}, &fakeIDGen{id: "x"})

	body := `{"scanId":"dup","filename":"a.txt","base64":"aGVsbG8="}`
	rec := httptest.NewRecorder()
	h.CreateScan(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.CreateScan(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateScanSubmissionFailure(t *testing.T) {
	t.Parallel()

	store := scanmem.NewStore(fixedClock{})
	h := newScanHandler(store, &fakeSubmitter{err: fmt.Errorf("upstream down")}, &fakeIDGen{id: "gen-1"})

	body := `{"filename":"essay.txt","base64":"aGVsbG8="}`
	rec := httptest.NewRecorder()
	h.CreateScan(rec, httptest.NewRequest(http.MethodPost, "/v1/scans", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusBadGateway, rec.Code)

	// The record exists so a later resubmission or manual export still
	// has state to attach to.
	_, found, err := store.Get(context.Background(), "gen-1")
	require.NoError(t, err)
	require.True(t, found)
}

func TestGetScan(t *testing.T) {
	t.Parallel()

	store := scanmem.NewStore(fixedClock{})
	require.NoError(t, store.Create(context.Background(), scan.NewRecord("scan-1", testNow)))
	h := newScanHandler(store, &fakeSubmitter{}, &fakeIDGen{id: "x"})

	rec := httptest.NewRecorder()
	h.GetScan(rec, getScanRequest("scan-1", "/v1/scans/scan-1"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp scanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "scan-1", resp.ScanID)
	require.Equal(t, string(scan.StatusPending), resp.Status)
	require.False(t, resp.ExportStarted)
}

func TestGetScanNotFound(t *testing.T) {
	t.Parallel()

	h := newScanHandler(scanmem.NewStore(fixedClock{}), &fakeSubmitter{}, &fakeIDGen{id: "x"})

	rec := httptest.NewRecorder()
	h.GetScan(rec, getScanRequest("ghost", "/v1/scans/ghost"))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetScanResultsSorted(t *testing.T) {
	t.Parallel()

	store := scanmem.NewStore(fixedClock{})
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, scan.NewRecord("scan-1", testNow)))

	url := "u"
	pct := 12.5
	require.NoError(t, store.UpsertResultMetadata(ctx, "scan-1", "r2", scan.MetaPatch{URL: &url}))
	require.NoError(t, store.UpsertResultMetadata(ctx, "scan-1", "r1", scan.MetaPatch{MatchPercentage: &pct}))
	require.NoError(t, store.StoreExportedResult(ctx, "scan-1", "r1", json.RawMessage(`{"text":"x"}`)))

	h := newScanHandler(store, &fakeSubmitter{}, &fakeIDGen{id: "x"})
	rec := httptest.NewRecorder()
	h.GetScanResults(rec, getScanRequest("scan-1", "/v1/scans/scan-1/results"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp scanResultsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	require.Equal(t, "r1", resp.Results[0].ResultID)
	require.True(t, resp.Results[0].Exported)
	require.Equal(t, 12.5, resp.Results[0].MatchPercentage)
	require.Equal(t, "r2", resp.Results[1].ResultID)
	require.False(t, resp.Results[1].Exported)
}
