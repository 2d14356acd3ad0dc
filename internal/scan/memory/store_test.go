package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/textsentry/scanhook/internal/scan"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func newStoreWithScan(t *testing.T, scanID string) *Store {
	t.Helper()
	s := NewStore(fixedClock{now: time.Unix(1_700_000_000, 0).UTC()})
	require.NoError(t, s.Create(context.Background(), scan.NewRecord(scanID, time.Unix(1_700_000_000, 0).UTC())))
	return s
}

func TestStoreCreateRejectsDuplicate(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	err := s.Create(context.Background(), scan.NewRecord("scan-1", time.Now().UTC()))
	require.ErrorIs(t, err, scan.ErrExists)
}

func TestStoreMutatorsNoOpOnUnknownScan(t *testing.T) {
	t.Parallel()

	s := NewStore(nil)
	ctx := context.Background()

	require.NoError(t, s.UpdateStatus(ctx, "ghost", scan.StatusError, scan.SummaryPatch{}))
	require.NoError(t, s.AppendResult(ctx, "ghost", json.RawMessage(`{}`)))
	require.NoError(t, s.UpsertResultMetadata(ctx, "ghost", "r1", scan.MetaPatch{}))
	require.NoError(t, s.MarkExportCompleted(ctx, "ghost"))
	require.NoError(t, s.StoreCrawled(ctx, "ghost", json.RawMessage(`{}`), nil))
	require.NoError(t, s.StorePDF(ctx, "ghost", json.RawMessage(`{}`)))
	require.NoError(t, s.StoreExportedResult(ctx, "ghost", "r1", json.RawMessage(`{}`)))

	latched, err := s.MarkExportStarted(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, latched)

	_, ok, err := s.Get(ctx, "ghost")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreUpdateStatusMergesSummary(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	ctx := context.Background()

	total := 3
	score := 42.5
	require.NoError(t, s.UpdateStatus(ctx, "scan-1", scan.StatusCompleted, scan.SummaryPatch{
		TotalResults: &total,
		Score:        &score,
	}))
	require.NoError(t, s.UpdateStatus(ctx, "scan-1", scan.StatusCompleted, scan.SummaryPatch{
		Credits: json.RawMessage(`{"remaining":7}`),
	}))

	rec, ok, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, scan.StatusCompleted, rec.Status)
	require.Equal(t, 3, rec.Summary.TotalResults)
	require.Equal(t, 42.5, rec.Summary.Score)
	require.JSONEq(t, `{"remaining":7}`, string(rec.Summary.Credits))
}

func TestStoreUpsertResultMetadataMerges(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	ctx := context.Background()

	pct := 88.0
	require.NoError(t, s.UpsertResultMetadata(ctx, "scan-1", "r1", scan.MetaPatch{MatchPercentage: &pct}))
	url := "https://example.com"
	title := "Example"
	require.NoError(t, s.UpsertResultMetadata(ctx, "scan-1", "r1", scan.MetaPatch{URL: &url, Title: &title}))

	rec, _, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	meta := rec.ResultMetadata["r1"]
	require.Equal(t, "https://example.com", meta.URL)
	require.Equal(t, "Example", meta.Title)
	require.Equal(t, 88.0, meta.MatchPercentage)
}

func TestStoreAppendResultKeepsDuplicates(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	ctx := context.Background()

	raw := json.RawMessage(`{"id":"r1"}`)
	require.NoError(t, s.AppendResult(ctx, "scan-1", raw))
	require.NoError(t, s.AppendResult(ctx, "scan-1", raw))

	rec, _, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)
}

func TestStoreExportLatchIsExactlyOnce(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			latched, err := s.MarkExportStarted(ctx, "scan-1")
			require.NoError(t, err)
			wins <- latched
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for latched := range wins {
		if latched {
			won++
		}
	}
	require.Equal(t, 1, won)

	rec, _, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	require.True(t, rec.ExportStarted)
}

func TestStoreCrawledAndPDF(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	ctx := context.Background()

	text := "hello"
	require.NoError(t, s.StoreCrawled(ctx, "scan-1", json.RawMessage(`{"text":"hello"}`), &text))
	require.NoError(t, s.StorePDF(ctx, "scan-1", json.RawMessage(`{"pdf":"..."}`)))

	rec, _, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Crawled)
	require.NotNil(t, rec.Crawled.Text)
	require.Equal(t, "hello", *rec.Crawled.Text)
	require.JSONEq(t, `{"pdf":"..."}`, string(rec.PDF))
}

func TestStoreGetReturnsIndependentCopy(t *testing.T) {
	t.Parallel()

	s := newStoreWithScan(t, "scan-1")
	ctx := context.Background()

	pct := 10.0
	require.NoError(t, s.UpsertResultMetadata(ctx, "scan-1", "r1", scan.MetaPatch{MatchPercentage: &pct}))

	rec, _, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	rec.ResultMetadata["r1"] = scan.ResultMeta{MatchPercentage: 99}

	again, _, err := s.Get(ctx, "scan-1")
	require.NoError(t, err)
	require.Equal(t, 10.0, again.ResultMetadata["r1"].MatchPercentage)
}
