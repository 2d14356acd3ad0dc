// Package postgres provides the Postgres-backed scan store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/textsentry/scanhook/internal/scan"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements scan.Store on Postgres. The export latch relies on a
// conditional UPDATE, so two concurrent completion callbacks cannot both
// acquire it.
type Store struct {
	pool  dbPool
	clock scan.Clock
}

// NewStore connects a pool and returns a Store.
func NewStore(ctx context.Context, cfg Config, clock scan.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool, clock scan.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the scans table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	const query = `
		CREATE TABLE IF NOT EXISTS scans (
			id               text PRIMARY KEY,
			status           text NOT NULL,
			summary          jsonb NOT NULL DEFAULT '{}'::jsonb,
			export_started   boolean NOT NULL DEFAULT FALSE,
			export_completed boolean NOT NULL DEFAULT FALSE,
			result_metadata  jsonb NOT NULL DEFAULT '{}'::jsonb,
			results          jsonb NOT NULL DEFAULT '[]'::jsonb,
			exported_results jsonb NOT NULL DEFAULT '{}'::jsonb,
			crawled_raw      jsonb,
			crawled_text     text,
			pdf              jsonb,
			created_at       timestamptz NOT NULL,
			updated_at       timestamptz NOT NULL
		);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure scans schema: %w", err)
	}
	return nil
}

// Create inserts a new scan row.
func (s *Store) Create(ctx context.Context, rec scan.Record) error {
	const query = `
		INSERT INTO scans (id, status, summary, result_metadata, results, exported_results, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	summary, err := json.Marshal(rec.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	meta, err := json.Marshal(rec.ResultMetadata)
	if err != nil {
		return fmt.Errorf("marshal result metadata: %w", err)
	}
	results, err := json.Marshal(rec.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if rec.Results == nil {
		results = []byte(`[]`)
	}
	exported, err := json.Marshal(rec.ExportedResults)
	if err != nil {
		return fmt.Errorf("marshal exported results: %w", err)
	}
	_, err = s.pool.Exec(ctx, query,
		rec.ID, string(rec.Status), summary, meta, results, exported, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return scan.ErrExists
		}
		return fmt.Errorf("insert scan: %w", err)
	}
	return nil
}

// Get fetches a scan row.
func (s *Store) Get(ctx context.Context, scanID string) (scan.Record, bool, error) {
	const query = `
		SELECT status, summary, export_started, export_completed,
		       result_metadata, results, exported_results,
		       crawled_raw, crawled_text, pdf, created_at, updated_at
		FROM scans WHERE id = $1;
	`
	var (
		status                                            string
		summary, meta, results, exported, crawledRaw, pdf []byte
		crawledText                                       *string
		rec                                               scan.Record
	)
	err := s.pool.QueryRow(ctx, query, scanID).Scan(
		&status, &summary, &rec.ExportStarted, &rec.ExportCompleted,
		&meta, &results, &exported,
		&crawledRaw, &crawledText, &pdf, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Record{}, false, nil
	}
	if err != nil {
		return scan.Record{}, false, fmt.Errorf("select scan: %w", err)
	}
	rec.ID = scanID
	rec.Status = scan.Status(status)
	if err := json.Unmarshal(summary, &rec.Summary); err != nil {
		return scan.Record{}, false, fmt.Errorf("unmarshal summary: %w", err)
	}
	if err := json.Unmarshal(meta, &rec.ResultMetadata); err != nil {
		return scan.Record{}, false, fmt.Errorf("unmarshal result metadata: %w", err)
	}
	if err := json.Unmarshal(results, &rec.Results); err != nil {
		return scan.Record{}, false, fmt.Errorf("unmarshal results: %w", err)
	}
	if err := json.Unmarshal(exported, &rec.ExportedResults); err != nil {
		return scan.Record{}, false, fmt.Errorf("unmarshal exported results: %w", err)
	}
	if len(crawledRaw) > 0 {
		rec.Crawled = &scan.Crawled{Raw: crawledRaw, Text: crawledText}
	}
	if len(pdf) > 0 {
		rec.PDF = pdf
	}
	return rec, true, nil
}

// UpdateStatus sets the status and merges the summary patch via jsonb concat.
func (s *Store) UpdateStatus(ctx context.Context, scanID string, status scan.Status, patch scan.SummaryPatch) error {
	const query = `
		UPDATE scans
		SET status = $2, summary = summary || $3::jsonb, updated_at = $4
		WHERE id = $1;
	`
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal summary patch: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, scanID, string(status), patchJSON, s.now()); err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	return nil
}

// UpsertResultMetadata merges the patch into one result's metadata entry.
func (s *Store) UpsertResultMetadata(ctx context.Context, scanID, resultID string, patch scan.MetaPatch) error {
	const query = `
		UPDATE scans
		SET result_metadata = jsonb_set(
			result_metadata,
			ARRAY[$2],
			COALESCE(result_metadata->$2, '{"url":"","title":"","matchPercentage":0}'::jsonb) || $3::jsonb
		), updated_at = $4
		WHERE id = $1;
	`
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal metadata patch: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, scanID, resultID, patchJSON, s.now()); err != nil {
		return fmt.Errorf("upsert result metadata: %w", err)
	}
	return nil
}

// AppendResult appends the raw payload to the results array.
func (s *Store) AppendResult(ctx context.Context, scanID string, raw json.RawMessage) error {
	const query = `
		UPDATE scans
		SET results = results || jsonb_build_array($2::jsonb), updated_at = $3
		WHERE id = $1;
	`
	if _, err := s.pool.Exec(ctx, query, scanID, []byte(raw), s.now()); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// MarkExportStarted acquires the export latch. The WHERE clause makes the
// check-and-set a single atomic statement; RowsAffected reports the winner.
func (s *Store) MarkExportStarted(ctx context.Context, scanID string) (bool, error) {
	const query = `
		UPDATE scans
		SET export_started = TRUE, updated_at = $2
		WHERE id = $1 AND export_started = FALSE;
	`
	tag, err := s.pool.Exec(ctx, query, scanID, s.now())
	if err != nil {
		return false, fmt.Errorf("mark export started: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExportCompleted records export-batch completion.
func (s *Store) MarkExportCompleted(ctx context.Context, scanID string) error {
	const query = `
		UPDATE scans SET export_completed = TRUE, updated_at = $2 WHERE id = $1;
	`
	if _, err := s.pool.Exec(ctx, query, scanID, s.now()); err != nil {
		return fmt.Errorf("mark export completed: %w", err)
	}
	return nil
}

// StoreCrawled saves the crawled payload and extracted text.
func (s *Store) StoreCrawled(ctx context.Context, scanID string, raw json.RawMessage, text *string) error {
	const query = `
		UPDATE scans SET crawled_raw = $2::jsonb, crawled_text = $3, updated_at = $4 WHERE id = $1;
	`
	if _, err := s.pool.Exec(ctx, query, scanID, []byte(raw), text, s.now()); err != nil {
		return fmt.Errorf("store crawled payload: %w", err)
	}
	return nil
}

// StorePDF saves the rendered-document payload.
func (s *Store) StorePDF(ctx context.Context, scanID string, raw json.RawMessage) error {
	const query = `
		UPDATE scans SET pdf = $2::jsonb, updated_at = $3 WHERE id = $1;
	`
	if _, err := s.pool.Exec(ctx, query, scanID, []byte(raw), s.now()); err != nil {
		return fmt.Errorf("store pdf payload: %w", err)
	}
	return nil
}

// StoreExportedResult saves an exported-result payload keyed by result ID.
func (s *Store) StoreExportedResult(ctx context.Context, scanID, resultID string, raw json.RawMessage) error {
	const query = `
		UPDATE scans
		SET exported_results = jsonb_set(exported_results, ARRAY[$2], $3::jsonb), updated_at = $4
		WHERE id = $1;
	`
	if _, err := s.pool.Exec(ctx, query, scanID, resultID, []byte(raw), s.now()); err != nil {
		return fmt.Errorf("store exported result: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now()
	}
	return time.Now().UTC()
}
