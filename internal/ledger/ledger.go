// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ledger is the append-only audit store for index and query
// runs.
//
// Every completed operation becomes one RunRecord, written in a single
// transaction on a single-writer SQLite connection, so concurrent
// callers never collide on run ids and readers never observe a partial
// record. Records carry hashes and structural metadata only; raw
// document text and raw question text cannot be stored because no
// field exists for them.
//
// Each workspace forms a tamper-evident hash chain: a record's hash
// covers its canonicalized content plus the previous record's hash.
// Verify walks the chain and reports the first break.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// timeLayout is the stored timestamp format. UTC, nanosecond precision.
const timeLayout = time.RFC3339Nano

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a run id does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrWriteFailed wraps any failure to durably persist a record.
	ErrWriteFailed = errors.New("ledger write failed")

	// ErrChainBroken is returned by Verify when a record's stored hash
	// does not match its recomputed hash or its prev link.
	ErrChainBroken = errors.New("ledger chain broken")
)

// =============================================================================
// RECORD TYPES
// =============================================================================

// RunType distinguishes the two kinds of recorded operations.
type RunType string

const (
	RunTypeIndex RunType = "index"
	RunTypeQuery RunType = "query"
)

// Citation is retrieval evidence attached to a query run. Hashes only.
type Citation struct {
	SourceHash  string `json:"source_hash"`
	ExcerptHash string `json:"excerpt_hash"`
	Rank        int    `json:"rank"`
}

// RunRecord is one audit entry. Write-once: nothing updates a record
// after insert except the retention purge, which deletes whole rows.
type RunRecord struct {
	// Seq is the ledger-wide insertion sequence. Ordering and run id
	// assignment both derive from it, never from wall clock.
	Seq int64 `json:"seq"`

	// RunID is "run-<seq>", unique for the life of the ledger.
	RunID string `json:"run_id"`

	WorkspaceID string    `json:"workspace_id"`
	Type        RunType   `json:"run_type"`
	CreatedAt   time.Time `json:"created_at"`
	Provider    string    `json:"provider"`

	// Index runs.
	DocumentHashes []string `json:"document_hashes,omitempty"`
	ChunkCount     int      `json:"chunk_count,omitempty"`

	// Query runs.
	QueryHash         string     `json:"query_hash,omitempty"`
	Citations         []Citation `json:"citations,omitempty"`
	AnswerLength      int        `json:"answer_length,omitempty"`
	LatencyMs         int64      `json:"latency_ms,omitempty"`
	SentinelFlagged   bool       `json:"sentinel_flagged,omitempty"`
	TruncationApplied bool       `json:"truncation_applied,omitempty"`

	// Chain fields.
	PrevHash   string `json:"prev_hash"`
	RecordHash string `json:"record_hash"`
}

// WorkspaceStats summarizes one workspace's slice of the ledger.
type WorkspaceStats struct {
	WorkspaceID   string    `json:"workspace_id"`
	IndexRunCount int       `json:"index_run_count"`
	QueryRunCount int       `json:"query_run_count"`
	TotalChunks   int       `json:"total_chunks"`
	LastActivity  time.Time `json:"last_activity"`
}

// ListFilter narrows a ListRuns call. Zero values mean "no filter".
type ListFilter struct {
	WorkspaceID string
	Type        RunType
	Limit       int
}

// =============================================================================
// STORE
// =============================================================================

// Schema is the ledger table layout. Seq is the primary key so run id
// assignment and list ordering share one monotonic source.
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	seq                INTEGER PRIMARY KEY,
	run_id             TEXT    NOT NULL UNIQUE,
	workspace_id       TEXT    NOT NULL,
	run_type           TEXT    NOT NULL CHECK (run_type IN ('index', 'query')),
	created_at         TEXT    NOT NULL,
	provider           TEXT    NOT NULL,
	query_hash         TEXT    NOT NULL DEFAULT '',
	answer_length      INTEGER NOT NULL DEFAULT 0,
	latency_ms         INTEGER NOT NULL DEFAULT 0,
	chunk_count        INTEGER NOT NULL DEFAULT 0,
	document_hashes    TEXT    NOT NULL DEFAULT '[]',
	citations          TEXT    NOT NULL DEFAULT '[]',
	sentinel_flagged   INTEGER NOT NULL DEFAULT 0,
	truncation_applied INTEGER NOT NULL DEFAULT 0,
	prev_hash          TEXT    NOT NULL,
	record_hash        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, seq);
`

// Store is the SQLite-backed ledger. Safe for concurrent use; writes
// serialize on a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection makes
	// the max(seq)+1 run id assignment race-free.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// synchronous=FULL: a record must survive a crash the moment the
	// recording call returns.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// RECORDING
// =============================================================================

// RecordIndexRun appends an index run and returns its run id.
func (s *Store) RecordIndexRun(ctx context.Context, workspaceID string, documentHashes []string, chunkCount int, embedProvider string) (string, error) {
	rec := &RunRecord{
		WorkspaceID:    workspaceID,
		Type:           RunTypeIndex,
		CreatedAt:      time.Now().UTC(),
		Provider:       embedProvider,
		DocumentHashes: documentHashes,
		ChunkCount:     chunkCount,
	}
	if err := s.insert(ctx, rec); err != nil {
		return "", err
	}
	return rec.RunID, nil
}

// QueryRun carries the fields of a query run to be recorded.
type QueryRun struct {
	WorkspaceID       string
	QueryHash         string
	Provider          string
	Citations         []Citation
	AnswerLength      int
	Latency           time.Duration
	SentinelFlagged   bool
	TruncationApplied bool
}

// RecordQueryRun appends a query run and returns its run id.
func (s *Store) RecordQueryRun(ctx context.Context, run QueryRun) (string, error) {
	rec := &RunRecord{
		WorkspaceID:       run.WorkspaceID,
		Type:              RunTypeQuery,
		CreatedAt:         time.Now().UTC(),
		Provider:          run.Provider,
		QueryHash:         run.QueryHash,
		Citations:         run.Citations,
		AnswerLength:      run.AnswerLength,
		LatencyMs:         run.Latency.Milliseconds(),
		SentinelFlagged:   run.SentinelFlagged,
		TruncationApplied: run.TruncationApplied,
	}
	if err := s.insert(ctx, rec); err != nil {
		return "", err
	}
	return rec.RunID, nil
}

// insert writes one full record in one transaction. The sequence
// number, run id, chain link, and row all commit together or not at
// all, so a reader can never observe a partially assigned record.
func (s *Store) insert(ctx context.Context, rec *RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(seq) FROM runs").Scan(&maxSeq); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	rec.Seq = maxSeq.Int64 + 1
	rec.RunID = fmt.Sprintf("run-%d", rec.Seq)

	// Chain link: hash of the previous record in this workspace.
	rec.PrevHash = GenesisHash
	var prev string
	err = tx.QueryRowContext(ctx,
		"SELECT record_hash FROM runs WHERE workspace_id = ? ORDER BY seq DESC LIMIT 1",
		rec.WorkspaceID).Scan(&prev)
	switch {
	case err == nil:
		rec.PrevHash = prev
	case errors.Is(err, sql.ErrNoRows):
		// First record for this workspace.
	default:
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	rec.RecordHash, err = computeRecordHash(rec, rec.PrevHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	docHashes, err := json.Marshal(rec.DocumentHashes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	citations, err := json.Marshal(rec.Citations)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (
			seq, run_id, workspace_id, run_type, created_at, provider,
			query_hash, answer_length, latency_ms, chunk_count,
			document_hashes, citations, sentinel_flagged, truncation_applied,
			prev_hash, record_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Seq, rec.RunID, rec.WorkspaceID, string(rec.Type),
		rec.CreatedAt.Format(timeLayout), rec.Provider,
		rec.QueryHash, rec.AnswerLength, rec.LatencyMs, rec.ChunkCount,
		string(docHashes), string(citations),
		boolToInt(rec.SentinelFlagged), boolToInt(rec.TruncationApplied),
		rec.PrevHash, rec.RecordHash,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// =============================================================================
// READING
// =============================================================================

const selectColumns = `
	seq, run_id, workspace_id, run_type, created_at, provider,
	query_hash, answer_length, latency_ms, chunk_count,
	document_hashes, citations, sentinel_flagged, truncation_applied,
	prev_hash, record_hash`

// GetRun returns the record for a run id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+selectColumns+" FROM runs WHERE run_id = ?", runID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return rec, err
}

// ListRuns returns records newest first, ordered by sequence number
// rather than timestamp so clock skew cannot reorder the audit trail.
func (s *Store) ListRuns(ctx context.Context, filter ListFilter) ([]*RunRecord, error) {
	query := "SELECT" + selectColumns + " FROM runs"
	var conds []string
	var args []any
	if filter.WorkspaceID != "" {
		conds = append(conds, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Type != "" {
		conds = append(conds, "run_type = ?")
		args = append(args, string(filter.Type))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetWorkspaceStats summarizes a workspace's runs.
func (s *Store) GetWorkspaceStats(ctx context.Context, workspaceID string) (*WorkspaceStats, error) {
	stats := &WorkspaceStats{WorkspaceID: workspaceID}

	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN run_type = 'index' THEN 1 END),
			COUNT(CASE WHEN run_type = 'query' THEN 1 END),
			COALESCE(SUM(chunk_count), 0),
			MAX(created_at)
		FROM runs WHERE workspace_id = ?`, workspaceID).
		Scan(&stats.IndexRunCount, &stats.QueryRunCount, &stats.TotalChunks, &last)
	if err != nil {
		return nil, err
	}
	if last.Valid {
		if ts, err := time.Parse(timeLayout, last.String); err == nil {
			stats.LastActivity = ts
		}
	}
	return stats, nil
}

// ListWorkspaces returns the distinct workspace ids present in the
// ledger, sorted.
func (s *Store) ListWorkspaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT workspace_id FROM runs ORDER BY workspace_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// RETENTION
// =============================================================================

// CleanupOlderThan purges records older than the given age and returns
// the number deleted. This is the only sanctioned delete path.
func (s *Store) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, errors.New("retention days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(timeLayout)

	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verify recomputes every record hash in the workspace chain and
// checks each prev link. It returns the number of records verified.
// After a retention purge the earliest remaining record's prev link
// points at a purged record and cannot be checked; its own content
// hash still is.
func (s *Store) Verify(ctx context.Context, workspaceID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+selectColumns+" FROM runs WHERE workspace_id = ? ORDER BY seq ASC", workspaceID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	checked := 0
	prevHash := ""
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return checked, err
		}

		recomputed, err := computeRecordHash(rec, rec.PrevHash)
		if err != nil {
			return checked, err
		}
		if recomputed != rec.RecordHash {
			return checked, fmt.Errorf("%w: %s content hash mismatch", ErrChainBroken, rec.RunID)
		}
		if prevHash != "" && rec.PrevHash != prevHash {
			return checked, fmt.Errorf("%w: %s prev link mismatch", ErrChainBroken, rec.RunID)
		}

		prevHash = rec.RecordHash
		checked++
	}
	return checked, rows.Err()
}

// VerifyAll verifies every workspace chain in the ledger.
func (s *Store) VerifyAll(ctx context.Context) (int, error) {
	workspaces, err := s.ListWorkspaces(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, ws := range workspaces {
		n, err := s.Verify(ctx, ws)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// =============================================================================
// SCANNING
// =============================================================================

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*RunRecord, error) {
	var rec RunRecord
	var runType, createdAt, docHashes, citations string
	var sentinel, truncated int

	err := row.Scan(
		&rec.Seq, &rec.RunID, &rec.WorkspaceID, &runType, &createdAt, &rec.Provider,
		&rec.QueryHash, &rec.AnswerLength, &rec.LatencyMs, &rec.ChunkCount,
		&docHashes, &citations, &sentinel, &truncated,
		&rec.PrevHash, &rec.RecordHash,
	)
	if err != nil {
		return nil, err
	}

	rec.Type = RunType(runType)
	rec.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt timestamp on %s: %w", rec.RunID, err)
	}
	if err := json.Unmarshal([]byte(docHashes), &rec.DocumentHashes); err != nil {
		return nil, fmt.Errorf("corrupt document hashes on %s: %w", rec.RunID, err)
	}
	if err := json.Unmarshal([]byte(citations), &rec.Citations); err != nil {
		return nil, fmt.Errorf("corrupt citations on %s: %w", rec.RunID, err)
	}
	rec.SentinelFlagged = sentinel != 0
	rec.TruncationApplied = truncated != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
