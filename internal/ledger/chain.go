// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash of the first record in a workspace chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// chainPayload is the canonical form of a record that gets hashed.
// Field order does not matter: the JSON is canonicalized (RFC 8785)
// before hashing, so any compliant implementation recomputes the same
// hash. The record hash and seq are excluded; seq is storage-local.
type chainPayload struct {
	RunID             string     `json:"run_id"`
	WorkspaceID       string     `json:"workspace_id"`
	RunType           string     `json:"run_type"`
	CreatedAt         string     `json:"created_at"`
	Provider          string     `json:"provider"`
	QueryHash         string     `json:"query_hash"`
	AnswerLength      int        `json:"answer_length"`
	LatencyMs         int64      `json:"latency_ms"`
	ChunkCount        int        `json:"chunk_count"`
	DocumentHashes    []string   `json:"document_hashes"`
	Citations         []Citation `json:"citations"`
	SentinelFlagged   bool       `json:"sentinel_flagged"`
	TruncationApplied bool       `json:"truncation_applied"`
}

// computeRecordHash returns the chain hash for a record: the SHA-256
// of the canonicalized record payload concatenated with the previous
// record's hash. Linking prev in makes any retroactive edit visible in
// every later record.
func computeRecordHash(rec *RunRecord, prevHash string) (string, error) {
	payload := chainPayload{
		RunID:             rec.RunID,
		WorkspaceID:       rec.WorkspaceID,
		RunType:           string(rec.Type),
		CreatedAt:         rec.CreatedAt.UTC().Format(timeLayout),
		Provider:          rec.Provider,
		QueryHash:         rec.QueryHash,
		AnswerLength:      rec.AnswerLength,
		LatencyMs:         rec.LatencyMs,
		ChunkCount:        rec.ChunkCount,
		DocumentHashes:    rec.DocumentHashes,
		Citations:         rec.Citations,
		SentinelFlagged:   rec.SentinelFlagged,
		TruncationApplied: rec.TruncationApplied,
	}
	if payload.DocumentHashes == nil {
		payload.DocumentHashes = []string{}
	}
	if payload.Citations == nil {
		payload.Citations = []Citation{}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize record payload: %w", err)
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}
