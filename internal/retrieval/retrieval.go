// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package retrieval provides the per-workspace vector store used to
// find candidate excerpts for a query.
//
// The store is in-memory and brute-force: vectors are L2-normalized on
// the way in, so cosine similarity reduces to a dot product. Workspaces
// are hard-isolated; a search can only ever see vectors upserted under
// the same workspace id.
package retrieval

import (
	"errors"
	"math"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch means a vector's length differs from the
	// workspace's established dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrLengthMismatch means chunks and vectors differ in count.
	ErrLengthMismatch = errors.New("chunks and vectors length mismatch")
)

// Chunk is one indexed excerpt. Text stays local to this process; only
// hashes of it ever reach the ledger or a remote provider.
type Chunk struct {
	// DocumentHash is the content hash of the source document.
	DocumentHash string

	// Ordinal is the chunk's position within its document.
	Ordinal int

	// Text is the excerpt text.
	Text string
}

// Result is one search hit.
type Result struct {
	Chunk Chunk
	Score float64
	// Rank is 1-based, best first.
	Rank int
}

// workspaceIndex holds one workspace's vectors behind its own lock so
// concurrent searches across workspaces never contend.
type workspaceIndex struct {
	mu        sync.RWMutex
	dimension int
	vectors   [][]float64
	chunks    []Chunk
}

// Store is the in-memory vector store. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	workspaces map[string]*workspaceIndex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{workspaces: make(map[string]*workspaceIndex)}
}

// workspace returns the index for the id, creating it on first use.
func (s *Store) workspace(id string) *workspaceIndex {
	s.mu.RLock()
	ws, ok := s.workspaces[id]
	s.mu.RUnlock()
	if ok {
		return ws
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok = s.workspaces[id]; ok {
		return ws
	}
	ws = &workspaceIndex{}
	s.workspaces[id] = ws
	return ws
}

// Upsert adds chunks and their vectors to a workspace. The first
// upsert fixes the workspace's vector dimension.
func (s *Store) Upsert(workspaceID string, chunks []Chunk, vectors [][]float64) error {
	if len(chunks) != len(vectors) {
		return ErrLengthMismatch
	}
	if len(chunks) == 0 {
		return nil
	}

	ws := s.workspace(workspaceID)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.dimension == 0 {
		ws.dimension = len(vectors[0])
	}
	for _, v := range vectors {
		if len(v) != ws.dimension {
			return ErrDimensionMismatch
		}
	}

	for i, v := range vectors {
		ws.vectors = append(ws.vectors, normalize(v))
		ws.chunks = append(ws.chunks, chunks[i])
	}
	return nil
}

// Search returns the top-k chunks by cosine similarity to the query
// vector. An unknown or empty workspace yields no results, not an
// error.
func (s *Store) Search(workspaceID string, vector []float64, k int) ([]Result, error) {
	if k <= 0 {
		k = 5
	}

	s.mu.RLock()
	ws, ok := s.workspaces[workspaceID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	ws.mu.RLock()
	defer ws.mu.RUnlock()

	if len(ws.vectors) == 0 {
		return nil, nil
	}
	if len(vector) != ws.dimension {
		return nil, ErrDimensionMismatch
	}

	query := normalize(vector)
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(ws.vectors))
	for i, v := range ws.vectors {
		scores[i] = scored{idx: i, score: dot(v, query)}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	if k > len(scores) {
		k = len(scores)
	}
	results := make([]Result, k)
	for i := 0; i < k; i++ {
		results[i] = Result{
			Chunk: ws.chunks[scores[i].idx],
			Score: scores[i].score,
			Rank:  i + 1,
		}
	}
	return results, nil
}

// ChunkCount returns the number of chunks indexed for a workspace.
func (s *Store) ChunkCount(workspaceID string) int {
	s.mu.RLock()
	ws, ok := s.workspaces[workspaceID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.chunks)
}

// ClearWorkspace drops a workspace's vectors, typically before a full
// re-index.
func (s *Store) ClearWorkspace(workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workspaces, workspaceID)
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func normalize(v []float64) []float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		out := make([]float64, len(v))
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
