// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package policy bounds and hashes retrieved text before it may cross
// the network boundary.
//
// The redactor is pure: same excerpt and same bounds always produce a
// byte-identical payload. It holds no mutable state and is safe for
// concurrent use. The original excerpt hash is computed before any
// truncation, so the ledger can anchor an audit record to content that
// never left the machine.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Outbound validation errors. Both are policy violations; neither is
// ever retried.
var (
	// ErrPayloadTooLarge means the text still exceeds the snippet
	// bound at send time.
	ErrPayloadTooLarge = errors.New("outbound payload exceeds snippet bound")

	// ErrFullDocument means the combined payload is large enough to
	// look like a whole document rather than snippets.
	ErrFullDocument = errors.New("outbound payload resembles a full document")
)

// Hash returns the lowercase hex SHA-256 of the content. Every hash
// stored in the ledger goes through this one function.
func Hash(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

// HashPrefix returns the first 12 hex chars of the content hash, used
// for source attribution lines where the full hash is noise.
func HashPrefix(content string) string {
	return Hash(content)[:12]
}

// RedactedPayload is the only form of retrieved text that may be
// forwarded to a remote provider. Immutable once produced.
type RedactedPayload struct {
	// OriginalHash is the SHA-256 of the excerpt before truncation.
	OriginalHash string

	// Text is the excerpt, hard-cut at the configured bound.
	Text string

	// TruncationApplied is true iff the original exceeded the bound.
	TruncationApplied bool

	// SentinelFlag is true if a configured leakage marker was found in
	// the original excerpt. Advisory: the redactor never blocks on it.
	SentinelFlag bool
}

// Redactor applies the snippet bound and sentinel scan. Construct once
// from config; all fields are read-only afterwards.
type Redactor struct {
	maxSnippetLength int
	fullDocThreshold int
	sentinelMarkers  []string
}

// New creates a redactor with the given bounds. fullDocThreshold is
// the "looks like a whole document" heuristic applied to the combined
// outbound payload.
func New(maxSnippetLength, fullDocThreshold int, sentinelMarkers []string) *Redactor {
	markers := make([]string, len(sentinelMarkers))
	copy(markers, sentinelMarkers)
	return &Redactor{
		maxSnippetLength: maxSnippetLength,
		fullDocThreshold: fullDocThreshold,
		sentinelMarkers:  markers,
	}
}

// MaxSnippetLength returns the configured per-snippet bound.
func (r *Redactor) MaxSnippetLength() int {
	return r.maxSnippetLength
}

// Redact produces the bounded payload for one excerpt. The hash is
// taken of the original text before the cut, truncation is a hard cut
// at the bound with nothing appended, and the sentinel scan runs over
// the original so a marker past the cut point is still flagged.
func (r *Redactor) Redact(excerpt string) RedactedPayload {
	payload := RedactedPayload{
		OriginalHash: Hash(excerpt),
		Text:         excerpt,
	}

	runes := []rune(excerpt)
	if len(runes) > r.maxSnippetLength {
		payload.Text = string(runes[:r.maxSnippetLength])
		payload.TruncationApplied = true
	}

	for _, marker := range r.sentinelMarkers {
		if marker != "" && strings.Contains(excerpt, marker) {
			payload.SentinelFlag = true
			break
		}
	}

	return payload
}

// ValidateOutbound is the last gate before a network call. It
// re-checks the per-snippet bound on each payload and applies the
// full-document heuristic to the combined length. A failure here means
// a bug or a policy breach upstream; the request must abort.
func (r *Redactor) ValidateOutbound(payloads []RedactedPayload) error {
	total := 0
	for _, p := range payloads {
		n := len([]rune(p.Text))
		if n > r.maxSnippetLength {
			return fmt.Errorf("%w: snippet is %d chars, bound is %d", ErrPayloadTooLarge, n, r.maxSnippetLength)
		}
		total += n
	}

	if r.fullDocThreshold > 0 && total >= r.fullDocThreshold {
		return fmt.Errorf("%w: combined payload is %d chars, threshold is %d", ErrFullDocument, total, r.fullDocThreshold)
	}
	return nil
}

// BuildContext assembles the generation context from redacted
// payloads. Each snippet is framed with a source line carrying the
// original-hash prefix, and snippets are joined with a separator so
// the model can tell them apart.
func BuildContext(payloads []RedactedPayload) string {
	parts := make([]string, len(payloads))
	for i, p := range payloads {
		parts[i] = fmt.Sprintf("[Source: %s]\n%s", p.OriginalHash[:12], p.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}
