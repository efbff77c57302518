// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestRedactShortExcerptUntouched(t *testing.T) {
	r := New(100, 1000, nil)

	p := r.Redact("short excerpt")
	if p.TruncationApplied {
		t.Error("no truncation expected")
	}
	if p.Text != "short excerpt" {
		t.Errorf("text modified: %q", p.Text)
	}
	if p.OriginalHash != Hash("short excerpt") {
		t.Error("hash mismatch")
	}
}

func TestRedactTruncatesAtBound(t *testing.T) {
	r := New(10, 1000, nil)
	original := strings.Repeat("a", 25)

	p := r.Redact(original)
	if !p.TruncationApplied {
		t.Error("expected truncation")
	}
	if len(p.Text) != 10 {
		t.Errorf("got length %d, want 10", len(p.Text))
	}
	// The hash must anchor to the text before the cut.
	if p.OriginalHash != Hash(original) {
		t.Error("hash must be of the original, not the truncated text")
	}
	if p.OriginalHash == Hash(p.Text) {
		t.Error("hash should differ from truncated-text hash")
	}
}

func TestRedactExactBoundNotTruncated(t *testing.T) {
	r := New(10, 1000, nil)

	p := r.Redact(strings.Repeat("b", 10))
	if p.TruncationApplied {
		t.Error("excerpt at the bound must not be marked truncated")
	}
}

func TestRedactRuneSafe(t *testing.T) {
	r := New(5, 1000, nil)

	p := r.Redact("héllo wörld")
	runes := []rune(p.Text)
	if len(runes) != 5 {
		t.Errorf("got %d runes, want 5", len(runes))
	}
	if string(runes) != "héllo" {
		t.Errorf("got %q", p.Text)
	}
}

func TestRedactIdempotent(t *testing.T) {
	r := New(10, 1000, []string{"MARK"})
	excerpt := strings.Repeat("x", 30) + "MARK"

	a := r.Redact(excerpt)
	b := r.Redact(excerpt)
	if a != b {
		t.Errorf("redaction not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestSentinelDetection(t *testing.T) {
	r := New(10, 1000, []string{"SECRET-MARK"})

	// The marker sits past the cut point; the scan runs over the
	// original, so it must still be flagged.
	p := r.Redact(strings.Repeat("x", 20) + "SECRET-MARK")
	if !p.SentinelFlag {
		t.Error("sentinel past the cut point must still be detected")
	}

	clean := r.Redact("nothing to see")
	if clean.SentinelFlag {
		t.Error("unexpected sentinel flag")
	}
}

func TestSentinelIsAdvisory(t *testing.T) {
	r := New(100, 1000, []string{"SECRET-MARK"})

	p := r.Redact("contains SECRET-MARK inline")
	if !p.SentinelFlag {
		t.Fatal("expected sentinel flag")
	}
	// The payload is still produced and still validates; blocking is
	// the caller's decision.
	if err := r.ValidateOutbound([]RedactedPayload{p}); err != nil {
		t.Errorf("sentinel must not fail validation: %v", err)
	}
}

func TestValidateOutboundPayloadTooLarge(t *testing.T) {
	r := New(10, 1000, nil)

	// A payload that skipped redaction.
	p := RedactedPayload{Text: strings.Repeat("z", 50)}
	err := r.ValidateOutbound([]RedactedPayload{p})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestValidateOutboundFullDocument(t *testing.T) {
	r := New(100, 250, nil)

	payloads := []RedactedPayload{
		{Text: strings.Repeat("a", 100)},
		{Text: strings.Repeat("b", 100)},
		{Text: strings.Repeat("c", 100)},
	}
	err := r.ValidateOutbound(payloads)
	if !errors.Is(err, ErrFullDocument) {
		t.Errorf("expected ErrFullDocument, got %v", err)
	}
}

func TestValidateOutboundOK(t *testing.T) {
	r := New(100, 1000, nil)

	p := r.Redact(strings.Repeat("a", 500))
	if err := r.ValidateOutbound([]RedactedPayload{p}); err != nil {
		t.Errorf("validation failed on redacted payload: %v", err)
	}
}

func TestHashStable(t *testing.T) {
	if Hash("abc") != Hash("abc") {
		t.Error("hash not stable")
	}
	if Hash("abc") == Hash("abd") {
		t.Error("hash collision on different input")
	}
	if len(Hash("abc")) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(Hash("abc")))
	}
}

func TestBuildContext(t *testing.T) {
	r := New(100, 1000, nil)
	a := r.Redact("first excerpt")
	b := r.Redact("second excerpt")

	ctx := BuildContext([]RedactedPayload{a, b})
	if !strings.Contains(ctx, "first excerpt") || !strings.Contains(ctx, "second excerpt") {
		t.Error("context missing excerpt text")
	}
	if !strings.Contains(ctx, "[Source: "+a.OriginalHash[:12]+"]") {
		t.Error("context missing source attribution")
	}
	if !strings.Contains(ctx, "\n\n---\n\n") {
		t.Error("context missing separator")
	}
}
