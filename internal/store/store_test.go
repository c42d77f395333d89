package store

import (
	"testing"

	"main/internal/codec"
	"main/internal/schema"
)

func TestTransitionRow(t *testing.T) {
	ev := schema.TransitionEvent{
		IntentID: "arc-1",
		Attempt:  2,
		From:     schema.OrderStateSubmitted,
		To:       schema.OrderStateTimedOut,
		Reason:   "settlement timeout",
		Ts:       123,
	}
	payload, err := codec.EncodeTransition(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	row, err := transitionRow(payload)
	if err != nil {
		t.Fatalf("transitionRow: %v", err)
	}
	if row.IntentID != "arc-1" || row.Attempt != 2 {
		t.Fatalf("row = %+v", row)
	}
	if row.FromState != "submitted" || row.ToState != "timed_out" {
		t.Fatalf("states = %s -> %s", row.FromState, row.ToState)
	}
	if row.Ts != 123 || row.Reason != "settlement timeout" {
		t.Fatalf("row = %+v", row)
	}
}

func TestOutcomeRow(t *testing.T) {
	out := schema.OrderOutcome{
		IntentID:    "arc-2",
		Final:       schema.OrderStateSettled,
		Attempts:    3,
		CompletedAt: 456,
	}
	payload, err := codec.EncodeOutcome(out)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	row, err := outcomeRow(payload)
	if err != nil {
		t.Fatalf("outcomeRow: %v", err)
	}
	if row.IntentID != "arc-2" || row.ToState != "settled" || row.Ts != 456 {
		t.Fatalf("row = %+v", row)
	}
}

func TestRowDecodeFailure(t *testing.T) {
	if _, err := transitionRow([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := outcomeRow([]byte("{")); err == nil {
		t.Fatalf("expected decode error")
	}
}
