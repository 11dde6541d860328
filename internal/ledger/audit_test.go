package ledger

import (
	"context"
	"testing"

	"decisionledger/internal/audit"
)

func TestLedgerOperationsKeepAuditChainValid(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, engine, "org_a", "A", "alice")
	mustAmend(t, engine, "org_a", a.Decision.ID, "A2")
	b := mustCreate(t, engine, "org_a", "B")
	mustSupersede(t, engine, "org_a", b.Decision.ID, a.Decision.ID)
	if _, err := engine.SubmitForReview(ctx, "org_a", b.Decision.ID, "author"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mustCreate(t, engine, "org_b", "Other tenant")

	trail := audit.NewTrail(mem, nil)
	result, err := trail.VerifyChain(ctx, "org_a")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	entries := auditEntries(t, mem, "org_a")
	if !result.IsValid || result.CheckedEntries != len(entries) {
		t.Fatalf("expected valid chain over %d entries, got %+v", len(entries), result)
	}
	if entries[0].PreviousHash != audit.GenesisHash {
		t.Fatalf("expected first entry to start at genesis, got %q", entries[0].PreviousHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].EntryHash {
			t.Fatalf("entry %d does not link to its predecessor", entries[i].ID)
		}
	}

	target := entries[2]
	if !mem.RewriteAuditDetails(target.ID, map[string]any{"title": "rewritten"}) {
		t.Fatalf("rewrite entry %d", target.ID)
	}
	result, err = trail.VerifyChain(ctx, "org_a")
	if err != nil {
		t.Fatalf("verify after tamper: %v", err)
	}
	if result.IsValid || result.BrokenAtID == nil || *result.BrokenAtID != target.ID {
		t.Fatalf("expected chain to break at %d, got %+v", target.ID, result)
	}

	other, err := trail.VerifyChain(ctx, "org_b")
	if err != nil || !other.IsValid || other.CheckedEntries != 1 {
		t.Fatalf("expected org_b chain to be unaffected, got %+v (%v)", other, err)
	}
}
