package ledger

import (
	"context"
	"errors"
	"testing"

	"decisionledger/internal/audit"
	"decisionledger/internal/config"
	"decisionledger/internal/decision"
)

func lineageIDs(entries []LineageEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Decision.ID)
	}
	return ids
}

func mustSupersede(t *testing.T, engine *Engine, org, newID, oldID string) decision.Relationship {
	t.Helper()
	rel, err := engine.SupersedeDecision(context.Background(), SupersedeInput{
		OrganizationID: org, NewDecisionID: newID, OldDecisionID: oldID, ActorID: "architect",
	})
	if err != nil {
		t.Fatalf("supersede %s by %s: %v", oldID, newID, err)
	}
	return rel
}

func TestSupersessionBuildsLineage(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, engine, "org_a", "A")
	b := mustCreate(t, engine, "org_a", "B")
	c := mustCreate(t, engine, "org_a", "C")

	rel := mustSupersede(t, engine, "org_a", b.Decision.ID, a.Decision.ID)
	if rel.Type != decision.RelationSupersedes || rel.SourceID != b.Decision.ID || rel.TargetID != a.Decision.ID {
		t.Fatalf("unexpected relationship: %+v", rel)
	}
	got, err := engine.GetDecision(ctx, GetDecisionInput{OrganizationID: "org_a", DecisionID: a.Decision.ID})
	if err != nil || got.Decision.Status != decision.StatusSuperseded {
		t.Fatalf("expected A to be SUPERSEDED, got %+v (%v)", got.Decision, err)
	}

	lineage, err := engine.GetLineage(ctx, "org_a", b.Decision.ID)
	if err != nil {
		t.Fatalf("lineage of B: %v", err)
	}
	if ids := lineageIDs(lineage); len(ids) != 1 || ids[0] != a.Decision.ID {
		t.Fatalf("expected lineage [A], got %v", ids)
	}

	mustSupersede(t, engine, "org_a", c.Decision.ID, b.Decision.ID)
	lineage, err = engine.GetLineage(ctx, "org_a", c.Decision.ID)
	if err != nil {
		t.Fatalf("lineage of C: %v", err)
	}
	ids := lineageIDs(lineage)
	if len(ids) != 2 || ids[0] != b.Decision.ID || ids[1] != a.Decision.ID {
		t.Fatalf("expected lineage [B, A], got %v", ids)
	}
	if lineage[0].Depth != 1 || lineage[1].Depth != 2 || lineage[1].SupersededBy != b.Decision.ID {
		t.Fatalf("unexpected lineage depths: %+v", lineage)
	}

	current, err := engine.GetCurrentDecision(ctx, "org_a", a.Decision.ID)
	if err != nil || current.ID != c.Decision.ID {
		t.Fatalf("expected C to stand in for A, got %s (%v)", current.ID, err)
	}
	current, err = engine.GetCurrentDecision(ctx, "org_a", c.Decision.ID)
	if err != nil || current.ID != c.Decision.ID {
		t.Fatalf("expected C to be its own current decision, got %s (%v)", current.ID, err)
	}

	entries := auditEntries(t, mem, "org_a")
	supersedes := 0
	for _, entry := range entries {
		if entry.Action == audit.ActionSupersede && entry.ResourceID == b.Decision.ID {
			supersedes++
		}
	}
	if supersedes != 2 {
		t.Fatalf("expected B to appear in two SUPERSEDE entries, got %d", supersedes)
	}
}

func TestSupersedeRejectsSelfAndDuplicates(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, engine, "org_a", "A")
	b := mustCreate(t, engine, "org_a", "B")

	_, err := engine.SupersedeDecision(ctx, SupersedeInput{OrganizationID: "org_a", NewDecisionID: a.Decision.ID, OldDecisionID: a.Decision.ID, ActorID: "u"})
	if !errors.Is(err, &Error{Kind: KindInvalidOperation, Code: "self_supersede"}) {
		t.Fatalf("expected self_supersede, got %v", err)
	}

	mustSupersede(t, engine, "org_a", b.Decision.ID, a.Decision.ID)
	_, err = engine.SupersedeDecision(ctx, SupersedeInput{OrganizationID: "org_a", NewDecisionID: b.Decision.ID, OldDecisionID: a.Decision.ID, ActorID: "u"})
	if !errors.Is(err, &Error{Kind: KindInvalidOperation, Code: "already_superseded"}) {
		t.Fatalf("expected already_superseded, got %v", err)
	}

	_, err = engine.SupersedeDecision(ctx, SupersedeInput{OrganizationID: "org_a", NewDecisionID: b.Decision.ID, OldDecisionID: "dec_missing", ActorID: "u"})
	assertKind(t, err, KindNotFound)
}

func TestLineageTerminatesOnCycles(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, engine, "org_a", "A")
	b := mustCreate(t, engine, "org_a", "B")

	mustSupersede(t, engine, "org_a", b.Decision.ID, a.Decision.ID)
	mustSupersede(t, engine, "org_a", a.Decision.ID, b.Decision.ID)

	lineage, err := engine.GetLineage(ctx, "org_a", a.Decision.ID)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if ids := lineageIDs(lineage); len(ids) != 1 || ids[0] != b.Decision.ID {
		t.Fatalf("expected cycle to stop after B, got %v", ids)
	}
	if _, err := engine.GetCurrentDecision(ctx, "org_a", a.Decision.ID); err != nil {
		t.Fatalf("current decision on a cycle: %v", err)
	}
}

func TestLineageRespectsDepthCap(t *testing.T) {
	engine := newTestEngineWith(newMemoryStore(), config.LedgerConfig{MaxRetries: 1, LineageMaxDepth: 2})
	ctx := context.Background()

	chain := make([]decision.Snapshot, 4)
	for i := range chain {
		chain[i] = mustCreate(t, engine, "org_a", "link")
	}
	for i := 1; i < len(chain); i++ {
		mustSupersede(t, engine, "org_a", chain[i].Decision.ID, chain[i-1].Decision.ID)
	}

	lineage, err := engine.GetLineage(ctx, "org_a", chain[3].Decision.ID)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	ids := lineageIDs(lineage)
	if len(ids) != 2 || ids[0] != chain[2].Decision.ID || ids[1] != chain[1].Decision.ID {
		t.Fatalf("expected walk to stop at depth 2, got %v", ids)
	}
}

func TestLineageVisitsShallowerPredecessorsFirst(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, engine, "org_a", "A")
	b := mustCreate(t, engine, "org_a", "B")
	c := mustCreate(t, engine, "org_a", "C")
	d := mustCreate(t, engine, "org_a", "D")

	// D replaces both B and C; B in turn replaced A.
	mustSupersede(t, engine, "org_a", b.Decision.ID, a.Decision.ID)
	mustSupersede(t, engine, "org_a", d.Decision.ID, b.Decision.ID)
	mustSupersede(t, engine, "org_a", d.Decision.ID, c.Decision.ID)

	lineage, err := engine.GetLineage(ctx, "org_a", d.Decision.ID)
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	ids := lineageIDs(lineage)
	want := []string{b.Decision.ID, c.Decision.ID, a.Decision.ID}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestInvalidatedEdgesLeaveLineage(t *testing.T) {
	engine, mem := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, engine, "org_a", "A")
	b := mustCreate(t, engine, "org_a", "B")
	rel := mustSupersede(t, engine, "org_a", b.Decision.ID, a.Decision.ID)

	invalidated, err := engine.InvalidateRelationship(ctx, "org_a", rel.ID, "architect")
	if err != nil || invalidated.Active() {
		t.Fatalf("expected edge to be invalidated, got %+v (%v)", invalidated, err)
	}
	_, err = engine.InvalidateRelationship(ctx, "org_a", rel.ID, "architect")
	assertKind(t, err, KindInvalidOperation)
	_, err = engine.InvalidateRelationship(ctx, "org_b", rel.ID, "architect")
	assertKind(t, err, KindNotFound)

	lineage, err := engine.GetLineage(ctx, "org_a", b.Decision.ID)
	if err != nil || len(lineage) != 0 {
		t.Fatalf("expected empty lineage after invalidation, got %v (%v)", lineageIDs(lineage), err)
	}
	current, err := engine.GetCurrentDecision(ctx, "org_a", a.Decision.ID)
	if err != nil || current.ID != a.Decision.ID {
		t.Fatalf("expected A to resolve to itself, got %s (%v)", current.ID, err)
	}

	rels, err := engine.ListRelationships(ctx, "org_a", a.Decision.ID)
	if err != nil || len(rels) != 1 || rels[0].Active() {
		t.Fatalf("expected invalidated edge to remain listed, got %+v (%v)", rels, err)
	}
	if countActions(auditEntries(t, mem, "org_a"), audit.ActionRelationshipInvalidate) != 1 {
		t.Fatal("expected one RELATIONSHIP_INVALIDATE entry")
	}
}

func TestAddRelationship(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()
	a := mustCreate(t, engine, "org_a", "A")
	b := mustCreate(t, engine, "org_a", "B")

	rel, err := engine.AddRelationship(ctx, AddRelationshipInput{
		OrganizationID: "org_a", SourceID: a.Decision.ID, TargetID: b.Decision.ID, Type: "blocked_by", ActorID: "u",
	})
	if err != nil || rel.Type != decision.RelationBlockedBy {
		t.Fatalf("expected blocked_by edge, got %+v (%v)", rel, err)
	}
	got, _ := engine.GetDecision(ctx, GetDecisionInput{OrganizationID: "org_a", DecisionID: b.Decision.ID})
	if got.Decision.Status != decision.StatusDraft {
		t.Fatalf("non-supersedes edges must not change status, got %s", got.Decision.Status)
	}

	_, err = engine.AddRelationship(ctx, AddRelationshipInput{OrganizationID: "org_a", SourceID: a.Decision.ID, TargetID: b.Decision.ID, Type: "owns", ActorID: "u"})
	assertKind(t, err, KindInvalidOperation)
	_, err = engine.AddRelationship(ctx, AddRelationshipInput{OrganizationID: "org_a", SourceID: a.Decision.ID, TargetID: a.Decision.ID, Type: "related_to", ActorID: "u"})
	assertKind(t, err, KindInvalidOperation)

	rel, err = engine.AddRelationship(ctx, AddRelationshipInput{OrganizationID: "org_a", SourceID: b.Decision.ID, TargetID: a.Decision.ID, Type: "supersedes", ActorID: "u"})
	if err != nil || rel.Type != decision.RelationSupersedes {
		t.Fatalf("expected supersedes edge, got %+v (%v)", rel, err)
	}
	got, _ = engine.GetDecision(ctx, GetDecisionInput{OrganizationID: "org_a", DecisionID: a.Decision.ID})
	if got.Decision.Status != decision.StatusSuperseded {
		t.Fatalf("expected supersedes edge to mark A superseded, got %s", got.Decision.Status)
	}
}
