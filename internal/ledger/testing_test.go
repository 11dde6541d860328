package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"decisionledger/internal/audit"
	"decisionledger/internal/config"
	"decisionledger/internal/decision"
	"decisionledger/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed []decision.Snapshot
	removed []string
}

func (r *recordingIndexer) IndexDecision(d decision.Decision, v decision.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, decision.Snapshot{Decision: d, Version: v})
}

func (r *recordingIndexer) RemoveDecision(_, decisionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, decisionID)
}

func newMemoryStore() *store.MemoryStore {
	mem := store.NewMemoryStore()
	mem.PutOrganization(decision.Organization{ID: "org_a", Name: "Org A", IsActive: true})
	mem.PutOrganization(decision.Organization{ID: "org_b", Name: "Org B", IsActive: true})
	mem.PutOrganization(decision.Organization{ID: "org_off", Name: "Dormant", IsActive: false})
	return mem
}

func newTestEngineWith(dataStore store.Store, cfg config.LedgerConfig) *Engine {
	engine := NewEngine(dataStore, cfg, nil, nil)
	engine.now = newFakeClock().Now
	engine.retryBackoff = 0
	return engine
}

func newTestEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	mem := newMemoryStore()
	return newTestEngineWith(mem, config.LedgerConfig{MaxRetries: 3, LineageMaxDepth: 100}), mem
}

func sampleContent() decision.Content {
	return decision.Content{
		ProblemContext: "Service discovery is inconsistent across clusters",
		ChosenOption:   "Adopt a single mesh",
		Rationale:      "One control plane is easier to operate",
		Alternatives: []decision.Alternative{
			{Name: "Per-team DNS", Summary: "Status quo", RejectionReason: "Drift between teams"},
		},
	}
}

func mustCreate(t *testing.T, engine *Engine, org, title string, reviewers ...string) decision.Snapshot {
	t.Helper()
	snap, err := engine.CreateDecision(context.Background(), CreateDecisionInput{
		OrganizationID: org,
		CreatorID:      "author",
		Title:          title,
		Content:        sampleContent(),
		ImpactLevel:    "high",
		Tags:           []string{"Platform", "mesh"},
		ReviewerIDs:    reviewers,
	})
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return snap
}

func mustAmend(t *testing.T, engine *Engine, org, decisionID, title string) decision.Version {
	t.Helper()
	content := sampleContent()
	content.Rationale = "Revised: " + title
	v, err := engine.AmendDecision(context.Background(), AmendDecisionInput{
		OrganizationID: org,
		DecisionID:     decisionID,
		EditorID:       "editor",
		Title:          title,
		Content:        content,
		ImpactLevel:    "medium",
		Tags:           []string{"platform"},
		ChangeSummary:  "update " + title,
	})
	if err != nil {
		t.Fatalf("amend %s: %v", decisionID, err)
	}
	return v
}

func auditEntries(t *testing.T, s store.Store, org string) []audit.Entry {
	t.Helper()
	entries, err := s.ScanAuditChain(context.Background(), org, 0, 0)
	if err != nil {
		t.Fatalf("scan audit chain: %v", err)
	}
	return entries
}

func countActions(entries []audit.Entry, action audit.Action) int {
	n := 0
	for _, entry := range entries {
		if entry.Action == action {
			n++
		}
	}
	return n
}

func assertKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	got, ok := KindOf(err)
	if !ok || got != kind {
		t.Fatalf("expected %s error, got %v", kind, err)
	}
}
