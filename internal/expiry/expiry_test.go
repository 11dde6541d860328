package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"decisionledger/internal/audit"
	"decisionledger/internal/config"
	"decisionledger/internal/decision"
	"decisionledger/internal/ledger"
	"decisionledger/internal/store"
)

var sweepAt = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func statusPtr(s decision.Status) *decision.Status { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluate(t *testing.T) {
	window := 7 * 24 * time.Hour
	cases := []struct {
		name     string
		d        decision.Decision
		to       decision.Status
		prior    *decision.Status
		notified string
	}{
		{
			name: "far from review date",
			d:    decision.Decision{Status: decision.StatusApproved, ReviewByDate: timePtr(sweepAt.Add(30 * 24 * time.Hour))},
			to:   decision.StatusApproved,
		},
		{
			name:     "inside warning window",
			d:        decision.Decision{Status: decision.StatusApproved, ReviewByDate: timePtr(sweepAt.Add(3 * 24 * time.Hour))},
			to:       decision.StatusAtRisk,
			prior:    statusPtr(decision.StatusApproved),
			notified: decision.NotificationReviewDue,
		},
		{
			name:     "exactly at window start",
			d:        decision.Decision{Status: decision.StatusPendingReview, ReviewByDate: timePtr(sweepAt.Add(window))},
			to:       decision.StatusAtRisk,
			prior:    statusPtr(decision.StatusPendingReview),
			notified: decision.NotificationReviewDue,
		},
		{
			name:     "review date is now",
			d:        decision.Decision{Status: decision.StatusApproved, ReviewByDate: timePtr(sweepAt)},
			to:       decision.StatusAtRisk,
			prior:    statusPtr(decision.StatusApproved),
			notified: decision.NotificationReviewDue,
		},
		{
			name:     "past review date",
			d:        decision.Decision{Status: decision.StatusApproved, ReviewByDate: timePtr(sweepAt.Add(-time.Second))},
			to:       decision.StatusExpired,
			prior:    statusPtr(decision.StatusApproved),
			notified: decision.NotificationReviewExpired,
		},
		{
			name:     "at risk escalates keeping prior",
			d:        decision.Decision{Status: decision.StatusAtRisk, PriorStatus: statusPtr(decision.StatusPendingReview), ReviewByDate: timePtr(sweepAt.Add(-time.Hour))},
			to:       decision.StatusExpired,
			prior:    statusPtr(decision.StatusPendingReview),
			notified: decision.NotificationReviewExpired,
		},
		{
			name: "at risk reverts once date moves out",
			d:    decision.Decision{Status: decision.StatusAtRisk, PriorStatus: statusPtr(decision.StatusPendingReview), ReviewByDate: timePtr(sweepAt.Add(60 * 24 * time.Hour))},
			to:   decision.StatusPendingReview,
		},
		{
			name: "expired without prior reverts to approved",
			d:    decision.Decision{Status: decision.StatusExpired, ReviewByDate: timePtr(sweepAt.Add(60 * 24 * time.Hour))},
			to:   decision.StatusApproved,
		},
		{
			name: "draft is not managed",
			d:    decision.Decision{Status: decision.StatusDraft, ReviewByDate: timePtr(sweepAt.Add(-time.Hour))},
			to:   decision.StatusDraft,
		},
		{
			name: "deprecated is not managed",
			d:    decision.Decision{Status: decision.StatusDeprecated, ReviewByDate: timePtr(sweepAt.Add(-time.Hour))},
			to:   decision.StatusDeprecated,
		},
		{
			name: "no review date",
			d:    decision.Decision{Status: decision.StatusApproved},
			to:   decision.StatusApproved,
		},
		{
			name: "deleted",
			d:    decision.Decision{Status: decision.StatusApproved, ReviewByDate: timePtr(sweepAt.Add(-time.Hour)), DeletedAt: timePtr(sweepAt)},
			to:   decision.StatusApproved,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := Evaluate(tc.d, sweepAt, window)
			if out.To != tc.to {
				t.Fatalf("expected %s, got %s", tc.to, out.To)
			}
			if (out.Prior == nil) != (tc.prior == nil) || (out.Prior != nil && *out.Prior != *tc.prior) {
				t.Fatalf("expected prior %v, got %v", tc.prior, out.Prior)
			}
			if out.Notification != tc.notified {
				t.Fatalf("expected notification %q, got %q", tc.notified, out.Notification)
			}
		})
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []decision.ReviewNotification
	err  error
}

func (n *recordingNotifier) Publish(_ context.Context, notification decision.ReviewNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed []decision.Decision
}

func (r *recordingIndexer) IndexDecision(d decision.Decision, _ decision.Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed = append(r.indexed, d)
}

func (r *recordingIndexer) RemoveDecision(_, _ string) {}

func (r *recordingIndexer) last() (decision.Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.indexed) == 0 {
		return decision.Decision{}, false
	}
	return r.indexed[len(r.indexed)-1], true
}

type fixture struct {
	store    *store.MemoryStore
	ledger   *ledger.Engine
	expiry   *Engine
	notifier *recordingNotifier
	indexer  *recordingIndexer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.PutOrganization(decision.Organization{ID: "org_a", Name: "A", IsActive: true})
	mem.PutOrganization(decision.Organization{ID: "org_b", Name: "B", IsActive: true})
	notifier := &recordingNotifier{}
	indexer := &recordingIndexer{}
	engine := NewEngine(mem, config.ExpiryConfig{WarningWindow: 7 * 24 * time.Hour, Concurrency: 2}, nil, notifier, indexer)
	engine.now = func() time.Time { return sweepAt }
	return &fixture{
		store:    mem,
		ledger:   ledger.NewEngine(mem, config.LedgerConfig{MaxRetries: 2, LineageMaxDepth: 10}, nil, nil),
		expiry:   engine,
		notifier: notifier,
		indexer:  indexer,
	}
}

// seed creates a decision with a review date and walks it to status.
func (f *fixture) seed(t *testing.T, org string, reviewBy time.Time, status decision.Status) decision.Decision {
	t.Helper()
	ctx := context.Background()
	snap, err := f.ledger.CreateDecision(ctx, ledger.CreateDecisionInput{
		OrganizationID: org,
		CreatorID:      "author",
		Title:          "Rotate signing keys yearly",
		ImpactLevel:    "medium",
		ReviewerIDs:    []string{"alice"},
		ReviewByDate:   &reviewBy,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if status == decision.StatusDraft {
		return snap.Decision
	}
	if _, err := f.ledger.SubmitForReview(ctx, org, snap.Decision.ID, "author"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	switch status {
	case decision.StatusApproved:
		if _, err := f.ledger.RecordApproval(ctx, ledger.RecordApprovalInput{OrganizationID: org, VersionID: snap.Version.ID, UserID: "alice", Status: "approved"}); err != nil {
			t.Fatalf("approve: %v", err)
		}
	case decision.StatusDeprecated:
		if _, err := f.ledger.DeprecateDecision(ctx, org, snap.Decision.ID, "author", "retired"); err != nil {
			t.Fatalf("deprecate: %v", err)
		}
	}
	return f.get(t, org, snap.Decision.ID)
}

func (f *fixture) get(t *testing.T, org, id string) decision.Decision {
	t.Helper()
	snap, err := f.ledger.GetDecision(context.Background(), ledger.GetDecisionInput{OrganizationID: org, DecisionID: id})
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return snap.Decision
}

func (f *fixture) auditCount(t *testing.T, org string) int {
	t.Helper()
	entries, err := f.store.ScanAuditChain(context.Background(), org, 0, 0)
	if err != nil {
		t.Fatalf("scan chain: %v", err)
	}
	return len(entries)
}

func TestSweepTransitionsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fresh := f.seed(t, "org_a", sweepAt.Add(90*24*time.Hour), decision.StatusApproved)
	dueSoon := f.seed(t, "org_a", sweepAt.Add(2*24*time.Hour), decision.StatusApproved)
	overdue := f.seed(t, "org_b", sweepAt.Add(-24*time.Hour), decision.StatusPendingReview)
	draft := f.seed(t, "org_a", sweepAt.Add(-24*time.Hour), decision.StatusDraft)
	retired := f.seed(t, "org_a", sweepAt.Add(-24*time.Hour), decision.StatusDeprecated)

	versionsBefore, _ := f.ledger.ListVersions(ctx, "org_a", dueSoon.ID)
	auditA, auditB := f.auditCount(t, "org_a"), f.auditCount(t, "org_b")

	result, err := f.expiry.Sweep(ctx, sweepAt)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Organizations != 2 || result.AtRisk != 1 || result.Expired != 1 || result.Reverted != 0 || result.Failed != 0 {
		t.Fatalf("unexpected sweep result: %+v", result)
	}
	if result.Notifications != 2 || f.notifier.count() != 2 {
		t.Fatalf("expected two notifications, got %+v and %d published", result, f.notifier.count())
	}

	if got := f.get(t, "org_a", dueSoon.ID); got.Status != decision.StatusAtRisk || got.PriorStatus == nil || *got.PriorStatus != decision.StatusApproved {
		t.Fatalf("expected AT_RISK over APPROVED, got %s/%v", got.Status, got.PriorStatus)
	}
	if got := f.get(t, "org_b", overdue.ID); got.Status != decision.StatusExpired || *got.PriorStatus != decision.StatusPendingReview {
		t.Fatalf("expected EXPIRED over PENDING_REVIEW, got %s", got.Status)
	}
	for _, unchanged := range []decision.Decision{fresh, draft, retired} {
		if got := f.get(t, "org_a", unchanged.ID); got.Status != unchanged.Status {
			t.Fatalf("decision %s moved from %s to %s", unchanged.ID, unchanged.Status, got.Status)
		}
	}

	versionsAfter, _ := f.ledger.ListVersions(ctx, "org_a", dueSoon.ID)
	if len(versionsAfter) != len(versionsBefore) {
		t.Fatal("sweep must not create versions")
	}
	if f.auditCount(t, "org_a") != auditA+1 || f.auditCount(t, "org_b") != auditB+1 {
		t.Fatal("expected exactly one EXPIRY_TRANSITION entry per changed decision")
	}

	auditA, auditB = f.auditCount(t, "org_a"), f.auditCount(t, "org_b")
	again, err := f.expiry.Sweep(ctx, sweepAt)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again.AtRisk+again.Expired+again.Reverted+again.Notifications != 0 {
		t.Fatalf("expected second sweep to be a no-op, got %+v", again)
	}
	if f.auditCount(t, "org_a") != auditA || f.auditCount(t, "org_b") != auditB || f.notifier.count() != 2 {
		t.Fatal("second sweep wrote audit entries or republished")
	}

	trail := audit.NewTrail(f.store, nil)
	for _, org := range []string{"org_a", "org_b"} {
		verified, err := trail.VerifyChain(ctx, org)
		if err != nil || !verified.IsValid {
			t.Fatalf("expected valid chain for %s, got %+v (%v)", org, verified, err)
		}
	}
}

func TestSweepEscalatesAndReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(3*24*time.Hour), decision.StatusApproved)

	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	later := sweepAt.Add(4 * 24 * time.Hour)
	result, err := f.expiry.Sweep(ctx, later)
	if err != nil || result.Expired != 1 {
		t.Fatalf("expected escalation to EXPIRED, got %+v (%v)", result, err)
	}
	got := f.get(t, "org_a", d.ID)
	if got.Status != decision.StatusExpired || got.PriorStatus == nil || *got.PriorStatus != decision.StatusApproved {
		t.Fatalf("expected EXPIRED remembering APPROVED, got %s/%v", got.Status, got.PriorStatus)
	}

	pushed := later.Add(120 * 24 * time.Hour)
	if err := f.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetReviewByDate(ctx, d.ID, &pushed, later)
	}); err != nil {
		t.Fatalf("push review date: %v", err)
	}
	result, err = f.expiry.Sweep(ctx, later)
	if err != nil || result.Reverted != 1 || result.Notifications != 0 {
		t.Fatalf("expected one revert without notification, got %+v (%v)", result, err)
	}
	got = f.get(t, "org_a", d.ID)
	if got.Status != decision.StatusApproved || got.PriorStatus != nil {
		t.Fatalf("expected APPROVED with prior cleared, got %s/%v", got.Status, got.PriorStatus)
	}
	if f.notifier.count() != 2 {
		t.Fatalf("expected due and expired notifications, got %d", f.notifier.count())
	}
}

func TestSnoozeRestoresPriorStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reviewBy := sweepAt.Add(-time.Hour)
	d := f.seed(t, "org_a", reviewBy, decision.StatusApproved)

	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	before := f.auditCount(t, "org_a")

	snoozed, err := f.expiry.Snooze(ctx, SnoozeInput{OrganizationID: "org_a", DecisionID: d.ID, ActorID: "owner", Delta: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if snoozed.Status != decision.StatusApproved || !snoozed.ReviewByDate.Equal(reviewBy.Add(30*24*time.Hour)) {
		t.Fatalf("unexpected snoozed decision: %s %v", snoozed.Status, snoozed.ReviewByDate)
	}
	entries, _ := f.store.ScanAuditChain(ctx, "org_a", 0, 0)
	if len(entries) != before+1 || entries[len(entries)-1].Action != audit.ActionSnooze {
		t.Fatal("expected one SNOOZE entry")
	}

	result, err := f.expiry.Sweep(ctx, sweepAt)
	if err != nil || result.AtRisk+result.Expired+result.Reverted != 0 {
		t.Fatalf("expected snoozed decision to be left alone, got %+v (%v)", result, err)
	}
}

func TestApprovalUnderOverlaySurvivesSnooze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(2*24*time.Hour), decision.StatusPendingReview)
	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	result, err := f.ledger.RecordApproval(ctx, ledger.RecordApprovalInput{
		OrganizationID: "org_a", VersionID: d.CurrentVersionID, UserID: "alice", Status: "approved",
	})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if !result.Transitioned || result.ApprovedCount != 1 || result.RequiredCount != 1 {
		t.Fatalf("expected the approval to meet the threshold, got %+v", result)
	}
	got := f.get(t, "org_a", d.ID)
	if got.Status != decision.StatusAtRisk || got.PriorStatus == nil || *got.PriorStatus != decision.StatusApproved {
		t.Fatalf("expected AT_RISK over APPROVED, got %s/%v", got.Status, got.PriorStatus)
	}

	snoozed, err := f.expiry.Snooze(ctx, SnoozeInput{OrganizationID: "org_a", DecisionID: d.ID, ActorID: "owner", Delta: 90 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if snoozed.Status != decision.StatusApproved {
		t.Fatalf("all required reviewers approved but decision is %s", snoozed.Status)
	}
	if got := f.get(t, "org_a", d.ID); got.Status != decision.StatusApproved || got.PriorStatus != nil {
		t.Fatalf("expected stored APPROVED, got %s/%v", got.Status, got.PriorStatus)
	}
	verified, err := audit.NewTrail(f.store, nil).VerifyChain(ctx, "org_a")
	if err != nil || !verified.IsValid {
		t.Fatalf("expected valid chain, got %+v (%v)", verified, err)
	}
}

// approveBehindEngine writes an approval without re-evaluating the threshold,
// leaving a fully approved decision stuck under its overlay.
func (f *fixture) approveBehindEngine(t *testing.T, d decision.Decision, userID string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.UpsertApproval(ctx, decision.Approval{
			ID: "apr_" + userID, VersionID: d.CurrentVersionID, UserID: userID,
			Status: decision.ApprovalApproved, CreatedAt: sweepAt, UpdatedAt: sweepAt,
		})
		return err
	}); err != nil {
		t.Fatalf("write approval: %v", err)
	}
}

func TestRevertPromotesFullyApprovedPendingDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(-time.Hour), decision.StatusPendingReview)
	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	f.approveBehindEngine(t, d, "alice")

	pushed := sweepAt.Add(60 * 24 * time.Hour)
	if err := f.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.SetReviewByDate(ctx, d.ID, &pushed, sweepAt)
	}); err != nil {
		t.Fatalf("push review date: %v", err)
	}
	result, err := f.expiry.Sweep(ctx, sweepAt)
	if err != nil || result.Reverted != 1 {
		t.Fatalf("expected one revert, got %+v (%v)", result, err)
	}
	if got := f.get(t, "org_a", d.ID); got.Status != decision.StatusApproved {
		t.Fatalf("expected revert to land on APPROVED, got %s", got.Status)
	}
}

func TestSnoozePromotesFullyApprovedPendingDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(-time.Hour), decision.StatusPendingReview)
	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	f.approveBehindEngine(t, d, "alice")

	snoozed, err := f.expiry.Snooze(ctx, SnoozeInput{OrganizationID: "org_a", DecisionID: d.ID, ActorID: "owner", Delta: 30 * 24 * time.Hour})
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	if snoozed.Status != decision.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", snoozed.Status)
	}
	entries, _ := f.store.ScanAuditChain(ctx, "org_a", 0, 0)
	last := entries[len(entries)-1]
	if last.Action != audit.ActionSnooze || last.Details["reason"] != "approval_threshold" {
		t.Fatalf("expected the SNOOZE entry to record the threshold, got %s %v", last.Action, last.Details)
	}
}

func TestSweepAndSnoozeRefreshSearchIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(-time.Hour), decision.StatusApproved)

	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, ok := f.indexer.last()
	if !ok || got.ID != d.ID || got.Status != decision.StatusExpired {
		t.Fatalf("expected the index to see EXPIRED, got %+v", got)
	}

	if _, err := f.expiry.Snooze(ctx, SnoozeInput{OrganizationID: "org_a", DecisionID: d.ID, ActorID: "owner", Delta: 30 * 24 * time.Hour}); err != nil {
		t.Fatalf("snooze: %v", err)
	}
	got, _ = f.indexer.last()
	if got.Status != decision.StatusApproved {
		t.Fatalf("expected the index to see APPROVED after snooze, got %s", got.Status)
	}
}

func TestSnoozeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(time.Hour), decision.StatusApproved)
	retired := f.seed(t, "org_a", sweepAt.Add(time.Hour), decision.StatusDeprecated)
	snap, err := f.ledger.CreateDecision(ctx, ledger.CreateDecisionInput{OrganizationID: "org_a", CreatorID: "u", Title: "no date", ImpactLevel: "low"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		in   SnoozeInput
		kind ledger.Kind
	}{
		{"zero delta", SnoozeInput{OrganizationID: "org_a", DecisionID: d.ID, ActorID: "u"}, ledger.KindInvalidOperation},
		{"negative delta", SnoozeInput{OrganizationID: "org_a", DecisionID: d.ID, ActorID: "u", Delta: -time.Hour}, ledger.KindInvalidOperation},
		{"other tenant", SnoozeInput{OrganizationID: "org_b", DecisionID: d.ID, ActorID: "u", Delta: time.Hour}, ledger.KindNotFound},
		{"deprecated", SnoozeInput{OrganizationID: "org_a", DecisionID: retired.ID, ActorID: "u", Delta: time.Hour}, ledger.KindInvalidOperation},
		{"no review date", SnoozeInput{OrganizationID: "org_a", DecisionID: snap.Decision.ID, ActorID: "u", Delta: time.Hour}, ledger.KindInvalidOperation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.expiry.Snooze(ctx, tc.in)
			kind, ok := ledger.KindOf(err)
			if !ok || kind != tc.kind {
				t.Fatalf("expected %s, got %v", tc.kind, err)
			}
		})
	}
}

func TestManualTransitionsSeeThroughExpiryOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.seed(t, "org_a", sweepAt.Add(time.Hour), decision.StatusApproved)
	if _, err := f.expiry.Sweep(ctx, sweepAt); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	deprecated, err := f.ledger.DeprecateDecision(ctx, "org_a", d.ID, "owner", "replaced")
	if err != nil {
		t.Fatalf("deprecate an AT_RISK decision: %v", err)
	}
	if deprecated.Status != decision.StatusDeprecated || deprecated.PriorStatus != nil {
		t.Fatalf("unexpected status after deprecation: %s/%v", deprecated.Status, deprecated.PriorStatus)
	}
	result, err := f.expiry.Sweep(ctx, sweepAt.Add(2*time.Hour))
	if err != nil || result.Examined != 0 {
		t.Fatalf("deprecated decisions must leave the sweep, got %+v (%v)", result, err)
	}
}

func TestPublishFailureDoesNotFailSweep(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("redis unavailable")
	d := f.seed(t, "org_a", sweepAt.Add(-time.Hour), decision.StatusApproved)

	result, err := f.expiry.Sweep(context.Background(), sweepAt)
	if err != nil || result.Expired != 1 || result.Failed != 0 {
		t.Fatalf("expected transition despite publish failure, got %+v (%v)", result, err)
	}
	if got := f.get(t, "org_a", d.ID); got.Status != decision.StatusExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
}

func TestRunWithoutIntervalReturns(t *testing.T) {
	f := newFixture(t)
	done := make(chan struct{})
	go func() {
		f.expiry.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with a zero interval should return immediately")
	}
}
