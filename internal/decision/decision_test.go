package decision

import (
	"reflect"
	"testing"
)

func sampleContent() Content {
	return Content{
		ProblemContext: "Service mesh retries amplify outages",
		ChosenOption:   "Budgeted retries",
		Rationale:      "Caps retry storms",
		Alternatives: []Alternative{
			{Name: "No retries", Summary: "Fail fast", RejectionReason: "Too many user-visible errors"},
		},
	}
}

func TestContentHashDeterministic(t *testing.T) {
	first, err := ContentHash("Retry budget", sampleContent(), []string{"infra", "reliability"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	second, err := ContentHash("Retry budget", sampleContent(), []string{"infra", "reliability"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical hashes, got %s and %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", first)
	}
}

func TestContentHashChangesWithEachField(t *testing.T) {
	base, _ := ContentHash("Retry budget", sampleContent(), []string{"infra"})

	changedTitle, _ := ContentHash("Retry budgets", sampleContent(), []string{"infra"})
	content := sampleContent()
	content.Rationale = "Caps retry storms at 10%"
	changedContent, _ := ContentHash("Retry budget", content, []string{"infra"})
	changedTags, _ := ContentHash("Retry budget", sampleContent(), []string{"infra", "mesh"})

	for name, hash := range map[string]string{
		"title":   changedTitle,
		"content": changedContent,
		"tags":    changedTags,
	} {
		if hash == base {
			t.Fatalf("expected %s change to alter the hash", name)
		}
	}
}

func TestContentHashNormalizesEquivalentInput(t *testing.T) {
	// "é" composed vs decomposed, padded title, unsorted duplicate tags.
	composed, _ := ContentHash("Café rollout", sampleContent(), []string{"b", "a"})
	decomposed, _ := ContentHash("  Cafe\u0301 rollout ", sampleContent(), []string{"A", "b", "a", " "})
	if composed != decomposed {
		t.Fatalf("expected normalized inputs to hash identically")
	}
}

func TestVerifyContentHash(t *testing.T) {
	hash, _ := ContentHash("Retry budget", sampleContent(), []string{"infra"})
	version := Version{Title: "Retry budget", Content: sampleContent(), Tags: []string{"infra"}, ContentHash: hash}
	ok, err := VerifyContentHash(version)
	if err != nil || !ok {
		t.Fatalf("expected stored hash to verify, ok=%v err=%v", ok, err)
	}
	version.Title = "Edited"
	if ok, _ := VerifyContentHash(version); ok {
		t.Fatal("expected edited version to fail verification")
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Infra", "infra", "", "API"})
	want := []string{"api", "infra"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusDraft, StatusPendingReview, true},
		{StatusPendingReview, StatusApproved, true},
		{StatusApproved, StatusDeprecated, true},
		{StatusDraft, StatusDeprecated, true},
		{StatusDraft, StatusApproved, false},
		{StatusSuperseded, StatusDraft, false},
		{StatusSuperseded, StatusDeprecated, false},
		{StatusApproved, StatusSuperseded, false},
		{StatusDeprecated, StatusApproved, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestEvaluateApprovalThreshold(t *testing.T) {
	tests := []struct {
		name     string
		required int
		approved int
		current  Status
		want     Status
		changed  bool
	}{
		{"below threshold", 3, 2, StatusPendingReview, "", false},
		{"threshold met", 3, 3, StatusPendingReview, StatusApproved, true},
		{"already approved", 3, 3, StatusApproved, "", false},
		{"draft never auto-approves", 2, 2, StatusDraft, "", false},
		{"no reviewers", 0, 0, StatusPendingReview, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := EvaluateApprovalThreshold(tt.required, tt.approved, tt.current)
			if got != tt.want || changed != tt.changed {
				t.Fatalf("got (%q, %v), want (%q, %v)", got, changed, tt.want, tt.changed)
			}
		})
	}
}

func TestCountApprovedCountsRequiredReviewersOnce(t *testing.T) {
	reviewers := []RequiredReviewer{{UserID: "alice"}, {UserID: "bob"}}
	approvals := []Approval{
		{UserID: "alice", Status: ApprovalApproved},
		{UserID: "alice", Status: ApprovalApproved},
		{UserID: "bob", Status: ApprovalRejected},
		{UserID: "mallory", Status: ApprovalApproved},
	}
	if got := CountApproved(reviewers, approvals); got != 1 {
		t.Fatalf("expected 1 approval, got %d", got)
	}
}

func TestParseEnums(t *testing.T) {
	if _, ok := ParseImpactLevel("Critical"); !ok {
		t.Fatal("expected critical to parse")
	}
	if _, ok := ParseImpactLevel("severe"); ok {
		t.Fatal("expected severe to be rejected")
	}
	if _, ok := ParseApprovalStatus("approved"); !ok {
		t.Fatal("expected approved to parse")
	}
	if _, ok := ParseApprovalStatus("maybe"); ok {
		t.Fatal("expected maybe to be rejected")
	}
	if status, ok := ParseStatus("pending_review"); !ok || status != StatusPendingReview {
		t.Fatalf("expected PENDING_REVIEW, got %q", status)
	}
	if _, ok := ParseRelationType("depends_on"); ok {
		t.Fatal("expected depends_on to be rejected")
	}
}
