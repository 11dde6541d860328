package decision

var manualTransitions = map[Status][]Status{
	StatusDraft:         {StatusPendingReview, StatusDeprecated},
	StatusPendingReview: {StatusApproved, StatusDeprecated},
	StatusApproved:      {StatusDeprecated},
}

// CanTransition reports whether a user-driven status change is allowed.
// SUPERSEDED is only reachable through a supersedes relationship and
// AT_RISK/EXPIRED only through the expiry sweep.
func CanTransition(from, to Status) bool {
	for _, next := range manualTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanAmend reports whether new versions may be appended in status.
func CanAmend(status Status) bool {
	return status != StatusSuperseded && status != StatusDeprecated
}

// Reviewable reports whether the expiry sweep manages a decision in status.
func Reviewable(status Status) bool {
	switch status {
	case StatusPendingReview, StatusApproved, StatusAtRisk, StatusExpired:
		return true
	default:
		return false
	}
}

// EvaluateApprovalThreshold returns the status a decision moves to after an
// approval write, or false when nothing changes. Only PENDING_REVIEW
// decisions with at least one required reviewer auto-approve.
func EvaluateApprovalThreshold(requiredCount, approvedCount int, current Status) (Status, bool) {
	if current != StatusPendingReview {
		return "", false
	}
	if requiredCount <= 0 || approvedCount < requiredCount {
		return "", false
	}
	return StatusApproved, true
}

// CountApproved counts distinct required reviewers whose approval is
// currently "approved".
func CountApproved(reviewers []RequiredReviewer, approvals []Approval) int {
	required := make(map[string]struct{}, len(reviewers))
	for _, reviewer := range reviewers {
		required[reviewer.UserID] = struct{}{}
	}
	counted := make(map[string]struct{}, len(approvals))
	for _, approval := range approvals {
		if approval.Status != ApprovalApproved {
			continue
		}
		if _, ok := required[approval.UserID]; !ok {
			continue
		}
		counted[approval.UserID] = struct{}{}
	}
	return len(counted)
}
