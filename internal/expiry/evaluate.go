package expiry

import (
	"time"

	"decisionledger/internal/decision"
)

// Outcome is what the sweep should do with one decision at a given instant.
type Outcome struct {
	From decision.Status
	To   decision.Status
	// Prior is stored alongside AT_RISK and EXPIRED so the decision can
	// return to it later. It is nil for every other target.
	Prior *decision.Status
	// Notification names the ReviewNotification kind to record, if any.
	Notification string
}

func (o Outcome) Changed() bool {
	return o.From != o.To
}

// Evaluate decides the time-driven status of d at now. A decision is EXPIRED
// once now is past its review date, AT_RISK within window before it, and
// otherwise back at the status it had before the sweep first touched it.
// Decisions the sweep does not manage come back unchanged.
func Evaluate(d decision.Decision, now time.Time, window time.Duration) Outcome {
	out := Outcome{From: d.Status, To: d.Status}
	if d.IsDeleted() || d.ReviewByDate == nil || !decision.Reviewable(d.Status) {
		return out
	}
	base := baseStatus(d)
	reviewBy := *d.ReviewByDate

	switch {
	case now.After(reviewBy):
		out.To = decision.StatusExpired
		out.Notification = decision.NotificationReviewExpired
	case window > 0 && !now.Before(reviewBy.Add(-window)):
		out.To = decision.StatusAtRisk
		out.Notification = decision.NotificationReviewDue
	default:
		out.To = base
		return out
	}
	out.Prior = &base
	return out
}

// baseStatus is the status underneath an AT_RISK or EXPIRED overlay. Rows
// written before prior_status existed fall back to APPROVED.
func baseStatus(d decision.Decision) decision.Status {
	if d.Status != decision.StatusAtRisk && d.Status != decision.StatusExpired {
		return d.Status
	}
	if d.PriorStatus != nil {
		return *d.PriorStatus
	}
	return decision.StatusApproved
}
