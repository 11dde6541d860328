package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
	"decisionledger/internal/store"
	"decisionledger/internal/util"
)

type RecordApprovalInput struct {
	OrganizationID string
	VersionID      string
	UserID         string
	Status         string
	Comment        string
}

type ApprovalResult struct {
	Approval       decision.Approval
	DecisionID     string
	DecisionStatus decision.Status
	RequiredCount  int
	ApprovedCount  int
	// Transitioned is set when this approval moved the decision to APPROVED.
	Transitioned bool
}

type ApprovalState struct {
	VersionID     string
	Reviewers     []decision.RequiredReviewer
	Approvals     []decision.Approval
	RequiredCount int
	ApprovedCount int
}

// RecordApproval upserts the reviewer's verdict on the current version and
// re-evaluates the approval threshold in the same transaction.
func (e *Engine) RecordApproval(ctx context.Context, in RecordApprovalInput) (result ApprovalResult, err error) {
	ctx, span := e.startSpan(ctx, "RecordApproval",
		attribute.String("org_id", in.OrganizationID),
		attribute.String("version_id", in.VersionID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(in.OrganizationID, in.UserID); err != nil {
		return ApprovalResult{}, err
	}
	status, ok := decision.ParseApprovalStatus(in.Status)
	if !ok {
		return ApprovalResult{}, invalid("invalid_approval_status", "approval status must be approved, rejected or abstained",
			map[string]any{"status": in.Status})
	}

	var (
		indexed  decision.Decision
		snapshot decision.Version
	)
	err = e.inTx(ctx, "record approval", func(tx store.Tx) error {
		v, err := tx.GetVersion(ctx, in.VersionID)
		if errors.Is(err, store.ErrNotFound) {
			return versionNotFound(in.VersionID)
		}
		if err != nil {
			return err
		}
		// Locking the decision row serializes approvals for the version so the
		// threshold check below sees every committed approval.
		d, err := loadDecision(ctx, tx, in.OrganizationID, v.DecisionID, true)
		if err != nil {
			var ledgerErr *Error
			if errors.As(err, &ledgerErr) && ledgerErr.Kind == KindNotFound {
				return versionNotFound(in.VersionID)
			}
			return err
		}
		if !decision.CanAmend(d.Status) {
			return invalid("decision_closed", "approvals are not accepted for superseded or deprecated decisions",
				map[string]any{"decision_id": d.ID, "status": string(d.Status)})
		}
		if d.CurrentVersionID != v.ID {
			return invalid("version_not_current", "approvals are only accepted for the current version",
				map[string]any{"version_id": v.ID, "current_version_id": d.CurrentVersionID})
		}
		reviewers, err := tx.ListRequiredReviewers(ctx, v.ID)
		if err != nil {
			return err
		}
		if !isReviewer(reviewers, in.UserID) {
			return invalid("not_required_reviewer", "user is not a required reviewer of this version",
				map[string]any{"version_id": v.ID, "user_id": in.UserID})
		}

		now := e.clock()
		approval, err := tx.UpsertApproval(ctx, decision.Approval{
			ID:        util.NewID("apr"),
			VersionID: v.ID,
			UserID:    in.UserID,
			Status:    status,
			Comment:   strings.TrimSpace(in.Comment),
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return err
		}
		approvals, err := tx.ListApprovals(ctx, v.ID)
		if err != nil {
			return err
		}
		approved := decision.CountApproved(reviewers, approvals)
		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.UserID),
			Action:         audit.ActionApprove,
			ResourceType:   audit.ResourceVersion,
			ResourceID:     v.ID,
			Details: map[string]any{
				"decision_id":    d.ID,
				"status":         string(status),
				"approved_count": approved,
				"required_count": len(reviewers),
			},
		}, now); err != nil {
			return err
		}
		transitioned, err := e.applyApprovalThreshold(ctx, tx, &d, v.ID, in.UserID, now)
		if err != nil {
			return err
		}
		result = ApprovalResult{
			Approval:       approval,
			DecisionID:     d.ID,
			DecisionStatus: d.Status,
			RequiredCount:  len(reviewers),
			ApprovedCount:  approved,
			Transitioned:   transitioned,
		}
		indexed, snapshot = d, v
		return nil
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	if result.Transitioned {
		e.log.Info("decision approved", "org_id", in.OrganizationID, "decision_id", result.DecisionID)
		e.index(indexed, snapshot)
	}
	return result, nil
}

// applyApprovalThreshold recounts approvals of versionID and moves d to
// APPROVED when the rule says so. The rule is judged from the status under an
// AT_RISK or EXPIRED overlay; in that case the overlay stays and APPROVED
// becomes the status the decision returns to. It reports whether d changed.
func (e *Engine) applyApprovalThreshold(ctx context.Context, tx store.Tx, d *decision.Decision, versionID, actorID string, now time.Time) (bool, error) {
	reviewers, err := tx.ListRequiredReviewers(ctx, versionID)
	if err != nil {
		return false, err
	}
	approvals, err := tx.ListApprovals(ctx, versionID)
	if err != nil {
		return false, err
	}
	approved := decision.CountApproved(reviewers, approvals)
	from := effectiveStatus(*d)
	next, ok := decision.EvaluateApprovalThreshold(len(reviewers), approved, from)
	if !ok {
		return false, nil
	}

	status, prior := next, (*decision.Status)(nil)
	details := map[string]any{
		"from":           string(from),
		"to":             string(next),
		"reason":         "approval_threshold",
		"version_id":     versionID,
		"approved_count": approved,
		"required_count": len(reviewers),
	}
	if from != d.Status {
		status, prior = d.Status, &next
		details["overlay"] = string(d.Status)
	}
	if err := tx.UpdateDecisionStatus(ctx, d.ID, status, prior, now); err != nil {
		return false, err
	}
	if _, err := audit.Append(ctx, tx, audit.Record{
		OrganizationID: d.OrganizationID,
		ActorID:        audit.Actor(actorID),
		Action:         audit.ActionStatusChange,
		ResourceType:   audit.ResourceDecision,
		ResourceID:     d.ID,
		Details:        details,
	}, now); err != nil {
		return false, err
	}
	d.Status = status
	d.PriorStatus = prior
	d.UpdatedAt = now
	return true, nil
}

// GetApprovalState reports reviewers and approvals of the current version.
func (e *Engine) GetApprovalState(ctx context.Context, organizationID, decisionID string) (ApprovalState, error) {
	var state ApprovalState
	err := e.inTx(ctx, "get approval state", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, false)
		if err != nil {
			return err
		}
		reviewers, err := tx.ListRequiredReviewers(ctx, d.CurrentVersionID)
		if err != nil {
			return err
		}
		approvals, err := tx.ListApprovals(ctx, d.CurrentVersionID)
		if err != nil {
			return err
		}
		state = ApprovalState{
			VersionID:     d.CurrentVersionID,
			Reviewers:     reviewers,
			Approvals:     approvals,
			RequiredCount: len(reviewers),
			ApprovedCount: decision.CountApproved(reviewers, approvals),
		}
		return nil
	})
	return state, err
}

func isReviewer(reviewers []decision.RequiredReviewer, userID string) bool {
	for _, reviewer := range reviewers {
		if reviewer.UserID == userID {
			return true
		}
	}
	return false
}
