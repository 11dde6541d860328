package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
	"decisionledger/internal/store"
	"decisionledger/internal/util"
)

type CreateDecisionInput struct {
	OrganizationID string
	CreatorID      string
	Title          string
	Content        decision.Content
	ImpactLevel    string
	Tags           []string
	ReviewerIDs    []string
	TeamID         string
	ReviewByDate   *time.Time
	IsTemporary    bool
	CustomFields   map[string]string
}

type AmendDecisionInput struct {
	OrganizationID string
	DecisionID     string
	EditorID       string
	Title          string
	Content        decision.Content
	ImpactLevel    string
	Tags           []string
	ChangeSummary  string
	NewReviewerIDs []string
	// CustomFields replaces the previous version's fields; nil keeps them.
	CustomFields map[string]string
}

type GetDecisionInput struct {
	OrganizationID string
	DecisionID     string
	// AsOfVersion selects a historical version; zero means current.
	AsOfVersion int
	// RecordAccess writes a READ audit entry attributed to ActorID.
	RecordAccess bool
	ActorID      string
}

type ListDecisionsInput struct {
	OrganizationID string
	Status         string
	TeamID         string
	Limit          int
	Offset         int
}

type DecisionPage struct {
	Decisions []decision.Decision
	Total     int
	Limit     int
	Offset    int
}

type versionDraft struct {
	title       string
	content     decision.Content
	impact      decision.ImpactLevel
	tags        []string
	contentHash string
}

func prepareVersion(title string, content decision.Content, impactLevel string, tags []string) (versionDraft, error) {
	normalizedTitle := decision.NormalizeTitle(title)
	if normalizedTitle == "" {
		return versionDraft{}, invalid("title_required", "title must not be empty", nil)
	}
	impact, ok := decision.ParseImpactLevel(impactLevel)
	if !ok {
		return versionDraft{}, invalid("invalid_impact_level", "impact level must be one of low, medium, high, critical",
			map[string]any{"impact_level": impactLevel})
	}
	normalizedContent := decision.NormalizeContent(content)
	normalizedTags := decision.NormalizeTags(tags)
	hash, err := decision.ContentHash(normalizedTitle, normalizedContent, normalizedTags)
	if err != nil {
		return versionDraft{}, fmt.Errorf("hash version content: %w", err)
	}
	return versionDraft{
		title:       normalizedTitle,
		content:     normalizedContent,
		impact:      impact,
		tags:        normalizedTags,
		contentHash: hash,
	}, nil
}

// CreateDecision allocates the next decision number of the organization and
// stores the decision in DRAFT together with version 1.
func (e *Engine) CreateDecision(ctx context.Context, in CreateDecisionInput) (snap decision.Snapshot, err error) {
	ctx, span := e.startSpan(ctx, "CreateDecision", attribute.String("org_id", in.OrganizationID))
	defer func() { endSpan(span, err) }()

	if err := requireScope(in.OrganizationID, in.CreatorID); err != nil {
		return decision.Snapshot{}, err
	}
	draft, err := prepareVersion(in.Title, in.Content, in.ImpactLevel, in.Tags)
	if err != nil {
		return decision.Snapshot{}, err
	}
	reviewerIDs := normalizeIDs(in.ReviewerIDs)
	var teamID *string
	if team := strings.TrimSpace(in.TeamID); team != "" {
		teamID = &team
	}
	var reviewBy *time.Time
	if in.ReviewByDate != nil {
		value := audit.NormalizeTime(*in.ReviewByDate)
		reviewBy = &value
	}

	err = e.inTx(ctx, "create decision", func(tx store.Tx) error {
		if err := requireActiveOrganization(ctx, tx, in.OrganizationID); err != nil {
			return err
		}
		// The chain lock is per organization, so taking it first also
		// serializes decision number allocation.
		if err := tx.LockAuditChain(ctx, in.OrganizationID); err != nil {
			return err
		}
		number, err := tx.NextDecisionNumber(ctx, in.OrganizationID)
		if err != nil {
			return err
		}
		now := e.clock()
		d := decision.Decision{
			ID:             util.NewID("dec"),
			OrganizationID: in.OrganizationID,
			DecisionNumber: number,
			Status:         decision.StatusDraft,
			TeamID:         teamID,
			CreatedBy:      in.CreatorID,
			ReviewByDate:   reviewBy,
			IsTemporary:    in.IsTemporary,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertDecision(ctx, d); err != nil {
			return err
		}
		v := decision.Version{
			ID:            util.NewID("ver"),
			DecisionID:    d.ID,
			VersionNumber: 1,
			Title:         draft.title,
			ImpactLevel:   draft.impact,
			Content:       draft.content,
			Tags:          draft.tags,
			CustomFields:  decision.CloneFields(in.CustomFields),
			CreatedBy:     in.CreatorID,
			CreatedAt:     now,
			ContentHash:   draft.contentHash,
		}
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}
		if err := tx.SetCurrentVersion(ctx, d.ID, v.ID, now); err != nil {
			return err
		}
		d.CurrentVersionID = v.ID
		if err := assignReviewers(ctx, tx, v.ID, reviewerIDs, in.CreatorID, now); err != nil {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.CreatorID),
			Action:         audit.ActionCreate,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     d.ID,
			Details: map[string]any{
				"decision_number": d.DecisionNumber,
				"version_id":      v.ID,
				"version_number":  v.VersionNumber,
				"title":           v.Title,
				"impact_level":    string(v.ImpactLevel),
				"content_hash":    v.ContentHash,
				"reviewer_ids":    reviewerIDs,
			},
		}, now); err != nil {
			return err
		}
		snap = decision.Snapshot{Decision: d, Version: v}
		return nil
	})
	if err != nil {
		return decision.Snapshot{}, err
	}

	e.log.Info("decision created",
		"org_id", in.OrganizationID,
		"decision_id", snap.Decision.ID,
		"decision_number", snap.Decision.DecisionNumber,
	)
	e.index(snap.Decision, snap.Version)
	return snap, nil
}

func assignReviewers(ctx context.Context, tx store.Tx, versionID string, userIDs []string, assignedBy string, at time.Time) error {
	for _, userID := range userIDs {
		if err := tx.InsertRequiredReviewer(ctx, decision.RequiredReviewer{
			ID:         util.NewID("rev"),
			VersionID:  versionID,
			UserID:     userID,
			AssignedBy: assignedBy,
			CreatedAt:  at,
		}); err != nil {
			return err
		}
	}
	return nil
}

// AmendDecision appends version max+1 and repoints the decision at it. The
// decision's status is left alone. Required reviewers of the previous version
// carry forward; their approvals do not.
func (e *Engine) AmendDecision(ctx context.Context, in AmendDecisionInput) (version decision.Version, err error) {
	ctx, span := e.startSpan(ctx, "AmendDecision",
		attribute.String("org_id", in.OrganizationID),
		attribute.String("decision_id", in.DecisionID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(in.OrganizationID, in.EditorID); err != nil {
		return decision.Version{}, err
	}
	changeSummary := strings.TrimSpace(in.ChangeSummary)
	if changeSummary == "" {
		return decision.Version{}, invalid("change_summary_required", "a change summary is required when amending",
			map[string]any{"decision_id": in.DecisionID})
	}
	draft, err := prepareVersion(in.Title, in.Content, in.ImpactLevel, in.Tags)
	if err != nil {
		return decision.Version{}, err
	}
	newReviewerIDs := normalizeIDs(in.NewReviewerIDs)

	var current decision.Decision
	err = e.inTx(ctx, "amend decision", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, in.OrganizationID, in.DecisionID, true)
		if err != nil {
			return err
		}
		if !decision.CanAmend(d.Status) {
			return invalid("decision_not_amendable", "decision cannot be amended in its current status",
				map[string]any{"decision_id": d.ID, "status": string(d.Status)})
		}
		previous, err := currentVersion(ctx, tx, d)
		if err != nil {
			return err
		}
		max, err := tx.MaxVersionNumber(ctx, d.ID)
		if err != nil {
			return err
		}
		fields := in.CustomFields
		if fields == nil {
			fields = previous.CustomFields
		}

		now := e.clock()
		v := decision.Version{
			ID:            util.NewID("ver"),
			DecisionID:    d.ID,
			VersionNumber: max + 1,
			Title:         draft.title,
			ImpactLevel:   draft.impact,
			Content:       draft.content,
			Tags:          draft.tags,
			CustomFields:  decision.CloneFields(fields),
			CreatedBy:     in.EditorID,
			CreatedAt:     now,
			ChangeSummary: changeSummary,
			ContentHash:   draft.contentHash,
		}
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}
		if err := tx.SetCurrentVersion(ctx, d.ID, v.ID, now); err != nil {
			return err
		}
		d.CurrentVersionID = v.ID
		d.UpdatedAt = now

		carried, err := tx.ListRequiredReviewers(ctx, previous.ID)
		if err != nil {
			return err
		}
		reviewerIDs := make([]string, 0, len(carried)+len(newReviewerIDs))
		for _, reviewer := range carried {
			reviewerIDs = append(reviewerIDs, reviewer.UserID)
		}
		reviewerIDs = normalizeIDs(append(reviewerIDs, newReviewerIDs...))
		if err := assignReviewers(ctx, tx, v.ID, reviewerIDs, in.EditorID, now); err != nil {
			return err
		}

		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.EditorID),
			Action:         audit.ActionUpdate,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     d.ID,
			Details: map[string]any{
				"version_id":          v.ID,
				"version_number":      v.VersionNumber,
				"previous_version_id": previous.ID,
				"content_hash":        v.ContentHash,
				"change_summary":      changeSummary,
				"added_reviewer_ids":  newReviewerIDs,
			},
		}, now); err != nil {
			return err
		}
		version = v
		current = d
		return nil
	})
	if err != nil {
		return decision.Version{}, err
	}

	e.log.Info("decision amended",
		"org_id", in.OrganizationID,
		"decision_id", in.DecisionID,
		"version_number", version.VersionNumber,
	)
	e.index(current, version)
	return version, nil
}

// GetDecision returns the decision with its current version, or with the
// version numbered AsOfVersion.
func (e *Engine) GetDecision(ctx context.Context, in GetDecisionInput) (snap decision.Snapshot, err error) {
	ctx, span := e.startSpan(ctx, "GetDecision",
		attribute.String("org_id", in.OrganizationID),
		attribute.String("decision_id", in.DecisionID),
		attribute.Int("as_of_version", in.AsOfVersion),
	)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(in.OrganizationID) == "" {
		return decision.Snapshot{}, invalid("organization_required", "organization is required", nil)
	}
	if in.AsOfVersion < 0 {
		return decision.Snapshot{}, invalid("invalid_version_number", "version number must be positive",
			map[string]any{"version_number": in.AsOfVersion})
	}
	if in.RecordAccess && strings.TrimSpace(in.ActorID) == "" {
		return decision.Snapshot{}, invalid("actor_required", "acting user is required to record access", nil)
	}

	err = e.inTx(ctx, "get decision", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, in.OrganizationID, in.DecisionID, false)
		if err != nil {
			return err
		}
		var v decision.Version
		if in.AsOfVersion > 0 {
			v, err = tx.GetVersionByNumber(ctx, d.ID, in.AsOfVersion)
			if errors.Is(err, store.ErrNotFound) {
				return notFound("version_not_found", "decision version not found",
					map[string]any{"decision_id": d.ID, "version_number": in.AsOfVersion})
			}
		} else {
			v, err = currentVersion(ctx, tx, d)
		}
		if err != nil {
			return err
		}
		if in.RecordAccess {
			if _, err := audit.Append(ctx, tx, audit.Record{
				OrganizationID: in.OrganizationID,
				ActorID:        audit.Actor(in.ActorID),
				Action:         audit.ActionRead,
				ResourceType:   audit.ResourceDecision,
				ResourceID:     d.ID,
				Details: map[string]any{
					"version_id":     v.ID,
					"version_number": v.VersionNumber,
					"as_of":          in.AsOfVersion > 0,
				},
			}, e.clock()); err != nil {
				return err
			}
		}
		snap = decision.Snapshot{Decision: d, Version: v}
		return nil
	})
	if err != nil {
		return decision.Snapshot{}, err
	}
	return snap, nil
}

func (e *Engine) ListVersions(ctx context.Context, organizationID, decisionID string) ([]decision.Version, error) {
	var versions []decision.Version
	err := e.inTx(ctx, "list versions", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, false)
		if err != nil {
			return err
		}
		versions, err = tx.ListVersions(ctx, d.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return versions, nil
}

func (e *Engine) ListDecisions(ctx context.Context, in ListDecisionsInput) (DecisionPage, error) {
	if strings.TrimSpace(in.OrganizationID) == "" {
		return DecisionPage{}, invalid("organization_required", "organization is required", nil)
	}
	filter := store.DecisionFilter{
		OrganizationID: in.OrganizationID,
		TeamID:         strings.TrimSpace(in.TeamID),
		Limit:          in.Limit,
		Offset:         in.Offset,
	}
	if strings.TrimSpace(in.Status) != "" {
		status, ok := decision.ParseStatus(in.Status)
		if !ok {
			return DecisionPage{}, invalid("invalid_status", "unknown decision status", map[string]any{"status": in.Status})
		}
		filter.Status = status
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var page DecisionPage
	err := e.inTx(ctx, "list decisions", func(tx store.Tx) error {
		items, total, err := tx.ListDecisions(ctx, filter)
		if err != nil {
			return err
		}
		page = DecisionPage{Decisions: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}
		return nil
	})
	return page, err
}

// SubmitForReview moves a DRAFT decision to PENDING_REVIEW. A current version
// whose required reviewers have all approved already moves on to APPROVED.
func (e *Engine) SubmitForReview(ctx context.Context, organizationID, decisionID, actorID string) (result decision.Decision, err error) {
	ctx, span := e.startSpan(ctx, "SubmitForReview",
		attribute.String("org_id", organizationID),
		attribute.String("decision_id", decisionID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(organizationID, actorID); err != nil {
		return decision.Decision{}, err
	}
	var version decision.Version
	err = e.inTx(ctx, "submit for review", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, true)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := e.transition(ctx, tx, &d, decision.StatusPendingReview, actorID, "", now); err != nil {
			return err
		}
		if _, err := e.applyApprovalThreshold(ctx, tx, &d, d.CurrentVersionID, actorID, now); err != nil {
			return err
		}
		if version, err = currentVersion(ctx, tx, d); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return decision.Decision{}, err
	}
	e.index(result, version)
	return result, nil
}

// DeprecateDecision retires a decision from DRAFT, PENDING_REVIEW or APPROVED.
func (e *Engine) DeprecateDecision(ctx context.Context, organizationID, decisionID, actorID, reason string) (result decision.Decision, err error) {
	ctx, span := e.startSpan(ctx, "DeprecateDecision",
		attribute.String("org_id", organizationID),
		attribute.String("decision_id", decisionID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(organizationID, actorID); err != nil {
		return decision.Decision{}, err
	}
	var version decision.Version
	err = e.inTx(ctx, "deprecate decision", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, true)
		if err != nil {
			return err
		}
		if err := e.transition(ctx, tx, &d, decision.StatusDeprecated, actorID, strings.TrimSpace(reason), e.clock()); err != nil {
			return err
		}
		if version, err = currentVersion(ctx, tx, d); err != nil {
			return err
		}
		result = d
		return nil
	})
	if err != nil {
		return decision.Decision{}, err
	}
	e.index(result, version)
	return result, nil
}

// transition applies a manual status change and logs it.
func (e *Engine) transition(ctx context.Context, tx store.Tx, d *decision.Decision, to decision.Status, actorID, reason string, now time.Time) error {
	from := effectiveStatus(*d)
	if !decision.CanTransition(from, to) {
		return invalid("invalid_transition", fmt.Sprintf("cannot move decision from %s to %s", d.Status, to),
			map[string]any{"decision_id": d.ID, "from": string(d.Status), "to": string(to)})
	}
	if err := tx.UpdateDecisionStatus(ctx, d.ID, to, nil, now); err != nil {
		return err
	}
	details := map[string]any{"from": string(d.Status), "to": string(to)}
	if reason != "" {
		details["reason"] = reason
	}
	if _, err := audit.Append(ctx, tx, audit.Record{
		OrganizationID: d.OrganizationID,
		ActorID:        audit.Actor(actorID),
		Action:         audit.ActionStatusChange,
		ResourceType:   audit.ResourceDecision,
		ResourceID:     d.ID,
		Details:        details,
	}, now); err != nil {
		return err
	}
	d.Status = to
	d.PriorStatus = nil
	d.UpdatedAt = now
	return nil
}

// DeleteDecision soft-deletes a decision. Its rows, versions and audit history
// remain; reads and mutations treat it as not found afterwards.
func (e *Engine) DeleteDecision(ctx context.Context, organizationID, decisionID, actorID string) (err error) {
	ctx, span := e.startSpan(ctx, "DeleteDecision",
		attribute.String("org_id", organizationID),
		attribute.String("decision_id", decisionID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(organizationID, actorID); err != nil {
		return err
	}
	err = e.inTx(ctx, "delete decision", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, true)
		if err != nil {
			return err
		}
		now := e.clock()
		if err := tx.SoftDeleteDecision(ctx, d.ID, now); err != nil {
			return err
		}
		_, err = audit.Append(ctx, tx, audit.Record{
			OrganizationID: organizationID,
			ActorID:        audit.Actor(actorID),
			Action:         audit.ActionDelete,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     d.ID,
			Details: map[string]any{
				"decision_number": d.DecisionNumber,
				"status":          string(d.Status),
			},
		}, now)
		return err
	})
	if err != nil {
		return err
	}
	e.log.Info("decision deleted", "org_id", organizationID, "decision_id", decisionID)
	e.unindex(organizationID, decisionID)
	return nil
}
