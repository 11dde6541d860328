package app

import (
	"time"

	"decisionledger/internal/decision"
	"decisionledger/internal/ledger"
)

type decisionView struct {
	ID               string     `json:"id"`
	DecisionNumber   int64      `json:"decisionNumber"`
	Status           string     `json:"status"`
	CurrentVersionID string     `json:"currentVersionId"`
	TeamID           *string    `json:"teamId"`
	CreatedBy        string     `json:"createdBy"`
	ReviewByDate     *time.Time `json:"reviewByDate"`
	IsTemporary      bool       `json:"isTemporary"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

type versionView struct {
	ID            string            `json:"id"`
	DecisionID    string            `json:"decisionId"`
	VersionNumber int               `json:"versionNumber"`
	Title         string            `json:"title"`
	ImpactLevel   string            `json:"impactLevel"`
	Content       decision.Content  `json:"content"`
	Tags          []string          `json:"tags"`
	CustomFields  map[string]string `json:"customFields"`
	CreatedBy     string            `json:"createdBy"`
	CreatedAt     time.Time         `json:"createdAt"`
	ChangeSummary string            `json:"changeSummary"`
	ContentHash   string            `json:"contentHash"`
}

type relationshipView struct {
	ID            string     `json:"id"`
	SourceID      string     `json:"sourceId"`
	TargetID      string     `json:"targetId"`
	Type          string     `json:"type"`
	Description   string     `json:"description"`
	CreatedBy     string     `json:"createdBy"`
	CreatedAt     time.Time  `json:"createdAt"`
	InvalidatedAt *time.Time `json:"invalidatedAt"`
}

type approvalView struct {
	ID        string    `json:"id"`
	VersionID string    `json:"versionId"`
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func toDecisionView(d decision.Decision) decisionView {
	return decisionView{
		ID:               d.ID,
		DecisionNumber:   d.DecisionNumber,
		Status:           string(d.Status),
		CurrentVersionID: d.CurrentVersionID,
		TeamID:           d.TeamID,
		CreatedBy:        d.CreatedBy,
		ReviewByDate:     d.ReviewByDate,
		IsTemporary:      d.IsTemporary,
		DeletedAt:        d.DeletedAt,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
}

func toDecisionViews(items []decision.Decision) []decisionView {
	out := make([]decisionView, 0, len(items))
	for _, item := range items {
		out = append(out, toDecisionView(item))
	}
	return out
}

func toVersionView(v decision.Version) versionView {
	tags := v.Tags
	if tags == nil {
		tags = []string{}
	}
	fields := v.CustomFields
	if fields == nil {
		fields = map[string]string{}
	}
	content := v.Content
	if content.Alternatives == nil {
		content.Alternatives = []decision.Alternative{}
	}
	return versionView{
		ID:            v.ID,
		DecisionID:    v.DecisionID,
		VersionNumber: v.VersionNumber,
		Title:         v.Title,
		ImpactLevel:   string(v.ImpactLevel),
		Content:       content,
		Tags:          tags,
		CustomFields:  fields,
		CreatedBy:     v.CreatedBy,
		CreatedAt:     v.CreatedAt,
		ChangeSummary: v.ChangeSummary,
		ContentHash:   v.ContentHash,
	}
}

func toVersionViews(items []decision.Version) []versionView {
	out := make([]versionView, 0, len(items))
	for _, item := range items {
		out = append(out, toVersionView(item))
	}
	return out
}

func snapshotResponse(snap decision.Snapshot) map[string]any {
	return map[string]any{
		"decision": toDecisionView(snap.Decision),
		"version":  toVersionView(snap.Version),
	}
}

func toRelationshipView(r decision.Relationship) relationshipView {
	return relationshipView{
		ID:            r.ID,
		SourceID:      r.SourceID,
		TargetID:      r.TargetID,
		Type:          string(r.Type),
		Description:   r.Description,
		CreatedBy:     r.CreatedBy,
		CreatedAt:     r.CreatedAt,
		InvalidatedAt: r.InvalidatedAt,
	}
}

func toRelationshipViews(items []decision.Relationship) []relationshipView {
	out := make([]relationshipView, 0, len(items))
	for _, item := range items {
		out = append(out, toRelationshipView(item))
	}
	return out
}

func toApprovalView(a decision.Approval) approvalView {
	return approvalView{
		ID:        a.ID,
		VersionID: a.VersionID,
		UserID:    a.UserID,
		Status:    string(a.Status),
		Comment:   a.Comment,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func lineageResponse(entries []ledger.LineageEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]any{
			"decision":       toDecisionView(entry.Decision),
			"depth":          entry.Depth,
			"supersededBy":   entry.SupersededBy,
			"relationshipId": entry.RelationshipID,
		})
	}
	return out
}

func approvalStateResponse(state ledger.ApprovalState) map[string]any {
	reviewers := make([]string, 0, len(state.Reviewers))
	for _, reviewer := range state.Reviewers {
		reviewers = append(reviewers, reviewer.UserID)
	}
	approvals := make([]approvalView, 0, len(state.Approvals))
	for _, approval := range state.Approvals {
		approvals = append(approvals, toApprovalView(approval))
	}
	return map[string]any{
		"versionId":     state.VersionID,
		"reviewers":     reviewers,
		"approvals":     approvals,
		"requiredCount": state.RequiredCount,
		"approvedCount": state.ApprovedCount,
	}
}
