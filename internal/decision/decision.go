// Package decision defines the versioned decision record, its relationships
// and the approval data attached to individual versions.
package decision

import (
	"strings"
	"time"
)

type Status string

const (
	StatusDraft         Status = "DRAFT"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusDeprecated    Status = "DEPRECATED"
	StatusSuperseded    Status = "SUPERSEDED"
	StatusAtRisk        Status = "AT_RISK"
	StatusExpired       Status = "EXPIRED"
)

var allowedStatuses = map[Status]struct{}{
	StatusDraft:         {},
	StatusPendingReview: {},
	StatusApproved:      {},
	StatusDeprecated:    {},
	StatusSuperseded:    {},
	StatusAtRisk:        {},
	StatusExpired:       {},
}

func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := allowedStatuses[status]
	return status, ok
}

type ImpactLevel string

const (
	ImpactLow      ImpactLevel = "low"
	ImpactMedium   ImpactLevel = "medium"
	ImpactHigh     ImpactLevel = "high"
	ImpactCritical ImpactLevel = "critical"
)

var allowedImpactLevels = map[ImpactLevel]struct{}{
	ImpactLow:      {},
	ImpactMedium:   {},
	ImpactHigh:     {},
	ImpactCritical: {},
}

func ParseImpactLevel(value string) (ImpactLevel, bool) {
	level := ImpactLevel(strings.ToLower(strings.TrimSpace(value)))
	_, ok := allowedImpactLevels[level]
	return level, ok
}

type RelationType string

const (
	RelationSupersedes    RelationType = "supersedes"
	RelationBlockedBy     RelationType = "blocked_by"
	RelationRelatedTo     RelationType = "related_to"
	RelationImplements    RelationType = "implements"
	RelationConflictsWith RelationType = "conflicts_with"
)

var allowedRelationTypes = map[RelationType]struct{}{
	RelationSupersedes:    {},
	RelationBlockedBy:     {},
	RelationRelatedTo:     {},
	RelationImplements:    {},
	RelationConflictsWith: {},
}

func ParseRelationType(value string) (RelationType, bool) {
	relation := RelationType(strings.ToLower(strings.TrimSpace(value)))
	_, ok := allowedRelationTypes[relation]
	return relation, ok
}

type ApprovalStatus string

const (
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalAbstained ApprovalStatus = "abstained"
)

func ParseApprovalStatus(value string) (ApprovalStatus, bool) {
	switch status := ApprovalStatus(strings.ToLower(strings.TrimSpace(value))); status {
	case ApprovalApproved, ApprovalRejected, ApprovalAbstained:
		return status, true
	default:
		return "", false
	}
}

type Organization struct {
	ID        string
	Name      string
	IsActive  bool
	CreatedAt time.Time
}

// Decision is the numbered top-level record. Only Status, CurrentVersionID,
// ReviewByDate and DeletedAt change after insert.
type Decision struct {
	ID               string
	OrganizationID   string
	DecisionNumber   int64
	Status           Status
	CurrentVersionID string
	TeamID           *string
	CreatedBy        string
	ReviewByDate     *time.Time
	IsTemporary      bool
	// PriorStatus holds the status to restore when an AT_RISK or EXPIRED
	// decision is snoozed or moves back out of the warning window.
	PriorStatus *Status
	DeletedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (d Decision) IsDeleted() bool {
	return d.DeletedAt != nil
}

type Alternative struct {
	Name            string `json:"name"`
	Summary         string `json:"summary"`
	RejectionReason string `json:"rejection_reason"`
}

type Content struct {
	ProblemContext string        `json:"problem_context"`
	ChosenOption   string        `json:"chosen_option"`
	Rationale      string        `json:"rationale"`
	Alternatives   []Alternative `json:"alternatives"`
}

// Version is an immutable content snapshot.
type Version struct {
	ID            string
	DecisionID    string
	VersionNumber int
	Title         string
	ImpactLevel   ImpactLevel
	Content       Content
	Tags          []string
	CustomFields  map[string]string
	CreatedBy     string
	CreatedAt     time.Time
	ChangeSummary string
	ContentHash   string
}

type Relationship struct {
	ID             string
	OrganizationID string
	SourceID       string
	TargetID       string
	Type           RelationType
	Description    string
	CreatedBy      string
	CreatedAt      time.Time
	InvalidatedAt  *time.Time
}

func (r Relationship) Active() bool {
	return r.InvalidatedAt == nil
}

type RequiredReviewer struct {
	ID         string
	VersionID  string
	UserID     string
	AssignedBy string
	CreatedAt  time.Time
}

type Approval struct {
	ID        string
	VersionID string
	UserID    string
	Status    ApprovalStatus
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReviewNotification records that a review-date notification was raised for
// a decision. Kind plus review date identify it.
type ReviewNotification struct {
	ID             string
	OrganizationID string
	DecisionID     string
	Kind           string
	ReviewByDate   time.Time
	CreatedAt      time.Time
}

const (
	NotificationReviewDue     = "review_due_soon"
	NotificationReviewExpired = "review_expired"
)

// Snapshot pairs a decision with one of its versions.
type Snapshot struct {
	Decision Decision
	Version  Version
}

func CloneTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	out := make([]string, len(tags))
	copy(out, tags)
	return out
}

func CloneFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	out := make(map[string]string, len(fields))
	for key, value := range fields {
		out[key] = value
	}
	return out
}

func (c Content) Clone() Content {
	out := c
	if c.Alternatives != nil {
		out.Alternatives = make([]Alternative, len(c.Alternatives))
		copy(out.Alternatives, c.Alternatives)
	}
	return out
}

func (v Version) Clone() Version {
	out := v
	out.Content = v.Content.Clone()
	out.Tags = CloneTags(v.Tags)
	out.CustomFields = CloneFields(v.CustomFields)
	return out
}
