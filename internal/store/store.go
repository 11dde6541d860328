package store

import (
	"context"
	"errors"
	"time"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict reports a uniqueness or serialization conflict. The whole
	// transaction has been rolled back and may be retried from scratch.
	ErrConflict = errors.New("store: conflict")
)

// Store is the transactional data store shared by the ledger, audit and
// expiry engines. All cross-request coordination goes through it.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
	Ping(ctx context.Context) error

	audit.Backend
}

// Tx is one storage transaction. Every decision read is scoped by
// organization; a row belonging to another organization is ErrNotFound.
type Tx interface {
	GetOrganization(ctx context.Context, organizationID string) (decision.Organization, error)
	ListActiveOrganizationIDs(ctx context.Context) ([]string, error)

	NextDecisionNumber(ctx context.Context, organizationID string) (int64, error)
	InsertDecision(ctx context.Context, d decision.Decision) error
	// GetDecision returns soft-deleted rows too; callers decide visibility.
	GetDecision(ctx context.Context, organizationID, decisionID string) (decision.Decision, error)
	// LockDecision is GetDecision plus a row lock held until the
	// transaction ends.
	LockDecision(ctx context.Context, organizationID, decisionID string) (decision.Decision, error)
	UpdateDecisionStatus(ctx context.Context, decisionID string, status decision.Status, prior *decision.Status, at time.Time) error
	SetCurrentVersion(ctx context.Context, decisionID, versionID string, at time.Time) error
	SetReviewByDate(ctx context.Context, decisionID string, reviewBy *time.Time, at time.Time) error
	SoftDeleteDecision(ctx context.Context, decisionID string, at time.Time) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]decision.Decision, int, error)
	// ListReviewableDecisions returns live decisions with a review date whose
	// status is managed by the expiry sweep.
	ListReviewableDecisions(ctx context.Context, organizationID string) ([]decision.Decision, error)

	MaxVersionNumber(ctx context.Context, decisionID string) (int, error)
	InsertVersion(ctx context.Context, v decision.Version) error
	GetVersion(ctx context.Context, versionID string) (decision.Version, error)
	GetVersionByNumber(ctx context.Context, decisionID string, number int) (decision.Version, error)
	ListVersions(ctx context.Context, decisionID string) ([]decision.Version, error)

	InsertRelationship(ctx context.Context, r decision.Relationship) error
	GetRelationship(ctx context.Context, organizationID, relationshipID string) (decision.Relationship, error)
	InvalidateRelationship(ctx context.Context, relationshipID string, at time.Time) error
	ListRelationships(ctx context.Context, decisionID string) ([]decision.Relationship, error)
	// ListSupersedesFrom returns active supersedes edges whose source is
	// decisionID, oldest first.
	ListSupersedesFrom(ctx context.Context, decisionID string) ([]decision.Relationship, error)
	// ListSupersedesTo returns active supersedes edges whose target is
	// decisionID, newest first.
	ListSupersedesTo(ctx context.Context, decisionID string) ([]decision.Relationship, error)

	InsertRequiredReviewer(ctx context.Context, r decision.RequiredReviewer) error
	ListRequiredReviewers(ctx context.Context, versionID string) ([]decision.RequiredReviewer, error)
	UpsertApproval(ctx context.Context, a decision.Approval) (decision.Approval, error)
	ListApprovals(ctx context.Context, versionID string) ([]decision.Approval, error)

	// InsertReviewNotification reports false when the same notification was
	// already recorded.
	InsertReviewNotification(ctx context.Context, n decision.ReviewNotification) (bool, error)

	audit.ChainStore
}

type DecisionFilter struct {
	OrganizationID string
	Status         decision.Status
	TeamID         string
	Limit          int
	Offset         int
}
