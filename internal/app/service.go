package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
	"decisionledger/internal/expiry"
	"decisionledger/internal/ledger"
	"decisionledger/internal/logger"
	"decisionledger/internal/search"
)

// Scope is the caller identity forwarded by the authenticating gateway.
type Scope struct {
	OrganizationID string
	UserID         string
}

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface drives. Search, Archive and
// the extra readiness checks are optional.
type Deps struct {
	Store   Pinger
	Ledger  *ledger.Engine
	Trail   *audit.Trail
	Expiry  *expiry.Engine
	Search  *search.Service
	Archive audit.Sink
	Checks  map[string]Pinger
	Log     *logger.Logger
}

type Service struct {
	store   Pinger
	ledger  *ledger.Engine
	trail   *audit.Trail
	expiry  *expiry.Engine
	search  *search.Service
	archive audit.Sink
	checks  map[string]Pinger
	log     *logger.Logger
	now     func() time.Time
}

func NewService(deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	checks := deps.Checks
	if checks == nil {
		checks = map[string]Pinger{}
	}
	return &Service{
		store:   deps.Store,
		ledger:  deps.Ledger,
		trail:   deps.Trail,
		expiry:  deps.Expiry,
		search:  deps.Search,
		archive: deps.Archive,
		checks:  checks,
		log:     log.With("component", "http"),
		now:     time.Now,
	}
}

// Ping checks the primary data store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Readiness runs the database check and every optional dependency check.
// Only the database decides readiness; the rest are reported.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{"database": map[string]any{"status": "ok"}}
	ready := true
	if err := s.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			checks[name] = map[string]any{"status": "degraded", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	return ready, checks
}

func (s *Service) VerifyAuditChain(ctx context.Context, scope Scope) (audit.VerifyResult, error) {
	return s.trail.VerifyChain(ctx, scope.OrganizationID)
}

func (s *Service) QueryAuditLog(ctx context.Context, scope Scope, filter audit.Filter) (audit.Page, error) {
	return s.trail.Query(ctx, scope.OrganizationID, filter)
}

func (s *Service) ArchiveAuditChain(ctx context.Context, scope Scope) (audit.ExportResult, error) {
	if s.archive == nil {
		return audit.ExportResult{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Audit archive storage is not configured", nil)
	}
	if strings.TrimSpace(scope.UserID) == "" {
		return audit.ExportResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "X-User-ID is required to archive", nil)
	}
	return s.trail.Export(ctx, scope.OrganizationID, scope.UserID, s.archive)
}

// RunExpirySweep sweeps only the caller's organization.
func (s *Service) RunExpirySweep(ctx context.Context, scope Scope) (expiry.SweepResult, error) {
	return s.expiry.SweepOrganization(ctx, scope.OrganizationID, s.now())
}

func (s *Service) Search(ctx context.Context, scope Scope, text, status string, limit, offset int) (search.Response, error) {
	if status != "" {
		if _, ok := decision.ParseStatus(status); !ok {
			return search.Response{}, domainError(http.StatusUnprocessableEntity, "invalid_status", "unknown decision status",
				map[string]any{"status": status})
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(ctx, search.Query{
		OrganizationID: scope.OrganizationID,
		Text:           text,
		Status:         status,
		Limit:          limit,
		Offset:         offset,
	})
}

// CreateDecisionRequest is the body of POST /api/decisions.
type CreateDecisionRequest struct {
	Title        string            `json:"title"`
	Content      decision.Content  `json:"content"`
	ImpactLevel  string            `json:"impactLevel"`
	Tags         []string          `json:"tags"`
	ReviewerIDs  []string          `json:"reviewerIds"`
	TeamID       string            `json:"teamId"`
	ReviewByDate *time.Time        `json:"reviewByDate"`
	IsTemporary  bool              `json:"isTemporary"`
	CustomFields map[string]string `json:"customFields"`
}

type AmendDecisionRequest struct {
	Title          string            `json:"title"`
	Content        decision.Content  `json:"content"`
	ImpactLevel    string            `json:"impactLevel"`
	Tags           []string          `json:"tags"`
	ChangeSummary  string            `json:"changeSummary"`
	NewReviewerIDs []string          `json:"newReviewerIds"`
	CustomFields   map[string]string `json:"customFields"`
}

func (s *Service) CreateDecision(ctx context.Context, scope Scope, req CreateDecisionRequest) (decision.Snapshot, error) {
	return s.ledger.CreateDecision(ctx, ledger.CreateDecisionInput{
		OrganizationID: scope.OrganizationID,
		CreatorID:      scope.UserID,
		Title:          req.Title,
		Content:        req.Content,
		ImpactLevel:    req.ImpactLevel,
		Tags:           req.Tags,
		ReviewerIDs:    req.ReviewerIDs,
		TeamID:         req.TeamID,
		ReviewByDate:   req.ReviewByDate,
		IsTemporary:    req.IsTemporary,
		CustomFields:   req.CustomFields,
	})
}

func (s *Service) AmendDecision(ctx context.Context, scope Scope, decisionID string, req AmendDecisionRequest) (decision.Version, error) {
	return s.ledger.AmendDecision(ctx, ledger.AmendDecisionInput{
		OrganizationID: scope.OrganizationID,
		DecisionID:     decisionID,
		EditorID:       scope.UserID,
		Title:          req.Title,
		Content:        req.Content,
		ImpactLevel:    req.ImpactLevel,
		Tags:           req.Tags,
		ChangeSummary:  req.ChangeSummary,
		NewReviewerIDs: req.NewReviewerIDs,
		CustomFields:   req.CustomFields,
	})
}

// GetDecision records a READ entry whenever the caller is identified.
func (s *Service) GetDecision(ctx context.Context, scope Scope, decisionID string, asOfVersion int) (decision.Snapshot, error) {
	return s.ledger.GetDecision(ctx, ledger.GetDecisionInput{
		OrganizationID: scope.OrganizationID,
		DecisionID:     decisionID,
		AsOfVersion:    asOfVersion,
		RecordAccess:   strings.TrimSpace(scope.UserID) != "",
		ActorID:        scope.UserID,
	})
}

func (s *Service) ListDecisions(ctx context.Context, scope Scope, status, teamID string, limit, offset int) (ledger.DecisionPage, error) {
	return s.ledger.ListDecisions(ctx, ledger.ListDecisionsInput{
		OrganizationID: scope.OrganizationID,
		Status:         status,
		TeamID:         teamID,
		Limit:          limit,
		Offset:         offset,
	})
}

func (s *Service) ListVersions(ctx context.Context, scope Scope, decisionID string) ([]decision.Version, error) {
	return s.ledger.ListVersions(ctx, scope.OrganizationID, decisionID)
}

func (s *Service) SubmitForReview(ctx context.Context, scope Scope, decisionID string) (decision.Decision, error) {
	return s.ledger.SubmitForReview(ctx, scope.OrganizationID, decisionID, scope.UserID)
}

func (s *Service) DeprecateDecision(ctx context.Context, scope Scope, decisionID, reason string) (decision.Decision, error) {
	return s.ledger.DeprecateDecision(ctx, scope.OrganizationID, decisionID, scope.UserID, reason)
}

func (s *Service) DeleteDecision(ctx context.Context, scope Scope, decisionID string) error {
	return s.ledger.DeleteDecision(ctx, scope.OrganizationID, decisionID, scope.UserID)
}

// SupersedeDecision marks oldDecisionID as replaced by newDecisionID.
func (s *Service) SupersedeDecision(ctx context.Context, scope Scope, newDecisionID, oldDecisionID, description string) (decision.Relationship, error) {
	return s.ledger.SupersedeDecision(ctx, ledger.SupersedeInput{
		OrganizationID: scope.OrganizationID,
		NewDecisionID:  newDecisionID,
		OldDecisionID:  oldDecisionID,
		ActorID:        scope.UserID,
		Description:    description,
	})
}

func (s *Service) AddRelationship(ctx context.Context, scope Scope, sourceID, targetID, relationType, description string) (decision.Relationship, error) {
	return s.ledger.AddRelationship(ctx, ledger.AddRelationshipInput{
		OrganizationID: scope.OrganizationID,
		SourceID:       sourceID,
		TargetID:       targetID,
		Type:           relationType,
		Description:    description,
		ActorID:        scope.UserID,
	})
}

func (s *Service) InvalidateRelationship(ctx context.Context, scope Scope, relationshipID string) (decision.Relationship, error) {
	return s.ledger.InvalidateRelationship(ctx, scope.OrganizationID, relationshipID, scope.UserID)
}

func (s *Service) ListRelationships(ctx context.Context, scope Scope, decisionID string) ([]decision.Relationship, error) {
	return s.ledger.ListRelationships(ctx, scope.OrganizationID, decisionID)
}

func (s *Service) GetLineage(ctx context.Context, scope Scope, decisionID string) ([]ledger.LineageEntry, error) {
	return s.ledger.GetLineage(ctx, scope.OrganizationID, decisionID)
}

func (s *Service) GetCurrentDecision(ctx context.Context, scope Scope, decisionID string) (decision.Decision, error) {
	return s.ledger.GetCurrentDecision(ctx, scope.OrganizationID, decisionID)
}

func (s *Service) RecordApproval(ctx context.Context, scope Scope, versionID, status, comment string) (ledger.ApprovalResult, error) {
	return s.ledger.RecordApproval(ctx, ledger.RecordApprovalInput{
		OrganizationID: scope.OrganizationID,
		VersionID:      versionID,
		UserID:         scope.UserID,
		Status:         status,
		Comment:        comment,
	})
}

func (s *Service) GetApprovalState(ctx context.Context, scope Scope, decisionID string) (ledger.ApprovalState, error) {
	return s.ledger.GetApprovalState(ctx, scope.OrganizationID, decisionID)
}

func (s *Service) SnoozeDecision(ctx context.Context, scope Scope, decisionID string, days int) (decision.Decision, error) {
	return s.expiry.Snooze(ctx, expiry.SnoozeInput{
		OrganizationID: scope.OrganizationID,
		DecisionID:     decisionID,
		ActorID:        scope.UserID,
		Delta:          time.Duration(days) * 24 * time.Hour,
	})
}
