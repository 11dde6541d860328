package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
)

// MemoryStore keeps everything in process. Transactions are serialized and
// run against a copy of the state that replaces the live state on success, so
// a failed transaction leaves nothing behind. It enforces the same
// uniqueness rules as the Postgres schema.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	orgs          map[string]decision.Organization
	decisions     map[string]decision.Decision
	versions      map[string]decision.Version
	relationships map[string]decision.Relationship
	reviewers     map[string]decision.RequiredReviewer
	approvals     map[string]decision.Approval
	notifications map[string]decision.ReviewNotification
	audit         []audit.Entry
	nextAuditID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		orgs:          map[string]decision.Organization{},
		decisions:     map[string]decision.Decision{},
		versions:      map[string]decision.Version{},
		relationships: map[string]decision.Relationship{},
		reviewers:     map[string]decision.RequiredReviewer{},
		approvals:     map[string]decision.Approval{},
		notifications: map[string]decision.ReviewNotification{},
	}}
}

func (s *memState) clone() *memState {
	out := &memState{
		orgs:          make(map[string]decision.Organization, len(s.orgs)),
		decisions:     make(map[string]decision.Decision, len(s.decisions)),
		versions:      make(map[string]decision.Version, len(s.versions)),
		relationships: make(map[string]decision.Relationship, len(s.relationships)),
		reviewers:     make(map[string]decision.RequiredReviewer, len(s.reviewers)),
		approvals:     make(map[string]decision.Approval, len(s.approvals)),
		notifications: make(map[string]decision.ReviewNotification, len(s.notifications)),
		audit:         make([]audit.Entry, len(s.audit)),
		nextAuditID:   s.nextAuditID,
	}
	for k, v := range s.orgs {
		out.orgs[k] = v
	}
	for k, v := range s.decisions {
		out.decisions[k] = v
	}
	for k, v := range s.versions {
		out.versions[k] = v
	}
	for k, v := range s.relationships {
		out.relationships[k] = v
	}
	for k, v := range s.reviewers {
		out.reviewers[k] = v
	}
	for k, v := range s.approvals {
		out.approvals[k] = v
	}
	for k, v := range s.notifications {
		out.notifications[k] = v
	}
	copy(out.audit, s.audit)
	return out
}

// PutOrganization seeds or replaces an organization row.
func (s *MemoryStore) PutOrganization(org decision.Organization) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	s.state.orgs[org.ID] = org
}

// RewriteAuditDetails edits a stored audit entry in place, bypassing the
// append-only rules. It exists to exercise tamper detection.
func (s *MemoryStore) RewriteAuditDetails(id int64, details map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.audit {
		if s.state.audit[i].ID == id {
			s.state.audit[i].Details = details
			return true
		}
	}
	return false
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.state.clone()
	if err := fn(&memTx{state: working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

func (s *MemoryStore) WithChain(ctx context.Context, fn func(audit.ChainStore) error) error {
	return s.WithTx(ctx, func(tx Tx) error { return fn(tx) })
}

func (s *MemoryStore) ScanAuditChain(_ context.Context, organizationID string, afterID int64, limit int) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, 0)
	for _, entry := range s.state.audit {
		if entry.OrganizationID != organizationID || entry.ID <= afterID {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryAuditEntries(_ context.Context, filter audit.Filter) ([]audit.Entry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := make([]audit.Entry, 0)
	for i := len(s.state.audit) - 1; i >= 0; i-- {
		entry := s.state.audit[i]
		if matchesAuditFilter(entry, filter) {
			matched = append(matched, entry)
		}
	}
	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func matchesAuditFilter(entry audit.Entry, filter audit.Filter) bool {
	if entry.OrganizationID != filter.OrganizationID {
		return false
	}
	if filter.ActorID != "" && (entry.ActorID == nil || *entry.ActorID != filter.ActorID) {
		return false
	}
	if filter.ResourceType != "" && entry.ResourceType != filter.ResourceType {
		return false
	}
	if filter.ResourceID != "" && entry.ResourceID != filter.ResourceID {
		return false
	}
	if filter.Action != "" && entry.Action != filter.Action {
		return false
	}
	if filter.From != nil && entry.CreatedAt.Before(*filter.From) {
		return false
	}
	if filter.To != nil && !entry.CreatedAt.Before(*filter.To) {
		return false
	}
	return true
}

type memTx struct {
	state *memState
}

func (t *memTx) GetOrganization(_ context.Context, organizationID string) (decision.Organization, error) {
	org, ok := t.state.orgs[organizationID]
	if !ok {
		return decision.Organization{}, fmt.Errorf("get organization: %w", ErrNotFound)
	}
	return org, nil
}

func (t *memTx) ListActiveOrganizationIDs(context.Context) ([]string, error) {
	ids := make([]string, 0, len(t.state.orgs))
	for id, org := range t.state.orgs {
		if org.IsActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (t *memTx) NextDecisionNumber(_ context.Context, organizationID string) (int64, error) {
	var max int64
	for _, d := range t.state.decisions {
		if d.OrganizationID == organizationID && d.DecisionNumber > max {
			max = d.DecisionNumber
		}
	}
	return max + 1, nil
}

func (t *memTx) InsertDecision(_ context.Context, d decision.Decision) error {
	if _, exists := t.state.decisions[d.ID]; exists {
		return fmt.Errorf("insert decision: %w: duplicate id", ErrConflict)
	}
	for _, existing := range t.state.decisions {
		if existing.OrganizationID == d.OrganizationID && existing.DecisionNumber == d.DecisionNumber {
			return fmt.Errorf("insert decision: %w: decisions_org_number_unique", ErrConflict)
		}
	}
	t.state.decisions[d.ID] = d
	return nil
}

func (t *memTx) GetDecision(_ context.Context, organizationID, decisionID string) (decision.Decision, error) {
	d, ok := t.state.decisions[decisionID]
	if !ok || d.OrganizationID != organizationID {
		return decision.Decision{}, fmt.Errorf("get decision: %w", ErrNotFound)
	}
	return d, nil
}

func (t *memTx) LockDecision(ctx context.Context, organizationID, decisionID string) (decision.Decision, error) {
	return t.GetDecision(ctx, organizationID, decisionID)
}

func (t *memTx) updateDecision(op, decisionID string, fn func(*decision.Decision)) error {
	d, ok := t.state.decisions[decisionID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	fn(&d)
	t.state.decisions[decisionID] = d
	return nil
}

func (t *memTx) UpdateDecisionStatus(_ context.Context, decisionID string, status decision.Status, prior *decision.Status, at time.Time) error {
	return t.updateDecision("update decision status", decisionID, func(d *decision.Decision) {
		d.Status = status
		d.PriorStatus = prior
		d.UpdatedAt = at
	})
}

func (t *memTx) SetCurrentVersion(_ context.Context, decisionID, versionID string, at time.Time) error {
	return t.updateDecision("set current version", decisionID, func(d *decision.Decision) {
		d.CurrentVersionID = versionID
		d.UpdatedAt = at
	})
}

func (t *memTx) SetReviewByDate(_ context.Context, decisionID string, reviewBy *time.Time, at time.Time) error {
	return t.updateDecision("set review date", decisionID, func(d *decision.Decision) {
		d.ReviewByDate = reviewBy
		d.UpdatedAt = at
	})
}

func (t *memTx) SoftDeleteDecision(_ context.Context, decisionID string, at time.Time) error {
	d, ok := t.state.decisions[decisionID]
	if !ok || d.IsDeleted() {
		return fmt.Errorf("soft delete decision: %w", ErrNotFound)
	}
	d.DeletedAt = &at
	d.UpdatedAt = at
	t.state.decisions[decisionID] = d
	return nil
}

func (t *memTx) ListDecisions(_ context.Context, filter DecisionFilter) ([]decision.Decision, int, error) {
	matched := make([]decision.Decision, 0)
	for _, d := range t.state.decisions {
		if d.OrganizationID != filter.OrganizationID || d.IsDeleted() {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.TeamID != "" && (d.TeamID == nil || *d.TeamID != filter.TeamID) {
			continue
		}
		matched = append(matched, d)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].DecisionNumber > matched[j].DecisionNumber })
	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

func (t *memTx) ListReviewableDecisions(_ context.Context, organizationID string) ([]decision.Decision, error) {
	out := make([]decision.Decision, 0)
	for _, d := range t.state.decisions {
		if d.OrganizationID != organizationID || d.IsDeleted() || d.ReviewByDate == nil {
			continue
		}
		if decision.Reviewable(d.Status) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DecisionNumber < out[j].DecisionNumber })
	return out, nil
}

func (t *memTx) MaxVersionNumber(_ context.Context, decisionID string) (int, error) {
	max := 0
	for _, v := range t.state.versions {
		if v.DecisionID == decisionID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (t *memTx) InsertVersion(_ context.Context, v decision.Version) error {
	if _, exists := t.state.versions[v.ID]; exists {
		return fmt.Errorf("insert version: %w: duplicate id", ErrConflict)
	}
	for _, existing := range t.state.versions {
		if existing.DecisionID == v.DecisionID && existing.VersionNumber == v.VersionNumber {
			return fmt.Errorf("insert version: %w: decision_versions_number_unique", ErrConflict)
		}
	}
	t.state.versions[v.ID] = v.Clone()
	return nil
}

func (t *memTx) GetVersion(_ context.Context, versionID string) (decision.Version, error) {
	v, ok := t.state.versions[versionID]
	if !ok {
		return decision.Version{}, fmt.Errorf("get version: %w", ErrNotFound)
	}
	return v.Clone(), nil
}

func (t *memTx) GetVersionByNumber(_ context.Context, decisionID string, number int) (decision.Version, error) {
	for _, v := range t.state.versions {
		if v.DecisionID == decisionID && v.VersionNumber == number {
			return v.Clone(), nil
		}
	}
	return decision.Version{}, fmt.Errorf("get version by number: %w", ErrNotFound)
}

func (t *memTx) ListVersions(_ context.Context, decisionID string) ([]decision.Version, error) {
	out := make([]decision.Version, 0)
	for _, v := range t.state.versions {
		if v.DecisionID == decisionID {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	return out, nil
}

func (t *memTx) InsertRelationship(_ context.Context, r decision.Relationship) error {
	if r.SourceID == r.TargetID {
		return fmt.Errorf("insert relationship: self reference")
	}
	if _, exists := t.state.relationships[r.ID]; exists {
		return fmt.Errorf("insert relationship: %w: duplicate id", ErrConflict)
	}
	t.state.relationships[r.ID] = r
	return nil
}

func (t *memTx) GetRelationship(_ context.Context, organizationID, relationshipID string) (decision.Relationship, error) {
	r, ok := t.state.relationships[relationshipID]
	if !ok || r.OrganizationID != organizationID {
		return decision.Relationship{}, fmt.Errorf("get relationship: %w", ErrNotFound)
	}
	return r, nil
}

func (t *memTx) InvalidateRelationship(_ context.Context, relationshipID string, at time.Time) error {
	r, ok := t.state.relationships[relationshipID]
	if !ok || !r.Active() {
		return fmt.Errorf("invalidate relationship: %w", ErrNotFound)
	}
	r.InvalidatedAt = &at
	t.state.relationships[relationshipID] = r
	return nil
}

func (t *memTx) filterRelationships(keep func(decision.Relationship) bool, newestFirst bool) []decision.Relationship {
	out := make([]decision.Relationship, 0)
	for _, r := range t.state.relationships {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	return out
}

func (t *memTx) ListRelationships(_ context.Context, decisionID string) ([]decision.Relationship, error) {
	return t.filterRelationships(func(r decision.Relationship) bool {
		return r.SourceID == decisionID || r.TargetID == decisionID
	}, false), nil
}

func (t *memTx) ListSupersedesFrom(_ context.Context, decisionID string) ([]decision.Relationship, error) {
	return t.filterRelationships(func(r decision.Relationship) bool {
		return r.SourceID == decisionID && r.Type == decision.RelationSupersedes && r.Active()
	}, false), nil
}

func (t *memTx) ListSupersedesTo(_ context.Context, decisionID string) ([]decision.Relationship, error) {
	return t.filterRelationships(func(r decision.Relationship) bool {
		return r.TargetID == decisionID && r.Type == decision.RelationSupersedes && r.Active()
	}, true), nil
}

func pairKey(versionID, userID string) string {
	return versionID + "\x00" + userID
}

func (t *memTx) InsertRequiredReviewer(_ context.Context, r decision.RequiredReviewer) error {
	key := pairKey(r.VersionID, r.UserID)
	if _, exists := t.state.reviewers[key]; exists {
		return nil
	}
	t.state.reviewers[key] = r
	return nil
}

func (t *memTx) ListRequiredReviewers(_ context.Context, versionID string) ([]decision.RequiredReviewer, error) {
	out := make([]decision.RequiredReviewer, 0)
	for _, r := range t.state.reviewers {
		if r.VersionID == versionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (t *memTx) UpsertApproval(_ context.Context, a decision.Approval) (decision.Approval, error) {
	key := pairKey(a.VersionID, a.UserID)
	if existing, ok := t.state.approvals[key]; ok {
		existing.Status = a.Status
		existing.Comment = a.Comment
		existing.UpdatedAt = a.UpdatedAt
		t.state.approvals[key] = existing
		return existing, nil
	}
	a.CreatedAt = a.UpdatedAt
	t.state.approvals[key] = a
	return a, nil
}

func (t *memTx) ListApprovals(_ context.Context, versionID string) ([]decision.Approval, error) {
	out := make([]decision.Approval, 0)
	for _, a := range t.state.approvals {
		if a.VersionID == versionID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (t *memTx) InsertReviewNotification(_ context.Context, n decision.ReviewNotification) (bool, error) {
	key := strings.Join([]string{n.DecisionID, n.Kind, n.ReviewByDate.UTC().Format(time.RFC3339Nano)}, "|")
	if _, exists := t.state.notifications[key]; exists {
		return false, nil
	}
	t.state.notifications[key] = n
	return true, nil
}

// LockAuditChain is a no-op; memory transactions are already serialized.
func (t *memTx) LockAuditChain(context.Context, string) error {
	return nil
}

func (t *memTx) LastAuditEntry(_ context.Context, organizationID string) (audit.Entry, bool, error) {
	for i := len(t.state.audit) - 1; i >= 0; i-- {
		if t.state.audit[i].OrganizationID == organizationID {
			return t.state.audit[i], true, nil
		}
	}
	return audit.Entry{}, false, nil
}

func (t *memTx) InsertAuditEntry(_ context.Context, entry audit.Entry) (audit.Entry, error) {
	for _, existing := range t.state.audit {
		if existing.EntryHash == entry.EntryHash {
			return audit.Entry{}, fmt.Errorf("insert audit entry: %w: entry_hash", ErrConflict)
		}
		if existing.OrganizationID == entry.OrganizationID && existing.PreviousHash == entry.PreviousHash {
			return audit.Entry{}, fmt.Errorf("insert audit entry: %w: chain fork", ErrConflict)
		}
	}
	t.state.nextAuditID++
	entry.ID = t.state.nextAuditID
	t.state.audit = append(t.state.audit, entry)
	return entry, nil
}
