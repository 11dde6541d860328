package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn in a READ COMMITTED transaction. Row locks and the
// per-organization advisory lock provide the serialization points; unique
// constraints back them up and surface as ErrConflict.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", mapError(err))
	}
	return nil
}

func (s *PostgresStore) WithChain(ctx context.Context, fn func(audit.ChainStore) error) error {
	return s.WithTx(ctx, func(tx Tx) error { return fn(tx) })
}

func (s *PostgresStore) ScanAuditChain(ctx context.Context, organizationID string, afterID int64, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE organization_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3
	`, organizationID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan audit chain: %w", err)
	}
	return collectAuditEntries(rows)
}

func (s *PostgresStore) QueryAuditEntries(ctx context.Context, filter audit.Filter) ([]audit.Entry, int, error) {
	where, args := auditWhereClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM audit_log%s
		ORDER BY id DESC
		LIMIT $%d OFFSET $%d
	`, auditColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit entries: %w", err)
	}
	entries, err := collectAuditEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func auditWhereClause(filter audit.Filter) (string, []any) {
	clauses := []string{"organization_id = $1"}
	args := []any{filter.OrganizationID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetOrganization(ctx context.Context, organizationID string) (decision.Organization, error) {
	var org decision.Organization
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, is_active, created_at FROM organizations WHERE id = $1
	`, organizationID).Scan(&org.ID, &org.Name, &org.IsActive, &org.CreatedAt)
	if err != nil {
		return decision.Organization{}, notFound(err, "get organization")
	}
	return org, nil
}

func (t *pgTx) ListActiveOrganizationIDs(ctx context.Context) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id FROM organizations WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return ids, nil
}

func (t *pgTx) NextDecisionNumber(ctx context.Context, organizationID string) (int64, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(decision_number), 0) + 1 FROM decisions WHERE organization_id = $1
	`, organizationID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next decision number: %w", err)
	}
	return next, nil
}

func (t *pgTx) InsertDecision(ctx context.Context, d decision.Decision) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO decisions (id, organization_id, decision_number, status, current_version_id, team_id,
			created_by, review_by_date, is_temporary, prior_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)
	`, d.ID, d.OrganizationID, d.DecisionNumber, string(d.Status), d.CurrentVersionID, d.TeamID,
		d.CreatedBy, d.ReviewByDate, d.IsTemporary, statusPtr(d.PriorStatus), d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert decision: %w", mapError(err))
	}
	return nil
}

const decisionColumns = `id, organization_id, decision_number, status, COALESCE(current_version_id, ''), team_id,
	created_by, review_by_date, is_temporary, prior_status, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (decision.Decision, error) {
	var (
		d      decision.Decision
		status string
		prior  sql.NullString
	)
	err := row.Scan(&d.ID, &d.OrganizationID, &d.DecisionNumber, &status, &d.CurrentVersionID, &d.TeamID,
		&d.CreatedBy, &d.ReviewByDate, &d.IsTemporary, &prior, &d.DeletedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return decision.Decision{}, err
	}
	d.Status = decision.Status(status)
	if prior.Valid {
		p := decision.Status(prior.String)
		d.PriorStatus = &p
	}
	return d, nil
}

func (t *pgTx) GetDecision(ctx context.Context, organizationID, decisionID string) (decision.Decision, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM decisions WHERE id = $1 AND organization_id = $2
	`, decisionID, organizationID)
	d, err := scanDecision(row)
	if err != nil {
		return decision.Decision{}, notFound(err, "get decision")
	}
	return d, nil
}

func (t *pgTx) LockDecision(ctx context.Context, organizationID, decisionID string) (decision.Decision, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+decisionColumns+` FROM decisions WHERE id = $1 AND organization_id = $2 FOR UPDATE
	`, decisionID, organizationID)
	d, err := scanDecision(row)
	if err != nil {
		return decision.Decision{}, notFound(err, "lock decision")
	}
	return d, nil
}

func (t *pgTx) UpdateDecisionStatus(ctx context.Context, decisionID string, status decision.Status, prior *decision.Status, at time.Time) error {
	return t.execOne(ctx, "update decision status", `
		UPDATE decisions SET status = $2, prior_status = $3, updated_at = $4 WHERE id = $1
	`, decisionID, string(status), statusPtr(prior), at)
}

func (t *pgTx) SetCurrentVersion(ctx context.Context, decisionID, versionID string, at time.Time) error {
	return t.execOne(ctx, "set current version", `
		UPDATE decisions SET current_version_id = $2, updated_at = $3 WHERE id = $1
	`, decisionID, versionID, at)
}

func (t *pgTx) SetReviewByDate(ctx context.Context, decisionID string, reviewBy *time.Time, at time.Time) error {
	return t.execOne(ctx, "set review date", `
		UPDATE decisions SET review_by_date = $2, updated_at = $3 WHERE id = $1
	`, decisionID, reviewBy, at)
}

func (t *pgTx) SoftDeleteDecision(ctx context.Context, decisionID string, at time.Time) error {
	return t.execOne(ctx, "soft delete decision", `
		UPDATE decisions SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL
	`, decisionID, at)
}

func (t *pgTx) ListDecisions(ctx context.Context, filter DecisionFilter) ([]decision.Decision, int, error) {
	clauses := []string{"organization_id = $1", "deleted_at IS NULL"}
	args := []any{filter.OrganizationID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.TeamID != "" {
		args = append(args, filter.TeamID)
		clauses = append(clauses, fmt.Sprintf("team_id = $%d", len(args)))
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM decisions`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count decisions: %w", err)
	}

	args = append(args, filter.Limit, filter.Offset)
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM decisions%s ORDER BY decision_number DESC LIMIT $%d OFFSET $%d
	`, decisionColumns, where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list decisions: %w", err)
	}
	items, err := collectDecisions(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (t *pgTx) ListReviewableDecisions(ctx context.Context, organizationID string) ([]decision.Decision, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+decisionColumns+`
		FROM decisions
		WHERE organization_id = $1
			AND deleted_at IS NULL
			AND review_by_date IS NOT NULL
			AND status IN ('PENDING_REVIEW', 'APPROVED', 'AT_RISK', 'EXPIRED')
		ORDER BY decision_number ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("list reviewable decisions: %w", err)
	}
	return collectDecisions(rows)
}

func collectDecisions(rows *sql.Rows) ([]decision.Decision, error) {
	defer rows.Close()
	items := make([]decision.Decision, 0)
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

func (t *pgTx) MaxVersionNumber(ctx context.Context, decisionID string) (int, error) {
	var max int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) FROM decision_versions WHERE decision_id = $1
	`, decisionID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max version number: %w", err)
	}
	return max, nil
}

func (t *pgTx) InsertVersion(ctx context.Context, v decision.Version) error {
	content, err := json.Marshal(v.Content)
	if err != nil {
		return fmt.Errorf("marshal version content: %w", err)
	}
	tags, err := json.Marshal(nonNilStrings(v.Tags))
	if err != nil {
		return fmt.Errorf("marshal version tags: %w", err)
	}
	fields := v.CustomFields
	if fields == nil {
		fields = map[string]string{}
	}
	customFields, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal version custom fields: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO decision_versions (id, decision_id, version_number, title, impact_level, content, tags,
			custom_fields, created_by, created_at, change_summary, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10, $11, $12)
	`, v.ID, v.DecisionID, v.VersionNumber, v.Title, string(v.ImpactLevel), string(content), string(tags),
		string(customFields), v.CreatedBy, v.CreatedAt, v.ChangeSummary, v.ContentHash)
	if err != nil {
		return fmt.Errorf("insert version: %w", mapError(err))
	}
	return nil
}

const versionColumns = `id, decision_id, version_number, title, impact_level, content, tags, custom_fields,
	created_by, created_at, change_summary, content_hash`

func scanVersion(row rowScanner) (decision.Version, error) {
	var (
		v                     decision.Version
		impact                string
		content, tags, fields []byte
	)
	err := row.Scan(&v.ID, &v.DecisionID, &v.VersionNumber, &v.Title, &impact, &content, &tags, &fields,
		&v.CreatedBy, &v.CreatedAt, &v.ChangeSummary, &v.ContentHash)
	if err != nil {
		return decision.Version{}, err
	}
	v.ImpactLevel = decision.ImpactLevel(impact)
	if err := json.Unmarshal(content, &v.Content); err != nil {
		return decision.Version{}, fmt.Errorf("decode version content: %w", err)
	}
	if err := json.Unmarshal(tags, &v.Tags); err != nil {
		return decision.Version{}, fmt.Errorf("decode version tags: %w", err)
	}
	if err := json.Unmarshal(fields, &v.CustomFields); err != nil {
		return decision.Version{}, fmt.Errorf("decode version custom fields: %w", err)
	}
	return v, nil
}

func (t *pgTx) GetVersion(ctx context.Context, versionID string) (decision.Version, error) {
	v, err := scanVersion(t.tx.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM decision_versions WHERE id = $1
	`, versionID))
	if err != nil {
		return decision.Version{}, notFound(err, "get version")
	}
	return v, nil
}

func (t *pgTx) GetVersionByNumber(ctx context.Context, decisionID string, number int) (decision.Version, error) {
	v, err := scanVersion(t.tx.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM decision_versions WHERE decision_id = $1 AND version_number = $2
	`, decisionID, number))
	if err != nil {
		return decision.Version{}, notFound(err, "get version by number")
	}
	return v, nil
}

func (t *pgTx) ListVersions(ctx context.Context, decisionID string) ([]decision.Version, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM decision_versions WHERE decision_id = $1 ORDER BY version_number ASC
	`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]decision.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (t *pgTx) InsertRelationship(ctx context.Context, r decision.Relationship) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO decision_relationships (id, organization_id, source_id, target_id, relation_type,
			description, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.OrganizationID, r.SourceID, r.TargetID, string(r.Type), r.Description, r.CreatedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", mapError(err))
	}
	return nil
}

const relationshipColumns = `id, organization_id, source_id, target_id, relation_type, description,
	created_by, created_at, invalidated_at`

func scanRelationship(row rowScanner) (decision.Relationship, error) {
	var (
		r        decision.Relationship
		relation string
	)
	err := row.Scan(&r.ID, &r.OrganizationID, &r.SourceID, &r.TargetID, &relation, &r.Description,
		&r.CreatedBy, &r.CreatedAt, &r.InvalidatedAt)
	if err != nil {
		return decision.Relationship{}, err
	}
	r.Type = decision.RelationType(relation)
	return r, nil
}

func (t *pgTx) GetRelationship(ctx context.Context, organizationID, relationshipID string) (decision.Relationship, error) {
	r, err := scanRelationship(t.tx.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM decision_relationships WHERE id = $1 AND organization_id = $2
	`, relationshipID, organizationID))
	if err != nil {
		return decision.Relationship{}, notFound(err, "get relationship")
	}
	return r, nil
}

func (t *pgTx) InvalidateRelationship(ctx context.Context, relationshipID string, at time.Time) error {
	return t.execOne(ctx, "invalidate relationship", `
		UPDATE decision_relationships SET invalidated_at = $2 WHERE id = $1 AND invalidated_at IS NULL
	`, relationshipID, at)
}

func (t *pgTx) ListRelationships(ctx context.Context, decisionID string) ([]decision.Relationship, error) {
	return t.queryRelationships(ctx, `
		SELECT `+relationshipColumns+`
		FROM decision_relationships
		WHERE source_id = $1 OR target_id = $1
		ORDER BY created_at ASC, id ASC
	`, decisionID)
}

func (t *pgTx) ListSupersedesFrom(ctx context.Context, decisionID string) ([]decision.Relationship, error) {
	return t.queryRelationships(ctx, `
		SELECT `+relationshipColumns+`
		FROM decision_relationships
		WHERE source_id = $1 AND relation_type = 'supersedes' AND invalidated_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, decisionID)
}

func (t *pgTx) ListSupersedesTo(ctx context.Context, decisionID string) ([]decision.Relationship, error) {
	return t.queryRelationships(ctx, `
		SELECT `+relationshipColumns+`
		FROM decision_relationships
		WHERE target_id = $1 AND relation_type = 'supersedes' AND invalidated_at IS NULL
		ORDER BY created_at DESC, id DESC
	`, decisionID)
}

func (t *pgTx) queryRelationships(ctx context.Context, query string, args ...any) ([]decision.Relationship, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list relationships: %w", err)
	}
	defer rows.Close()

	items := make([]decision.Relationship, 0)
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate relationships: %w", err)
	}
	return items, nil
}

func (t *pgTx) InsertRequiredReviewer(ctx context.Context, r decision.RequiredReviewer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO required_reviewers (id, version_id, user_id, assigned_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (version_id, user_id) DO NOTHING
	`, r.ID, r.VersionID, r.UserID, r.AssignedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert required reviewer: %w", mapError(err))
	}
	return nil
}

func (t *pgTx) ListRequiredReviewers(ctx context.Context, versionID string) ([]decision.RequiredReviewer, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, version_id, user_id, assigned_by, created_at
		FROM required_reviewers
		WHERE version_id = $1
		ORDER BY created_at ASC, user_id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list required reviewers: %w", err)
	}
	defer rows.Close()

	items := make([]decision.RequiredReviewer, 0)
	for rows.Next() {
		var r decision.RequiredReviewer
		if err := rows.Scan(&r.ID, &r.VersionID, &r.UserID, &r.AssignedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan required reviewer: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate required reviewers: %w", err)
	}
	return items, nil
}

func (t *pgTx) UpsertApproval(ctx context.Context, a decision.Approval) (decision.Approval, error) {
	var (
		stored decision.Approval
		status string
	)
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO approvals (id, version_id, user_id, status, comment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (version_id, user_id) DO UPDATE
			SET status = EXCLUDED.status, comment = EXCLUDED.comment, updated_at = EXCLUDED.updated_at
		RETURNING id, version_id, user_id, status, comment, created_at, updated_at
	`, a.ID, a.VersionID, a.UserID, string(a.Status), a.Comment, a.UpdatedAt).Scan(
		&stored.ID, &stored.VersionID, &stored.UserID, &status, &stored.Comment, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return decision.Approval{}, fmt.Errorf("upsert approval: %w", mapError(err))
	}
	stored.Status = decision.ApprovalStatus(status)
	return stored, nil
}

func (t *pgTx) ListApprovals(ctx context.Context, versionID string) ([]decision.Approval, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, version_id, user_id, status, comment, created_at, updated_at
		FROM approvals
		WHERE version_id = $1
		ORDER BY created_at ASC, user_id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]decision.Approval, 0)
	for rows.Next() {
		var (
			a      decision.Approval
			status string
		)
		if err := rows.Scan(&a.ID, &a.VersionID, &a.UserID, &status, &a.Comment, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		a.Status = decision.ApprovalStatus(status)
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

func (t *pgTx) InsertReviewNotification(ctx context.Context, n decision.ReviewNotification) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO review_notifications (id, organization_id, decision_id, kind, review_by_date, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (decision_id, kind, review_by_date) DO NOTHING
	`, n.ID, n.OrganizationID, n.DecisionID, n.Kind, n.ReviewByDate, n.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert review notification: %w", mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert review notification: %w", err)
	}
	return affected == 1, nil
}

// LockAuditChain takes a transaction-scoped advisory lock keyed by the
// organization so concurrent appends cannot read the same chain head.
func (t *pgTx) LockAuditChain(ctx context.Context, organizationID string) error {
	if _, err := t.tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "audit_chain:"+organizationID); err != nil {
		return fmt.Errorf("lock audit chain: %w", err)
	}
	return nil
}

func (t *pgTx) LastAuditEntry(ctx context.Context, organizationID string) (audit.Entry, bool, error) {
	entry, err := scanAuditEntry(t.tx.QueryRowContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE organization_id = $1
		ORDER BY id DESC
		LIMIT 1
	`, organizationID))
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Entry{}, false, nil
	}
	if err != nil {
		return audit.Entry{}, false, fmt.Errorf("last audit entry: %w", err)
	}
	return entry, true, nil
}

func (t *pgTx) InsertAuditEntry(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("marshal audit details: %w", err)
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (organization_id, actor_id, action, resource_type, resource_id, details,
			created_at, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9)
		RETURNING id
	`, entry.OrganizationID, entry.ActorID, string(entry.Action), entry.ResourceType, entry.ResourceID,
		string(details), entry.CreatedAt, entry.PreviousHash, entry.EntryHash).Scan(&entry.ID)
	if err != nil {
		return audit.Entry{}, fmt.Errorf("insert audit entry: %w", mapError(err))
	}
	return entry, nil
}

const auditColumns = `id, organization_id, actor_id, action, resource_type, resource_id, details,
	created_at, previous_hash, entry_hash`

func scanAuditEntry(row rowScanner) (audit.Entry, error) {
	var (
		entry   audit.Entry
		actor   sql.NullString
		action  string
		details []byte
	)
	err := row.Scan(&entry.ID, &entry.OrganizationID, &actor, &action, &entry.ResourceType, &entry.ResourceID,
		&details, &entry.CreatedAt, &entry.PreviousHash, &entry.EntryHash)
	if err != nil {
		return audit.Entry{}, err
	}
	if actor.Valid {
		entry.ActorID = &actor.String
	}
	entry.Action = audit.Action(action)
	entry.CreatedAt = audit.NormalizeTime(entry.CreatedAt)
	entry.Details, err = audit.DecodeDetails(details)
	if err != nil {
		return audit.Entry{}, err
	}
	return entry, nil
}

func collectAuditEntries(rows *sql.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	items := make([]audit.Entry, 0)
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return items, nil
}

func (t *pgTx) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

// mapError turns unique violations and serialization failures into
// ErrConflict. Anything else passes through unchanged.
func mapError(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01":
			return fmt.Errorf("%w: %s (%s)", ErrConflict, pgErr.ConstraintName, pgErr.Code)
		}
	}
	return err
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusPtr(status *decision.Status) *string {
	if status == nil {
		return nil
	}
	value := string(*status)
	return &value
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
