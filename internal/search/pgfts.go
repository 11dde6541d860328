package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// It searches the current version of each live decision.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// pgQuery builds the WHERE clause and arguments shared by the count and data
// queries. $1 is always the search text.
func pgQuery(q Query) (string, []any, error) {
	if strings.TrimSpace(q.OrganizationID) == "" {
		return "", nil, errOrganizationRequired
	}
	args := []any{q.Text, q.OrganizationID}
	where := "v.fts @@ plainto_tsquery('english', $1) AND d.organization_id = $2 AND d.deleted_at IS NULL"
	if q.Status != "" {
		args = append(args, q.Status)
		where += fmt.Sprintf(" AND d.status = $%d", len(args))
	}
	return where, args, nil
}

// Search ranks current versions with ts_rank and builds snippets with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	q = q.normalized()
	where, args, err := pgQuery(q)
	if err != nil {
		return nil, 0, err
	}
	if q.Text == "" {
		return nil, 0, nil
	}

	from := `FROM decisions d
		JOIN decision_versions v ON v.id = d.current_version_id
		WHERE ` + where

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT d.id, d.decision_number, v.id, v.version_number, v.title,
			ts_headline('english', coalesce(v.content->>'rationale', ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30'),
			d.status, v.impact_level, v.tags
		%s
		ORDER BY ts_rank(v.fts, plainto_tsquery('english', $1)) DESC, d.decision_number DESC
		LIMIT %d OFFSET %d`, from, q.Limit, q.Offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r    Result
			tags []byte
		)
		if err := rows.Scan(&r.DecisionID, &r.DecisionNumber, &r.VersionID, &r.VersionNumber, &r.Title,
			&r.Snippet, &r.Status, &r.ImpactLevel, &tags); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Tags = []string{}
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, 0, fmt.Errorf("pgfts decode tags: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every live decision with its current version for
// full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DecisionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT d.id, d.organization_id, d.decision_number, v.id, v.version_number, v.title,
			coalesce(v.content->>'problem_context', ''),
			coalesce(v.content->>'chosen_option', ''),
			coalesce(v.content->>'rationale', ''),
			d.status, v.impact_level, v.tags, coalesce(d.team_id, '')
		FROM decisions d
		JOIN decision_versions v ON v.id = d.current_version_id
		WHERE d.deleted_at IS NULL
		ORDER BY d.organization_id, d.decision_number
	`)
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}
	defer rows.Close()

	records := make([]DecisionRecord, 0)
	for rows.Next() {
		var (
			r    DecisionRecord
			tags []byte
		)
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.DecisionNumber, &r.VersionID, &r.VersionNumber, &r.Title,
			&r.ProblemContext, &r.ChosenOption, &r.Rationale, &r.Status, &r.ImpactLevel, &tags, &r.TeamID); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		r.Tags = []string{}
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return records, nil
}
