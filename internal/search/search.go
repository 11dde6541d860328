package search

import (
	"context"
	"strings"

	"decisionledger/internal/decision"
)

// Result is a single search hit returned to the caller.
type Result struct {
	DecisionID     string   `json:"decisionId"`
	DecisionNumber int64    `json:"decisionNumber"`
	VersionID      string   `json:"versionId"`
	VersionNumber  int      `json:"versionNumber"`
	Title          string   `json:"title"`
	Snippet        string   `json:"snippet"`
	Status         string   `json:"status"`
	ImpactLevel    string   `json:"impactLevel"`
	Tags           []string `json:"tags"`
}

// Query describes a search request. OrganizationID is mandatory; every
// backend filters on it.
type Query struct {
	OrganizationID string
	Text           string
	Status         string
	Limit          int
	Offset         int
}

func (q Query) normalized() Query {
	q.Text = strings.TrimSpace(q.Text)
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Index is a search backend that also accepts writes.
type Index interface {
	Searcher
	IndexDecisions(records []DecisionRecord) error
	DeleteDecision(decisionID string) error
}

// RecordSource loads every live decision for a full reindex.
type RecordSource interface {
	LoadAllRecords(ctx context.Context) ([]DecisionRecord, error)
}

// DecisionRecord is the data we index for a decision: the decision row
// flattened with its current version.
type DecisionRecord struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organizationId"`
	DecisionNumber int64    `json:"decisionNumber"`
	VersionID      string   `json:"versionId"`
	VersionNumber  int      `json:"versionNumber"`
	Title          string   `json:"title"`
	ProblemContext string   `json:"problemContext"`
	ChosenOption   string   `json:"chosenOption"`
	Rationale      string   `json:"rationale"`
	Status         string   `json:"status"`
	ImpactLevel    string   `json:"impactLevel"`
	Tags           []string `json:"tags"`
	TeamID         string   `json:"teamId"`
}

func RecordFromSnapshot(d decision.Decision, v decision.Version) DecisionRecord {
	record := DecisionRecord{
		ID:             d.ID,
		OrganizationID: d.OrganizationID,
		DecisionNumber: d.DecisionNumber,
		VersionID:      v.ID,
		VersionNumber:  v.VersionNumber,
		Title:          v.Title,
		ProblemContext: v.Content.ProblemContext,
		ChosenOption:   v.Content.ChosenOption,
		Rationale:      v.Content.Rationale,
		Status:         string(d.Status),
		ImpactLevel:    string(v.ImpactLevel),
		Tags:           append([]string{}, v.Tags...),
	}
	if d.TeamID != nil {
		record.TeamID = *d.TeamID
	}
	return record
}
