package search

import (
	"context"

	"decisionledger/internal/decision"
	"decisionledger/internal/logger"
)

// Service is the facade that tries the primary index first and falls back to
// PG FTS. It also receives committed decisions from the ledger engine.
type Service struct {
	primary  Index
	fallback Searcher
	source   RecordSource
	log      *logger.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured; source may be nil when reindexing is not wanted.
func NewService(primary Index, fallback Searcher, source RecordSource, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{primary: primary, fallback: fallback, source: source, log: log.With("component", "search")}
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	q = q.normalized()
	if q.OrganizationID == "" {
		return Response{}, errOrganizationRequired
	}
	if q.Status != "" {
		if _, ok := decision.ParseStatus(q.Status); !ok {
			return Response{}, ErrInvalidStatus
		}
	}
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		s.log.Warn("primary search failed, falling back to pgfts", "error", err.Error())
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("pgfts search failed", "error", err.Error())
		return Response{Results: []Result{}, Total: 0, Query: q.Text}, nil
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// IndexDecision indexes a committed decision snapshot (fire-and-forget).
func (s *Service) IndexDecision(d decision.Decision, v decision.Version) {
	if !s.primaryHealthy() {
		return
	}
	record := RecordFromSnapshot(d, v)
	go func() {
		if err := s.primary.IndexDecisions([]DecisionRecord{record}); err != nil {
			s.log.Warn("index decision failed", "decision_id", record.ID, "error", err.Error())
		}
	}()
}

// RemoveDecision drops a deleted decision from the index (fire-and-forget).
func (s *Service) RemoveDecision(organizationID, decisionID string) {
	if !s.primaryHealthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteDecision(decisionID); err != nil {
			s.log.Warn("remove decision failed", "org_id", organizationID, "decision_id", decisionID, "error", err.Error())
		}
	}()
}

// Reindex reads all live decisions from the record source and pushes them to
// the primary index. Called at startup when the primary is healthy.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if !s.primaryHealthy() || s.source == nil {
		return 0, nil
	}
	records, err := s.source.LoadAllRecords(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.primary.IndexDecisions(records); err != nil {
		return 0, err
	}
	s.log.Info("search index rebuilt", "decisions", len(records))
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
