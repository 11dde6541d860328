package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"decisionledger/internal/decision"
	"decisionledger/internal/logger"
)

const idxDecisions = "ledger_decisions"

var (
	errOrganizationRequired = errors.New("search: organization is required")
	// ErrInvalidStatus is returned for a status filter that names no
	// decision status.
	ErrInvalidStatus = errors.New("search: unknown decision status")
)

// Meili implements Index via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *logger.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the decision index.
// An unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, log *logger.Logger) *Meili {
	if log == nil {
		log = logger.Nop()
	}
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		log:    log.With("component", "meilisearch"),
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err.Error())
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDecisions,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxDecisions, "error", err.Error())
	}

	index := m.client.Index(idxDecisions)
	filterable := []interface{}{"organizationId", "status", "impactLevel", "tags", "teamId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxDecisions, "error", err.Error())
	}
	searchable := []string{"title", "chosenOption", "rationale", "problemContext", "tags"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxDecisions, "error", err.Error())
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the decision index within the query's organization.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	q = q.normalized()
	filters, err := meiliFilters(q)
	if err != nil {
		return nil, 0, err
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxDecisions,
			Query:                 q.Text,
			Limit:                 int64(q.Limit),
			Offset:                int64(q.Offset),
			Filter:                filters,
			AttributesToHighlight: []string{"title", "rationale", "chosenOption"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// meiliFilters always scopes to the organization so one tenant can never see
// another tenant's hits.
func meiliFilters(q Query) ([]string, error) {
	if strings.TrimSpace(q.OrganizationID) == "" {
		return nil, errOrganizationRequired
	}
	filters := []string{fmt.Sprintf("organizationId = %q", q.OrganizationID)}
	if q.Status != "" {
		status, ok := decision.ParseStatus(q.Status)
		if !ok {
			return nil, ErrInvalidStatus
		}
		filters = append(filters, fmt.Sprintf("status = %q", status))
	}
	return filters, nil
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		DecisionID:     decodeString(hit, "id"),
		DecisionNumber: decodeInt(hit, "decisionNumber"),
		VersionID:      decodeString(hit, "versionId"),
		VersionNumber:  int(decodeInt(hit, "versionNumber")),
		Title:          firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet: firstNonBlank(
			decodeFormattedString(hit, "rationale"),
			decodeFormattedString(hit, "chosenOption"),
			decodeString(hit, "rationale"),
		),
		Status:      decodeString(hit, "status"),
		ImpactLevel: decodeString(hit, "impactLevel"),
		Tags:        decodeStrings(hit, "tags"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeStrings(hit meili.Hit, key string) []string {
	out := []string{}
	raw, ok := hit[key]
	if !ok {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexDecisions adds or replaces decision records.
func (m *Meili) IndexDecisions(records []DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDecisions).AddDocuments(records, nil)
	return err
}

// DeleteDecision removes a decision from the search index.
func (m *Meili) DeleteDecision(decisionID string) error {
	_, err := m.client.Index(idxDecisions).DeleteDocument(decisionID, nil)
	return err
}
