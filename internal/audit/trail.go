package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"decisionledger/internal/logger"
)

const verifyBatchSize = 500

// ChainReader walks an organization's chain in insertion order.
type ChainReader interface {
	ScanAuditChain(ctx context.Context, organizationID string, afterID int64, limit int) ([]Entry, error)
}

type Filter struct {
	OrganizationID string
	ActorID        string
	ResourceType   string
	ResourceID     string
	Action         Action
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

type QueryStore interface {
	QueryAuditEntries(ctx context.Context, filter Filter) ([]Entry, int, error)
}

// Backend is the storage the trail reads from and appends through.
type Backend interface {
	ChainReader
	QueryStore
	// WithChain runs fn inside a storage transaction.
	WithChain(ctx context.Context, fn func(ChainStore) error) error
}

// VerifyResult is the stable output of a chain verification.
type VerifyResult struct {
	OrganizationID string `json:"organization_id"`
	IsValid        bool   `json:"is_valid"`
	CheckedEntries int    `json:"checked_entries"`
	BrokenAtID     *int64 `json:"broken_at_id,omitempty"`
	ExpectedHash   string `json:"expected_hash,omitempty"`
	ActualHash     string `json:"actual_hash,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Sink receives exported chains.
type Sink interface {
	PutChain(ctx context.Context, export Export) (string, error)
}

type Export struct {
	OrganizationID string
	GeneratedAt    time.Time
	EntryCount     int
	Verification   VerifyResult
	Body           []byte
}

type ExportResult struct {
	Location     string       `json:"location"`
	EntryCount   int          `json:"entry_count"`
	Verification VerifyResult `json:"verification"`
	AuditEntryID int64        `json:"audit_entry_id"`
}

type Trail struct {
	backend Backend
	log     *logger.Logger
	now     func() time.Time
}

func NewTrail(backend Backend, log *logger.Logger) *Trail {
	if log == nil {
		log = logger.Nop()
	}
	return &Trail{
		backend: backend,
		log:     log.With("component", "audit"),
		now:     time.Now,
	}
}

// Append writes a standalone entry in its own transaction. Ledger mutations
// call the package-level Append inside their own transaction instead.
func (t *Trail) Append(ctx context.Context, record Record) (Entry, error) {
	var entry Entry
	err := t.backend.WithChain(ctx, func(chain ChainStore) error {
		var err error
		entry, err = Append(ctx, chain, record, t.now())
		return err
	})
	return entry, err
}

// VerifyChain recomputes every entry hash of the organization's chain and
// stops at the first mismatch. A broken chain is a result, not an error.
func (t *Trail) VerifyChain(ctx context.Context, organizationID string) (VerifyResult, error) {
	result := VerifyResult{OrganizationID: organizationID, IsValid: true}
	err := t.walk(ctx, organizationID, func(entry Entry, expectedPrevious string) (bool, error) {
		if entry.PreviousHash != expectedPrevious {
			result.markBroken(entry.ID, expectedPrevious, entry.PreviousHash, "previous hash does not match chain head")
			return false, nil
		}
		recomputed, err := ComputeHash(entry.PreviousHash, entry)
		if err != nil {
			return false, err
		}
		if recomputed != entry.EntryHash {
			result.markBroken(entry.ID, recomputed, entry.EntryHash, "entry hash does not match entry contents")
			return false, nil
		}
		result.CheckedEntries++
		return true, nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	if !result.IsValid {
		t.log.Warn("audit chain verification failed",
			"org_id", organizationID,
			"broken_at_id", *result.BrokenAtID,
			"reason", result.Reason,
		)
	}
	return result, nil
}

func (r *VerifyResult) markBroken(id int64, expected, actual, reason string) {
	r.IsValid = false
	r.BrokenAtID = &id
	r.ExpectedHash = expected
	r.ActualHash = actual
	r.Reason = reason
}

func (t *Trail) walk(ctx context.Context, organizationID string, visit func(Entry, string) (bool, error)) error {
	expectedPrevious := GenesisHash
	var afterID int64
	for {
		batch, err := t.backend.ScanAuditChain(ctx, organizationID, afterID, verifyBatchSize)
		if err != nil {
			return fmt.Errorf("scan audit chain: %w", err)
		}
		for _, entry := range batch {
			cont, err := visit(entry, expectedPrevious)
			if err != nil || !cont {
				return err
			}
			expectedPrevious = entry.EntryHash
			afterID = entry.ID
		}
		if len(batch) < verifyBatchSize {
			return nil
		}
	}
}

// Query returns one page of the organization's entries. The organization is
// always taken from the argument, never from the filter.
func (t *Trail) Query(ctx context.Context, organizationID string, filter Filter) (Page, error) {
	if strings.TrimSpace(organizationID) == "" {
		return Page{}, fmt.Errorf("query audit log: organization is required")
	}
	filter.OrganizationID = organizationID
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	entries, total, err := t.backend.QueryAuditEntries(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("query audit log: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return Page{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Export verifies the chain, serializes it as JSON lines, hands it to sink
// and records the export in the chain itself.
func (t *Trail) Export(ctx context.Context, organizationID, actorID string, sink Sink) (ExportResult, error) {
	verification, err := t.VerifyChain(ctx, organizationID)
	if err != nil {
		return ExportResult{}, err
	}

	var body bytes.Buffer
	encoder := json.NewEncoder(&body)
	count := 0
	err = t.walk(ctx, organizationID, func(entry Entry, _ string) (bool, error) {
		if err := encoder.Encode(entry); err != nil {
			return false, fmt.Errorf("encode audit entry %d: %w", entry.ID, err)
		}
		count++
		return true, nil
	})
	if err != nil {
		return ExportResult{}, err
	}

	generatedAt := t.now().UTC()
	location, err := sink.PutChain(ctx, Export{
		OrganizationID: organizationID,
		GeneratedAt:    generatedAt,
		EntryCount:     count,
		Verification:   verification,
		Body:           body.Bytes(),
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("store audit export: %w", err)
	}

	entry, err := t.Append(ctx, Record{
		OrganizationID: organizationID,
		ActorID:        Actor(actorID),
		Action:         ActionExport,
		ResourceType:   ResourceAuditChain,
		ResourceID:     organizationID,
		Details: map[string]any{
			"location":    location,
			"entry_count": count,
			"is_valid":    verification.IsValid,
		},
	})
	if err != nil {
		return ExportResult{}, err
	}
	t.log.Info("audit chain exported", "org_id", organizationID, "entries", count, "location", location)
	return ExportResult{
		Location:     location,
		EntryCount:   count,
		Verification: verification,
		AuditEntryID: entry.ID,
	}, nil
}
