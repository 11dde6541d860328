// Package audit implements the per-organization, hash-chained audit trail.
//
// Every entry's hash covers its own fields plus the hash of the entry before
// it in the same organization's chain, so editing or deleting a stored entry
// breaks verification from that point on.
package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Action string

const (
	ActionCreate                 Action = "CREATE"
	ActionUpdate                 Action = "UPDATE"
	ActionSupersede              Action = "SUPERSEDE"
	ActionApprove                Action = "APPROVE"
	ActionStatusChange           Action = "STATUS_CHANGE"
	ActionDelete                 Action = "DELETE"
	ActionRead                   Action = "READ"
	ActionRelationshipCreate     Action = "RELATIONSHIP_CREATE"
	ActionRelationshipInvalidate Action = "RELATIONSHIP_INVALIDATE"
	ActionExpiryTransition       Action = "EXPIRY_TRANSITION"
	ActionSnooze                 Action = "SNOOZE"
	ActionExport                 Action = "EXPORT"
)

const (
	ResourceDecision     = "decision"
	ResourceVersion      = "decision_version"
	ResourceRelationship = "decision_relationship"
	ResourceAuditChain   = "audit_chain"
)

// GenesisHash stands in for the previous hash of an organization's first entry.
var GenesisHash = strings.Repeat("0", 64)

type Entry struct {
	ID             int64          `json:"id"`
	OrganizationID string         `json:"organization_id"`
	ActorID        *string        `json:"actor_id"`
	Action         Action         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Details        map[string]any `json:"details"`
	CreatedAt      time.Time      `json:"created_at"`
	PreviousHash   string         `json:"previous_hash"`
	EntryHash      string         `json:"entry_hash"`
}

// Record is the caller-supplied part of an entry.
type Record struct {
	OrganizationID string
	ActorID        *string
	Action         Action
	ResourceType   string
	ResourceID     string
	Details        map[string]any
}

type canonicalEntry struct {
	OrganizationID string         `json:"organization_id"`
	ActorID        *string        `json:"actor_id"`
	Action         Action         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Details        map[string]any `json:"details"`
	CreatedAt      string         `json:"created_at"`
}

// ComputeHash returns H(previousHash || canonical(entry)). The entry's own ID,
// PreviousHash and EntryHash fields are not part of the canonical form.
func ComputeHash(previousHash string, entry Entry) (string, error) {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	canonical, err := json.Marshal(canonicalEntry{
		OrganizationID: entry.OrganizationID,
		ActorID:        entry.ActorID,
		Action:         entry.Action,
		ResourceType:   entry.ResourceType,
		ResourceID:     entry.ResourceID,
		Details:        details,
		CreatedAt:      NormalizeTime(entry.CreatedAt).Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	hasher := sha256.New()
	hasher.Write([]byte(previousHash))
	hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// NormalizeTime truncates to the microsecond precision of the database and
// converts to UTC so hashes survive a storage round trip.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// NormalizeDetails round-trips details through JSON so that in-memory values
// hash the same way as values decoded from storage.
func NormalizeDetails(details map[string]any) (map[string]any, error) {
	if len(details) == 0 {
		return map[string]any{}, nil
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode audit details: %w", err)
	}
	return DecodeDetails(encoded)
}

// DecodeDetails decodes stored details, keeping numbers as json.Number.
func DecodeDetails(raw []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode audit details: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// ChainStore is the transactional storage an append runs against. It is
// implemented by the store transaction of the business mutation being logged.
type ChainStore interface {
	// LockAuditChain serializes appends to one organization's chain until
	// the surrounding transaction ends.
	LockAuditChain(ctx context.Context, organizationID string) error
	LastAuditEntry(ctx context.Context, organizationID string) (Entry, bool, error)
	InsertAuditEntry(ctx context.Context, entry Entry) (Entry, error)
}

// Append links a new entry to the head of the organization's chain.
func Append(ctx context.Context, chain ChainStore, record Record, now time.Time) (Entry, error) {
	if strings.TrimSpace(record.OrganizationID) == "" {
		return Entry{}, fmt.Errorf("append audit entry: organization is required")
	}
	details, err := NormalizeDetails(record.Details)
	if err != nil {
		return Entry{}, err
	}
	if err := chain.LockAuditChain(ctx, record.OrganizationID); err != nil {
		return Entry{}, fmt.Errorf("lock audit chain: %w", err)
	}
	previous := GenesisHash
	last, ok, err := chain.LastAuditEntry(ctx, record.OrganizationID)
	if err != nil {
		return Entry{}, fmt.Errorf("read audit chain head: %w", err)
	}
	if ok {
		previous = last.EntryHash
	}

	entry := Entry{
		OrganizationID: record.OrganizationID,
		ActorID:        record.ActorID,
		Action:         record.Action,
		ResourceType:   record.ResourceType,
		ResourceID:     record.ResourceID,
		Details:        details,
		CreatedAt:      NormalizeTime(now),
		PreviousHash:   previous,
	}
	entry.EntryHash, err = ComputeHash(previous, entry)
	if err != nil {
		return Entry{}, err
	}
	stored, err := chain.InsertAuditEntry(ctx, entry)
	if err != nil {
		return Entry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return stored, nil
}

func Actor(userID string) *string {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return &userID
}
