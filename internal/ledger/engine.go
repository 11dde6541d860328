// Package ledger is the only writer of decision, version and relationship
// state. Every mutation runs in one store transaction together with the audit
// entry that documents it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"decisionledger/internal/audit"
	"decisionledger/internal/config"
	"decisionledger/internal/decision"
	"decisionledger/internal/logger"
	"decisionledger/internal/store"
)

const tracerName = "decisionledger/internal/ledger"

// Indexer receives committed decision snapshots. Implementations must not
// block; indexing is best effort.
type Indexer interface {
	IndexDecision(d decision.Decision, v decision.Version)
	RemoveDecision(organizationID, decisionID string)
}

type Engine struct {
	store           store.Store
	log             *logger.Logger
	indexer         Indexer
	tracer          trace.Tracer
	maxRetries      int
	lineageMaxDepth int
	retryBackoff    time.Duration
	now             func() time.Time
}

func NewEngine(dataStore store.Store, cfg config.LedgerConfig, log *logger.Logger, indexer Indexer) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	depth := cfg.LineageMaxDepth
	if depth <= 0 {
		depth = 100
	}
	return &Engine{
		store:           dataStore,
		log:             log.With("component", "ledger"),
		indexer:         indexer,
		tracer:          otel.Tracer(tracerName),
		maxRetries:      maxRetries,
		lineageMaxDepth: depth,
		retryBackoff:    10 * time.Millisecond,
		now:             time.Now,
	}
}

func (e *Engine) clock() time.Time {
	return audit.NormalizeTime(e.now())
}

// inTx runs fn in a fresh transaction, re-running the whole function when the
// store reports a conflict. fn must not leak state between attempts.
func (e *Engine) inTx(ctx context.Context, op string, fn func(store.Tx) error) error {
	attempts := e.maxRetries + 1
	for attempt := 1; ; attempt++ {
		err := e.store.WithTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		if attempt >= attempts {
			e.log.Warn("giving up after repeated conflicts", "op", op, "attempts", attempt, "error", err.Error())
			return concurrency(op, attempt, err)
		}
		e.log.Debug("transaction conflict, retrying", "op", op, "attempt", attempt)
		if e.retryBackoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * e.retryBackoff):
			}
		}
	}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "ledger."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireScope(organizationID, actorID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return invalid("organization_required", "organization is required", nil)
	}
	if strings.TrimSpace(actorID) == "" {
		return invalid("actor_required", "acting user is required", nil)
	}
	return nil
}

func requireActiveOrganization(ctx context.Context, tx store.Tx, organizationID string) error {
	org, err := tx.GetOrganization(ctx, organizationID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("organization_not_found", "organization not found", map[string]any{"organization_id": organizationID})
	}
	if err != nil {
		return err
	}
	if !org.IsActive {
		return invalid("organization_inactive", "organization is not active", map[string]any{"organization_id": organizationID})
	}
	return nil
}

// loadDecision returns a live decision of the organization. Rows of other
// organizations and soft-deleted rows are both reported as not found.
func loadDecision(ctx context.Context, tx store.Tx, organizationID, decisionID string, lock bool) (decision.Decision, error) {
	var (
		d   decision.Decision
		err error
	)
	if lock {
		d, err = tx.LockDecision(ctx, organizationID, decisionID)
	} else {
		d, err = tx.GetDecision(ctx, organizationID, decisionID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return decision.Decision{}, decisionNotFound(decisionID)
	}
	if err != nil {
		return decision.Decision{}, fmt.Errorf("load decision: %w", err)
	}
	if d.IsDeleted() {
		return decision.Decision{}, decisionNotFound(decisionID)
	}
	return d, nil
}

func currentVersion(ctx context.Context, tx store.Tx, d decision.Decision) (decision.Version, error) {
	v, err := tx.GetVersion(ctx, d.CurrentVersionID)
	if err != nil {
		return decision.Version{}, fmt.Errorf("load current version of %s: %w", d.ID, err)
	}
	return v, nil
}

// effectiveStatus is the status manual transitions are judged from. AT_RISK
// and EXPIRED overlay the status the decision had before the sweep moved it.
func effectiveStatus(d decision.Decision) decision.Status {
	if (d.Status == decision.StatusAtRisk || d.Status == decision.StatusExpired) && d.PriorStatus != nil {
		return *d.PriorStatus
	}
	return d.Status
}

func (e *Engine) index(d decision.Decision, v decision.Version) {
	if e.indexer == nil {
		return
	}
	e.indexer.IndexDecision(d, v)
}

func (e *Engine) unindex(organizationID, decisionID string) {
	if e.indexer == nil {
		return
	}
	e.indexer.RemoveDecision(organizationID, decisionID)
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
