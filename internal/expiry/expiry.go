// Package expiry drives the time-based review lifecycle of decisions. A sweep
// moves decisions to AT_RISK and EXPIRED as their review date approaches and
// passes, and back again once the date is pushed out.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"decisionledger/internal/audit"
	"decisionledger/internal/config"
	"decisionledger/internal/decision"
	"decisionledger/internal/ledger"
	"decisionledger/internal/logger"
	"decisionledger/internal/store"
	"decisionledger/internal/util"
)

const (
	tracerName  = "decisionledger/internal/expiry"
	maxAttempts = 3
)

// Notifier receives review notifications after the transaction that recorded
// them has committed.
type Notifier interface {
	Publish(ctx context.Context, n decision.ReviewNotification) error
}

type Engine struct {
	store       store.Store
	log         *logger.Logger
	notifier    Notifier
	indexer     ledger.Indexer
	tracer      trace.Tracer
	window      time.Duration
	interval    time.Duration
	concurrency int
	now         func() time.Time
}

// NewEngine creates the expiry engine. notifier and indexer may be nil.
func NewEngine(dataStore store.Store, cfg config.ExpiryConfig, log *logger.Logger, notifier Notifier, indexer ledger.Indexer) *Engine {
	if log == nil {
		log = logger.Nop()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Engine{
		store:       dataStore,
		log:         log.With("component", "expiry"),
		notifier:    notifier,
		indexer:     indexer,
		tracer:      otel.Tracer(tracerName),
		window:      cfg.WarningWindow,
		interval:    cfg.SweepInterval,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// SweepResult counts what one sweep did across all organizations.
type SweepResult struct {
	Organizations int `json:"organizations"`
	Examined      int `json:"examined"`
	AtRisk        int `json:"at_risk"`
	Expired       int `json:"expired"`
	Reverted      int `json:"reverted"`
	Notifications int `json:"notifications"`
	Failed        int `json:"failed"`
}

func (r *SweepResult) add(other SweepResult) {
	r.Organizations += other.Organizations
	r.Examined += other.Examined
	r.AtRisk += other.AtRisk
	r.Expired += other.Expired
	r.Reverted += other.Reverted
	r.Notifications += other.Notifications
	r.Failed += other.Failed
}

// Sweep evaluates every reviewable decision of every active organization at
// now. Decisions already in their target status are skipped without writing
// anything, so a repeated sweep at the same instant is a no-op. A failure on
// one decision is logged and counted; the sweep carries on.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (result SweepResult, err error) {
	ctx, span := e.tracer.Start(ctx, "expiry.Sweep")
	defer func() {
		span.SetAttributes(
			attribute.Int("examined", result.Examined),
			attribute.Int("changed", result.AtRisk+result.Expired+result.Reverted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now = audit.NormalizeTime(now)
	var orgIDs []string
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		orgIDs, err = tx.ListActiveOrganizationIDs(ctx)
		return err
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("list organizations: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, orgID := range orgIDs {
		orgID := orgID
		g.Go(func() error {
			orgResult, err := e.SweepOrganization(gctx, orgID, now)
			mu.Lock()
			result.add(orgResult)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}

	e.log.Info("expiry sweep finished",
		"organizations", result.Organizations,
		"examined", result.Examined,
		"at_risk", result.AtRisk,
		"expired", result.Expired,
		"reverted", result.Reverted,
		"failed", result.Failed,
	)
	return result, nil
}

// SweepOrganization sweeps a single organization.
func (e *Engine) SweepOrganization(ctx context.Context, organizationID string, now time.Time) (SweepResult, error) {
	result := SweepResult{Organizations: 1}
	now = audit.NormalizeTime(now)

	var candidates []decision.Decision
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		candidates, err = tx.ListReviewableDecisions(ctx, organizationID)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("list reviewable decisions of %s: %w", organizationID, err)
	}

	for _, d := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Examined++
		if !Evaluate(d, now, e.window).Changed() {
			continue
		}
		applied, notification, err := e.apply(ctx, organizationID, d.ID, now)
		if err != nil {
			result.Failed++
			e.log.Warn("expiry transition failed",
				"org_id", organizationID,
				"decision_id", d.ID,
				"error", err.Error(),
			)
			continue
		}
		if !applied.Changed() {
			continue
		}
		switch applied.To {
		case decision.StatusAtRisk:
			result.AtRisk++
		case decision.StatusExpired:
			result.Expired++
		default:
			result.Reverted++
		}
		if notification != nil {
			result.Notifications++
			e.publish(ctx, *notification)
		}
	}
	return result, nil
}

// apply re-reads the decision under its row lock and writes the transition.
// The candidate list is read without locks, so the outcome is evaluated again
// here against the committed row.
func (e *Engine) apply(ctx context.Context, organizationID, decisionID string, now time.Time) (Outcome, *decision.ReviewNotification, error) {
	var (
		outcome      Outcome
		notification *decision.ReviewNotification
		indexed      decision.Decision
		version      decision.Version
	)
	err := e.inTx(ctx, func(tx store.Tx) error {
		outcome = Outcome{}
		notification = nil

		d, err := tx.LockDecision(ctx, organizationID, decisionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		outcome = Evaluate(d, now, e.window)
		if !outcome.Changed() {
			return nil
		}
		approved, err := settleBase(ctx, tx, d, &outcome)
		if err != nil {
			return err
		}
		if err := tx.UpdateDecisionStatus(ctx, d.ID, outcome.To, outcome.Prior, now); err != nil {
			return err
		}

		details := map[string]any{
			"from":           string(outcome.From),
			"to":             string(outcome.To),
			"review_by_date": d.ReviewByDate.UTC().Format(time.RFC3339Nano),
		}
		if approved {
			details["reason"] = "approval_threshold"
		}
		if outcome.Notification != "" {
			n := decision.ReviewNotification{
				ID:             util.NewID("ntf"),
				OrganizationID: organizationID,
				DecisionID:     d.ID,
				Kind:           outcome.Notification,
				ReviewByDate:   *d.ReviewByDate,
				CreatedAt:      now,
			}
			inserted, err := tx.InsertReviewNotification(ctx, n)
			if err != nil {
				return err
			}
			if inserted {
				notification = &n
				details["notification_id"] = n.ID
			}
		}

		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: organizationID,
			Action:         audit.ActionExpiryTransition,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     d.ID,
			Details:        details,
		}, now); err != nil {
			return err
		}
		d.Status, d.PriorStatus, d.UpdatedAt = outcome.To, outcome.Prior, now
		indexed = d
		version, err = tx.GetVersion(ctx, d.CurrentVersionID)
		return err
	})
	if err != nil {
		return Outcome{}, nil, err
	}
	if outcome.Changed() {
		e.log.Info("decision review status changed",
			"org_id", organizationID,
			"decision_id", decisionID,
			"from", string(outcome.From),
			"to", string(outcome.To),
		)
		e.index(indexed, version)
	}
	return outcome, notification, nil
}

// settleBase promotes the status a decision returns to from PENDING_REVIEW
// to APPROVED when every required reviewer of the current version has
// already approved. It reports whether it did.
func settleBase(ctx context.Context, tx store.Tx, d decision.Decision, outcome *Outcome) (bool, error) {
	base := outcome.To
	if outcome.Prior != nil {
		base = *outcome.Prior
	}
	next, ok, err := thresholdStatus(ctx, tx, d.CurrentVersionID, base)
	if err != nil || !ok {
		return false, err
	}
	if outcome.Prior != nil {
		outcome.Prior = &next
	} else {
		outcome.To = next
	}
	return true, nil
}

// thresholdStatus applies the approval threshold of versionID to base.
func thresholdStatus(ctx context.Context, tx store.Tx, versionID string, base decision.Status) (decision.Status, bool, error) {
	if base != decision.StatusPendingReview {
		return "", false, nil
	}
	reviewers, err := tx.ListRequiredReviewers(ctx, versionID)
	if err != nil {
		return "", false, err
	}
	approvals, err := tx.ListApprovals(ctx, versionID)
	if err != nil {
		return "", false, err
	}
	next, ok := decision.EvaluateApprovalThreshold(len(reviewers), decision.CountApproved(reviewers, approvals), base)
	return next, ok, nil
}

func (e *Engine) index(d decision.Decision, v decision.Version) {
	if e.indexer == nil {
		return
	}
	e.indexer.IndexDecision(d, v)
}

func (e *Engine) publish(ctx context.Context, n decision.ReviewNotification) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, n); err != nil {
		e.log.Warn("publish review notification failed",
			"org_id", n.OrganizationID,
			"decision_id", n.DecisionID,
			"kind", n.Kind,
			"error", err.Error(),
		)
	}
}

// inTx re-runs fn on store conflicts. Unlike the ledger engine the sweep does
// not surface a typed error; the caller logs and moves on.
func (e *Engine) inTx(ctx context.Context, fn func(store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = e.store.WithTx(ctx, fn)
		if err == nil || !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return err
}

// Run sweeps once per configured interval until ctx is cancelled. A zero
// interval disables the loop.
func (e *Engine) Run(ctx context.Context) {
	if e.interval <= 0 {
		e.log.Info("expiry sweep loop disabled")
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx, e.now()); err != nil && ctx.Err() == nil {
				e.log.Error("expiry sweep failed", "error", err.Error())
			}
		}
	}
}

type SnoozeInput struct {
	OrganizationID string
	DecisionID     string
	ActorID        string
	Delta          time.Duration
}

// Snooze pushes the review date out by Delta. An AT_RISK or EXPIRED decision
// returns to the status it had before the sweep moved it.
func (e *Engine) Snooze(ctx context.Context, in SnoozeInput) (result decision.Decision, err error) {
	ctx, span := e.tracer.Start(ctx, "expiry.Snooze", trace.WithAttributes(
		attribute.String("org_id", in.OrganizationID),
		attribute.String("decision_id", in.DecisionID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if in.OrganizationID == "" || in.ActorID == "" {
		return decision.Decision{}, &ledger.Error{Kind: ledger.KindInvalidOperation, Code: "actor_required",
			Message: "organization and acting user are required"}
	}
	if in.Delta <= 0 {
		return decision.Decision{}, &ledger.Error{Kind: ledger.KindInvalidOperation, Code: "invalid_snooze",
			Message: "snooze delta must be positive", Details: map[string]any{"delta_seconds": in.Delta.Seconds()}}
	}

	var version decision.Version
	err = e.inTx(ctx, func(tx store.Tx) error {
		d, err := tx.LockDecision(ctx, in.OrganizationID, in.DecisionID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && d.IsDeleted()) {
			return &ledger.Error{Kind: ledger.KindNotFound, Code: "decision_not_found", Message: "decision not found",
				Details: map[string]any{"decision_id": in.DecisionID}}
		}
		if err != nil {
			return err
		}
		if !decision.CanAmend(d.Status) {
			return &ledger.Error{Kind: ledger.KindInvalidOperation, Code: "decision_closed",
				Message: "superseded or deprecated decisions have no review date to snooze",
				Details: map[string]any{"decision_id": d.ID, "status": string(d.Status)}}
		}
		if d.ReviewByDate == nil {
			return &ledger.Error{Kind: ledger.KindInvalidOperation, Code: "review_date_required",
				Message: "decision has no review date", Details: map[string]any{"decision_id": d.ID}}
		}

		now := audit.NormalizeTime(e.now())
		previous := *d.ReviewByDate
		next := audit.NormalizeTime(previous.Add(in.Delta))
		if err := tx.SetReviewByDate(ctx, d.ID, &next, now); err != nil {
			return err
		}
		from := d.Status
		details := map[string]any{
			"previous_review_by_date": previous.UTC().Format(time.RFC3339Nano),
			"review_by_date":          next.Format(time.RFC3339Nano),
			"delta_seconds":           int64(in.Delta / time.Second),
			"from":                    string(from),
		}
		if from == decision.StatusAtRisk || from == decision.StatusExpired {
			d.Status = baseStatus(d)
			promoted, ok, err := thresholdStatus(ctx, tx, d.CurrentVersionID, d.Status)
			if err != nil {
				return err
			}
			if ok {
				d.Status = promoted
				details["reason"] = "approval_threshold"
			}
			if err := tx.UpdateDecisionStatus(ctx, d.ID, d.Status, nil, now); err != nil {
				return err
			}
		}
		details["to"] = string(d.Status)
		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.ActorID),
			Action:         audit.ActionSnooze,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     d.ID,
			Details:        details,
		}, now); err != nil {
			return err
		}
		d.ReviewByDate = &next
		d.PriorStatus = nil
		d.UpdatedAt = now
		result = d
		version, err = tx.GetVersion(ctx, d.CurrentVersionID)
		return err
	})
	if err != nil {
		return decision.Decision{}, err
	}
	e.index(result, version)
	e.log.Info("decision review snoozed",
		"org_id", in.OrganizationID,
		"decision_id", in.DecisionID,
		"review_by_date", result.ReviewByDate.Format(time.RFC3339),
	)
	return result, nil
}
