package ledger

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"decisionledger/internal/audit"
	"decisionledger/internal/decision"
	"decisionledger/internal/store"
	"decisionledger/internal/util"
)

type SupersedeInput struct {
	OrganizationID string
	NewDecisionID  string
	OldDecisionID  string
	ActorID        string
	Description    string
}

type AddRelationshipInput struct {
	OrganizationID string
	SourceID       string
	TargetID       string
	Type           string
	Description    string
	ActorID        string
}

// LineageEntry is one predecessor reached through active supersedes edges.
type LineageEntry struct {
	Decision decision.Decision
	// Depth is 1 for a direct predecessor.
	Depth int
	// SupersededBy is the decision whose edge reached this one.
	SupersededBy   string
	RelationshipID string
}

// SupersedeDecision records that NewDecisionID replaces OldDecisionID and
// marks the old decision SUPERSEDED. Both decisions get a SUPERSEDE entry.
func (e *Engine) SupersedeDecision(ctx context.Context, in SupersedeInput) (rel decision.Relationship, err error) {
	ctx, span := e.startSpan(ctx, "SupersedeDecision",
		attribute.String("org_id", in.OrganizationID),
		attribute.String("new_decision_id", in.NewDecisionID),
		attribute.String("old_decision_id", in.OldDecisionID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(in.OrganizationID, in.ActorID); err != nil {
		return decision.Relationship{}, err
	}
	if in.NewDecisionID == in.OldDecisionID {
		return decision.Relationship{}, invalid("self_supersede", "a decision cannot supersede itself",
			map[string]any{"decision_id": in.NewDecisionID})
	}

	var (
		old        decision.Decision
		oldVersion decision.Version
	)
	err = e.inTx(ctx, "supersede decision", func(tx store.Tx) error {
		newer, older, err := lockPair(ctx, tx, in.OrganizationID, in.NewDecisionID, in.OldDecisionID)
		if err != nil {
			return err
		}
		existing, err := tx.ListSupersedesFrom(ctx, newer.ID)
		if err != nil {
			return err
		}
		for _, edge := range existing {
			if edge.TargetID == older.ID {
				return invalid("already_superseded", "decision already supersedes the target",
					map[string]any{"relationship_id": edge.ID})
			}
		}

		now := e.clock()
		r := decision.Relationship{
			ID:             util.NewSortableID("rel"),
			OrganizationID: in.OrganizationID,
			SourceID:       newer.ID,
			TargetID:       older.ID,
			Type:           decision.RelationSupersedes,
			Description:    strings.TrimSpace(in.Description),
			CreatedBy:      in.ActorID,
			CreatedAt:      now,
		}
		if err := tx.InsertRelationship(ctx, r); err != nil {
			return err
		}
		previousStatus := older.Status
		if older.Status != decision.StatusSuperseded {
			if err := tx.UpdateDecisionStatus(ctx, older.ID, decision.StatusSuperseded, nil, now); err != nil {
				return err
			}
			older.Status = decision.StatusSuperseded
			older.PriorStatus = nil
			older.UpdatedAt = now
		}

		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.ActorID),
			Action:         audit.ActionSupersede,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     older.ID,
			Details: map[string]any{
				"superseded_by":   newer.ID,
				"relationship_id": r.ID,
				"previous_status": string(previousStatus),
			},
		}, now); err != nil {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.ActorID),
			Action:         audit.ActionSupersede,
			ResourceType:   audit.ResourceDecision,
			ResourceID:     newer.ID,
			Details: map[string]any{
				"supersedes":      older.ID,
				"relationship_id": r.ID,
			},
		}, now); err != nil {
			return err
		}

		oldVersion, err = currentVersion(ctx, tx, older)
		if err != nil {
			return err
		}
		old = older
		rel = r
		return nil
	})
	if err != nil {
		return decision.Relationship{}, err
	}

	e.log.Info("decision superseded",
		"org_id", in.OrganizationID,
		"old_decision_id", in.OldDecisionID,
		"new_decision_id", in.NewDecisionID,
	)
	e.index(old, oldVersion)
	return rel, nil
}

// lockPair locks two decisions in id order so concurrent operations on the
// same pair cannot deadlock.
func lockPair(ctx context.Context, tx store.Tx, organizationID, firstID, secondID string) (decision.Decision, decision.Decision, error) {
	lowID, highID := firstID, secondID
	if highID < lowID {
		lowID, highID = highID, lowID
	}
	low, err := loadDecision(ctx, tx, organizationID, lowID, true)
	if err != nil {
		return decision.Decision{}, decision.Decision{}, err
	}
	high, err := loadDecision(ctx, tx, organizationID, highID, true)
	if err != nil {
		return decision.Decision{}, decision.Decision{}, err
	}
	if low.ID == firstID {
		return low, high, nil
	}
	return high, low, nil
}

// AddRelationship links two decisions. Supersedes edges go through
// SupersedeDecision so the target's status follows the edge.
func (e *Engine) AddRelationship(ctx context.Context, in AddRelationshipInput) (rel decision.Relationship, err error) {
	relationType, ok := decision.ParseRelationType(in.Type)
	if !ok {
		return decision.Relationship{}, invalid("invalid_relation_type", "unknown relationship type",
			map[string]any{"type": in.Type})
	}
	if relationType == decision.RelationSupersedes {
		return e.SupersedeDecision(ctx, SupersedeInput{
			OrganizationID: in.OrganizationID,
			NewDecisionID:  in.SourceID,
			OldDecisionID:  in.TargetID,
			ActorID:        in.ActorID,
			Description:    in.Description,
		})
	}

	ctx, span := e.startSpan(ctx, "AddRelationship",
		attribute.String("org_id", in.OrganizationID),
		attribute.String("relation_type", string(relationType)),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(in.OrganizationID, in.ActorID); err != nil {
		return decision.Relationship{}, err
	}
	if in.SourceID == in.TargetID {
		return decision.Relationship{}, invalid("self_reference", "a decision cannot be related to itself",
			map[string]any{"decision_id": in.SourceID})
	}

	err = e.inTx(ctx, "add relationship", func(tx store.Tx) error {
		source, err := loadDecision(ctx, tx, in.OrganizationID, in.SourceID, false)
		if err != nil {
			return err
		}
		target, err := loadDecision(ctx, tx, in.OrganizationID, in.TargetID, false)
		if err != nil {
			return err
		}
		now := e.clock()
		r := decision.Relationship{
			ID:             util.NewSortableID("rel"),
			OrganizationID: in.OrganizationID,
			SourceID:       source.ID,
			TargetID:       target.ID,
			Type:           relationType,
			Description:    strings.TrimSpace(in.Description),
			CreatedBy:      in.ActorID,
			CreatedAt:      now,
		}
		if err := tx.InsertRelationship(ctx, r); err != nil {
			return err
		}
		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: in.OrganizationID,
			ActorID:        audit.Actor(in.ActorID),
			Action:         audit.ActionRelationshipCreate,
			ResourceType:   audit.ResourceRelationship,
			ResourceID:     r.ID,
			Details: map[string]any{
				"source_id":     r.SourceID,
				"target_id":     r.TargetID,
				"relation_type": string(r.Type),
			},
		}, now); err != nil {
			return err
		}
		rel = r
		return nil
	})
	if err != nil {
		return decision.Relationship{}, err
	}
	return rel, nil
}

// InvalidateRelationship soft-deletes an edge. An invalidated supersedes edge
// no longer counts for lineage or current resolution, but its target keeps
// the SUPERSEDED status.
func (e *Engine) InvalidateRelationship(ctx context.Context, organizationID, relationshipID, actorID string) (rel decision.Relationship, err error) {
	ctx, span := e.startSpan(ctx, "InvalidateRelationship",
		attribute.String("org_id", organizationID),
		attribute.String("relationship_id", relationshipID),
	)
	defer func() { endSpan(span, err) }()

	if err := requireScope(organizationID, actorID); err != nil {
		return decision.Relationship{}, err
	}
	err = e.inTx(ctx, "invalidate relationship", func(tx store.Tx) error {
		r, err := tx.GetRelationship(ctx, organizationID, relationshipID)
		if errors.Is(err, store.ErrNotFound) {
			return notFound("relationship_not_found", "relationship not found", map[string]any{"relationship_id": relationshipID})
		}
		if err != nil {
			return err
		}
		if !r.Active() {
			return invalid("relationship_invalidated", "relationship is already invalidated",
				map[string]any{"relationship_id": relationshipID})
		}
		now := e.clock()
		if err := tx.InvalidateRelationship(ctx, r.ID, now); err != nil {
			return err
		}
		r.InvalidatedAt = &now
		if _, err := audit.Append(ctx, tx, audit.Record{
			OrganizationID: organizationID,
			ActorID:        audit.Actor(actorID),
			Action:         audit.ActionRelationshipInvalidate,
			ResourceType:   audit.ResourceRelationship,
			ResourceID:     r.ID,
			Details: map[string]any{
				"source_id":     r.SourceID,
				"target_id":     r.TargetID,
				"relation_type": string(r.Type),
			},
		}, now); err != nil {
			return err
		}
		rel = r
		return nil
	})
	if err != nil {
		return decision.Relationship{}, err
	}
	return rel, nil
}

// ListRelationships returns every edge touching the decision, including
// invalidated ones.
func (e *Engine) ListRelationships(ctx context.Context, organizationID, decisionID string) ([]decision.Relationship, error) {
	var rels []decision.Relationship
	err := e.inTx(ctx, "list relationships", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, false)
		if err != nil {
			return err
		}
		all, err := tx.ListRelationships(ctx, d.ID)
		if err != nil {
			return err
		}
		rels = make([]decision.Relationship, 0, len(all))
		for _, r := range all {
			if r.OrganizationID == organizationID {
				rels = append(rels, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rels, nil
}

// GetLineage walks active supersedes edges backwards from decisionID and
// returns the predecessors shallowest first. Within one depth, edges are
// taken oldest first. A visited set stops cycles and the walk never goes
// deeper than the configured maximum. Soft-deleted predecessors are kept so
// history stays reconstructable.
func (e *Engine) GetLineage(ctx context.Context, organizationID, decisionID string) (lineage []LineageEntry, err error) {
	ctx, span := e.startSpan(ctx, "GetLineage",
		attribute.String("org_id", organizationID),
		attribute.String("decision_id", decisionID),
	)
	defer func() { endSpan(span, err) }()

	err = e.inTx(ctx, "get lineage", func(tx store.Tx) error {
		root, err := loadDecision(ctx, tx, organizationID, decisionID, false)
		if err != nil {
			return err
		}
		type step struct {
			id    string
			depth int
		}
		visited := map[string]struct{}{root.ID: {}}
		queue := []step{{id: root.ID}}
		lineage = make([]LineageEntry, 0)
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if current.depth >= e.lineageMaxDepth {
				continue
			}
			edges, err := tx.ListSupersedesFrom(ctx, current.id)
			if err != nil {
				return err
			}
			for _, edge := range edges {
				if _, seen := visited[edge.TargetID]; seen {
					continue
				}
				visited[edge.TargetID] = struct{}{}
				predecessor, err := tx.GetDecision(ctx, organizationID, edge.TargetID)
				if errors.Is(err, store.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				lineage = append(lineage, LineageEntry{
					Decision:       predecessor,
					Depth:          current.depth + 1,
					SupersededBy:   current.id,
					RelationshipID: edge.ID,
				})
				queue = append(queue, step{id: predecessor.ID, depth: current.depth + 1})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lineage, nil
}

// GetCurrentDecision follows active supersedes edges forward from decisionID
// and returns the decision that currently stands in for it. When several
// decisions supersede the same one, the most recent edge wins.
func (e *Engine) GetCurrentDecision(ctx context.Context, organizationID, decisionID string) (current decision.Decision, err error) {
	ctx, span := e.startSpan(ctx, "GetCurrentDecision",
		attribute.String("org_id", organizationID),
		attribute.String("decision_id", decisionID),
	)
	defer func() { endSpan(span, err) }()

	err = e.inTx(ctx, "get current decision", func(tx store.Tx) error {
		d, err := loadDecision(ctx, tx, organizationID, decisionID, false)
		if err != nil {
			return err
		}
		visited := map[string]struct{}{d.ID: {}}
		for depth := 0; depth < e.lineageMaxDepth; depth++ {
			edges, err := tx.ListSupersedesTo(ctx, d.ID)
			if err != nil {
				return err
			}
			next, found, err := nextSuccessor(ctx, tx, organizationID, edges, visited)
			if err != nil {
				return err
			}
			if !found {
				break
			}
			visited[next.ID] = struct{}{}
			d = next
		}
		current = d
		return nil
	})
	if err != nil {
		return decision.Decision{}, err
	}
	return current, nil
}

func nextSuccessor(ctx context.Context, tx store.Tx, organizationID string, edges []decision.Relationship, visited map[string]struct{}) (decision.Decision, bool, error) {
	for _, edge := range edges {
		if _, seen := visited[edge.SourceID]; seen {
			continue
		}
		successor, err := tx.GetDecision(ctx, organizationID, edge.SourceID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return decision.Decision{}, false, err
		}
		if successor.IsDeleted() {
			continue
		}
		return successor, true, nil
	}
	return decision.Decision{}, false, nil
}
