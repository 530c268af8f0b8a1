package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fanengagement/chainadp/lib/chain/types"
	mtypes "github.com/fanengagement/chainadp/lib/msg/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// lifecycle lists the proposal events in the only order a proposal goes through them.
var lifecycle = []types.EventType{
	types.EventProposalCreated,
	types.EventProposalOpened,
	types.EventProposalClosed,
	types.EventResultsCommitted,
	types.EventProposalFinalized,
}

// requires names the event that must be recorded for the proposal before another one is accepted.
var requires = map[types.EventType]types.EventType{
	types.EventResultsCommitted:  types.EventProposalClosed,
	types.EventProposalFinalized: types.EventResultsCommitted,
}

func stage(e types.EventType) (int, bool) {
	for i, l := range lifecycle {
		if l == e {
			return i, true
		}
	}

	return 0, false
}

// history returns the lifecycle tasks recorded for a proposal, rejected ones excluded.
func (r *Router) history(ctx context.Context, orgID, proposalID string) ([]store.SyncTask, error) {
	ts, err := r.db.ListTasks(ctx, store.TaskFilter{OrgID: orgID, SubjectID: proposalID, EventTypes: lifecycle})
	if err != nil {
		return nil, err
	}

	kept := ts[:0]

	for _, t := range ts {
		if t.Status != store.TaskRejected {
			kept = append(kept, t)
		}
	}

	return kept, nil
}

// checkOrder rejects a lifecycle event arriving after a later one of the same proposal, or before the event it
// requires.
func (r *Router) checkOrder(ctx context.Context, e mtypes.DomainEvent) error {
	at, ok := stage(e.EventType)
	if !ok {
		return nil
	}

	ts, err := r.history(ctx, e.OrgID, e.SubjectID)
	if err != nil {
		return fmt.Errorf("cannot read proposal history: %w", err)
	}

	seen := map[types.EventType]bool{}

	for _, t := range ts {
		if s, _ := stage(t.EventType); s > at {
			return types.Invalidf("%s of proposal %s arrived after %s", e.EventType, e.SubjectID, t.EventType)
		}

		seen[t.EventType] = true
	}

	if req, ok := requires[e.EventType]; ok && !seen[req] {
		return types.Invalidf("%s of proposal %s requires %s first", e.EventType, e.SubjectID, req)
	}

	return nil
}

// unconfirmedBefore returns the idempotency key of an earlier lifecycle task of the proposal of t that is not
// confirmed on chain yet, or "" when t can run.
func (r *Router) unconfirmedBefore(ctx context.Context, t store.SyncTask) (string, error) {
	at, ok := stage(t.EventType)
	if !ok || at == 0 {
		return "", nil
	}

	ts, err := r.history(ctx, t.OrgID, t.SubjectID)
	if err != nil {
		return "", err
	}

	for _, p := range ts {
		if s, _ := stage(p.EventType); s >= at || p.Status == store.TaskSkipped {
			continue
		}

		if p.Status != store.TaskSynced || p.TxStatus != types.TxConfirmed {
			return p.IdempotencyKey, nil
		}
	}

	return "", nil
}

// governanceDetails decodes the fields of organization, proposal and results events kept by governance programs.
// Other events and empty payloads have none.
func governanceDetails(e types.EventType, payload json.RawMessage) (*types.GovernanceDetails, error) {
	switch e {
	case types.EventOrganizationCreated, types.EventProposalCreated, types.EventResultsCommitted:
	default:
		return nil, nil
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var d types.GovernanceDetails
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, types.Invalidf("bad %s payload: %v", e, err)
	}

	return &d, nil
}
