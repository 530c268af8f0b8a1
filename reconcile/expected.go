package reconcile

import (
	"context"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// Commit is a commitment the system of record expects to find on chain.
type Commit struct {
	Key         string // idempotency key of the sync task
	Adapter     string // adapter that submitted it
	SubjectID   string
	EventType   types.EventType
	PayloadHash string
	Ref         types.TxRef
}

// ExpectedState is the system-of-record side of a reconciliation.
type ExpectedState interface {
	Mints(ctx context.Context, orgID string) ([]types.MintRecord, error)
	// Commits returns the confirmed commitments of an organization.
	Commits(ctx context.Context, orgID string) ([]Commit, error)
}

// Recorded reads the expected state from the mints and payload hashes recorded by the router.
type Recorded struct {
	DB store.DB
}

// Mints returns the stored mints of an organization.
func (s Recorded) Mints(ctx context.Context, orgID string) ([]types.MintRecord, error) {
	return s.DB.ListMints(ctx, orgID)
}

// Commits returns the synced and confirmed commit tasks of an organization.
func (s Recorded) Commits(ctx context.Context, orgID string) ([]Commit, error) {
	ts, err := s.DB.ListTasks(ctx, store.TaskFilter{
		OrgID: orgID, Statuses: []store.TaskStatus{store.TaskSynced}, TxStatus: types.TxConfirmed, CommitsOnly: true,
	})
	if err != nil {
		return nil, err
	}

	cs := make([]Commit, 0, len(ts))

	for _, t := range ts {
		ref := t.TxRef()
		if _, ok := t.EventType.CommitCode(); !ok || ref == nil {
			continue
		}

		cs = append(cs, Commit{
			Key: t.IdempotencyKey, Adapter: t.Adapter, SubjectID: t.SubjectID, EventType: t.EventType,
			PayloadHash: t.PayloadHash, Ref: *ref,
		})
	}

	return cs, nil
}
