package router

import (
	"context"
	"strings"
	"time"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/metrics"
	"github.com/fanengagement/chainadp/lib/store"
)

// pollBatch bounds the references checked per round.
const pollBatch = 100

func (r *Router) poll(ctx context.Context) {
	tick := time.NewTicker(r.c.PollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			r.Poll(ctx)
		}
	}
}

// Poll checks the chain status of synced tasks whose transaction is still Pending and returns how many changed. A
// failed or cancelled check leaves the reference Pending. A transaction that failed on chain sends its task back to
// CHAIN_SYNC_FAILED so that it is submitted again.
func (r *Router) Poll(ctx context.Context) int {
	ts, err := r.db.ListTasks(ctx, store.TaskFilter{
		Statuses: []store.TaskStatus{store.TaskSynced}, TxStatus: types.TxPending, Limit: pollBatch,
	})
	if err != nil {
		r.log.Error().Err(err).Msg("cannot list pending transactions")

		return 0
	}

	changed := 0

	for _, t := range ts {
		if ctx.Err() != nil {
			break
		}

		ref := t.TxRef()
		if ref == nil {
			continue
		}

		a, err := r.adapter(t.Adapter)
		if err != nil {
			r.log.Warn().Err(err).Str("key", t.IdempotencyKey).Msg("cannot poll transaction")

			continue
		}

		st, err := a.GetTransactionStatus(ctx, *ref)
		if err != nil {
			r.log.Debug().Err(err).Str("key", t.IdempotencyKey).Str("signature", t.Signature).
				Msg("transaction status unknown")

			continue
		}

		switch st {
		case types.TxConfirmed:
			err = r.db.UpdateTxStatus(ctx, t.ID, st)
		case types.TxFailed:
			t.TxStatus = st
			r.fail(&t, types.Unavailable("transaction", errTxFailed))
			err = r.db.SaveTask(ctx, t)
		default:
			continue
		}

		if err != nil {
			r.log.Error().Err(err).Str("key", t.IdempotencyKey).Msg("cannot update transaction status")

			continue
		}

		changed++

		r.log.Info().Str("key", t.IdempotencyKey).Str("signature", t.Signature).Str("txStatus", string(st)).
			Msg("transaction status updated")

		if st == types.TxFailed {
			metrics.Tasks.WithLabelValues(string(t.Status)).Inc()
		}

		action := "chain_sync.tx_" + strings.ToLower(string(st))
		r.audit.LogAsync(ctx, r.audit.New(action).Actor(Service).Org(t.OrgID).
			Resource("sync_task", t.IdempotencyKey).Correlation(t.CorrelationID).
			After(map[string]interface{}{"signature": t.Signature, "txStatus": st, "status": t.Status}).Event())
	}

	return changed
}
