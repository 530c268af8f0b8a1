package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/metrics"
	mtypes "github.com/fanengagement/chainadp/lib/msg/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// ErrAdapterMissing is returned when an organization selects an adapter this service does not run.
var ErrAdapterMissing = errors.New("adapter not configured")

var errTxFailed = errors.New("transaction failed on chain")

// backoff returns the delay before retry attempt (1 based) of a failed task.
func (r *Router) backoff(attempt int) time.Duration {
	d := r.c.RetryBase
	if d <= 0 {
		d = time.Second
	}

	for i := 1; i < attempt; i++ {
		d *= 2
		if r.c.RetryMax > 0 && d >= r.c.RetryMax {
			return r.c.RetryMax
		}
	}

	return d
}

// Process runs the chain call of a claimed task and stores its outcome:
//
// - SYNCED with the transaction reference on success
//
// - SKIPPED when the organization has no chain
//
// - REJECTED on a permanent error, or when MaxAttempts is reached
//
// - CHAIN_SYNC_FAILED otherwise, to be retried after an exponential backoff
func (r *Router) Process(ctx context.Context, t store.SyncTask) store.SyncTask {
	log := r.log.With().Str("key", t.IdempotencyKey).Str("org", t.OrgID).Str("event", string(t.EventType)).Logger()

	t.Attempts++
	t.LastError = ""
	prior := t.TxRef()

	cfg, err := r.db.GetChainConfig(ctx, t.OrgID)

	switch {
	case errors.Is(err, store.ErrDataNotFound) || (err == nil && !cfg.Active()):
		t.Status, t.Chain, t.Adapter = store.TaskSkipped, types.ChainNone, cfg.Adapter
	case err != nil:
		r.fail(&t, fmt.Errorf("cannot read chain config: %w", err))
	default:
		t.Chain, t.Adapter = cfg.Chain, cfg.Adapter
		r.run(ctx, cfg, &t, prior)
	}

	if err = r.db.SaveTask(ctx, t); err != nil {
		// the task stays IN_PROGRESS and is recovered on the next start
		log.Error().Err(err).Msg("cannot save sync task")

		return t
	}

	metrics.Tasks.WithLabelValues(string(t.Status)).Inc()

	ev := log.Info()
	if t.Status == store.TaskFailed || t.Status == store.TaskRejected {
		ev = log.Warn()
	}

	ev.Str("status", string(t.Status)).Int("attempts", t.Attempts).Str("signature", t.Signature).
		Str("error", t.LastError).Msg("sync task processed")
	r.auditTask(ctx, t)

	return t
}

// run performs the chain call of t once the earlier lifecycle events of its proposal are confirmed.
func (r *Router) run(ctx context.Context, cfg store.ChainConfig, t *store.SyncTask, prior *types.TxRef) {
	earlier, err := r.unconfirmedBefore(ctx, *t)

	switch {
	case err != nil:
		r.fail(t, fmt.Errorf("cannot read proposal history: %w", err))

		return
	case earlier != "":
		r.wait(t, earlier)

		return
	}

	ref, err := r.execute(ctx, cfg, *t, prior)
	if err != nil {
		// a transaction that may still land is checked before the next attempt sends another one
		if sub, ok := types.Submitted(err); ok && sub.Signature != "" {
			t.Signature, t.TxStatus, t.SubmittedAt = sub.Signature, types.TxPending, r.submittedAt(sub)
			if sub.Chain != "" {
				t.Chain = sub.Chain
			}
		}

		r.fail(t, err)

		return
	}

	t.Status, t.Signature, t.TxStatus, t.SubmittedAt = store.TaskSynced, ref.Signature, ref.Status, r.submittedAt(ref)
	if t.TxStatus == "" {
		t.TxStatus = types.TxPending
	}
}

func (r *Router) submittedAt(ref types.TxRef) time.Time {
	if ref.SubmittedAt.IsZero() {
		return r.now().UTC()
	}

	return ref.SubmittedAt.UTC()
}

// wait puts t back until the task of key is confirmed. Waiting does not use attempts.
func (r *Router) wait(t *store.SyncTask, key string) {
	t.Attempts--
	t.LastError = fmt.Sprintf("waiting for %s to be confirmed", key)
	t.Status = store.TaskFailed
	t.NextAttemptAt = r.now().UTC().Add(r.c.PollInterval)
}

func (r *Router) fail(t *store.SyncTask, err error) {
	t.LastError = err.Error()

	if types.IsPermanent(err) || (r.c.MaxAttempts > 0 && t.Attempts >= r.c.MaxAttempts) {
		t.Status = store.TaskRejected

		return
	}

	t.Status = store.TaskFailed
	t.NextAttemptAt = r.now().UTC().Add(r.backoff(t.Attempts))
}

// auditTask records a chain sync outcome. Outcomes are high volume and always written asynchronously.
func (r *Router) auditTask(ctx context.Context, t store.SyncTask) {
	outcome := "success"
	if t.Status == store.TaskFailed || t.Status == store.TaskRejected {
		outcome = "failure"
	}

	actor := t.Actor
	if actor == "" {
		actor = Service
	}

	b := r.audit.New("chain_sync."+statusAction(t.Status)).Actor(actor).Org(t.OrgID).
		Resource("sync_task", t.IdempotencyKey).Correlation(t.CorrelationID).Outcome(outcome).
		After(map[string]interface{}{
			"event": t.EventType, "subject": t.SubjectID, "status": t.Status, "chain": t.Chain,
			"signature": t.Signature, "txStatus": t.TxStatus, "attempts": t.Attempts, "error": t.LastError,
		})
	r.audit.LogAsync(ctx, b.Event())
}

func statusAction(s store.TaskStatus) string {
	switch s {
	case store.TaskSynced:
		return "synced"
	case store.TaskSkipped:
		return "skipped"
	case store.TaskRejected:
		return "rejected"
	}

	return "failed"
}

func (r *Router) adapter(name string) (chain.Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterMissing, name)
	}

	return a, nil
}

// execute performs the chain call of the task event.
func (r *Router) execute(ctx context.Context, cfg store.ChainConfig, t store.SyncTask, prior *types.TxRef) (
	types.TxRef, error) {
	a, err := r.adapter(cfg.Adapter)
	if err != nil {
		return types.TxRef{}, err
	}

	switch t.EventType {
	case types.EventShareTypeCreated:
		var p mtypes.ShareTypePayload
		if err = json.Unmarshal(t.Payload, &p); err != nil {
			return types.TxRef{}, types.Invalidf("bad share type payload: %v", err)
		}

		rec, err := r.ensureMint(ctx, a, cfg, t.OrgID, p.ShareTypeID, p.Decimals)
		if err != nil {
			return types.TxRef{}, err
		}

		ref := types.TxRef{
			Chain: rec.Chain, Signature: rec.Signature, Status: types.TxPending, SubmittedAt: rec.CreatedAt,
		}
		if rec.Signature == "" {
			// the mint was already on chain
			ref.Status = types.TxConfirmed
		}

		return ref, nil
	case types.EventSharesIssued:
		var p mtypes.IssuancePayload
		if err = json.Unmarshal(t.Payload, &p); err != nil {
			return types.TxRef{}, types.Invalidf("bad issuance payload: %v", err)
		}

		rec, err := r.ensureMint(ctx, a, cfg, t.OrgID, p.ShareTypeID, p.Decimals)
		if err != nil {
			return types.TxRef{}, err
		}

		return a.IssueShares(ctx, types.IssueRequest{
			Mint: rec, Recipient: p.Recipient, Quantity: p.Quantity, Signer: cfg.Signer,
			IdempotencyKey: t.IdempotencyKey, Prior: prior,
		})
	}

	details, err := governanceDetails(t.EventType, t.Payload)
	if err != nil {
		return types.TxRef{}, err
	}

	return a.CommitProposalEvent(ctx, types.CommitRequest{
		OrgID: t.OrgID, SubjectID: t.SubjectID, EventType: t.EventType, PayloadHash: t.PayloadHash, Signer: cfg.Signer,
		Details: details, Prior: prior,
	})
}

// ensureMint returns the stored mint of a share type, creating it on chain first when needed. A share type minted on
// another chain before the organization switched is rejected.
func (r *Router) ensureMint(ctx context.Context, a chain.Adapter, cfg store.ChainConfig, orgID, shareTypeID string,
	decimals uint8) (types.MintRecord, error) {
	rec, err := r.db.GetMint(ctx, orgID, shareTypeID)

	switch {
	case err == nil && rec.Chain != cfg.Chain:
		return rec, types.Invalidf("share type %s was minted on %s", shareTypeID, rec.Chain)
	case err == nil:
		return r.checkMint(ctx, a, cfg, rec)
	case !errors.Is(err, store.ErrDataNotFound):
		return rec, err
	}

	rec, err = r.createMint(ctx, a, cfg, orgID, shareTypeID, decimals)
	if err != nil {
		return rec, err
	}

	return r.db.SaveMint(ctx, rec)
}

func (r *Router) createMint(ctx context.Context, a chain.Adapter, cfg store.ChainConfig, orgID, shareTypeID string,
	decimals uint8) (types.MintRecord, error) {
	rec, err := a.CreateTokenMint(ctx, types.MintRequest{
		OrgID: orgID, ShareTypeID: shareTypeID, Decimals: decimals, Signer: cfg.Signer,
	})
	if err != nil {
		return rec, err
	}

	rec.Chain = cfg.Chain
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}

	return rec, nil
}

// checkMint returns the stored mint rec unless its creation transaction failed, or was confirmed but the mint
// account is gone. The mint is then created again and the stored record replaced. A status that cannot be read
// keeps rec.
func (r *Router) checkMint(ctx context.Context, a chain.Adapter, cfg store.ChainConfig, rec types.MintRecord) (
	types.MintRecord, error) {
	if rec.Signature == "" {
		return rec, nil
	}

	st, err := a.GetTransactionStatus(ctx, types.TxRef{Chain: rec.Chain, Signature: rec.Signature,
		SubmittedAt: rec.CreatedAt})
	if err != nil {
		return rec, nil
	}

	switch st {
	case types.TxFailed:
	case types.TxConfirmed:
		if info, err := a.GetAccountInfo(ctx, rec.Address); err != nil || info.Exists {
			return rec, nil
		}
	default:
		return rec, nil
	}

	r.log.Warn().Str("org", rec.OrgID).Str("shareType", rec.ShareTypeID).Str("mint", rec.Address).
		Str("signature", rec.Signature).Str("txStatus", string(st)).Msg("mint missing on chain, creating it again")

	created, err := r.createMint(ctx, a, cfg, rec.OrgID, rec.ShareTypeID, rec.Decimals)
	if err != nil {
		return rec, err
	}

	return r.db.ReplaceMint(ctx, created, rec.Signature)
}
