// Package reconcile periodically compares the on-chain state of every organization with the system of record. Each
// mismatch is stored once as a discrepancy, raises an alert on the broker and is audited. Organizations are scanned in
// parallel, the scan of one organization is strictly sequential.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fanengagement/chainadp/audit"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/metrics"
	"github.com/fanengagement/chainadp/lib/msg"
	mtypes "github.com/fanengagement/chainadp/lib/msg/types"
	"github.com/fanengagement/chainadp/lib/store"
	"github.com/fanengagement/chainadp/lib/util"
)

// Actor names the reconciler in audit events.
const Actor = "reconciler"

// Scan outcomes, as counted by metrics.ReconcileRuns.
const (
	OutcomeOK      = "ok"
	OutcomeAborted = "aborted"
	OutcomeError   = "error"
)

// ErrScanAborted is returned when the chain could not be reached. The scan is retried on the next run.
var ErrScanAborted = errors.New("reconciliation aborted")

// Reconciler scans organizations for discrepancies.
type Reconciler struct {
	db       store.DB
	expected ExpectedState
	mb       msg.MsgBroker
	adapters map[string]chain.Adapter
	audit    *audit.Logger
	c        config.ReconcileConfig
	log      zerolog.Logger
	now      func() time.Time
	orgs     util.KeyedMutex
}

// New returns a reconciler. A nil expected state reads what the router recorded in db; mb may be nil, then no alerts
// are sent.
func New(db store.DB, expected ExpectedState, mb msg.MsgBroker, adapters map[string]chain.Adapter, al *audit.Logger,
	c config.ReconcileConfig, log zerolog.Logger) *Reconciler {
	if expected == nil {
		expected = Recorded{DB: db}
	}

	if c.Interval <= 0 {
		c.Interval = config.ReconcileDefault.Interval
	}

	if c.Parallelism < 1 {
		c.Parallelism = 1
	}

	if c.MissedCommitAfter <= 0 {
		c.MissedCommitAfter = config.ReconcileDefault.MissedCommitAfter
	}

	return &Reconciler{
		db:       db,
		expected: expected,
		mb:       mb,
		adapters: adapters,
		audit:    al,
		c:        c,
		log:      log.With().Str("component", "reconcile").Logger(),
		now:      time.Now,
	}
}

// Result of one organization scan.
type Result struct {
	OrgID   string              `json:"orgId"`
	Checked int                 `json:"checked"`
	Found   []store.Discrepancy `json:"found"` // discrepancies created by this scan
}

// Run scans all organizations every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	tick := time.NewTicker(r.c.Interval)
	defer tick.Stop()

	r.log.Info().Dur("interval", r.c.Interval).Int("parallelism", r.c.Parallelism).Msg("reconciliation scheduled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := r.RunAll(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconciliation run failed")
			}
		}
	}
}

// RunAll scans every organization with an active chain, at most Parallelism at a time. Failed organization scans are
// logged and do not stop the others.
func (r *Reconciler) RunAll(ctx context.Context) error {
	cs, err := r.db.ListChainConfigs(ctx)
	if err != nil {
		return fmt.Errorf("cannot list chain configs: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(r.c.Parallelism)

	for _, c := range cs {
		if !c.Active() {
			continue
		}

		c := c
		g.Go(func() error {
			_, _ = r.ReconcileOrg(ctx, c.OrgID)

			return nil
		})
	}

	return g.Wait()
}

// ReconcileOrg scans one organization. Concurrent scans of the same organization wait for each other. An organization
// without active chain returns an empty result.
func (r *Reconciler) ReconcileOrg(ctx context.Context, orgID string) (res Result, err error) {
	unlock := r.orgs.Lock(orgID)
	defer unlock()

	res = Result{OrgID: orgID, Found: []store.Discrepancy{}}
	log := r.log.With().Str("org", orgID).Logger()
	start := r.now()

	cfg, err := r.db.GetChainConfig(ctx, orgID)
	if err != nil {
		return res, err
	}

	if !cfg.Active() {
		return res, nil
	}

	err = r.checkMints(ctx, cfg, &res)
	if err == nil {
		err = r.checkCommits(ctx, cfg, &res)
	}

	if err == nil {
		err = r.checkMissed(ctx, cfg, &res)
	}

	switch {
	case errors.Is(err, ErrScanAborted):
		metrics.ReconcileRuns.WithLabelValues(OutcomeAborted).Inc()
		log.Warn().Err(err).Int("checked", res.Checked).Msg("reconciliation aborted, retried next run")
	case err != nil:
		metrics.ReconcileRuns.WithLabelValues(OutcomeError).Inc()
		log.Error().Err(err).Int("checked", res.Checked).Msg("reconciliation failed")
	default:
		metrics.ReconcileRuns.WithLabelValues(OutcomeOK).Inc()
		log.Info().Int("checked", res.Checked).Int("found", len(res.Found)).Dur("took", r.now().Sub(start)).
			Msg("reconciliation done")
	}

	return res, err
}

// abort classifies a chain error: deferred errors abort the scan, nil is returned for the others, which only skip
// the checked item.
func (r *Reconciler) abort(err error, what string) error {
	if types.IsDeferred(err) {
		return fmt.Errorf("%w: %s: %w", ErrScanAborted, what, err)
	}

	r.log.Warn().Err(err).Str("item", what).Msg("cannot check item")

	return nil
}

// checkMints compares the current chain mints with their accounts. Mints younger than MissedCommitAfter may still
// be unconfirmed and are left for a later run.
func (r *Reconciler) checkMints(ctx context.Context, cfg store.ChainConfig, res *Result) error {
	ms, err := r.expected.Mints(ctx, cfg.OrgID)
	if err != nil {
		return fmt.Errorf("cannot read mints: %w", err)
	}

	a, ok := r.adapters[cfg.Adapter]
	if !ok {
		return fmt.Errorf("adapter %q not configured", cfg.Adapter)
	}

	settled := r.now().Add(-r.c.MissedCommitAfter)

	for _, m := range ms {
		if m.Chain != cfg.Chain || m.CreatedAt.After(settled) {
			continue
		}

		res.Checked++

		info, err := a.GetAccountInfo(ctx, m.Address)
		if err != nil {
			if err = r.abort(err, "mint "+m.Address); err != nil {
				return err
			}

			continue
		}

		d := store.Discrepancy{
			OrgID: cfg.OrgID, ResourceID: m.ShareTypeID, Expected: m.Address, Signature: m.Signature,
		}

		switch {
		case !info.Exists || info.Mint == nil:
			d.Kind, d.Severity, d.Actual = store.KindMintMissing, store.SeverityCritical, "absent"
		case info.Mint.Decimals != m.Decimals:
			d.Kind, d.Severity = store.KindMintMismatch, store.SeverityWarning
			d.Expected = "decimals " + strconv.Itoa(int(m.Decimals))
			d.Actual = "decimals " + strconv.Itoa(int(info.Mint.Decimals))
		default:
			continue
		}

		if err = r.record(ctx, d, res); err != nil {
			return err
		}
	}

	return nil
}

// checkCommits reads back every confirmed commitment through the adapter that wrote it.
func (r *Reconciler) checkCommits(ctx context.Context, cfg store.ChainConfig, res *Result) error {
	cs, err := r.expected.Commits(ctx, cfg.OrgID)
	if err != nil {
		return fmt.Errorf("cannot read commitments: %w", err)
	}

	for _, c := range cs {
		if c.Ref.Chain == types.ChainNone {
			continue
		}

		a, ok := r.adapters[c.Adapter]
		if !ok {
			r.log.Warn().Str("key", c.Key).Str("adapter", c.Adapter).Msg("cannot check commitment, adapter missing")

			continue
		}

		res.Checked++

		d := store.Discrepancy{
			OrgID: cfg.OrgID, ResourceID: c.Key, Expected: c.PayloadHash, Signature: c.Ref.Signature,
		}

		got, err := a.GetCommitment(ctx, c.Ref)

		switch {
		case errors.Is(err, types.ErrNotFound):
			d.Kind, d.Severity, d.Actual = store.KindCommitMissing, store.SeverityWarning, "not found"
		case err != nil:
			if err = r.abort(err, "commitment "+c.Key); err != nil {
				return err
			}

			continue
		case got.Status == types.TxFailed:
			d.Kind, d.Severity, d.Actual = store.KindCommitMissing, store.SeverityWarning, "failed"
		case !sameHash(got.PayloadHash, c.PayloadHash):
			d.Kind, d.Severity, d.Actual = store.KindHashMismatch, store.SeverityCritical, got.PayloadHash
		default:
			continue
		}

		if err = r.record(ctx, d, res); err != nil {
			return err
		}
	}

	return nil
}

// checkMissed reports tasks that kept failing, or whose transaction stayed pending, for longer than
// MissedCommitAfter.
func (r *Reconciler) checkMissed(ctx context.Context, cfg store.ChainConfig, res *Result) error {
	before := r.now().Add(-r.c.MissedCommitAfter)

	failed, err := r.db.ListTasks(ctx, store.TaskFilter{
		OrgID: cfg.OrgID, Statuses: []store.TaskStatus{store.TaskFailed}, UpdatedBefore: before,
	})
	if err != nil {
		return fmt.Errorf("cannot list failed tasks: %w", err)
	}

	// submitted but never confirmed
	stuck, err := r.db.ListTasks(ctx, store.TaskFilter{
		OrgID: cfg.OrgID, Statuses: []store.TaskStatus{store.TaskSynced}, TxStatus: types.TxPending,
		UpdatedBefore: before,
	})
	if err != nil {
		return fmt.Errorf("cannot list pending tasks: %w", err)
	}

	for _, t := range append(failed, stuck...) {
		res.Checked++

		d := store.Discrepancy{
			OrgID: cfg.OrgID, Kind: store.KindMissedCommit, Severity: store.SeverityWarning, ResourceID: t.IdempotencyKey,
			Expected: string(store.TaskSynced), Actual: t.LastError,
		}
		if t.Status == store.TaskSynced {
			d.Expected, d.Actual, d.Signature = string(types.TxConfirmed), string(t.TxStatus), t.Signature
		}

		if err = r.record(ctx, d, res); err != nil {
			return err
		}
	}

	return nil
}

func sameHash(a, b string) bool {
	norm := func(s string) string { return strings.TrimPrefix(strings.ToLower(s), "0x") }

	return norm(a) == norm(b)
}

// record stores d unless it is already open, then alerts and audits it.
func (r *Reconciler) record(ctx context.Context, d store.Discrepancy, res *Result) error {
	now := r.now().UTC()
	d.ID, d.Status, d.DetectedAt, d.UpdatedAt = uuid.NewString(), store.DiscrepancyOpen, now, now

	d, created, err := r.db.CreateDiscrepancy(ctx, d)
	if err != nil {
		return fmt.Errorf("cannot store discrepancy: %w", err)
	}

	if !created {
		return nil
	}

	res.Found = append(res.Found, d)
	metrics.Discrepancies.WithLabelValues(string(d.Kind), string(d.Severity)).Inc()

	r.log.Warn().Str("org", d.OrgID).Str("kind", string(d.Kind)).Str("severity", string(d.Severity)).
		Str("resource", d.ResourceID).Str("expected", d.Expected).Str("actual", d.Actual).
		Msg("discrepancy detected")

	if r.mb != nil {
		if err = r.mb.SendAlert(mtypes.Alert{
			DiscrepancyID: d.ID, OrgID: d.OrgID, Kind: string(d.Kind), Severity: string(d.Severity),
			ResourceID: d.ResourceID, Expected: d.Expected, Actual: d.Actual, DetectedAt: d.DetectedAt,
		}); err != nil {
			r.log.Error().Err(err).Str("discrepancy", d.ID).Msg("cannot send alert")
		}
	}

	r.audit.New("reconciliation.discrepancy_detected").Actor(Actor).Org(d.OrgID).Resource("discrepancy", d.ID).
		After(d).Log(ctx)

	return nil
}
