package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanengagement/chainadp/audit"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/none"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	mtypes "github.com/fanengagement/chainadp/lib/msg/types"
	"github.com/fanengagement/chainadp/lib/store"
	"github.com/fanengagement/chainadp/lib/store/sqlite"
)

// fakeChain serves accounts and commitments from maps.
type fakeChain struct {
	*none.None

	mu       sync.Mutex
	accounts map[string]types.AccountInfo
	commits  map[string]types.Commitment
	err      error
	calls    int
}

func newChain(name string) *fakeChain {
	return &fakeChain{
		None: none.New(name), accounts: map[string]types.AccountInfo{}, commits: map[string]types.Commitment{},
	}
}

func (f *fakeChain) GetAccountInfo(_ context.Context, address string) (types.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return types.AccountInfo{}, f.err
	}

	if info, ok := f.accounts[address]; ok {
		return info, nil
	}

	return types.AccountInfo{Address: address, Balance: "0"}, nil
}

func (f *fakeChain) GetCommitment(_ context.Context, ref types.TxRef) (types.Commitment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.err != nil {
		return types.Commitment{}, f.err
	}

	if c, ok := f.commits[ref.Signature]; ok {
		return c, nil
	}

	return types.Commitment{}, types.ErrNotFound
}

func (f *fakeChain) set(fn func(f *fakeChain)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// alerts records the alerts sent through the broker.
type alerts struct {
	mu   sync.Mutex
	sent []mtypes.Alert
}

func (a *alerts) Setup() error { return nil }
func (a *alerts) Close() error { return nil }
func (a *alerts) SendEvent(mtypes.DomainEvent) error { return nil }

func (a *alerts) GetEvents(string, *sync.Mutex) (<-chan mtypes.DomainEvent, <-chan error, error) {
	return nil, nil, errors.New("not a consumer")
}

func (a *alerts) SendAlert(al mtypes.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sent = append(a.sent, al)

	return nil
}

func (a *alerts) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.sent)
}

type fixture struct {
	r      *Reconciler
	db     *sqlite.Sqlite
	al     *audit.Logger
	sol    *fakeChain
	alerts *alerts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	al := audit.NewLogger(db, config.AuditConfig{DefaultMode: audit.ModeSync, QueueSize: 64}, zerolog.Nop())
	t.Cleanup(func() { _ = al.Close(context.Background()) })

	f := &fixture{db: db, al: al, sol: newChain("sol"), alerts: &alerts{}}
	adapters := map[string]chain.Adapter{"sol": f.sol, "none": none.New("none")}
	f.r = New(db, nil, f.alerts, adapters, al,
		config.ReconcileConfig{Interval: time.Hour, Parallelism: 2, MissedCommitAfter: time.Hour}, zerolog.Nop())

	// everything stored by the test is older than the settle window
	later := time.Now().Add(2 * time.Hour)
	f.r.now = func() time.Time { return later }

	return f
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))

	return hex.EncodeToString(sum[:])
}

// seed stores an organization on solana with one mint and n confirmed commitments, all matching the chain.
func (f *fixture) seed(t *testing.T, org string, n int) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.db.SaveChainConfig(ctx,
		store.ChainConfig{OrgID: org, Chain: types.ChainSolana, Adapter: "sol"}))

	mint := org + "-mint"
	_, err := f.db.SaveMint(ctx, types.MintRecord{OrgID: org, ShareTypeID: "common", Chain: types.ChainSolana,
		Address: mint, Decimals: 2, Signature: "sig-" + mint, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	f.sol.set(func(c *fakeChain) {
		c.accounts[mint] = types.AccountInfo{Address: mint, Exists: true, Mint: &types.MintInfo{Decimals: 2}}
	})

	for i := 0; i < n; i++ {
		key := org + "-" + string(rune('a'+i))
		f.synced(t, org, key, hashOf(key), types.TxConfirmed)

		f.sol.set(func(c *fakeChain) {
			c.commits["sig-"+key] = types.Commitment{Signature: "sig-" + key, SubjectID: "prop-1",
				EventType: types.EventProposalFinalized, PayloadHash: hashOf(key), Status: types.TxConfirmed}
		})
	}
}

func (f *fixture) task(t *testing.T, org, key, hash string) store.SyncTask {
	t.Helper()

	task, created, err := f.db.CreateTask(context.Background(), store.SyncTask{
		ID: uuid.NewString(), IdempotencyKey: key, OrgID: org, EventType: types.EventProposalFinalized,
		SubjectID: "prop-1", PayloadHash: hash, Status: store.TaskPending, NextAttemptAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)

	return task
}

func (f *fixture) synced(t *testing.T, org, key, hash string, st types.TxStatus) {
	t.Helper()

	task := f.task(t, org, key, hash)
	task.Status, task.Chain, task.Adapter, task.Signature, task.TxStatus =
		store.TaskSynced, types.ChainSolana, "sol", "sig-"+key, st
	require.NoError(t, f.db.SaveTask(context.Background(), task))
}

func TestReconcileClean(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-1", 3)

	res, err := f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Checked)
	assert.Empty(t, res.Found)
	assert.Zero(t, f.alerts.count())

	ds, err := f.db.ListDiscrepancies(context.Background(), "org-1", "")
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestReconcileCorruptedHash(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-1", 3)

	f.sol.set(func(c *fakeChain) {
		cm := c.commits["sig-org-1-b"]
		cm.PayloadHash = hashOf("tampered")
		c.commits["sig-org-1-b"] = cm
	})

	res, err := f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, res.Found, 1)
	assert.Equal(t, 1, f.alerts.count())

	d := res.Found[0]
	assert.Equal(t, store.KindHashMismatch, d.Kind)
	assert.Equal(t, store.SeverityCritical, d.Severity)
	assert.Equal(t, "org-1-b", d.ResourceID)
	assert.Equal(t, hashOf("org-1-b"), d.Expected)
	assert.Equal(t, hashOf("tampered"), d.Actual)
	assert.Equal(t, store.DiscrepancyOpen, d.Status)

	a := f.alerts.sent[0]
	assert.Equal(t, d.ID, a.DiscrepancyID)
	assert.Equal(t, "hash_mismatch", a.Kind)
	assert.Equal(t, "critical", a.Severity)

	p, err := f.al.Query(context.Background(), audit.Filter{OrgID: "org-1",
		Action: "reconciliation.discrepancy_detected"})
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Equal(t, d.ID, p.Events[0].ResourceID)

	// the open discrepancy is not duplicated by later runs
	res, err = f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, res.Found)
	assert.Equal(t, 1, f.alerts.count())

	ds, err := f.db.ListDiscrepancies(context.Background(), "org-1", store.DiscrepancyOpen)
	require.NoError(t, err)
	assert.Len(t, ds, 1)
}

func TestReconcileKinds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-1", 2)

	f.sol.set(func(c *fakeChain) {
		delete(c.commits, "sig-org-1-a")
		cm := c.commits["sig-org-1-b"]
		cm.Status = types.TxFailed
		c.commits["sig-org-1-b"] = cm
		c.accounts["org-1-mint"] = types.AccountInfo{Address: "org-1-mint", Exists: true,
			Mint: &types.MintInfo{Decimals: 6}}
	})

	failed := f.task(t, "org-1", "org-1-failed", hashOf("x"))
	failed.Status, failed.Attempts, failed.LastError = store.TaskFailed, 4, "adapter unavailable: rpc: timeout"
	require.NoError(t, f.db.SaveTask(context.Background(), failed))

	res, err := f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, res.Found, 4)

	kinds := map[string]store.DiscrepancyKind{}
	for _, d := range res.Found {
		kinds[d.ResourceID] = d.Kind
	}

	assert.Equal(t, map[string]store.DiscrepancyKind{
		"common":       store.KindMintMismatch,
		"org-1-a":      store.KindCommitMissing,
		"org-1-b":      store.KindCommitMissing,
		"org-1-failed": store.KindMissedCommit,
	}, kinds)
	assert.Equal(t, 4, f.alerts.count())
}

func TestReconcileMintMissing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-1", 0)

	f.sol.set(func(c *fakeChain) { delete(c.accounts, "org-1-mint") })

	res, err := f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, res.Found, 1)
	assert.Equal(t, store.KindMintMissing, res.Found[0].Kind)
	assert.Equal(t, "org-1-mint", res.Found[0].Expected)

	// a fresh mint may still be confirming
	f.r.now = time.Now
	_, err = f.db.SaveMint(context.Background(), types.MintRecord{OrgID: "org-1", ShareTypeID: "preferred",
		Chain: types.ChainSolana, Address: "fresh", Decimals: 0, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	res, err = f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, res.Found)
}

func TestReconcileStuckPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-1", 0)
	f.synced(t, "org-1", "org-1-vote", hashOf("vote"), types.TxPending)

	res, err := f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	require.Len(t, res.Found, 1)

	d := res.Found[0]
	assert.Equal(t, store.KindMissedCommit, d.Kind)
	assert.Equal(t, "org-1-vote", d.ResourceID)
	assert.Equal(t, "sig-org-1-vote", d.Signature)
	assert.Equal(t, string(types.TxConfirmed), d.Expected)
	assert.Equal(t, string(types.TxPending), d.Actual)

	// within MissedCommitAfter it is still settling
	f.r.now = time.Now

	f.synced(t, "org-1", "org-1-fresh", hashOf("fresh"), types.TxPending)

	res, err = f.r.ReconcileOrg(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Empty(t, res.Found)
}

func TestReconcileAborted(t *testing.T) {
	for _, cause := range []error{
		types.Unavailable("getAccountInfo", errors.New("timeout")),
		types.ErrCircuitOpen,
	} {
		f := newFixture(t)
		f.seed(t, "org-1", 2)

		f.sol.set(func(c *fakeChain) { c.err = cause })

		res, err := f.r.ReconcileOrg(context.Background(), "org-1")
		require.ErrorIs(t, err, ErrScanAborted)
		assert.True(t, types.IsDeferred(err))
		assert.Empty(t, res.Found)
		assert.Zero(t, f.alerts.count())

		ds, err := f.db.ListDiscrepancies(context.Background(), "org-1", "")
		require.NoError(t, err)
		assert.Empty(t, ds)
	}
}

func TestReconcileSkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// inactive organization
	require.NoError(t, f.db.SaveChainConfig(ctx, store.ChainConfig{OrgID: "org-2", Chain: types.ChainNone}))

	res, err := f.r.ReconcileOrg(ctx, "org-2")
	require.NoError(t, err)
	assert.Zero(t, res.Checked)

	_, err = f.r.ReconcileOrg(ctx, "org-3")
	require.ErrorIs(t, err, store.ErrDataNotFound)

	// references written before the organization had a chain, and unconfirmed ones, are not read back
	f.seed(t, "org-1", 1)

	task := f.task(t, "org-1", "org-1-none", hashOf("none"))
	task.Status, task.Chain, task.Adapter, task.Signature, task.TxStatus =
		store.TaskSynced, types.ChainNone, "none", "none:abc", types.TxConfirmed
	require.NoError(t, f.db.SaveTask(ctx, task))
	f.synced(t, "org-1", "org-1-pending", hashOf("pending"), types.TxPending)
	f.r.c.MissedCommitAfter = 3 * time.Hour

	res, err = f.r.ReconcileOrg(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Checked)
	assert.Empty(t, res.Found)
}

func TestRunAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seed(t, "org-1", 2)
	f.seed(t, "org-2", 2)
	require.NoError(t, f.db.SaveChainConfig(ctx, store.ChainConfig{OrgID: "org-3", Chain: types.ChainNone}))

	f.sol.set(func(c *fakeChain) {
		cm := c.commits["sig-org-2-a"]
		cm.PayloadHash = hashOf("tampered")
		c.commits["sig-org-2-a"] = cm
	})

	require.NoError(t, f.r.RunAll(ctx))

	assert.Equal(t, 6, f.sol.calls)
	assert.Equal(t, 1, f.alerts.count())

	ds, err := f.db.ListDiscrepancies(ctx, "org-2", "")
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "org-2-a", ds[0].ResourceID)
}

func TestRecordedCommits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "org-1", 2)

	// issuances carry a payload hash but are not commitments
	task := f.task(t, "org-1", "org-1-issue", hashOf("issue"))
	task.EventType = types.EventSharesIssued
	task.Status, task.Chain, task.Adapter, task.Signature, task.TxStatus =
		store.TaskSynced, types.ChainSolana, "sol", "sig-issue", types.TxConfirmed
	require.NoError(t, f.db.SaveTask(context.Background(), task))

	cs, err := Recorded{DB: f.db}.Commits(context.Background(), "org-1")
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, "org-1-a", cs[0].Key)
	assert.Equal(t, "sol", cs[0].Adapter)
	assert.Equal(t, "sig-org-1-a", cs[0].Ref.Signature)
	assert.Equal(t, hashOf("org-1-a"), cs[0].PayloadHash)
}

func TestSameHash(t *testing.T) {
	h := hashOf("x")
	assert.True(t, sameHash(h, "0x"+h))
	assert.True(t, sameHash(h, "0X"+h))
	assert.False(t, sameHash(h, hashOf("y")))
}
