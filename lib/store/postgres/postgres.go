// Package postgres implements the store interfaces for PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq" // load the postgres driver that is used by the system

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// Postgres implements store.DB and store.AuditLog.
type Postgres struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS chain_configs (
	org_id     TEXT PRIMARY KEY,
	chain      TEXT NOT NULL,
	adapter    TEXT NOT NULL DEFAULT '',
	signer     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS mints (
	org_id        TEXT NOT NULL,
	share_type_id TEXT NOT NULL,
	chain         TEXT NOT NULL,
	address       TEXT NOT NULL,
	decimals      SMALLINT NOT NULL,
	signature     TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (org_id, share_type_id)
);
CREATE TABLE IF NOT EXISTS sync_tasks (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	org_id          TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	subject_id      TEXT NOT NULL,
	correlation_id  TEXT NOT NULL DEFAULT '',
	actor           TEXT NOT NULL DEFAULT '',
	payload         BYTEA,
	payload_hash    TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	next_attempt_at TIMESTAMPTZ NOT NULL,
	chain           TEXT NOT NULL DEFAULT '',
	adapter         TEXT NOT NULL DEFAULT '',
	signature       TEXT NOT NULL DEFAULT '',
	tx_status       TEXT NOT NULL DEFAULT '',
	submitted_at    TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00',
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
ALTER TABLE sync_tasks ADD COLUMN IF NOT EXISTS submitted_at TIMESTAMPTZ NOT NULL DEFAULT '0001-01-01 00:00:00+00';
CREATE INDEX IF NOT EXISTS idx_sync_tasks_due ON sync_tasks (status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_sync_tasks_org ON sync_tasks (org_id, tx_status);
CREATE TABLE IF NOT EXISTS discrepancies (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	kind        TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	severity    TEXT NOT NULL,
	expected    TEXT NOT NULL DEFAULT '',
	actual      TEXT NOT NULL DEFAULT '',
	signature   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	resolved_by TEXT NOT NULL DEFAULT '',
	note        TEXT NOT NULL DEFAULT '',
	detected_at TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_discrepancies_open ON discrepancies (org_id, kind, resource_id)
	WHERE status <> 'Resolved';
CREATE TABLE IF NOT EXISTS audit_events (
	id             TEXT PRIMARY KEY,
	org_id         TEXT NOT NULL,
	seq            BIGINT NOT NULL,
	actor          TEXT NOT NULL,
	action         TEXT NOT NULL,
	resource_type  TEXT NOT NULL,
	resource_id    TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	ts             TIMESTAMPTZ NOT NULL,
	before_state   BYTEA,
	after_state    BYTEA,
	outcome        TEXT NOT NULL,
	prev_hash      TEXT NOT NULL,
	hash           TEXT NOT NULL,
	UNIQUE (org_id, seq)
);
`

// New returns a postgres client connection to the specified database in 'connection' and creates the schema.
func New(connection string) (*Postgres, error) {
	db, err := sql.Open("postgres", connection)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to DB in %s: %w", connection, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd // 10 seconds timeout
	defer cancel()

	if _, err = db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// Close will close any database connection. Must be called at termination time.
func (p *Postgres) Close() error {
	return p.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDataNotFound
	}

	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error

	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// SaveChainConfig inserts or replaces the chain selection of an organization.
func (p *Postgres) SaveChainConfig(ctx context.Context, c store.ChainConfig) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO chain_configs (org_id, chain, adapter, signer, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id) DO UPDATE SET chain = $2, adapter = $3, signer = $4, updated_at = $5`,
		c.OrgID, c.Chain, c.Adapter, c.Signer, time.Now().UTC())

	return err
}

// GetChainConfig returns the chain selection of an organization.
func (p *Postgres) GetChainConfig(ctx context.Context, orgID string) (c store.ChainConfig, err error) {
	err = p.db.QueryRowContext(ctx, `SELECT org_id, chain, adapter, signer, updated_at FROM chain_configs
		WHERE org_id = $1`, orgID).Scan(&c.OrgID, &c.Chain, &c.Adapter, &c.Signer, &c.UpdatedAt)

	return c, notFound(err)
}

// ListChainConfigs returns every organization chain selection.
func (p *Postgres) ListChainConfigs(ctx context.Context) ([]store.ChainConfig, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT org_id, chain, adapter, signer, updated_at FROM chain_configs
		ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cs []store.ChainConfig

	for rows.Next() {
		var c store.ChainConfig
		if err = rows.Scan(&c.OrgID, &c.Chain, &c.Adapter, &c.Signer, &c.UpdatedAt); err != nil {
			return nil, err
		}

		cs = append(cs, c)
	}

	return cs, rows.Err()
}

const mintColumns = `org_id, share_type_id, chain, address, decimals, signature, created_at`

func scanMint(row interface{ Scan(...interface{}) error }) (m types.MintRecord, err error) {
	err = row.Scan(&m.OrgID, &m.ShareTypeID, &m.Chain, &m.Address, &m.Decimals, &m.Signature, &m.CreatedAt)

	return
}

// SaveMint stores m unless a mint already exists for the pair, in which case the existing record is returned.
func (p *Postgres) SaveMint(ctx context.Context, m types.MintRecord) (types.MintRecord, error) {
	res, err := p.db.ExecContext(ctx, `INSERT INTO mints (`+mintColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, share_type_id) DO NOTHING`,
		m.OrgID, m.ShareTypeID, m.Chain, m.Address, m.Decimals, m.Signature, m.CreatedAt.UTC())
	if err != nil {
		return m, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return p.GetMint(ctx, m.OrgID, m.ShareTypeID)
	}

	return m, nil
}

// ReplaceMint overwrites the stored mint of m's share type if its signature is still prevSignature, and returns the
// stored mint.
func (p *Postgres) ReplaceMint(ctx context.Context, m types.MintRecord, prevSignature string) (types.MintRecord,
	error) {
	_, err := p.db.ExecContext(ctx, `UPDATE mints SET chain = $3, address = $4, decimals = $5, signature = $6,
		created_at = $7 WHERE org_id = $1 AND share_type_id = $2 AND signature = $8`,
		m.OrgID, m.ShareTypeID, m.Chain, m.Address, m.Decimals, m.Signature, m.CreatedAt.UTC(), prevSignature)
	if err != nil {
		return m, err
	}

	return p.GetMint(ctx, m.OrgID, m.ShareTypeID)
}

// GetMint returns the mint of a share type.
func (p *Postgres) GetMint(ctx context.Context, orgID, shareTypeID string) (types.MintRecord, error) {
	m, err := scanMint(p.db.QueryRowContext(ctx, `SELECT `+mintColumns+` FROM mints
		WHERE org_id = $1 AND share_type_id = $2`, orgID, shareTypeID))

	return m, notFound(err)
}

// ListMints returns the mints of an organization.
func (p *Postgres) ListMints(ctx context.Context, orgID string) ([]types.MintRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+mintColumns+` FROM mints WHERE org_id = $1
		ORDER BY created_at`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []types.MintRecord

	for rows.Next() {
		m, err := scanMint(rows)
		if err != nil {
			return nil, err
		}

		ms = append(ms, m)
	}

	return ms, rows.Err()
}

const taskColumns = `id, idempotency_key, org_id, event_type, subject_id, correlation_id, actor, payload,
	payload_hash, status, attempts, last_error, next_attempt_at, chain, adapter, signature, tx_status, submitted_at,
	created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (t store.SyncTask, err error) {
	err = row.Scan(&t.ID, &t.IdempotencyKey, &t.OrgID, &t.EventType, &t.SubjectID, &t.CorrelationID, &t.Actor,
		&t.Payload, &t.PayloadHash, &t.Status, &t.Attempts, &t.LastError, &t.NextAttemptAt, &t.Chain, &t.Adapter,
		&t.Signature, &t.TxStatus, &t.SubmittedAt, &t.CreatedAt, &t.UpdatedAt)

	return
}

func scanTasks(rows *sql.Rows) ([]store.SyncTask, error) {
	defer rows.Close()

	var ts []store.SyncTask

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		ts = append(ts, t)
	}

	return ts, rows.Err()
}

// CreateTask inserts t unless its idempotency key exists. The stored task and whether it was created are returned.
func (p *Postgres) CreateTask(ctx context.Context, t store.SyncTask) (store.SyncTask, bool, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	t.UpdatedAt = now

	res, err := p.db.ExecContext(ctx, `INSERT INTO sync_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		t.ID, t.IdempotencyKey, t.OrgID, t.EventType, t.SubjectID, t.CorrelationID, t.Actor, []byte(t.Payload),
		t.PayloadHash, t.Status, t.Attempts, t.LastError, t.NextAttemptAt.UTC(), t.Chain, t.Adapter, t.Signature,
		t.TxStatus, t.SubmittedAt.UTC(), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return t, false, err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := p.GetTask(ctx, t.IdempotencyKey)

		return existing, false, err
	}

	return t, true, nil
}

// GetTask returns the task of an idempotency key.
func (p *Postgres) GetTask(ctx context.Context, key string) (store.SyncTask, error) {
	t, err := scanTask(p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM sync_tasks
		WHERE idempotency_key = $1`, key))

	return t, notFound(err)
}

// ClaimTasks moves up to limit due tasks to IN_PROGRESS and returns them. Concurrent claimers skip each other's rows.
func (p *Postgres) ClaimTasks(ctx context.Context, now time.Time, limit int) ([]store.SyncTask, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE sync_tasks SET status = $1, updated_at = $2
		WHERE id IN (
			SELECT id FROM sync_tasks WHERE status IN ($3, $4) AND next_attempt_at <= $2
			ORDER BY created_at LIMIT $5 FOR UPDATE SKIP LOCKED
		) RETURNING `+taskColumns,
		store.TaskInProgress, now.UTC(), store.TaskPending, store.TaskFailed, limit)
	if err != nil {
		return nil, err
	}

	return scanTasks(rows)
}

// SaveTask writes every mutable field of t.
func (p *Postgres) SaveTask(ctx context.Context, t store.SyncTask) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sync_tasks SET status = $2, attempts = $3, last_error = $4,
		next_attempt_at = $5, chain = $6, adapter = $7, signature = $8, tx_status = $9, submitted_at = $10,
		updated_at = $11 WHERE id = $1`,
		t.ID, t.Status, t.Attempts, t.LastError, t.NextAttemptAt.UTC(), t.Chain, t.Adapter, t.Signature, t.TxStatus,
		t.SubmittedAt.UTC(), time.Now().UTC())

	return affected(res, err)
}

func affected(res sql.Result, err error) error {
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// UpdateTxStatus records the polled status of the task transaction.
func (p *Postgres) UpdateTxStatus(ctx context.Context, taskID string, status types.TxStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE sync_tasks SET tx_status = $2, updated_at = $3 WHERE id = $1`,
		taskID, status, time.Now().UTC())

	return affected(res, err)
}

// ResetInProgress returns IN_PROGRESS tasks left by a crash to PENDING.
func (p *Postgres) ResetInProgress(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE sync_tasks SET status = $1, updated_at = $2 WHERE status = $3`,
		store.TaskPending, time.Now().UTC(), store.TaskInProgress)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// ListTasks returns the tasks matching f, oldest first.
func (p *Postgres) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.SyncTask, error) {
	var (
		where []string
		args  []interface{}
	)

	arg := func(v interface{}) string {
		args = append(args, v)

		return fmt.Sprintf("$%d", len(args))
	}

	if f.OrgID != "" {
		where = append(where, "org_id = "+arg(f.OrgID))
	}

	if f.SubjectID != "" {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}

	if len(f.EventTypes) > 0 {
		es := make([]string, len(f.EventTypes))
		for i, e := range f.EventTypes {
			es[i] = string(e)
		}

		where = append(where, "event_type = ANY("+arg(pq.Array(es))+")")
	}

	if len(f.Statuses) > 0 {
		ss := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			ss[i] = string(s)
		}

		where = append(where, "status = ANY("+arg(pq.Array(ss))+")")
	}

	if f.TxStatus != "" {
		where = append(where, "tx_status = "+arg(f.TxStatus))
	}

	if f.CommitsOnly {
		where = append(where, "payload_hash <> ''")
	}

	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore.UTC()))
	}

	q := `SELECT ` + taskColumns + ` FROM sync_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	q += " ORDER BY created_at"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}

	return scanTasks(rows)
}

const discrepancyColumns = `id, org_id, kind, resource_id, severity, expected, actual, signature, status,
	resolved_by, note, detected_at, updated_at`

func scanDiscrepancy(row interface{ Scan(...interface{}) error }) (d store.Discrepancy, err error) {
	err = row.Scan(&d.ID, &d.OrgID, &d.Kind, &d.ResourceID, &d.Severity, &d.Expected, &d.Actual, &d.Signature,
		&d.Status, &d.ResolvedBy, &d.Note, &d.DetectedAt, &d.UpdatedAt)

	return
}

// CreateDiscrepancy inserts d unless an open discrepancy exists for the same organization, kind and resource.
func (p *Postgres) CreateDiscrepancy(ctx context.Context, d store.Discrepancy) (store.Discrepancy, bool, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO discrepancies (`+discrepancyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.OrgID, d.Kind, d.ResourceID, d.Severity, d.Expected, d.Actual, d.Signature, d.Status, d.ResolvedBy,
		d.Note, d.DetectedAt.UTC(), d.UpdatedAt.UTC())
	if err == nil {
		return d, true, nil
	}

	if !isUniqueViolation(err) {
		return d, false, err
	}

	existing, err := scanDiscrepancy(p.db.QueryRowContext(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies
		WHERE org_id = $1 AND kind = $2 AND resource_id = $3 AND status <> $4`,
		d.OrgID, d.Kind, d.ResourceID, store.DiscrepancyResolved))

	return existing, false, notFound(err)
}

// GetDiscrepancy returns a discrepancy by id.
func (p *Postgres) GetDiscrepancy(ctx context.Context, id string) (store.Discrepancy, error) {
	d, err := scanDiscrepancy(p.db.QueryRowContext(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies
		WHERE id = $1`, id))

	return d, notFound(err)
}

// ListDiscrepancies returns the discrepancies of an organization, newest first. An empty status lists all.
func (p *Postgres) ListDiscrepancies(ctx context.Context, orgID string, status store.DiscrepancyStatus) (
	[]store.Discrepancy, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+discrepancyColumns+` FROM discrepancies
		WHERE org_id = $1 AND ($2::text = '' OR status = $2) ORDER BY detected_at DESC`, orgID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ds []store.Discrepancy

	for rows.Next() {
		d, err := scanDiscrepancy(rows)
		if err != nil {
			return nil, err
		}

		ds = append(ds, d)
	}

	return ds, rows.Err()
}

// SaveDiscrepancy writes the mutable fields of d if its stored status is still from. Otherwise store.ErrConflict is
// returned.
func (p *Postgres) SaveDiscrepancy(ctx context.Context, d store.Discrepancy, from store.DiscrepancyStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE discrepancies SET status = $2, resolved_by = $3, note = $4,
		updated_at = $5 WHERE id = $1 AND status = $6`, d.ID, d.Status, d.ResolvedBy, d.Note, d.UpdatedAt.UTC(), from)
	if err = affected(res, err); errors.Is(err, store.ErrDataNotFound) {
		if _, gerr := p.GetDiscrepancy(ctx, d.ID); gerr == nil {
			return store.ErrConflict
		}
	}

	return err
}

const auditColumns = `id, org_id, seq, actor, action, resource_type, resource_id, correlation_id, ts, before_state,
	after_state, outcome, prev_hash, hash`

// AppendAudit inserts an audit event. A duplicated (organization, seq) fails with store.ErrConflict.
func (p *Postgres) AppendAudit(ctx context.Context, e store.AuditEvent) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO audit_events (`+auditColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.OrgID, e.Seq, e.Actor, e.Action, e.ResourceType, e.ResourceID, e.CorrelationID, e.Timestamp.UTC(),
		[]byte(e.Before), []byte(e.After), e.Outcome, e.PrevHash, e.Hash)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: audit seq %d of %q", store.ErrConflict, e.Seq, e.OrgID)
	}

	return err
}

func scanAudit(row interface{ Scan(...interface{}) error }) (e store.AuditEvent, err error) {
	var before, after []byte

	err = row.Scan(&e.ID, &e.OrgID, &e.Seq, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID, &e.CorrelationID,
		&e.Timestamp, &before, &after, &e.Outcome, &e.PrevHash, &e.Hash)
	e.Before, e.After = before, after

	return
}

// LastAudit returns the latest audit event of an organization.
func (p *Postgres) LastAudit(ctx context.Context, orgID string) (store.AuditEvent, error) {
	e, err := scanAudit(p.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE org_id = $1
		ORDER BY seq DESC LIMIT 1`, orgID))

	return e, notFound(err)
}

// QueryAudit returns audit events matching f in seq order.
func (p *Postgres) QueryAudit(ctx context.Context, f store.AuditFilter) ([]store.AuditEvent, error) {
	var from, to interface{}
	if !f.From.IsZero() {
		from = f.From.UTC()
	}

	if !f.To.IsZero() {
		to = f.To.UTC()
	}

	limit := interface{}(nil)
	if f.Limit > 0 {
		limit = f.Limit
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events
		WHERE org_id = $1 AND seq > $2
		AND ($3::text = '' OR actor = $3) AND ($4::text = '' OR action = $4)
		AND ($5::text = '' OR resource_type = $5) AND ($6::text = '' OR resource_id = $6)
		AND ($7::timestamptz IS NULL OR ts >= $7) AND ($8::timestamptz IS NULL OR ts < $8)
		ORDER BY seq LIMIT $9`,
		f.OrgID, f.AfterSeq, f.Actor, f.Action, f.ResourceType, f.ResourceID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var es []store.AuditEvent

	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}

		es = append(es, e)
	}

	return es, rows.Err()
}
