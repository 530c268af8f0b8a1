// Package sqlite implements the store interfaces on SQLite through gorm. It backs single node deployments and tests.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// Sqlite implements store.DB and store.AuditLog.
type Sqlite struct {
	db *gorm.DB
}

// mint is the table row of a types.MintRecord.
type mint struct {
	ID          uint        `gorm:"primaryKey"`
	OrgID       string      `gorm:"uniqueIndex:idx_mint_pair"`
	ShareTypeID string      `gorm:"uniqueIndex:idx_mint_pair"`
	Chain       types.Chain
	Address     string
	Decimals    uint8
	Signature   string
	CreatedAt   time.Time
}

func (mint) TableName() string { return "mints" }

func (m mint) record() types.MintRecord {
	return types.MintRecord{
		OrgID: m.OrgID, ShareTypeID: m.ShareTypeID, Chain: m.Chain, Address: m.Address,
		Decimals: m.Decimals, Signature: m.Signature, CreatedAt: m.CreatedAt,
	}
}

// New opens the database at dsn (":memory:" for a private in-memory database) and migrates the schema.
func New(dsn string) (*Sqlite, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite DB in %s: %w", dsn, err)
	}
	// one connection so that ":memory:" is a single database and writers never race
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("cannot get sqlite handle: %w", err)
	}

	sqlDB.SetMaxOpenConns(1)

	if err = db.AutoMigrate(&store.ChainConfig{}, &mint{}, &store.SyncTask{}, &store.Discrepancy{},
		&store.AuditEvent{}); err != nil {
		return nil, fmt.Errorf("cannot migrate sqlite DB: %w", err)
	}

	return &Sqlite{db: db}, nil
}

// Close closes the database.
func (s *Sqlite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrDataNotFound
	}

	return err
}

// SaveChainConfig inserts or replaces the chain selection of an organization.
func (s *Sqlite) SaveChainConfig(ctx context.Context, c store.ChainConfig) error {
	c.UpdatedAt = time.Now().UTC()

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&c).Error
}

// GetChainConfig returns the chain selection of an organization.
func (s *Sqlite) GetChainConfig(ctx context.Context, orgID string) (c store.ChainConfig, err error) {
	err = notFound(s.db.WithContext(ctx).Where("org_id = ?", orgID).First(&c).Error)

	return
}

// ListChainConfigs returns every organization chain selection.
func (s *Sqlite) ListChainConfigs(ctx context.Context) (cs []store.ChainConfig, err error) {
	err = s.db.WithContext(ctx).Order("org_id").Find(&cs).Error

	return
}

// SaveMint stores m unless a mint already exists for the pair, in which case the existing record is returned.
func (s *Sqlite) SaveMint(ctx context.Context, m types.MintRecord) (types.MintRecord, error) {
	row := mint{
		OrgID: m.OrgID, ShareTypeID: m.ShareTypeID, Chain: m.Chain, Address: m.Address,
		Decimals: m.Decimals, Signature: m.Signature, CreatedAt: m.CreatedAt.UTC(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return m, res.Error
	}

	if res.RowsAffected == 0 {
		return s.GetMint(ctx, m.OrgID, m.ShareTypeID)
	}

	return row.record(), nil
}

// ReplaceMint overwrites the stored mint of m's share type if its signature is still prevSignature, and returns the
// stored mint.
func (s *Sqlite) ReplaceMint(ctx context.Context, m types.MintRecord, prevSignature string) (types.MintRecord, error) {
	err := s.db.WithContext(ctx).Model(&mint{}).
		Where("org_id = ? AND share_type_id = ? AND signature = ?", m.OrgID, m.ShareTypeID, prevSignature).
		Updates(map[string]interface{}{
			"chain": m.Chain, "address": m.Address, "decimals": m.Decimals, "signature": m.Signature,
			"created_at": m.CreatedAt.UTC(),
		}).Error
	if err != nil {
		return m, err
	}

	return s.GetMint(ctx, m.OrgID, m.ShareTypeID)
}

// GetMint returns the mint of a share type.
func (s *Sqlite) GetMint(ctx context.Context, orgID, shareTypeID string) (types.MintRecord, error) {
	var row mint
	if err := s.db.WithContext(ctx).Where("org_id = ? AND share_type_id = ?", orgID, shareTypeID).
		First(&row).Error; err != nil {
		return types.MintRecord{}, notFound(err)
	}

	return row.record(), nil
}

// ListMints returns the mints of an organization.
func (s *Sqlite) ListMints(ctx context.Context, orgID string) ([]types.MintRecord, error) {
	var rows []mint
	if err := s.db.WithContext(ctx).Where("org_id = ?", orgID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}

	ms := make([]types.MintRecord, 0, len(rows))
	for _, r := range rows {
		ms = append(ms, r.record())
	}

	return ms, nil
}

// CreateTask inserts t unless its idempotency key exists. The stored task and whether it was created are returned.
func (s *Sqlite) CreateTask(ctx context.Context, t store.SyncTask) (store.SyncTask, bool, error) {
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&t)
	if res.Error != nil {
		return t, false, res.Error
	}

	if res.RowsAffected == 0 {
		existing, err := s.GetTask(ctx, t.IdempotencyKey)

		return existing, false, err
	}

	return t, true, nil
}

// GetTask returns the task of an idempotency key.
func (s *Sqlite) GetTask(ctx context.Context, key string) (t store.SyncTask, err error) {
	err = notFound(s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&t).Error)

	return
}

// ClaimTasks moves up to limit due tasks to IN_PROGRESS and returns them, oldest first.
func (s *Sqlite) ClaimTasks(ctx context.Context, now time.Time, limit int) ([]store.SyncTask, error) {
	var claimed []store.SyncTask

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var due []store.SyncTask
		if err := tx.Where("status IN ? AND next_attempt_at <= ?",
			[]store.TaskStatus{store.TaskPending, store.TaskFailed}, now.UTC()).
			Order("created_at ASC").Limit(limit).Find(&due).Error; err != nil {
			return err
		}

		for _, t := range due {
			res := tx.Model(&store.SyncTask{}).Where("id = ? AND status = ?", t.ID, t.Status).
				Updates(map[string]interface{}{"status": store.TaskInProgress, "updated_at": now.UTC()})
			if res.Error != nil {
				return res.Error
			}

			if res.RowsAffected == 1 {
				t.Status = store.TaskInProgress
				claimed = append(claimed, t)
			}
		}

		return nil
	})

	return claimed, err
}

// SaveTask writes every field of t.
func (s *Sqlite) SaveTask(ctx context.Context, t store.SyncTask) error {
	t.UpdatedAt = time.Now().UTC()

	res := s.db.WithContext(ctx).Model(&store.SyncTask{}).Where("id = ?", t.ID).Select("*").Omit("created_at").
		Updates(&t)
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// UpdateTxStatus records the polled status of the task transaction.
func (s *Sqlite) UpdateTxStatus(ctx context.Context, taskID string, status types.TxStatus) error {
	res := s.db.WithContext(ctx).Model(&store.SyncTask{}).Where("id = ?", taskID).
		Updates(map[string]interface{}{"tx_status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return store.ErrDataNotFound
	}

	return nil
}

// ResetInProgress returns IN_PROGRESS tasks left by a crash to PENDING.
func (s *Sqlite) ResetInProgress(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&store.SyncTask{}).Where("status = ?", store.TaskInProgress).
		Updates(map[string]interface{}{"status": store.TaskPending, "updated_at": time.Now().UTC()})

	return res.RowsAffected, res.Error
}

// ListTasks returns the tasks matching f, oldest first.
func (s *Sqlite) ListTasks(ctx context.Context, f store.TaskFilter) (ts []store.SyncTask, err error) {
	q := s.db.WithContext(ctx).Model(&store.SyncTask{})
	if f.OrgID != "" {
		q = q.Where("org_id = ?", f.OrgID)
	}

	if f.SubjectID != "" {
		q = q.Where("subject_id = ?", f.SubjectID)
	}

	if len(f.EventTypes) > 0 {
		q = q.Where("event_type IN ?", f.EventTypes)
	}

	if len(f.Statuses) > 0 {
		q = q.Where("status IN ?", f.Statuses)
	}

	if f.TxStatus != "" {
		q = q.Where("tx_status = ?", f.TxStatus)
	}

	if f.CommitsOnly {
		q = q.Where("payload_hash <> ''")
	}

	if !f.UpdatedBefore.IsZero() {
		q = q.Where("updated_at < ?", f.UpdatedBefore.UTC())
	}

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	err = q.Order("created_at ASC").Find(&ts).Error

	return
}

// CreateDiscrepancy inserts d unless an open discrepancy exists for the same organization, kind and resource.
func (s *Sqlite) CreateDiscrepancy(ctx context.Context, d store.Discrepancy) (store.Discrepancy, bool, error) {
	created := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.Discrepancy

		err := tx.Where("org_id = ? AND kind = ? AND resource_id = ? AND status <> ?",
			d.OrgID, d.Kind, d.ResourceID, store.DiscrepancyResolved).First(&existing).Error
		if err == nil {
			d = existing

			return nil
		}

		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		created = true

		return tx.Create(&d).Error
	})

	return d, created, err
}

// GetDiscrepancy returns a discrepancy by id.
func (s *Sqlite) GetDiscrepancy(ctx context.Context, id string) (d store.Discrepancy, err error) {
	err = notFound(s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error)

	return
}

// ListDiscrepancies returns the discrepancies of an organization, newest first. An empty status lists all.
func (s *Sqlite) ListDiscrepancies(ctx context.Context, orgID string, status store.DiscrepancyStatus) (
	ds []store.Discrepancy, err error) {
	q := s.db.WithContext(ctx).Where("org_id = ?", orgID)
	if status != "" {
		q = q.Where("status = ?", status)
	}

	err = q.Order("detected_at DESC").Find(&ds).Error

	return
}

// SaveDiscrepancy writes the mutable fields of d if its stored status is still from. Otherwise store.ErrConflict is
// returned.
func (s *Sqlite) SaveDiscrepancy(ctx context.Context, d store.Discrepancy, from store.DiscrepancyStatus) error {
	res := s.db.WithContext(ctx).Model(&store.Discrepancy{}).Where("id = ? AND status = ?", d.ID, from).
		Updates(map[string]interface{}{
			"status": d.Status, "resolved_by": d.ResolvedBy, "note": d.Note, "updated_at": d.UpdatedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		if _, err := s.GetDiscrepancy(ctx, d.ID); err != nil {
			return err
		}

		return store.ErrConflict
	}

	return nil
}

// AppendAudit inserts an audit event. A duplicated (organization, seq) fails with store.ErrConflict.
func (s *Sqlite) AppendAudit(ctx context.Context, e store.AuditEvent) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&store.AuditEvent{}).Where("org_id = ? AND seq = ?", e.OrgID, e.Seq).
		Count(&n).Error; err != nil {
		return err
	}

	if n > 0 {
		return fmt.Errorf("%w: audit seq %d of %q", store.ErrConflict, e.Seq, e.OrgID)
	}

	return s.db.WithContext(ctx).Create(&e).Error
}

// LastAudit returns the latest audit event of an organization.
func (s *Sqlite) LastAudit(ctx context.Context, orgID string) (e store.AuditEvent, err error) {
	err = notFound(s.db.WithContext(ctx).Where("org_id = ?", orgID).Order("seq DESC").First(&e).Error)

	return
}

// QueryAudit returns audit events matching f in seq order.
func (s *Sqlite) QueryAudit(ctx context.Context, f store.AuditFilter) (es []store.AuditEvent, err error) {
	q := s.db.WithContext(ctx).Where("org_id = ? AND seq > ?", f.OrgID, f.AfterSeq)
	if f.Actor != "" {
		q = q.Where("actor = ?", f.Actor)
	}

	if f.Action != "" {
		q = q.Where("action = ?", f.Action)
	}

	if f.ResourceType != "" {
		q = q.Where("resource_type = ?", f.ResourceType)
	}

	if f.ResourceID != "" {
		q = q.Where("resource_id = ?", f.ResourceID)
	}

	if !f.From.IsZero() {
		q = q.Where("timestamp >= ?", f.From.UTC())
	}

	if !f.To.IsZero() {
		q = q.Where("timestamp < ?", f.To.UTC())
	}

	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	err = q.Order("seq ASC").Find(&es).Error

	return
}
