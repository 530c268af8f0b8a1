// Package store defines the interfaces for database implementations used by the syncer and adapter services.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

// DB defines the system-of-record methods for chain sync.
type DB interface {
	// organization chain selection
	SaveChainConfig(ctx context.Context, c ChainConfig) error
	GetChainConfig(ctx context.Context, orgID string) (ChainConfig, error)
	ListChainConfigs(ctx context.Context) ([]ChainConfig, error)
	// mints, at most one per (organization, share type)
	SaveMint(ctx context.Context, m types.MintRecord) (types.MintRecord, error)
	GetMint(ctx context.Context, orgID, shareTypeID string) (types.MintRecord, error)
	ReplaceMint(ctx context.Context, m types.MintRecord, prevSignature string) (types.MintRecord, error)
	ListMints(ctx context.Context, orgID string) ([]types.MintRecord, error)
	// durable sync task queue
	CreateTask(ctx context.Context, t SyncTask) (SyncTask, bool, error)
	GetTask(ctx context.Context, idempotencyKey string) (SyncTask, error)
	ClaimTasks(ctx context.Context, now time.Time, limit int) ([]SyncTask, error)
	SaveTask(ctx context.Context, t SyncTask) error
	UpdateTxStatus(ctx context.Context, taskID string, status types.TxStatus) error
	ResetInProgress(ctx context.Context) (int64, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]SyncTask, error)
	// reconciliation discrepancies, never deleted
	CreateDiscrepancy(ctx context.Context, d Discrepancy) (Discrepancy, bool, error)
	GetDiscrepancy(ctx context.Context, id string) (Discrepancy, error)
	ListDiscrepancies(ctx context.Context, orgID string, status DiscrepancyStatus) ([]Discrepancy, error)
	SaveDiscrepancy(ctx context.Context, d Discrepancy, from DiscrepancyStatus) error

	Close() error
}

// AuditLog is an append-only store of audit events. There are no update or delete methods.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEvent) error
	LastAudit(ctx context.Context, orgID string) (AuditEvent, error)
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEvent, error)

	Close() error
}

// Errors returned
var (
	ErrDataNotFound = errors.New("data was not found in store")
	ErrConflict     = errors.New("conflicting write")
)
