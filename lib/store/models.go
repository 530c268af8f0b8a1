package store

import (
	"encoding/json"
	"time"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

// ChainConfig is the chain selection of one organization. An organization has exactly one row; switching chain
// overwrites it and leaves prior records untouched.
type ChainConfig struct {
	OrgID     string      `json:"orgId" gorm:"primaryKey"`
	Chain     types.Chain `json:"chain"`
	Adapter   string      `json:"adapter"` // configured adapter name
	Signer    string      `json:"signer,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// TableName names the gorm table.
func (ChainConfig) TableName() string { return "chain_configs" }

// Active reports whether the organization syncs to a chain at all.
func (c ChainConfig) Active() bool {
	return c.Chain != "" && c.Chain != types.ChainNone
}

// TaskStatus is the chain sync state of a governance event.
type TaskStatus string

// Sync task states.
const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskSynced     TaskStatus = "SYNCED"
	TaskFailed     TaskStatus = "CHAIN_SYNC_FAILED" // retried in background
	TaskRejected   TaskStatus = "REJECTED"          // permanent error
	TaskSkipped    TaskStatus = "SKIPPED"           // organization without chain
)

// SyncTask is one governance event waiting for, or done with, its chain call. It also carries the transaction
// reference once the chain accepted the call.
type SyncTask struct {
	ID             string          `json:"id" gorm:"primaryKey"`
	IdempotencyKey string          `json:"idempotencyKey" gorm:"uniqueIndex"`
	OrgID          string          `json:"orgId" gorm:"index"`
	EventType      types.EventType `json:"eventType"`
	SubjectID      string          `json:"subjectId"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	Actor          string          `json:"actor,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PayloadHash    string          `json:"payloadHash,omitempty"`
	Status         TaskStatus      `json:"status" gorm:"index"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt" gorm:"index"`
	Chain          types.Chain     `json:"chain,omitempty"`
	Adapter        string          `json:"adapter,omitempty"`
	Signature      string          `json:"signature,omitempty"`
	TxStatus       types.TxStatus  `json:"txStatus,omitempty" gorm:"index"`
	SubmittedAt    time.Time       `json:"submittedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// TableName names the gorm table.
func (SyncTask) TableName() string { return "sync_tasks" }

// TxRef returns the reference of the last transaction submitted for the task, nil if there is none.
func (t SyncTask) TxRef() *types.TxRef {
	if t.Signature == "" {
		return nil
	}

	at := t.SubmittedAt
	if at.IsZero() {
		at = t.UpdatedAt
	}

	return &types.TxRef{Chain: t.Chain, Signature: t.Signature, Status: t.TxStatus, SubmittedAt: at}
}

// TaskFilter selects tasks. Zero fields do not filter.
type TaskFilter struct {
	OrgID         string
	SubjectID     string
	EventTypes    []types.EventType
	Statuses      []TaskStatus
	TxStatus      types.TxStatus
	CommitsOnly   bool // tasks carrying a payload hash
	UpdatedBefore time.Time
	Limit         int
}

// DiscrepancyKind classifies a reconciliation mismatch.
type DiscrepancyKind string

// Discrepancy kinds.
const (
	KindMintMissing   DiscrepancyKind = "mint_missing"
	KindMintMismatch  DiscrepancyKind = "mint_mismatch"
	KindHashMismatch  DiscrepancyKind = "hash_mismatch"
	KindCommitMissing DiscrepancyKind = "commit_missing"
	KindMissedCommit  DiscrepancyKind = "missed_commit"
)

// Severity of a discrepancy.
type Severity string

// Severities.
const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// DiscrepancyStatus follows Open -> Acknowledged -> Resolved.
type DiscrepancyStatus string

// Discrepancy states.
const (
	DiscrepancyOpen         DiscrepancyStatus = "Open"
	DiscrepancyAcknowledged DiscrepancyStatus = "Acknowledged"
	DiscrepancyResolved     DiscrepancyStatus = "Resolved"
)

// Discrepancy is a mismatch between recorded and on-chain state.
type Discrepancy struct {
	ID         string            `json:"id" gorm:"primaryKey"`
	OrgID      string            `json:"orgId" gorm:"index"`
	Kind       DiscrepancyKind   `json:"kind"`
	ResourceID string            `json:"resourceId"`
	Severity   Severity          `json:"severity"`
	Expected   string            `json:"expected,omitempty"`
	Actual     string            `json:"actual,omitempty"`
	Signature  string            `json:"signature,omitempty"`
	Status     DiscrepancyStatus `json:"status" gorm:"index"`
	ResolvedBy string            `json:"resolvedBy,omitempty"`
	Note       string            `json:"note,omitempty"`
	DetectedAt time.Time         `json:"detectedAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// TableName names the gorm table.
func (Discrepancy) TableName() string { return "discrepancies" }

// AuditEvent is an immutable audit record. Hash covers every other field, PrevHash links it to the previous event of
// the same organization.
type AuditEvent struct {
	ID            string          `json:"id" bson:"_id" gorm:"primaryKey"`
	OrgID         string          `json:"orgId" bson:"orgId" gorm:"uniqueIndex:idx_audit_org_seq"`
	Seq           int64           `json:"seq" bson:"seq" gorm:"uniqueIndex:idx_audit_org_seq"`
	Actor         string          `json:"actor" bson:"actor" gorm:"index"`
	Action        string          `json:"action" bson:"action" gorm:"index"`
	ResourceType  string          `json:"resourceType" bson:"resourceType"`
	ResourceID    string          `json:"resourceId" bson:"resourceId"`
	CorrelationID string          `json:"correlationId,omitempty" bson:"correlationId,omitempty"`
	Timestamp     time.Time       `json:"timestamp" bson:"timestamp" gorm:"index"`
	Before        json.RawMessage `json:"before,omitempty" bson:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty" bson:"after,omitempty"`
	Outcome       string          `json:"outcome" bson:"outcome"`
	PrevHash      string          `json:"prevHash" bson:"prevHash"`
	Hash          string          `json:"hash" bson:"hash"`
}

// TableName names the gorm table.
func (AuditEvent) TableName() string { return "audit_events" }

// AuditFilter selects audit events of one organization in Seq order, starting after AfterSeq.
type AuditFilter struct {
	OrgID        string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
	AfterSeq     int64
	Limit        int
}
