// Package types defines the messages exchanged through the message broker.
package types

import (
	"encoding/json"
	"time"

	ctypes "github.com/fanengagement/chainadp/lib/chain/types"
)

// DomainEvent is a governance event the core platform has already committed to its own database.
type DomainEvent struct {
	IdempotencyKey string           `json:"idempotencyKey"`
	EventType      ctypes.EventType `json:"eventType"`
	OrgID          string           `json:"orgId"`
	SubjectID      string           `json:"subjectId"` // organization, proposal, vote or share type id
	CorrelationID  string           `json:"correlationId,omitempty"`
	Actor          string           `json:"actor,omitempty"`
	OccurredAt     time.Time        `json:"occurredAt"`
	// PayloadHash is the SHA-256 of the canonical payload. Computed from Payload when empty.
	PayloadHash string          `json:"payloadHash,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// RoutingKey returns the topic routing key of the event: <orgId>.<eventType>.
func (e DomainEvent) RoutingKey() string {
	return e.OrgID + "." + string(e.EventType)
}

// ShareTypePayload is carried by share_type.created.
type ShareTypePayload struct {
	ShareTypeID string `json:"shareTypeId"`
	Decimals    uint8  `json:"decimals"`
}

// IssuancePayload is carried by shares.issued.
type IssuancePayload struct {
	ShareTypeID string `json:"shareTypeId"`
	Decimals    uint8  `json:"decimals"`
	Recipient   string `json:"recipient"` // chain address of the holder
	Quantity    string `json:"quantity"`
}

// Alert notifies operators of a new reconciliation discrepancy.
type Alert struct {
	DiscrepancyID string    `json:"discrepancyId"`
	OrgID         string    `json:"orgId"`
	Kind          string    `json:"kind"`
	Severity      string    `json:"severity"`
	ResourceID    string    `json:"resourceId"`
	Expected      string    `json:"expected,omitempty"`
	Actual        string    `json:"actual,omitempty"`
	DetectedAt    time.Time `json:"detectedAt"`
}
