// Package types common chain adapter types.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Chain identifies a supported chain family.
type Chain string

// Supported chains.
const (
	ChainNone    Chain = "none"
	ChainSolana  Chain = "solana"
	ChainPolygon Chain = "polygon"
)

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

// Transaction status values.
const (
	TxPending   TxStatus = "Pending"
	TxConfirmed TxStatus = "Confirmed"
	TxFailed    TxStatus = "Failed"
)

// EventType is a governance lifecycle event.
type EventType string

// Governance events. Only those with a commit code are written to chain as commitments.
const (
	EventOrganizationCreated EventType = "organization.created"
	EventShareTypeCreated    EventType = "share_type.created"
	EventSharesIssued        EventType = "shares.issued"
	EventProposalCreated     EventType = "proposal.created"
	EventProposalOpened      EventType = "proposal.opened"
	EventProposalClosed      EventType = "proposal.closed"
	EventProposalFinalized   EventType = "proposal.finalized"
	EventVoteCast            EventType = "vote.cast"
	EventResultsCommitted    EventType = "results.committed"
)

var commitCodes = map[EventType]uint8{ //nolint:gochecknoglobals // static table
	EventOrganizationCreated: 1,
	EventProposalCreated:     2,
	EventProposalOpened:      3,
	EventProposalClosed:      4,
	EventProposalFinalized:   5,
	EventVoteCast:            6,
	EventResultsCommitted:    7,
}

// CommitCode returns the on-chain code of a commit event and whether the event is committed at all.
func (e EventType) CommitCode() (uint8, bool) {
	c, ok := commitCodes[e]

	return c, ok
}

// EventFromCode is the inverse of CommitCode.
func EventFromCode(c uint8) (EventType, bool) {
	for e, code := range commitCodes {
		if code == c {
			return e, true
		}
	}

	return "", false
}

// Valid reports whether e is a known governance event.
func (e EventType) Valid() bool {
	if _, ok := commitCodes[e]; ok {
		return true
	}

	return e == EventShareTypeCreated || e == EventSharesIssued
}

// MintRecord associates a share type with its deterministic on-chain mint.
type MintRecord struct {
	OrgID       string    `json:"orgId"`
	ShareTypeID string    `json:"shareTypeId"`
	Chain       Chain     `json:"chain"`
	Address     string    `json:"address"`
	Decimals    uint8     `json:"decimals"`
	Signature   string    `json:"signature,omitempty"` // empty when the mint already existed on chain
	CreatedAt   time.Time `json:"createdAt"`
}

// TxRef is the reference returned by every state-changing adapter call.
type TxRef struct {
	Chain       Chain     `json:"chain"`
	Signature   string    `json:"signature"`
	Status      TxStatus  `json:"status"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// MintInfo is present in AccountInfo when the account is a token mint.
type MintInfo struct {
	Decimals uint8  `json:"decimals"`
	Supply   string `json:"supply"`
}

// AccountInfo contains the chain state of an address.
type AccountInfo struct {
	Address    string    `json:"address"`
	Exists     bool      `json:"exists"`
	Owner      string    `json:"owner,omitempty"`
	Balance    string    `json:"balance"` // lamports or wei
	Executable bool      `json:"executable,omitempty"`
	Mint       *MintInfo `json:"mint,omitempty"`
	// Governance is set for accounts of the governance program.
	Governance *GovernanceAccount `json:"governance,omitempty"`
}

// Governance program account kinds.
const (
	AccountOrganization    = "organization"
	AccountProposal        = "proposal"
	AccountProposalResults = "proposal_results"
)

// Proposal lifecycle states of the governance program.
const (
	ProposalDraft     = "Draft"
	ProposalOpen      = "Open"
	ProposalClosed    = "Closed"
	ProposalFinalized = "Finalized"
)

// GovernanceAccount is the decoded state of a governance program account.
type GovernanceAccount struct {
	Kind   string `json:"kind"`
	Status string `json:"status,omitempty"` // proposals
	// results
	ResultsHash    string `json:"resultsHash,omitempty"`
	TotalVotesCast uint64 `json:"totalVotesCast,omitempty"`
	QuorumMet      bool   `json:"quorumMet,omitempty"`
	Finalized      bool   `json:"finalized,omitempty"`
}

// Commitment is a governance event hash read back from chain.
type Commitment struct {
	Signature   string    `json:"signature"`
	OrgID       string    `json:"orgId,omitempty"`
	SubjectID   string    `json:"subjectId"`
	EventType   EventType `json:"eventType"`
	PayloadHash string    `json:"payloadHash"`
	Status      TxStatus  `json:"status"`
}

// MintRequest asks for the mint of a share type.
type MintRequest struct {
	OrgID       string `json:"orgId"`
	ShareTypeID string `json:"shareTypeId"`
	Decimals    uint8  `json:"decimals"`
	Signer      string `json:"signer,omitempty"` // key reference, empty for the adapter default
}

// Validate checks the request before any RPC is made.
func (r MintRequest) Validate() error {
	if r.OrgID == "" || r.ShareTypeID == "" {
		return Invalidf("organization and share type are required")
	}

	if r.Decimals > MaxDecimals {
		return Invalidf("decimals %d above %d", r.Decimals, MaxDecimals)
	}

	return nil
}

// IssueRequest asks for quantity shares of Mint to be issued to Recipient.
type IssueRequest struct {
	Mint           MintRecord `json:"mint"`
	Recipient      string     `json:"recipient"`
	Quantity       string     `json:"quantity"`
	Signer         string     `json:"signer,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
	// Prior is an earlier attempt with the same idempotency key whose outcome was unknown. It is checked on chain
	// before anything new is sent.
	Prior *TxRef `json:"prior,omitempty"`
}

// Validate checks the request and returns the amount in base units.
func (r IssueRequest) Validate() (*big.Int, error) {
	if r.Mint.Address == "" {
		return nil, Invalidf("mint address is required")
	}

	if r.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidRecipient)
	}

	return BaseUnits(r.Quantity, r.Mint.Decimals)
}

// CommitRequest asks for a governance event hash to be committed.
type CommitRequest struct {
	OrgID       string    `json:"orgId"`
	SubjectID   string    `json:"subjectId"` // proposal, vote or organization id
	EventType   EventType `json:"eventType"`
	PayloadHash string    `json:"payloadHash"`
	Signer      string    `json:"signer,omitempty"`
	// Details are stored by adapters with a governance program, and ignored by the others.
	Details *GovernanceDetails `json:"details,omitempty"`
	Prior   *TxRef             `json:"prior,omitempty"` // as in IssueRequest
}

// GovernanceDetails are the event fields kept in governance program accounts.
type GovernanceDetails struct {
	Name                string     `json:"name,omitempty"`  // organization.created
	Title               string     `json:"title,omitempty"` // proposal.created
	StartAt             *time.Time `json:"startAt,omitempty"`
	EndAt               *time.Time `json:"endAt,omitempty"`
	EligibleVotingPower uint64     `json:"eligibleVotingPower,omitempty"`
	QuorumRequirement   *uint16    `json:"quorumRequirement,omitempty"` // basis points
	WinningOptionID     string     `json:"winningOptionId,omitempty"`   // results.committed
	TotalVotesCast      uint64     `json:"totalVotesCast,omitempty"`
	QuorumMet           bool       `json:"quorumMet,omitempty"`
}

// Validate checks the request and returns the decoded payload hash.
func (r CommitRequest) Validate() ([32]byte, error) {
	if r.OrgID == "" || r.SubjectID == "" {
		return [32]byte{}, Invalidf("organization and subject are required")
	}

	if _, ok := r.EventType.CommitCode(); !ok {
		return [32]byte{}, Invalidf("event %q is not committed to chain", r.EventType)
	}

	return ParseHash(r.PayloadHash)
}

// MaxDecimals is the largest decimals value accepted for a mint.
const MaxDecimals = 18

// BaseUnits converts a decimal quantity to integral base units for the given decimals. The quantity must be positive
// and quantity*10^decimals must be a whole number.
func BaseUnits(quantity string, decimals uint8) (*big.Int, error) {
	q := strings.TrimSpace(quantity)
	if q == "" || strings.ContainsAny(q, "/eE+") {
		return nil, Invalidf("quantity %q is not a decimal number", quantity)
	}

	r, ok := new(big.Rat).SetString(q)
	if !ok {
		return nil, Invalidf("quantity %q is not a decimal number", quantity)
	}

	if r.Sign() <= 0 {
		return nil, Invalidf("quantity %q must be positive", quantity)
	}

	r.Mul(r, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))) //nolint:gomnd

	if !r.IsInt() {
		if decimals == 0 {
			return nil, Invalidf("quantity %q must be a whole number", quantity)
		}

		return nil, Invalidf("quantity %q has more than %d decimals", quantity, decimals)
	}

	return new(big.Int).Set(r.Num()), nil
}

// ParseHash decodes a 32-byte hex hash, with or without 0x prefix.
func ParseHash(s string) (h [32]byte, err error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil || len(b) != len(h) {
		return h, Invalidf("payload hash %q is not a 32-byte hex string", s)
	}

	copy(h[:], b)

	return h, nil
}

// HashHex is the canonical text form of a payload hash.
func HashHex(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

// Response is the JSON envelope of every adapter service reply.
type Response struct {
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
	Code  Code            `json:"code,omitempty"`
}
