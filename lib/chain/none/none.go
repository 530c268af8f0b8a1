// Package none implements the adapter used by organizations that do not sync to any chain. Every call succeeds
// locally with a deterministic reference and nothing leaves the process.
package none

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

// None is the chain-less adapter.
type None struct {
	name string
	now  func() time.Time
}

// New returns a None adapter registered under name.
func New(name string) *None {
	return &None{name: name, now: time.Now}
}

func ref(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}

	return "none:" + hex.EncodeToString(h.Sum(nil)[:16])
}

// Name of the adapter.
func (n *None) Name() string { return n.name }

// CreateTokenMint returns a local mint record.
func (n *None) CreateTokenMint(_ context.Context, r types.MintRequest) (types.MintRecord, error) {
	if err := r.Validate(); err != nil {
		return types.MintRecord{}, err
	}

	return types.MintRecord{OrgID: r.OrgID, ShareTypeID: r.ShareTypeID, Chain: types.ChainNone,
		Address: ref("mint", r.OrgID, r.ShareTypeID), Decimals: r.Decimals, CreatedAt: n.now().UTC()}, nil
}

// IssueShares validates the quantity and returns a confirmed local reference.
func (n *None) IssueShares(_ context.Context, r types.IssueRequest) (types.TxRef, error) {
	amount, err := r.Validate()
	if err != nil {
		return types.TxRef{}, err
	}

	key := r.IdempotencyKey
	if key == "" {
		key = n.now().String()
	}

	return n.txRef(ref("issue", r.Mint.Address, r.Recipient, amount.String(), key)), nil
}

// CommitProposalEvent returns a confirmed local reference.
func (n *None) CommitProposalEvent(_ context.Context, r types.CommitRequest) (types.TxRef, error) {
	h, err := r.Validate()
	if err != nil {
		return types.TxRef{}, err
	}

	return n.txRef(ref("commit", r.OrgID, r.SubjectID, string(r.EventType), types.HashHex(h))), nil
}

func (n *None) txRef(sig string) types.TxRef {
	return types.TxRef{Chain: types.ChainNone, Signature: sig, Status: types.TxConfirmed, SubmittedAt: n.now().UTC()}
}

// GetTransactionStatus is always Confirmed.
func (n *None) GetTransactionStatus(_ context.Context, _ types.TxRef) (types.TxStatus, error) {
	return types.TxConfirmed, nil
}

// GetAccountInfo reports no account, there is no chain state.
func (n *None) GetAccountInfo(_ context.Context, address string) (types.AccountInfo, error) {
	return types.AccountInfo{Address: address, Balance: "0"}, nil
}

// GetCommitment cannot read anything back.
func (n *None) GetCommitment(_ context.Context, _ types.TxRef) (types.Commitment, error) {
	return types.Commitment{}, types.ErrNotFound
}

// Health always succeeds.
func (n *None) Health(_ context.Context) error { return nil }

// Close does nothing.
func (n *None) Close() {}
