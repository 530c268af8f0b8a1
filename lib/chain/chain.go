// Package chain defines the interface every chain adapter implements and builds the configured adapters.
package chain

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tarancss/hd"

	"github.com/fanengagement/chainadp/lib/chain/none"
	"github.com/fanengagement/chainadp/lib/chain/polygon"
	"github.com/fanengagement/chainadp/lib/chain/remote"
	"github.com/fanengagement/chainadp/lib/chain/solana"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
)

// Adapter kinds.
const (
	KindNone    = "none"
	KindSolana  = "solana"
	KindPolygon = "polygon"
	KindRemote  = "remote"
)

// Adapter provides access to one chain network.
type Adapter interface {
	// Name of the configured adapter, which organizations select.
	Name() string
	// CreateTokenMint creates the mint of a share type, returning the existing one when already created.
	CreateTokenMint(ctx context.Context, r types.MintRequest) (types.MintRecord, error)
	// IssueShares mints quantity base units of a share type to the recipient.
	IssueShares(ctx context.Context, r types.IssueRequest) (types.TxRef, error)
	// CommitProposalEvent writes the payload hash of a governance event.
	CommitProposalEvent(ctx context.Context, r types.CommitRequest) (types.TxRef, error)
	GetTransactionStatus(ctx context.Context, ref types.TxRef) (types.TxStatus, error)
	GetAccountInfo(ctx context.Context, address string) (types.AccountInfo, error)
	// GetCommitment reads back a commitment written by CommitProposalEvent.
	GetCommitment(ctx context.Context, ref types.TxRef) (types.Commitment, error)
	Health(ctx context.Context) error
	Close()
}

var (
	_ Adapter = (*none.None)(nil)
	_ Adapter = (*solana.Solana)(nil)
	_ Adapter = (*polygon.Polygon)(nil)
	_ Adapter = (*remote.Remote)(nil)
)

// Init returns a map of adapters by name for the given configurations. The HD wallet may be nil when no adapter
// uses hd: signers. A name used twice is a config.ErrBadConfig. On error, the adapters created so far are closed.
func Init(cfgs []config.AdapterConfig, w *hd.HdWallet, log zerolog.Logger) (map[string]Adapter, error) {
	m := make(map[string]Adapter, len(cfgs))

	for _, c := range cfgs {
		if _, ok := m[c.Name]; ok {
			End(m)

			return nil, fmt.Errorf("%w: duplicated adapter %s", config.ErrBadConfig, c.Name)
		}

		a, err := newAdapter(c, w, log)
		if err != nil {
			End(m)

			return nil, fmt.Errorf("cannot start adapter %s: %w", c.Name, err)
		}

		m[c.Name] = a

		log.Info().Str("adapter", c.Name).Str("kind", c.Kind).Msg("adapter ready")
	}

	return m, nil
}

func newAdapter(c config.AdapterConfig, w *hd.HdWallet, log zerolog.Logger) (Adapter, error) {
	switch c.Kind {
	case KindNone:
		return none.New(c.Name), nil
	case KindSolana:
		return solana.New(c, log)
	case KindPolygon:
		return polygon.New(c, w, log)
	case KindRemote:
		return remote.New(c, log)
	}

	return nil, fmt.Errorf("unknown adapter kind %q", c.Kind)
}

// End closes every adapter.
func End(m map[string]Adapter) {
	for _, a := range m {
		a.Close()
	}
}

// ChainOf returns the chain family of an adapter kind.
func ChainOf(kind string) types.Chain {
	switch kind {
	case KindSolana:
		return types.ChainSolana
	case KindPolygon:
		return types.ChainPolygon
	}

	return types.ChainNone
}
