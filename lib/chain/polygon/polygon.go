// Package polygon implements the chain adapter for Polygon and other EVM networks. Share types are tokens deployed
// by a factory at CREATE2 addresses, and governance events are committed to a registry contract.
package polygon

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/tarancss/ethcli"
	"github.com/tarancss/hd"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/util"
)

const (
	// dedupWindow bounds how long a completed submission answers repeated calls with the same key.
	dedupWindow = 30 * time.Minute
	// resendAfter is how long a transaction the nodes do not know yet may still show up from a mempool.
	resendAfter = 2 * time.Minute
)

type submission struct {
	done chan struct{}
	hash string
	err  error
	at   time.Time
}

// Polygon implements a chain adapter for an EVM network.
type Polygon struct {
	name          string
	p             *pool
	hd            *hd.HdWallet
	defaultSigner string
	factory       common.Address
	initCodeHash  []byte
	registry      common.Address
	gasPrice      uint64
	dryRun        bool
	locks         util.KeyedMutex
	log           zerolog.Logger
	now           func() time.Time

	mu       sync.Mutex // guards accounts and inflight
	accounts map[string]account
	inflight map[string]*submission
}

// New connects to the nodes of c. The HD wallet is only required by hd: signers.
func New(c config.AdapterConfig, w *hd.HdWallet, log zerolog.Logger) (*Polygon, error) {
	if len(c.Nodes) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided for %s", c.Name)
	}

	for _, a := range []string{c.Factory, c.Registry} {
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid contract address %q for %s", a, c.Name)
		}
	}

	initCodeHash := common.FromHex(c.InitCodeHash)
	if len(initCodeHash) != common.HashLength {
		return nil, fmt.Errorf("invalid init code hash %q for %s", c.InitCodeHash, c.Name)
	}

	log = log.With().Str("chain", string(types.ChainPolygon)).Str("adapter", c.Name).Logger()

	nodes := make([]node, 0, len(c.Nodes))
	for _, url := range c.Nodes {
		n, err := dial(url, c.Secret)
		if err != nil {
			for _, open := range nodes {
				open.End()
			}

			return nil, err
		}

		nodes = append(nodes, n)
	}

	p := newPolygon(c.Name, nodes, w, log)
	p.defaultSigner = c.Signer
	p.factory = common.HexToAddress(c.Factory)
	p.initCodeHash = initCodeHash
	p.registry = common.HexToAddress(c.Registry)
	p.gasPrice = c.GasPrice
	p.dryRun = c.DryRun

	return p, nil
}

func newPolygon(name string, nodes []node, w *hd.HdWallet, log zerolog.Logger) *Polygon {
	return &Polygon{
		name:     name,
		p:        &pool{nodes: nodes, log: log},
		hd:       w,
		log:      log,
		now:      time.Now,
		accounts: make(map[string]account),
		inflight: make(map[string]*submission),
	}
}

// Name of the adapter.
func (p *Polygon) Name() string { return p.name }

// Close ends the node connections.
func (p *Polygon) Close() { p.p.end() }

// classify maps node rejections to the error taxonomy.
func classify(op string, err error) error {
	s := strings.ToLower(err.Error())

	switch {
	case strings.Contains(s, "insufficient funds"):
		return fmt.Errorf("%w: %s: %v", types.ErrInsufficientGas, op, err)
	case strings.Contains(s, "nonce too low"), strings.Contains(s, "underpriced"), strings.Contains(s, "already known"):
		return fmt.Errorf("%w: %s: %v", types.ErrNonceConflict, op, err)
	case strings.Contains(s, "execution reverted"):
		return fmt.Errorf("%w: %s: %v", types.ErrInvalidRequest, op, err)
	}

	return types.Unavailable(op, err)
}

// wait runs fn until it returns or ctx is done. ethcli calls take no context, so fn keeps running in the background
// after a cancellation.
func wait(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)

	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return types.Unavailable(op, ctx.Err())
	}
}

// lookup returns the submission of key still answering calls. A submission that failed after signing is dropped and
// returned as an attempt to check on chain.
func (p *Polygon) lookup(key string) (*submission, *types.TxRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for k, s := range p.inflight {
		select {
		case <-s.done:
			if now.Sub(s.at) > dedupWindow {
				delete(p.inflight, k)
			}
		default:
		}
	}

	s, ok := p.inflight[key]
	if !ok {
		return nil, nil
	}

	select {
	case <-s.done:
	default:
		return s, nil
	}

	if s.err == nil {
		return s, nil
	}

	delete(p.inflight, key)

	if s.hash == "" {
		return nil, nil
	}

	return nil, &types.TxRef{Chain: types.ChainPolygon, Signature: s.hash, Status: types.TxPending, SubmittedAt: s.at}
}

// settled checks an earlier attempt on chain. It is done when the transaction exists and did not fail; a new one is
// only sent once it failed or stayed unknown for resendAfter.
func (p *Polygon) settled(ctx context.Context, op string, prior *types.TxRef) (string, bool, error) {
	if prior == nil || prior.Signature == "" || (prior.Chain != "" && prior.Chain != types.ChainPolygon) ||
		validHash(*prior) != nil {
		return "", false, nil
	}

	status, _, _, err := p.tx(ctx, prior.Signature)

	switch {
	case err != nil && unknownTx(err):
		if p.now().Sub(prior.SubmittedAt) < resendAfter {
			return "", false, &types.SubmitError{Ref: *prior,
				Err: types.Unavailable(op, fmt.Errorf("transaction %s may still land", prior.Signature))}
		}

		return "", false, nil
	case err != nil:
		return "", false, &types.SubmitError{Ref: *prior, Err: types.Unavailable("get_transaction", err)}
	case status == ethcli.TrxFailed:
		p.log.Warn().Str("op", op).Str("hash", prior.Signature).Msg("transaction failed, sending again")

		return "", false, nil
	}

	return prior.Signature, true, nil
}

// start runs the submission of key unless another call started it meanwhile.
func (p *Polygon) start(op, key string, a account, to common.Address, data []byte) *submission {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.inflight[key]; ok {
		return s
	}

	s := &submission{done: make(chan struct{})}
	p.inflight[key] = s

	go func() {
		unlock := p.locks.Lock(a.from)
		defer unlock()

		var hash []byte

		err := p.p.do(op, func(n node) (err error) {
			hash, err = n.Send(a.from, to.Hex(), data, a.key, p.gasPrice, p.dryRun)

			return err
		})
		if err != nil {
			s.err = classify(op, err)
		}

		// a transaction rejected for good cannot land
		if len(hash) > 0 && (s.err == nil || types.IsTransient(s.err)) {
			s.hash = "0x" + hex.EncodeToString(hash)
		}

		s.at = p.now()
		close(s.done)
	}()

	return s
}

// submit sends a contract call from a. Calls repeating key while a submission is in flight, or after it succeeded,
// get that submission's result instead of sending again. A submission that failed after signing, or the prior
// attempt of the caller, is looked up on chain first. Transient failures with a known hash return a
// *types.SubmitError.
func (p *Polygon) submit(ctx context.Context, op, key string, prior *types.TxRef, a account, to common.Address,
	data []byte) (string, error) {
	s, failed := p.lookup(key)
	if s == nil {
		if failed != nil {
			prior = failed
		}

		hash, done, err := p.settled(ctx, op, prior)
		if err != nil {
			return "", err
		}

		if done {
			p.log.Info().Str("op", op).Str("hash", hash).Msg("earlier transaction landed")

			return hash, nil
		}

		s = p.start(op, key, a, to, data)
	}

	select {
	case <-s.done:
		if s.err != nil && s.hash != "" {
			return "", &types.SubmitError{Ref: types.TxRef{Chain: types.ChainPolygon, Signature: s.hash,
				Status: types.TxPending, SubmittedAt: s.at.UTC()}, Err: s.err}
		}

		if s.err != nil {
			return "", s.err
		}

		p.log.Debug().Str("op", op).Str("hash", s.hash).Msg("transaction sent")

		return s.hash, nil
	case <-ctx.Done():
		return "", types.Unavailable(op, ctx.Err())
	}
}

func (p *Polygon) txRef(hash string) types.TxRef {
	return types.TxRef{Chain: types.ChainPolygon, Signature: hash, Status: types.TxPending,
		SubmittedAt: p.now().UTC()}
}

// decimals reads decimals() at the token, reporting false when the contract does not answer.
func (p *Polygon) decimals(ctx context.Context, token common.Address) (uint8, bool) {
	var dec uint64

	err := wait(ctx, "decimals", func() error {
		return p.p.do("decimals", func(n node) (err error) {
			dec, err = n.Decimals(token.Hex())

			return err
		})
	})

	return uint8(dec), err == nil
}

// CreateTokenMint deploys the share type token through the factory unless it answers already.
func (p *Polygon) CreateTokenMint(ctx context.Context, r types.MintRequest) (types.MintRecord, error) {
	if err := r.Validate(); err != nil {
		return types.MintRecord{}, err
	}

	a, err := p.resolve(r.Signer)
	if err != nil {
		return types.MintRecord{}, err
	}

	token := TokenAddress(p.factory, p.initCodeHash, r.OrgID, r.ShareTypeID)
	rec := types.MintRecord{OrgID: r.OrgID, ShareTypeID: r.ShareTypeID, Chain: types.ChainPolygon,
		Address: token.Hex(), Decimals: r.Decimals, CreatedAt: p.now().UTC()}

	if dec, ok := p.decimals(ctx, token); ok {
		rec.Decimals = dec

		return rec, nil
	}

	data, err := packDeploy(Salt(r.OrgID, r.ShareTypeID), r.Decimals)
	if err != nil {
		return types.MintRecord{}, types.Invalidf("cannot encode deploy: %v", err)
	}

	hash, err := p.submit(ctx, "create_mint", "deploy:"+rec.Address, nil, a, p.factory, data)
	if err != nil {
		// a deploy of an existing token reverts
		if errors.Is(err, types.ErrInvalidRequest) {
			if dec, ok := p.decimals(ctx, token); ok {
				rec.Decimals = dec

				return rec, nil
			}
		}

		return types.MintRecord{}, err
	}

	rec.Signature = hash

	p.log.Info().Str("org", r.OrgID).Str("shareType", r.ShareTypeID).Str("token", rec.Address).
		Str("hash", hash).Msg("token deployed")

	return rec, nil
}

// IssueShares mints the quantity to the recipient.
func (p *Polygon) IssueShares(ctx context.Context, r types.IssueRequest) (types.TxRef, error) {
	amount, err := r.Validate()
	if err != nil {
		return types.TxRef{}, err
	}

	if amount.Cmp(maxUint256) > 0 {
		return types.TxRef{}, types.Invalidf("quantity %s exceeds uint256", r.Quantity)
	}

	if !common.IsHexAddress(r.Recipient) {
		return types.TxRef{}, fmt.Errorf("%w: %s", types.ErrInvalidRecipient, r.Recipient)
	}

	if !common.IsHexAddress(r.Mint.Address) {
		return types.TxRef{}, types.Invalidf("mint %s is not an address", r.Mint.Address)
	}

	a, err := p.resolve(r.Signer)
	if err != nil {
		return types.TxRef{}, err
	}

	data, err := packMint(common.HexToAddress(r.Recipient), amount)
	if err != nil {
		return types.TxRef{}, types.Invalidf("cannot encode mint: %v", err)
	}

	key := "issue:" + r.Mint.Address + ":" + r.Recipient + ":" + amount.String()
	if r.IdempotencyKey != "" {
		key = "issue:" + r.IdempotencyKey
	}

	hash, err := p.submit(ctx, "issue", key, r.Prior, a, common.HexToAddress(r.Mint.Address), data)
	if err != nil {
		return types.TxRef{}, err
	}

	return p.txRef(hash), nil
}

// CommitProposalEvent records the payload hash in the registry under the subject key.
func (p *Polygon) CommitProposalEvent(ctx context.Context, r types.CommitRequest) (types.TxRef, error) {
	h, err := r.Validate()
	if err != nil {
		return types.TxRef{}, err
	}

	code, _ := r.EventType.CommitCode()

	a, err := p.resolve(r.Signer)
	if err != nil {
		return types.TxRef{}, err
	}

	data, err := packCommit(SubjectKey(r.OrgID, r.SubjectID), code, h)
	if err != nil {
		return types.TxRef{}, types.Invalidf("cannot encode commit: %v", err)
	}

	key := "commit:" + r.OrgID + ":" + r.SubjectID + ":" + string(r.EventType) + ":" + types.HashHex(h)

	hash, err := p.submit(ctx, "commit", key, r.Prior, a, p.registry, data)
	if err != nil {
		return types.TxRef{}, err
	}

	return p.txRef(hash), nil
}

func validHash(ref types.TxRef) error {
	if b := common.FromHex(ref.Signature); len(b) != common.HashLength || !strings.HasPrefix(ref.Signature, "0x") {
		return types.Invalidf("transaction hash %q", ref.Signature)
	}

	return nil
}

func unknownTx(err error) bool {
	return errors.Is(err, errTxUnknown) || strings.Contains(strings.ToLower(err.Error()), "not found")
}

func (p *Polygon) tx(ctx context.Context, hash string) (status uint8, data []byte, to string, err error) {
	err = wait(ctx, "get_transaction", func() error {
		return p.p.do("get_transaction", func(n node) (err error) {
			status, data, to, err = n.Tx(hash)

			return err
		})
	})

	return
}

// GetTransactionStatus maps the node's transaction status. Unknown hashes are still Pending.
func (p *Polygon) GetTransactionStatus(ctx context.Context, ref types.TxRef) (types.TxStatus, error) {
	if err := validHash(ref); err != nil {
		return "", err
	}

	status, _, _, err := p.tx(ctx, ref.Signature)

	switch {
	case err != nil && unknownTx(err):
		return types.TxPending, nil
	case err != nil:
		return "", types.Unavailable("get_transaction", err)
	case status == ethcli.TrxPending:
		return types.TxPending, nil
	case status == ethcli.TrxFailed:
		return types.TxFailed, nil
	}

	return types.TxConfirmed, nil
}

// GetAccountInfo returns the native balance and, for share tokens, their decimals.
func (p *Polygon) GetAccountInfo(ctx context.Context, address string) (types.AccountInfo, error) {
	if !common.IsHexAddress(address) {
		return types.AccountInfo{}, types.Invalidf("address %q", address)
	}

	wei := new(big.Int)

	err := wait(ctx, "get_balance", func() error {
		return p.p.do("get_balance", func(n node) error {
			return n.Balance(address, wei)
		})
	})
	if err != nil {
		return types.AccountInfo{}, types.Unavailable("get_balance", err)
	}

	info := types.AccountInfo{Address: address, Balance: wei.String(), Exists: wei.Sign() > 0}

	if dec, ok := p.decimals(ctx, common.HexToAddress(address)); ok {
		info.Exists = true
		info.Executable = true
		info.Mint = &types.MintInfo{Decimals: dec}
	}

	return info, nil
}

// GetCommitment decodes the registry call of a transaction.
func (p *Polygon) GetCommitment(ctx context.Context, ref types.TxRef) (types.Commitment, error) {
	if err := validHash(ref); err != nil {
		return types.Commitment{}, err
	}

	status, data, to, err := p.tx(ctx, ref.Signature)
	if err != nil {
		if unknownTx(err) {
			return types.Commitment{}, fmt.Errorf("%w: transaction %s", types.ErrNotFound, ref.Signature)
		}

		return types.Commitment{}, types.Unavailable("get_transaction", err)
	}

	if !common.IsHexAddress(to) || common.HexToAddress(to) != p.registry {
		return types.Commitment{}, fmt.Errorf("%w: transaction %s is not a registry call", types.ErrNotFound,
			ref.Signature)
	}

	c, err := unpackCommit(data)
	if err != nil {
		return types.Commitment{}, err
	}

	c.Signature = ref.Signature

	switch status {
	case ethcli.TrxPending:
		c.Status = types.TxPending
	case ethcli.TrxFailed:
		c.Status = types.TxFailed
	default:
		c.Status = types.TxConfirmed
	}

	return c, nil
}

// Health reads the balance of the zero address.
func (p *Polygon) Health(ctx context.Context) error {
	return wait(ctx, "health", func() error {
		err := p.p.do("health", func(n node) error {
			return n.Balance(common.Address{}.Hex(), new(big.Int))
		})
		if err != nil {
			return types.Unavailable("health", err)
		}

		return nil
	})
}
