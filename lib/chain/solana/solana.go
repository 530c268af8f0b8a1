// Package solana implements the chain adapter for Solana clusters. Share types are spl-token mints at addresses
// derived with CreateWithSeed from the signer, issuance mints to the holder's associated token account and
// governance events are committed as memos.
package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/util"
)

const (
	// blockhashLifetime bounds how long a transaction may still land after it was signed. Blockhashes expire after
	// 150 slots.
	blockhashLifetime = 2 * time.Minute
	// sentRetention bounds how long signed transactions are kept to answer retries of the same key.
	sentRetention = 30 * time.Minute
)

type sent struct {
	tx *solana.Transaction
	at time.Time
}

// Solana implements a chain adapter for one cluster.
type Solana struct {
	name       string
	c          client
	defaultKey solana.PrivateKey
	program    solana.PublicKey // governance program, zero when not configured
	locks      util.KeyedMutex
	log        zerolog.Logger
	now        func() time.Time

	mu   sync.Mutex // guards keys and sent
	keys map[string]solana.PrivateKey
	sent map[string]sent
}

// New returns an adapter connected to the nodes of c.
func New(c config.AdapterConfig, log zerolog.Logger) (*Solana, error) {
	commitment := rpc.CommitmentConfirmed
	if c.Commitment != "" {
		commitment = rpc.CommitmentType(c.Commitment)
	}

	log = log.With().Str("chain", string(types.ChainSolana)).Str("adapter", c.Name).Logger()

	rc, err := newRPCClient(c.Nodes, commitment, log)
	if err != nil {
		return nil, err
	}

	var key solana.PrivateKey
	if c.Signer != "" {
		if key, err = loadKey(c.Signer); err != nil {
			return nil, err
		}
	}

	var program solana.PublicKey
	if c.ProgramID != "" {
		if program, err = solana.PublicKeyFromBase58(c.ProgramID); err != nil {
			return nil, fmt.Errorf("invalid program id %s: %w", c.ProgramID, err)
		}
	}

	return newSolana(c.Name, rc, key, program, log), nil
}

func newSolana(name string, c client, key solana.PrivateKey, program solana.PublicKey, log zerolog.Logger) *Solana {
	return &Solana{
		name:       name,
		c:          c,
		defaultKey: key,
		program:    program,
		log:        log,
		now:        time.Now,
		keys:       make(map[string]solana.PrivateKey),
		sent:       make(map[string]sent),
	}
}

// Name of the adapter.
func (s *Solana) Name() string { return s.name }

// Close ends the adapter.
func (s *Solana) Close() {}

// Health checks the RPC endpoints.
func (s *Solana) Health(ctx context.Context) error {
	if err := s.c.Health(ctx); err != nil {
		return types.Unavailable("health", err)
	}

	return nil
}

// classify maps node rejections to the error taxonomy. Anything else is an availability problem.
func classify(op string, err error) error {
	msg := err.Error()

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s: %v", types.ErrAdapterUnavailable, op, err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient lamports"),
		strings.Contains(msg, "no record of a prior credit"):
		return fmt.Errorf("%w: %s: %v", types.ErrInsufficientFunds, op, err)
	case strings.Contains(msg, "Blockhash not found"), strings.Contains(msg, "already been processed"):
		return fmt.Errorf("%w: %s: %v", types.ErrNonceConflict, op, err)
	case strings.Contains(msg, "simulation failed"):
		return fmt.Errorf("%w: %s: %v", types.ErrInvalidRequest, op, err)
	}

	return types.Unavailable(op, err)
}

func (s *Solana) cached(key string) *solana.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, v := range s.sent {
		if now.Sub(v.at) > sentRetention {
			delete(s.sent, k)
		}
	}

	if v, ok := s.sent[key]; ok {
		return v.tx
	}

	return nil
}

func (s *Solana) remember(key string, tx *solana.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx == nil {
		delete(s.sent, key)

		return
	}

	s.sent[key] = sent{tx: tx, at: s.now()}
}

// inFlight wraps a transient error about a transaction that may still land.
func (s *Solana) inFlight(sig solana.Signature, err error) error {
	if !types.IsTransient(err) {
		return err
	}

	return &types.SubmitError{Ref: s.txRef(sig), Err: err}
}

// landed looks sig up in the transaction history. It is true when the transaction was processed and did not fail.
func (s *Solana) landed(ctx context.Context, sig solana.Signature) (bool, *sigStatus, error) {
	st, err := s.c.Status(ctx, sig)
	if err != nil {
		return false, nil, s.inFlight(sig, types.Unavailable("get_signature_statuses", err))
	}

	return st != nil && !st.Failed, st, nil
}

// resend settles a transaction signed earlier for the same key. done is true when it landed or was accepted again.
// A transaction that failed or can no longer land must be rebuilt.
func (s *Solana) resend(ctx context.Context, op string, tx *solana.Transaction) (done bool, err error) {
	sig := tx.Signatures[0]

	ok, st, err := s.landed(ctx, sig)
	if err != nil || ok {
		return ok, err
	}

	if st != nil {
		s.log.Warn().Str("op", op).Str("signature", sig.String()).Msg("transaction failed, rebuilding")

		return false, nil
	}

	valid, err := s.c.BlockhashValid(ctx, tx.Message.RecentBlockhash)
	if err != nil {
		return false, s.inFlight(sig, types.Unavailable("is_blockhash_valid", err))
	}

	if !valid {
		// it may have landed right before the blockhash expired
		ok, _, err = s.landed(ctx, sig)

		return ok, err
	}

	_, err = s.c.Send(ctx, tx)

	switch {
	case err == nil, strings.Contains(err.Error(), "already been processed"):
		return true, nil
	case strings.Contains(err.Error(), "Blockhash not found"):
		return false, nil
	}

	return false, s.inFlight(sig, classify(op, err))
}

// settled checks the transaction of an earlier attempt reported by the caller. The earlier transaction is gone from
// the cache, so it cannot be sent again: a new one is built once it failed or its blockhash has surely expired.
func (s *Solana) settled(ctx context.Context, op string, prior *types.TxRef) (solana.Signature, bool, error) {
	if prior == nil || prior.Signature == "" || (prior.Chain != "" && prior.Chain != types.ChainSolana) {
		return solana.Signature{}, false, nil
	}

	sig, err := solana.SignatureFromBase58(prior.Signature)
	if err != nil {
		return sig, false, nil
	}

	ok, st, err := s.landed(ctx, sig)

	switch {
	case err != nil, ok:
		return sig, ok, err
	case st == nil && s.now().Sub(prior.SubmittedAt) < blockhashLifetime:
		return sig, false, &types.SubmitError{Ref: *prior,
			Err: types.Unavailable(op, fmt.Errorf("transaction %s may still land", prior.Signature))}
	}

	return sig, false, nil
}

// submit signs and sends the instructions. Calls repeating key send the very same transaction again while its
// blockhash is valid, so a retry after a lost reply cannot execute twice. prior is an attempt reported by the caller
// whose transaction is no longer cached. Transient failures after signing return a *types.SubmitError.
func (s *Solana) submit(ctx context.Context, op, key string, prior *types.TxRef, signer solana.PrivateKey,
	ixs ...solana.Instruction) (solana.Signature, error) {
	if tx := s.cached(key); tx != nil {
		done, err := s.resend(ctx, op, tx)
		if err != nil {
			return solana.Signature{}, err
		}

		if done {
			return tx.Signatures[0], nil
		}

		s.remember(key, nil)
	} else if sig, done, err := s.settled(ctx, op, prior); err != nil || done {
		return sig, err
	}

	bh, err := s.c.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, types.Unavailable(op, err)
	}

	payer := signer.PublicKey()

	tx, err := solana.NewTransaction(ixs, bh, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("cannot build %s transaction: %w", op, err)
	}

	if _, err = tx.Sign(func(k solana.PublicKey) *solana.PrivateKey {
		if k.Equals(payer) {
			return &signer
		}

		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("cannot sign %s transaction: %w", op, err)
	}

	s.remember(key, tx)

	if _, err = s.c.Send(ctx, tx); err != nil {
		err = classify(op, err)
		if !types.IsTransient(err) || errors.Is(err, types.ErrNonceConflict) {
			s.remember(key, nil)

			return solana.Signature{}, err
		}

		return solana.Signature{}, s.inFlight(tx.Signatures[0], err)
	}

	s.log.Debug().Str("op", op).Str("signature", tx.Signatures[0].String()).Msg("transaction sent")

	return tx.Signatures[0], nil
}

func (s *Solana) txRef(sig solana.Signature) types.TxRef {
	return types.TxRef{Chain: types.ChainSolana, Signature: sig.String(), Status: types.TxPending,
		SubmittedAt: s.now().UTC()}
}

// CreateTokenMint creates the share type mint unless it exists already.
func (s *Solana) CreateTokenMint(ctx context.Context, r types.MintRequest) (types.MintRecord, error) {
	if err := r.Validate(); err != nil {
		return types.MintRecord{}, err
	}

	key, err := s.signer(r.Signer)
	if err != nil {
		return types.MintRecord{}, err
	}

	authority := key.PublicKey()
	unlock := s.locks.Lock(authority.String())
	defer unlock()

	seed := MintSeed(r.OrgID, r.ShareTypeID)

	mint, err := solana.CreateWithSeed(authority, seed, solana.TokenProgramID)
	if err != nil {
		return types.MintRecord{}, types.Invalidf("cannot derive mint: %v", err)
	}

	rec := types.MintRecord{OrgID: r.OrgID, ShareTypeID: r.ShareTypeID, Chain: types.ChainSolana,
		Address: mint.String(), Decimals: r.Decimals, CreatedAt: s.now().UTC()}

	acc, err := s.c.Account(ctx, mint)
	if err != nil {
		return types.MintRecord{}, types.Unavailable("get_account_info", err)
	}

	if acc != nil {
		info, ok := decodeMint(acc.Data)
		if !acc.Owner.Equals(solana.TokenProgramID) || !ok {
			return types.MintRecord{}, types.Invalidf("address %s is in use by another account", mint)
		}

		rec.Decimals = info.Decimals
		s.log.Info().Str("org", r.OrgID).Str("shareType", r.ShareTypeID).Str("mint", rec.Address).
			Msg("mint already exists")

		return rec, nil
	}

	rent, err := s.c.RentExempt(ctx, mintSize)
	if err != nil {
		return types.MintRecord{}, types.Unavailable("get_minimum_balance_for_rent_exemption", err)
	}

	sig, err := s.submit(ctx, "create_mint", "mint:"+rec.Address, nil, key,
		createAccountWithSeed(authority, mint, seed, rent, mintSize, solana.TokenProgramID),
		initializeMint2(mint, r.Decimals, authority),
	)
	if err != nil {
		return types.MintRecord{}, err
	}

	rec.Signature = sig.String()

	s.log.Info().Str("org", r.OrgID).Str("shareType", r.ShareTypeID).Str("mint", rec.Address).
		Str("signature", rec.Signature).Msg("mint created")

	return rec, nil
}

// IssueShares mints the quantity to the associated token account of the recipient, creating it when needed.
func (s *Solana) IssueShares(ctx context.Context, r types.IssueRequest) (types.TxRef, error) {
	amount, err := r.Validate()
	if err != nil {
		return types.TxRef{}, err
	}

	if !amount.IsUint64() {
		return types.TxRef{}, types.Invalidf("quantity %s exceeds the token supply range", r.Quantity)
	}

	recipient, err := solana.PublicKeyFromBase58(r.Recipient)
	if err != nil {
		return types.TxRef{}, fmt.Errorf("%w: %s: %v", types.ErrInvalidRecipient, r.Recipient, err)
	}

	mint, err := solana.PublicKeyFromBase58(r.Mint.Address)
	if err != nil {
		return types.TxRef{}, types.Invalidf("mint %s: %v", r.Mint.Address, err)
	}

	key, err := s.signer(r.Signer)
	if err != nil {
		return types.TxRef{}, err
	}

	authority := key.PublicKey()
	unlock := s.locks.Lock(authority.String())
	defer unlock()

	// the mint may have been created moments ago and not be visible at our commitment yet
	acc, err := s.c.Account(ctx, mint)
	if err != nil {
		return types.TxRef{}, types.Unavailable("get_account_info", err)
	}

	if acc == nil {
		return types.TxRef{}, types.Unavailable("issue", fmt.Errorf("mint %s not visible yet", mint))
	}

	ata, err := AssociatedTokenAddress(recipient, mint)
	if err != nil {
		return types.TxRef{}, fmt.Errorf("%w: %v", types.ErrInvalidRecipient, err)
	}

	ixs := []solana.Instruction{
		createIdempotentATA(authority, ata, recipient, mint),
		mintTo(mint, ata, authority, amount.Uint64()),
	}

	key2 := "issue:" + r.Mint.Address + ":" + r.Recipient + ":" + amount.String()
	if r.IdempotencyKey != "" {
		ixs = append(ixs, memo(authority, issueMemo(r.IdempotencyKey)))
		key2 = "issue:" + r.IdempotencyKey
	}

	sig, err := s.submit(ctx, "issue", key2, r.Prior, key, ixs...)
	if err != nil {
		return types.TxRef{}, err
	}

	return s.txRef(sig), nil
}

// proposalAccount returns the governance program account a commitment refers to, if any.
func (s *Solana) proposalAccount(r types.CommitRequest) string {
	if s.program.IsZero() {
		return ""
	}

	var (
		pda solana.PublicKey
		err error
	)

	switch r.EventType {
	case types.EventOrganizationCreated:
		pda, err = OrganizationAddress(s.program, r.OrgID)
	case types.EventProposalCreated, types.EventProposalOpened, types.EventProposalClosed:
		pda, err = ProposalAddress(s.program, r.OrgID, r.SubjectID)
	case types.EventProposalFinalized, types.EventResultsCommitted:
		pda, err = ProposalResultsAddress(s.program, r.OrgID, r.SubjectID)
	default:
		return ""
	}

	if err != nil {
		return ""
	}

	return pda.String()
}

// CommitProposalEvent writes the payload hash of a governance event in a memo. With a governance program configured
// the same transaction applies the event to the program accounts.
func (s *Solana) CommitProposalEvent(ctx context.Context, r types.CommitRequest) (types.TxRef, error) {
	h, err := r.Validate()
	if err != nil {
		return types.TxRef{}, err
	}

	key, err := s.signer(r.Signer)
	if err != nil {
		return types.TxRef{}, err
	}

	authority := key.PublicKey()
	unlock := s.locks.Lock(authority.String())
	defer unlock()

	ixs, err := s.governance(ctx, r, h, authority)
	if err != nil {
		return types.TxRef{}, err
	}

	text := FormatCommitMemo(types.Commitment{EventType: r.EventType, OrgID: r.OrgID, SubjectID: r.SubjectID,
		PayloadHash: types.HashHex(h)}, s.proposalAccount(r))

	sig, err := s.submit(ctx, "commit", text, r.Prior, key, append(ixs, memo(authority, text))...)
	if err != nil {
		return types.TxRef{}, err
	}

	return s.txRef(sig), nil
}

func parseSignature(ref types.TxRef) (solana.Signature, error) {
	sig, err := solana.SignatureFromBase58(ref.Signature)
	if err != nil {
		return sig, types.Invalidf("signature %q: %v", ref.Signature, err)
	}

	return sig, nil
}

// GetTransactionStatus maps the cluster confirmation status. Unknown signatures are still Pending.
func (s *Solana) GetTransactionStatus(ctx context.Context, ref types.TxRef) (types.TxStatus, error) {
	sig, err := parseSignature(ref)
	if err != nil {
		return "", err
	}

	st, err := s.c.Status(ctx, sig)
	if err != nil {
		return "", types.Unavailable("get_signature_statuses", err)
	}

	switch {
	case st == nil:
		return types.TxPending, nil
	case st.Failed:
		return types.TxFailed, nil
	case st.Confirmation == rpc.ConfirmationStatusConfirmed, st.Confirmation == rpc.ConfirmationStatusFinalized:
		return types.TxConfirmed, nil
	}

	return types.TxPending, nil
}

// GetAccountInfo returns lamports, owner and, for token mints, supply and decimals. Accounts of the governance
// program are decoded too.
func (s *Solana) GetAccountInfo(ctx context.Context, address string) (types.AccountInfo, error) {
	pk, err := solana.PublicKeyFromBase58(address)
	if err != nil {
		return types.AccountInfo{}, types.Invalidf("address %q: %v", address, err)
	}

	acc, err := s.c.Account(ctx, pk)
	if err != nil {
		return types.AccountInfo{}, types.Unavailable("get_account_info", err)
	}

	info := types.AccountInfo{Address: address, Balance: "0"}
	if acc == nil {
		return info, nil
	}

	info.Exists = true
	info.Owner = acc.Owner.String()
	info.Balance = fmt.Sprintf("%d", acc.Lamports)
	info.Executable = acc.Executable

	if acc.Owner.Equals(solana.TokenProgramID) {
		if m, ok := decodeMint(acc.Data); ok {
			info.Mint = m
		}
	}

	if !s.program.IsZero() && acc.Owner.Equals(s.program) {
		if g, ok := decodeGovernance(acc.Data); ok {
			info.Governance = g
		}
	}

	return info, nil
}

// GetCommitment reads back the commitment memo of a transaction. The payload hash of committed results is read from
// the results account when the governance program is configured.
func (s *Solana) GetCommitment(ctx context.Context, ref types.TxRef) (types.Commitment, error) {
	sig, err := parseSignature(ref)
	if err != nil {
		return types.Commitment{}, err
	}

	tx, failed, err := s.c.Transaction(ctx, sig)
	if err != nil {
		return types.Commitment{}, types.Unavailable("get_transaction", err)
	}

	if tx == nil {
		return types.Commitment{}, fmt.Errorf("%w: transaction %s", types.ErrNotFound, ref.Signature)
	}

	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(tx.Message.AccountKeys) ||
			!tx.Message.AccountKeys[ix.ProgramIDIndex].Equals(MemoProgramID) {
			continue
		}

		c, err := ParseCommitMemo(string(ix.Data))
		if err != nil {
			continue
		}

		c.Signature = ref.Signature
		c.Status = types.TxConfirmed

		if failed {
			c.Status = types.TxFailed

			return c, nil
		}

		if !s.program.IsZero() && c.EventType == types.EventResultsCommitted {
			res, err := s.results(ctx, c)
			if err != nil {
				return types.Commitment{}, err
			}

			c.PayloadHash = res.ResultsHash
		}

		return c, nil
	}

	return types.Commitment{}, fmt.Errorf("%w: no commitment in transaction %s", types.ErrNotFound, ref.Signature)
}
