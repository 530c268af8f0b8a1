package solana

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanengagement/chainadp/lib/chain/types"
)

type fakeClient struct {
	mu       sync.Mutex
	accounts map[solana.PublicKey]*account
	statuses map[solana.Signature]*sigStatus
	txs      map[solana.Signature]*solana.Transaction
	sent     []*solana.Transaction
	sendErrs []error
	// accepted makes failed sends land anyway, as when the reply to an accepted transaction is lost.
	accepted  bool
	blockhash solana.Hash
	expired   map[solana.Hash]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		accounts: make(map[solana.PublicKey]*account),
		statuses: make(map[solana.Signature]*sigStatus),
		txs:      make(map[solana.Signature]*solana.Transaction),
		expired:  make(map[solana.Hash]bool),
	}
}

func (f *fakeClient) LatestBlockhash(context.Context) (solana.Hash, error) {
	if f.blockhash.IsZero() {
		return solana.Hash{1, 2, 3}, nil
	}

	return f.blockhash, nil
}

func (f *fakeClient) BlockhashValid(_ context.Context, h solana.Hash) (bool, error) {
	return !f.expired[h], nil
}

func (f *fakeClient) Send(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, tx)

	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]

		if f.accepted {
			f.txs[tx.Signatures[0]] = tx
			f.statuses[tx.Signatures[0]] = &sigStatus{Confirmation: rpc.ConfirmationStatusProcessed}
		}

		return solana.Signature{}, err
	}

	f.txs[tx.Signatures[0]] = tx

	return tx.Signatures[0], nil
}

func (f *fakeClient) Status(_ context.Context, sig solana.Signature) (*sigStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.statuses[sig], nil
}

func (f *fakeClient) Account(_ context.Context, pk solana.PublicKey) (*account, error) {
	return f.accounts[pk], nil
}

func (f *fakeClient) RentExempt(context.Context, uint64) (uint64, error) { return 1461600, nil }

func (f *fakeClient) Transaction(_ context.Context, sig solana.Signature) (*solana.Transaction, bool, error) {
	return f.txs[sig], false, nil
}

func (f *fakeClient) Health(context.Context) error { return nil }

func mintAccount(decimals uint8, supply uint64) *account {
	data := make([]byte, mintSize)
	binary.LittleEndian.PutUint64(data[36:44], supply)
	data[44] = decimals
	data[45] = 1

	return &account{Lamports: 1461600, Owner: solana.TokenProgramID, Data: data}
}

func newTestAdapter(t *testing.T, program solana.PublicKey) (*Solana, *fakeClient, solana.PrivateKey) {
	t.Helper()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	f := newFakeClient()

	return newSolana("solana-test", f, key, program, zerolog.Nop()), f, key
}

func programOf(tx *solana.Transaction, ix solana.CompiledInstruction) solana.PublicKey {
	return tx.Message.AccountKeys[ix.ProgramIDIndex]
}

func TestCreateTokenMint(t *testing.T) {
	s, f, key := newTestAdapter(t, solana.PublicKey{})
	ctx := context.Background()

	req := types.MintRequest{OrgID: uuid.NewString(), ShareTypeID: "common", Decimals: 2}

	rec, err := s.CreateTokenMint(ctx, req)
	require.NoError(t, err)

	want, err := MintAddress(key.PublicKey(), req.OrgID, req.ShareTypeID)
	require.NoError(t, err)
	assert.Equal(t, want.String(), rec.Address)
	assert.Equal(t, types.ChainSolana, rec.Chain)
	assert.NotEmpty(t, rec.Signature)

	require.Len(t, f.sent, 1)
	tx := f.sent[0]
	require.Len(t, tx.Message.Instructions, 2)
	assert.Equal(t, solana.SystemProgramID, programOf(tx, tx.Message.Instructions[0]))
	assert.Equal(t, solana.TokenProgramID, programOf(tx, tx.Message.Instructions[1]))
	assert.Equal(t, byte(tokenInitializeMint2), tx.Message.Instructions[1].Data[0])
	assert.Equal(t, byte(2), tx.Message.Instructions[1].Data[1])

	// once the mint is on chain nothing is sent
	f.accounts[want] = mintAccount(2, 0)

	again, err := s.CreateTokenMint(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, rec.Address, again.Address)
	assert.Empty(t, again.Signature)
	assert.Len(t, f.sent, 1)

	// a different share type derives a different mint
	other, err := s.CreateTokenMint(ctx, types.MintRequest{OrgID: req.OrgID, ShareTypeID: "preferred"})
	require.NoError(t, err)
	assert.NotEqual(t, rec.Address, other.Address)

	_, err = s.CreateTokenMint(ctx, types.MintRequest{OrgID: req.OrgID, ShareTypeID: "x", Decimals: 19})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestCreateTokenMintAddressInUse(t *testing.T) {
	s, f, key := newTestAdapter(t, solana.PublicKey{})

	addr, err := MintAddress(key.PublicKey(), "org", "common")
	require.NoError(t, err)

	f.accounts[addr] = &account{Lamports: 1, Owner: solana.SystemProgramID}

	_, err = s.CreateTokenMint(context.Background(), types.MintRequest{OrgID: "org", ShareTypeID: "common"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.Empty(t, f.sent)
}

func TestIssueShares(t *testing.T) {
	s, f, key := newTestAdapter(t, solana.PublicKey{})
	ctx := context.Background()

	mint, err := MintAddress(key.PublicKey(), "org", "common")
	require.NoError(t, err)

	rec := types.MintRecord{OrgID: "org", ShareTypeID: "common", Chain: types.ChainSolana, Address: mint.String(),
		Decimals: 2}
	holder, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	// mint not visible yet
	_, err = s.IssueShares(ctx, types.IssueRequest{Mint: rec, Recipient: holder.PublicKey().String(), Quantity: "1"})
	assert.True(t, types.IsTransient(err))
	assert.Empty(t, f.sent)

	f.accounts[mint] = mintAccount(2, 0)

	ref, err := s.IssueShares(ctx, types.IssueRequest{Mint: rec, Recipient: holder.PublicKey().String(),
		Quantity: "1.5", IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, types.TxPending, ref.Status)

	require.Len(t, f.sent, 1)
	tx := f.sent[0]
	assert.Equal(t, tx.Signatures[0].String(), ref.Signature)
	require.Len(t, tx.Message.Instructions, 3)

	ata, err := AssociatedTokenAddress(holder.PublicKey(), mint)
	require.NoError(t, err)
	assert.Equal(t, AssociatedTokenProgramID, programOf(tx, tx.Message.Instructions[0]))
	assert.Contains(t, tx.Message.AccountKeys, ata)

	mt := tx.Message.Instructions[1]
	assert.Equal(t, solana.TokenProgramID, programOf(tx, mt))
	assert.Equal(t, byte(tokenMintTo), mt.Data[0])
	assert.Equal(t, uint64(150), binary.LittleEndian.Uint64(mt.Data[1:9]))

	assert.Equal(t, MemoProgramID, programOf(tx, tx.Message.Instructions[2]))
	assert.Equal(t, "fe1:issue:key-1", string(tx.Message.Instructions[2].Data))

	// rejected before anything is sent
	_, err = s.IssueShares(ctx, types.IssueRequest{Mint: rec, Recipient: holder.PublicKey().String(), Quantity: "1.555"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	_, err = s.IssueShares(ctx, types.IssueRequest{Mint: rec, Recipient: "not-a-key", Quantity: "1"})
	assert.ErrorIs(t, err, types.ErrInvalidRecipient)
	_, err = s.IssueShares(ctx, types.IssueRequest{Mint: rec, Recipient: holder.PublicKey().String(), Quantity: "0"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
	assert.Len(t, f.sent, 1)
}

func TestIssueSharesResend(t *testing.T) {
	s, f, key := newTestAdapter(t, solana.PublicKey{})
	ctx := context.Background()

	mint, err := MintAddress(key.PublicKey(), "org", "common")
	require.NoError(t, err)
	f.accounts[mint] = mintAccount(0, 0)

	holder, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	req := types.IssueRequest{Mint: types.MintRecord{Address: mint.String()}, Recipient: holder.PublicKey().String(),
		Quantity: "10", IdempotencyKey: "key-2"}

	f.sendErrs = []error{errors.New("connection reset by peer")}

	_, err = s.IssueShares(ctx, req)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))

	ref, err := s.IssueShares(ctx, req)
	require.NoError(t, err)

	require.Len(t, f.sent, 2)
	assert.Same(t, f.sent[0], f.sent[1])
	assert.Equal(t, f.sent[0].Signatures[0].String(), ref.Signature)

	// a landed transaction reported as processed is a success
	f.sendErrs = []error{errors.New("Transaction simulation failed: This transaction has already been processed")}

	again, err := s.IssueShares(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ref.Signature, again.Signature)
}

func issueFixture(t *testing.T) (*Solana, *fakeClient, types.IssueRequest) {
	t.Helper()

	s, f, key := newTestAdapter(t, solana.PublicKey{})

	mint, err := MintAddress(key.PublicKey(), "org", "common")
	require.NoError(t, err)
	f.accounts[mint] = mintAccount(0, 0)

	holder, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	return s, f, types.IssueRequest{Mint: types.MintRecord{Address: mint.String()},
		Recipient: holder.PublicKey().String(), Quantity: "10", IdempotencyKey: "key-3"}
}

func distinct(txs []*solana.Transaction) int {
	sigs := make(map[solana.Signature]bool)
	for _, tx := range txs {
		sigs[tx.Signatures[0]] = true
	}

	return len(sigs)
}

func TestIssueSharesLostReply(t *testing.T) {
	s, f, req := issueFixture(t)
	ctx := context.Background()

	start := time.Now()
	s.now = func() time.Time { return start }

	f.accepted = true
	f.sendErrs = []error{errors.New("read tcp 10.0.0.1:443: i/o timeout")}

	_, err := s.IssueShares(ctx, req)
	require.Error(t, err)
	assert.True(t, types.IsTransient(err))

	submitted, ok := types.Submitted(err)
	require.True(t, ok)
	assert.Equal(t, f.sent[0].Signatures[0].String(), submitted.Signature)

	// a retry well after the first attempt finds the landed transaction
	s.now = func() time.Time { return start.Add(61 * time.Second) }

	ref, err := s.IssueShares(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, submitted.Signature, ref.Signature)
	assert.Len(t, f.sent, 1)
	assert.Equal(t, 1, distinct(f.sent))
}

func TestIssueSharesExpiredBlockhash(t *testing.T) {
	s, f, req := issueFixture(t)
	ctx := context.Background()

	f.sendErrs = []error{errors.New("connection reset by peer")}

	_, err := s.IssueShares(ctx, req)
	require.Error(t, err)

	f.expired[solana.Hash{1, 2, 3}] = true
	f.blockhash = solana.Hash{4, 5, 6}

	ref, err := s.IssueShares(ctx, req)
	require.NoError(t, err)
	require.Len(t, f.sent, 2)
	assert.Equal(t, 2, distinct(f.sent))
	assert.Equal(t, solana.Hash{4, 5, 6}, f.sent[1].Message.RecentBlockhash)
	assert.Equal(t, f.sent[1].Signatures[0].String(), ref.Signature)
}

func TestIssueSharesPrior(t *testing.T) {
	now := time.Now()
	priorSig := solana.Signature{7, 7, 7}

	tests := []struct {
		name      string
		status    *sigStatus
		chain     types.Chain
		age       time.Duration
		wantSent  int
		wantPrior bool
		wantErr   bool
	}{
		{"landed", &sigStatus{Confirmation: rpc.ConfirmationStatusConfirmed}, types.ChainSolana, 10 * time.Minute,
			0, true, false},
		{"may still land", nil, types.ChainSolana, 30 * time.Second, 0, false, true},
		{"expired", nil, types.ChainSolana, 5 * time.Minute, 1, false, false},
		{"failed", &sigStatus{Confirmation: rpc.ConfirmationStatusFinalized, Failed: true}, types.ChainSolana,
			30 * time.Second, 1, false, false},
		{"other chain", nil, types.ChainPolygon, 30 * time.Second, 1, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, f, req := issueFixture(t)
			s.now = func() time.Time { return now }

			if tt.status != nil {
				f.statuses[priorSig] = tt.status
			}

			req.Prior = &types.TxRef{Chain: tt.chain, Signature: priorSig.String(), Status: types.TxPending,
				SubmittedAt: now.Add(-tt.age)}

			ref, err := s.IssueShares(context.Background(), req)
			assert.Len(t, f.sent, tt.wantSent)

			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, types.IsTransient(err))

				got, ok := types.Submitted(err)
				require.True(t, ok)
				assert.Equal(t, priorSig.String(), got.Signature)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantPrior, ref.Signature == priorSig.String())
		})
	}
}

func TestCommitProposalEvent(t *testing.T) {
	program, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	s, f, _ := newTestAdapter(t, program.PublicKey())
	ctx := context.Background()

	org, proposal := uuid.NewString(), uuid.NewString()
	hash := strings.Repeat("ab", 32)

	setProposal(t, f, program.PublicKey(), org, proposal, types.ProposalDraft)

	ref, err := s.CommitProposalEvent(ctx, types.CommitRequest{OrgID: org, SubjectID: proposal,
		EventType: types.EventProposalOpened, PayloadHash: "0x" + strings.ToUpper(hash)})
	require.NoError(t, err)
	require.Len(t, f.sent, 1)
	require.Len(t, f.sent[0].Message.Instructions, 2)

	text := string(f.sent[0].Message.Instructions[1].Data)
	pda, err := ProposalAddress(program.PublicKey(), org, proposal)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(text, ":"+pda.String()), text)

	c, err := s.GetCommitment(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, types.EventProposalOpened, c.EventType)
	assert.Equal(t, org, c.OrgID)
	assert.Equal(t, proposal, c.SubjectID)
	assert.Equal(t, hash, c.PayloadHash)
	assert.Equal(t, ref.Signature, c.Signature)

	_, err = s.CommitProposalEvent(ctx, types.CommitRequest{OrgID: org, SubjectID: proposal,
		EventType: types.EventSharesIssued, PayloadHash: hash})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = s.CommitProposalEvent(ctx, types.CommitRequest{OrgID: org, SubjectID: proposal,
		EventType: types.EventVoteCast, PayloadHash: "abcd"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)

	_, err = s.GetCommitment(ctx, types.TxRef{Signature: solana.Signature{9, 9}.String()})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetTransactionStatus(t *testing.T) {
	s, f, _ := newTestAdapter(t, solana.PublicKey{})
	ctx := context.Background()

	tests := []struct {
		name   string
		status *sigStatus
		want   types.TxStatus
	}{
		{"unknown", nil, types.TxPending},
		{"processed", &sigStatus{Confirmation: rpc.ConfirmationStatusProcessed}, types.TxPending},
		{"confirmed", &sigStatus{Confirmation: rpc.ConfirmationStatusConfirmed}, types.TxConfirmed},
		{"finalized", &sigStatus{Confirmation: rpc.ConfirmationStatusFinalized}, types.TxConfirmed},
		{"failed", &sigStatus{Confirmation: rpc.ConfirmationStatusFinalized, Failed: true}, types.TxFailed},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := solana.Signature{byte(i + 1)}
			f.statuses[sig] = tt.status

			got, err := s.GetTransactionStatus(ctx, types.TxRef{Signature: sig.String()})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := s.GetTransactionStatus(ctx, types.TxRef{Signature: "0xdead"})
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestGetAccountInfo(t *testing.T) {
	s, f, key := newTestAdapter(t, solana.PublicKey{})
	ctx := context.Background()

	info, err := s.GetAccountInfo(ctx, key.PublicKey().String())
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.Equal(t, "0", info.Balance)

	f.accounts[key.PublicKey()] = mintAccount(6, 1000)

	info, err = s.GetAccountInfo(ctx, key.PublicKey().String())
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, solana.TokenProgramID.String(), info.Owner)
	require.NotNil(t, info.Mint)
	assert.Equal(t, uint8(6), info.Mint.Decimals)
	assert.Equal(t, "1000", info.Mint.Supply)

	_, err = s.GetAccountInfo(ctx, "???")
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"Attempt to debit an account but found no record of a prior credit.", types.ErrInsufficientFunds},
		{"Transaction simulation failed: insufficient lamports 10, need 20", types.ErrInsufficientFunds},
		{"Transaction simulation failed: Blockhash not found", types.ErrNonceConflict},
		{"Transaction simulation failed: Error processing Instruction 1: custom program error: 0x4",
			types.ErrInvalidRequest},
		{"dial tcp: connection refused", types.ErrAdapterUnavailable},
	}

	for _, tt := range tests {
		assert.ErrorIs(t, classify("send", errors.New(tt.msg)), tt.want, tt.msg)
	}

	assert.ErrorIs(t, classify("send", context.DeadlineExceeded), types.ErrAdapterUnavailable)
}

func TestParseKey(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	fromB58, err := ParseKey(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromB58.PublicKey())

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}

	doc, err := json.Marshal(ints)
	require.NoError(t, err)

	fromJSON, err := ParseKey(string(doc))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), fromJSON.PublicKey())

	_, err = ParseKey("[1,2,3]")
	assert.Error(t, err)

	t.Setenv("TEST_SOLANA_SIGNER", string(doc))

	s, _, _ := newTestAdapter(t, solana.PublicKey{})
	k, err := s.signer("env:TEST_SOLANA_SIGNER")
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), k.PublicKey())

	_, err = s.signer("hd:0")
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestPDA(t *testing.T) {
	program, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	org := uuid.NewString()

	a, err := OrganizationAddress(program.PublicKey(), org)
	require.NoError(t, err)
	b, err := OrganizationAddress(program.PublicKey(), org)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	p, err := ProposalAddress(program.PublicKey(), org, "p-1")
	require.NoError(t, err)
	r, err := ProposalResultsAddress(program.PublicKey(), org, "p-1")
	require.NoError(t, err)
	assert.NotEqual(t, p, r)
	assert.NotEqual(t, a, p)
}

func TestCommitMemo(t *testing.T) {
	c := types.Commitment{EventType: types.EventVoteCast, OrgID: "o", SubjectID: "v", PayloadHash: "aa"}

	got, err := ParseCommitMemo(FormatCommitMemo(c, ""))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	got, err = ParseCommitMemo(FormatCommitMemo(c, "acct"))
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = ParseCommitMemo("fe1:issue:key")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
