package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
)

// client is the subset of the Solana JSON-RPC API used by the adapter.
type client interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// BlockhashValid reports whether transactions built on h can still be processed.
	BlockhashValid(ctx context.Context, h solana.Hash) (bool, error)
	Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// Status returns nil when the signature is unknown to the cluster.
	Status(ctx context.Context, sig solana.Signature) (*sigStatus, error)
	// Account returns nil when the account does not exist.
	Account(ctx context.Context, pk solana.PublicKey) (*account, error)
	RentExempt(ctx context.Context, size uint64) (uint64, error)
	// Transaction returns nil when the transaction is unknown, and whether it failed on chain.
	Transaction(ctx context.Context, sig solana.Signature) (*solana.Transaction, bool, error)
	Health(ctx context.Context) error
}

type sigStatus struct {
	Confirmation rpc.ConfirmationStatusType
	Failed       bool
}

type account struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

// errAnswered marks node replies that another endpoint would answer the same way.
var errAnswered = errors.New("node answered")

// rpcClient spreads calls over several endpoints with round-robin failover.
type rpcClient struct {
	clients    []*rpc.Client
	index      uint64
	commitment rpc.CommitmentType
	log        zerolog.Logger
}

func newRPCClient(urls []string, commitment rpc.CommitmentType, log zerolog.Logger) (*rpcClient, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	rc := &rpcClient{commitment: commitment, log: log}
	for _, url := range urls {
		rc.clients = append(rc.clients, rpc.New(url))
	}

	return rc, nil
}

// executeWithFailover runs fn on the next endpoint, moving on to the following one on transport failures. Errors
// wrapped with errAnswered stop the loop.
func (rc *rpcClient) executeWithFailover(ctx context.Context, operation string, fn func(*rpc.Client) error) error {
	var err error

	for attempt := 0; attempt < len(rc.clients); attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		index := atomic.AddUint64(&rc.index, 1) - 1
		client := rc.clients[index%uint64(len(rc.clients))]

		if err = fn(client); err == nil || errors.Is(err, errAnswered) {
			return err
		}

		rc.log.Warn().Str("operation", operation).Int("attempt", attempt+1).Err(err).
			Msg("operation failed, trying next endpoint")
	}

	return fmt.Errorf("operation %s failed after trying %d endpoints: %w", operation, len(rc.clients), err)
}

func (rc *rpcClient) LatestBlockhash(ctx context.Context) (h solana.Hash, err error) {
	err = rc.executeWithFailover(ctx, "get_latest_blockhash", func(c *rpc.Client) error {
		out, err := c.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			return err
		}

		h = out.Value.Blockhash

		return nil
	})

	return
}

func (rc *rpcClient) BlockhashValid(ctx context.Context, h solana.Hash) (valid bool, err error) {
	err = rc.executeWithFailover(ctx, "is_blockhash_valid", func(c *rpc.Client) error {
		out, err := c.IsBlockhashValid(ctx, h, rpc.CommitmentProcessed)
		if err != nil {
			return err
		}

		valid = out != nil && out.Value

		return nil
	})

	return
}

// preflight reports node rejections of a transaction, as opposed to transport failures.
func preflight(err error) bool {
	s := err.Error()

	return strings.Contains(s, "simulation failed") || strings.Contains(s, "Blockhash not found") ||
		strings.Contains(s, "already been processed") || strings.Contains(s, "insufficient funds")
}

func (rc *rpcClient) Send(ctx context.Context, tx *solana.Transaction) (sig solana.Signature, err error) {
	err = rc.executeWithFailover(ctx, "send_transaction", func(c *rpc.Client) error {
		var err error

		sig, err = c.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{PreflightCommitment: rc.commitment})
		if err != nil && preflight(err) {
			return fmt.Errorf("%w: %v", errAnswered, err)
		}

		return err
	})

	return
}

func (rc *rpcClient) Status(ctx context.Context, sig solana.Signature) (st *sigStatus, err error) {
	err = rc.executeWithFailover(ctx, "get_signature_statuses", func(c *rpc.Client) error {
		out, err := c.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			return err
		}

		st = nil
		if len(out.Value) > 0 && out.Value[0] != nil {
			st = &sigStatus{Confirmation: out.Value[0].ConfirmationStatus, Failed: out.Value[0].Err != nil}
		}

		return nil
	})

	return
}

func (rc *rpcClient) Account(ctx context.Context, pk solana.PublicKey) (acc *account, err error) {
	err = rc.executeWithFailover(ctx, "get_account_info", func(c *rpc.Client) error {
		out, err := c.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: rc.commitment,
		})
		if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
			acc = nil

			return nil
		}

		if err != nil {
			return err
		}

		acc = &account{
			Lamports:   out.Value.Lamports,
			Owner:      out.Value.Owner,
			Data:       out.Value.Data.GetBinary(),
			Executable: out.Value.Executable,
		}

		return nil
	})

	return
}

func (rc *rpcClient) RentExempt(ctx context.Context, size uint64) (lamports uint64, err error) {
	err = rc.executeWithFailover(ctx, "get_minimum_balance_for_rent_exemption", func(c *rpc.Client) error {
		var err error
		lamports, err = c.GetMinimumBalanceForRentExemption(ctx, size, rc.commitment)

		return err
	})

	return
}

func (rc *rpcClient) Transaction(ctx context.Context, sig solana.Signature) (tx *solana.Transaction, failed bool,
	err error) {
	err = rc.executeWithFailover(ctx, "get_transaction", func(c *rpc.Client) error {
		maxVersion := uint64(0)

		out, err := c.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     rpc.CommitmentConfirmed,
			MaxSupportedTransactionVersion: &maxVersion,
		})
		if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Transaction == nil)) {
			tx = nil

			return nil
		}

		if err != nil {
			return err
		}

		if tx, err = out.Transaction.GetTransaction(); err != nil {
			return fmt.Errorf("%w: cannot decode transaction: %v", errAnswered, err)
		}

		failed = out.Meta != nil && out.Meta.Err != nil

		return nil
	})

	return
}

// Health succeeds when any endpoint reports ok.
func (rc *rpcClient) Health(ctx context.Context) error {
	var err error

	for _, c := range rc.clients {
		var health string
		if health, err = c.GetHealth(ctx); err == nil && health == "ok" {
			return nil
		}

		if err == nil {
			err = fmt.Errorf("node health %q", health)
		}
	}

	return err
}
