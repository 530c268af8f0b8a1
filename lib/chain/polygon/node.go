package polygon

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tarancss/ethcli"
)

// node is the subset of the ethcli client used by the adapter.
type node interface {
	Balance(address string, wei *big.Int) error
	Decimals(token string) (uint64, error)
	// Send submits a contract call with no value and returns the transaction hash. The hash is known once the
	// transaction is signed, so it comes along with errors of the submission itself.
	Send(from, to string, data []byte, key string, price uint64, dryRun bool) ([]byte, error)
	// Tx returns status, input data and recipient of a transaction, or errTxUnknown.
	Tx(hash string) (status uint8, data []byte, to string, err error)
	End()
}

type ethNode struct {
	c *ethcli.EthCli
}

func dial(url, secret string) (*ethNode, error) {
	c := ethcli.Init(url, secret)
	if c == nil {
		return nil, errors.New("cannot connect to polygon node " + url)
	}

	return &ethNode{c: c}, nil
}

// errTxUnknown is returned by Tx for hashes the node has never seen.
var errTxUnknown = errors.New("transaction not found")

func (n *ethNode) Balance(address string, wei *big.Int) error {
	b, _, err := n.c.GetBalance(address, "")
	if err != nil {
		return err
	}

	wei.Set(b)

	return nil
}

func (n *ethNode) Decimals(token string) (uint64, error) {
	return n.c.GetTokenDecimals(token)
}

func (n *ethNode) Send(from, to string, data []byte, key string, price uint64, dryRun bool) ([]byte, error) {
	_, _, hash, err := n.c.SendTrx(from, to, "", "0x0", data, key, price, dryRun)

	return hash, err
}

// Tx reads the transaction and its receipt. A transaction without a receipt is pending.
func (n *ethNode) Tx(hash string) (uint8, []byte, string, error) {
	t, err := n.c.GetTrx(hash)
	if err == nil {
		return t.Status, t.Data, t.To, nil
	}

	if !errors.Is(err, ethcli.ErrNoTrx) {
		return 0, nil, "", err
	}

	// ErrNoTrx stands for a missing transaction as well as a missing receipt
	var resp map[string]interface{}
	if err = n.c.GetTransactionByHash(hash, &resp); err != nil {
		if errors.Is(err, ethcli.ErrNoTrx) {
			return 0, nil, "", errTxUnknown
		}

		return 0, nil, "", err
	}

	_, _, data, _, to, _, _, err := n.c.DecodeGetTransactionResponse(hash, resp)
	if err != nil {
		return 0, nil, "", err
	}

	return ethcli.TrxPending, data, to, nil
}

func (n *ethNode) End() { _ = n.c.End() }

// errAnswered marks node replies that another node would answer the same way.
var errAnswered = errors.New("node answered")

// answered reports node rejections, as opposed to transport failures.
func answered(err error) bool {
	s := strings.ToLower(err.Error())

	return strings.Contains(s, "insufficient funds") || strings.Contains(s, "nonce too low") ||
		strings.Contains(s, "underpriced") || strings.Contains(s, "execution reverted") ||
		strings.Contains(s, "already known")
}

// pool spreads calls over the configured nodes with round-robin failover.
type pool struct {
	nodes []node
	index uint64
	log   zerolog.Logger
}

func (p *pool) do(operation string, fn func(node) error) error {
	var err error

	for attempt := 0; attempt < len(p.nodes); attempt++ {
		n := p.nodes[(atomic.AddUint64(&p.index, 1)-1)%uint64(len(p.nodes))]

		if err = fn(n); err == nil || answered(err) {
			return err
		}

		p.log.Warn().Str("operation", operation).Int("attempt", attempt+1).Err(err).
			Msg("operation failed, trying next node")
	}

	return fmt.Errorf("operation %s failed after trying %d nodes: %w", operation, len(p.nodes), err)
}

func (p *pool) end() {
	for _, n := range p.nodes {
		n.End()
	}
}
